package aiengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xqserver/xqserver/internal/xiangqi"
)

func TestManager_StartCreatesRedToMoveGame(t *testing.T) {
	m := NewManager()
	g := m.Start(1, TierEasy)
	assert.Equal(t, xiangqi.SideRed, g.WhoseTurn)
	assert.Equal(t, xiangqi.InitialFEN(), g.InitialFEN)
	assert.Empty(t, g.Moves)
}

func TestManager_ApplyMoveAppendsAndFlipsTurn(t *testing.T) {
	m := NewManager()
	m.Start(1, TierEasy)

	require.NoError(t, m.ApplyMove(1, "a3a4"))
	g, ok := m.Get(1)
	require.True(t, ok)
	assert.Equal(t, []string{"a3a4"}, g.Moves)
	assert.Equal(t, xiangqi.SideBlack, g.WhoseTurn)
}

func TestManager_ApplyMoveUnknownHandleErrors(t *testing.T) {
	m := NewManager()
	err := m.ApplyMove(99, "a3a4")
	assert.Error(t, err)
}

func TestManager_DropRemovesTracker(t *testing.T) {
	m := NewManager()
	m.Start(1, TierEasy)
	m.Drop(1)

	_, ok := m.Get(1)
	assert.False(t, ok)
}
