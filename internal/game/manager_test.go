package game

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xqserver/xqserver/internal/mailbox"
	"github.com/xqserver/xqserver/internal/protocol"
	"github.com/xqserver/xqserver/internal/rating"
	"github.com/xqserver/xqserver/internal/store/memstore"
)

type fakeRater struct {
	calls []ratingCall
}

type ratingCall struct {
	red, black string
	result     rating.Result
	tc         string
}

func (f *fakeRater) UpdateRatings(ctx context.Context, redUser, blackUser string, result rating.Result, timeControl string) error {
	f.calls = append(f.calls, ratingCall{redUser, blackUser, result, timeControl})
	return nil
}

func newTestManager(t *testing.T) (*Manager, *mailbox.Mailbox, *fakeRater) {
	t.Helper()
	box := mailbox.New(0)
	rater := &fakeRater{}
	m := New(memstore.New(), rater, nil, nil, box, nil)
	return m, box, rater
}

func TestCreateGame_InitializesInProgressRedToMove(t *testing.T) {
	m, _, _ := newTestManager(t)
	g, err := m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, true)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, g.Status)
	assert.Equal(t, 0, g.MoveCount)
}

func TestMove_RejectsOutOfTurn(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, false)

	out := m.Move(context.Background(), 2, "bob", protocol.MovePayload{
		Piece: "p", From: protocol.Cell{Row: 6, Col: 0}, To: protocol.Cell{Row: 5, Col: 0},
	})
	assert.Equal(t, protocol.KindInvalidMove, out.Kind)
}

func TestMove_AcceptsLegalMoveAndForwardsToOpponent(t *testing.T) {
	m, box, _ := newTestManager(t)
	m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, false)

	out := m.Move(context.Background(), 1, "alice", protocol.MovePayload{
		Piece: "P", From: protocol.Cell{Row: 3, Col: 0}, To: protocol.Cell{Row: 4, Col: 0},
	})
	assert.Equal(t, protocol.KindMove, out.Kind)

	entries := box.Drain()
	require.Len(t, entries, 1)
	assert.Equal(t, mailbox.Handle(2), entries[0].Destination)

	g, _ := m.GameForHandle(1)
	assert.Equal(t, 1, g.MoveCount)
}

func TestMove_RejectsWhenGameNotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	out := m.Move(context.Background(), 99, "nobody", protocol.MovePayload{})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestDrawRequestResponse_AcceptTerminatesAsDraw(t *testing.T) {
	m, box, rater := newTestManager(t)
	m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, true)

	out := m.DrawRequest(1, "alice")
	assert.Equal(t, protocol.KindInfo, out.Kind)
	box.Drain()

	out = m.DrawResponse(context.Background(), 2, "bob", true)
	assert.Equal(t, protocol.KindGameEnd, out.Kind)

	g, ok := m.GameForHandle(1)
	assert.False(t, ok)
	_ = g
	require.Len(t, rater.calls, 1)
	assert.Equal(t, rating.Result(ResultDraw), rater.calls[0].result)
}

func TestDrawResponse_RejectsWhenOffererResponds(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, false)
	m.DrawRequest(1, "alice")

	out := m.DrawResponse(context.Background(), 1, "alice", true)
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestDrawResponse_RejectsWithNoOffer(t *testing.T) {
	m, _, _ := newTestManager(t)
	m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, false)

	out := m.DrawResponse(context.Background(), 2, "bob", true)
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestResign_EndsGameWithOpponentWin(t *testing.T) {
	m, box, _ := newTestManager(t)
	m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, false)

	out := m.Resign(context.Background(), 1, "alice")
	require.Equal(t, protocol.KindGameEnd, out.Kind)
	payload := out.Payload.(protocol.GameEndPayload)
	assert.Equal(t, "black", payload.WinSide)

	entries := box.Drain()
	require.Len(t, entries, 2)
}

func TestTerminate_IsIdempotent(t *testing.T) {
	m, _, rater := newTestManager(t)
	g, _ := m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, true)

	m.terminate(context.Background(), g, ResultRedWin, "alice")
	m.terminate(context.Background(), g, ResultBlackWin, "bob")

	assert.Equal(t, ResultRedWin, g.Result)
	require.Len(t, rater.calls, 1)
}

func TestAbandonForDisconnect_TreatsAsResignation(t *testing.T) {
	m, box, _ := newTestManager(t)
	m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, false)

	m.AbandonForDisconnect(context.Background(), 1)

	g, ok := m.GameForHandle(2)
	assert.False(t, ok)
	_ = g
	entries := box.Drain()
	require.Len(t, entries, 2)
}

func TestRematch_AcceptSwapsColors(t *testing.T) {
	m, box, _ := newTestManager(t)
	m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, false)
	m.Resign(context.Background(), 1, "alice")
	box.Drain()

	out := m.RematchRequest(2, "bob")
	assert.Equal(t, protocol.KindInfo, out.Kind)
	box.Drain()

	out = m.RematchResponse(context.Background(), 1, "alice", true)
	require.Equal(t, protocol.KindGameStart, out.Kind)

	newGame, ok := m.GameForHandle(1)
	require.True(t, ok)
	assert.Equal(t, "bob", newGame.RedUser)
	assert.Equal(t, "alice", newGame.BlackUser)
}

func TestRematch_DeclineIsReported(t *testing.T) {
	m, box, _ := newTestManager(t)
	m.CreateGame(context.Background(), "alice", "bob", 1, 2, TimeControlBlitz, false)
	m.Resign(context.Background(), 1, "alice")
	box.Drain()
	m.RematchRequest(2, "bob")
	box.Drain()

	out := m.RematchResponse(context.Background(), 1, "alice", false)
	assert.Equal(t, protocol.KindInfo, out.Kind)
}
