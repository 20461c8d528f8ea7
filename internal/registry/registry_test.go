package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xqserver/xqserver/internal/mailbox"
)

func TestRegister_CreatesUnauthenticatedSession(t *testing.T) {
	r := New()
	sess := r.Register(1)
	assert.Equal(t, Handle(1), sess.Handle)
	assert.Empty(t, sess.Username)
	assert.Equal(t, NoOpponent, sess.Opponent)
	assert.False(t, r.IsAuthenticated(1))
}

func TestBind_SucceedsForFreshUsername(t *testing.T) {
	r := New()
	r.Register(1)
	require.NoError(t, r.Bind(1, "alice"))

	sess, ok := r.Session(1)
	require.True(t, ok)
	assert.Equal(t, "alice", sess.Username)
	assert.True(t, r.IsAuthenticated(1))

	h, ok := r.HandleForUsername("alice")
	require.True(t, ok)
	assert.Equal(t, Handle(1), h)
}

func TestBind_RejectsCollisionWithDifferentLiveHandle(t *testing.T) {
	r := New()
	r.Register(1)
	r.Register(2)
	require.NoError(t, r.Bind(1, "alice"))

	err := r.Bind(2, "alice")
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestBind_SameHandleRebindIsIdempotent(t *testing.T) {
	r := New()
	r.Register(1)
	require.NoError(t, r.Bind(1, "alice"))
	require.NoError(t, r.Bind(1, "alice"))

	h, ok := r.HandleForUsername("alice")
	require.True(t, ok)
	assert.Equal(t, Handle(1), h)
}

func TestBind_UnknownHandleRejected(t *testing.T) {
	r := New()
	err := r.Bind(99, "alice")
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestUnregister_FreesUsernameForReuse(t *testing.T) {
	r := New()
	r.Register(1)
	require.NoError(t, r.Bind(1, "alice"))
	r.Unregister(1, nil)

	r.Register(2)
	require.NoError(t, r.Bind(2, "alice"))
}

func TestUnregister_NotifiesLiveOpponentAndClearsLinkage(t *testing.T) {
	r := New()
	r.Register(1)
	r.Register(2)
	require.NoError(t, r.Bind(1, "alice"))
	require.NoError(t, r.Bind(2, "bob"))

	require.NoError(t, r.Mutate(1, func(s *Session) { s.InGame = true; s.Opponent = 2; s.Side = SideRed }))
	require.NoError(t, r.Mutate(2, func(s *Session) { s.InGame = true; s.Opponent = 1; s.Side = SideBlack }))

	box := mailbox.New(0)
	r.Unregister(1, box)

	sess, ok := r.Session(2)
	require.True(t, ok)
	assert.False(t, sess.InGame)
	assert.Equal(t, NoOpponent, sess.Opponent)

	entries := box.Drain()
	require.Len(t, entries, 1)
	assert.Equal(t, Handle(2), entries[0].Destination)
}

func TestUnregister_NoOpponentNotificationWhenNotInGame(t *testing.T) {
	r := New()
	r.Register(1)
	box := mailbox.New(0)
	r.Unregister(1, box)
	assert.Empty(t, box.Drain())
}

func TestUnregister_UnknownHandleIsNoOp(t *testing.T) {
	r := New()
	r.Unregister(42, nil)
}

func TestUnbindUsername_KeepsConnectionAlive(t *testing.T) {
	r := New()
	r.Register(1)
	require.NoError(t, r.Bind(1, "alice"))

	box := mailbox.New(0)
	r.UnbindUsername(1, box)

	sess, ok := r.Session(1)
	require.True(t, ok)
	assert.Empty(t, sess.Username)
	assert.False(t, r.IsAuthenticated(1))

	_, ok = r.HandleForUsername("alice")
	assert.False(t, ok)
}

func TestUnbindUsername_NotifiesOpponentLikeDisconnect(t *testing.T) {
	r := New()
	r.Register(1)
	r.Register(2)
	require.NoError(t, r.Bind(1, "alice"))
	require.NoError(t, r.Bind(2, "bob"))
	require.NoError(t, r.Mutate(1, func(s *Session) { s.InGame = true; s.Opponent = 2 }))
	require.NoError(t, r.Mutate(2, func(s *Session) { s.InGame = true; s.Opponent = 1 }))

	box := mailbox.New(0)
	r.UnbindUsername(1, box)

	sess, ok := r.Session(2)
	require.True(t, ok)
	assert.False(t, sess.InGame)
	require.Len(t, box.Drain(), 1)
}

func TestForEach_VisitsAllSessions(t *testing.T) {
	r := New()
	r.Register(1)
	r.Register(2)

	seen := map[Handle]bool{}
	r.ForEach(func(sess *Session) { seen[sess.Handle] = true })
	assert.True(t, seen[1])
	assert.True(t, seen[2])
}
