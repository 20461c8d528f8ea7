// Package registry is the process-wide map from connection handle to
// session and from username to connection handle. Every mutation —
// login binding a username, disconnect unbinding it, collision
// rejection — takes the registry lock, matching the teacher's pattern
// of a single mutex-guarded index for connection lookups.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"github.com/xqserver/xqserver/internal/mailbox"
	"github.com/xqserver/xqserver/internal/protocol"
)

// Handle identifies a connection. Opaque from the caller's perspective;
// in practice it is an ever-increasing counter assigned on accept.
type Handle = mailbox.Handle

// NoOpponent is the sentinel opponent handle for sessions with no live
// human opponent (not in a game, or the opponent is the AI bridge).
const NoOpponent Handle = -1

// Side is the color a session plays.
type Side string

const (
	SideRed   Side = "red"
	SideBlack Side = "black"
	SideNone  Side = ""
)

// Session is the server's record about one connected client.
type Session struct {
	Handle   Handle
	Username string // empty until authenticated
	InGame   bool
	Opponent Handle // NoOpponent if none or AI
	Side     Side
	AvatarID string
}

// ErrUsernameTaken is returned by Bind when the username is already bound
// to a different live handle.
var ErrUsernameTaken = errors.New("registry: username already in use")

// ErrUnknownHandle is returned when a handle has no registered session.
var ErrUnknownHandle = errors.New("registry: unknown connection handle")

// Registry is the connection-handle ↔ session ↔ username index.
// All exported methods are safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	sessions  map[Handle]*Session
	usernames map[string]Handle
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		sessions:  make(map[Handle]*Session),
		usernames: make(map[string]Handle),
	}
}

// Register creates a fresh, unauthenticated session for a newly accepted
// connection.
func (r *Registry) Register(h Handle) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess := &Session{Handle: h, Opponent: NoOpponent}
	r.sessions[h] = sess
	return sess
}

// Bind associates username with handle's session, the username-collision
// policy for LOGIN: if the name is already bound to a different live
// handle, the bind is rejected; otherwise the new handle takes the name.
func (r *Registry) Bind(h Handle, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[h]
	if !ok {
		return ErrUnknownHandle
	}

	if existing, taken := r.usernames[username]; taken && existing != h {
		return ErrUsernameTaken
	}

	if sess.Username != "" && sess.Username != username {
		delete(r.usernames, sess.Username)
	}
	sess.Username = username
	r.usernames[username] = h
	return nil
}

// Session returns a copy of the session bound to h, if any.
func (r *Registry) Session(h Handle) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[h]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// HandleForUsername resolves a bound username back to its live handle.
func (r *Registry) HandleForUsername(username string) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.usernames[username]
	return h, ok
}

// Mutate runs fn against the live session for h under the registry lock,
// persisting whatever fn leaves in place. It is the single entry point
// for in-game-state transitions (challenge accept, game start/end) so
// that they compose with Bind/Unregister without lock-order hazards.
func (r *Registry) Mutate(h Handle, fn func(sess *Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[h]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownHandle, h)
	}
	fn(sess)
	return nil
}

// Unregister removes h's session entirely: unbinds its username and, if
// it was in a live game against a human opponent, notifies that opponent
// via box (INFO opponent_disconnected) and clears the opponent's game
// linkage — all under the same critical section, per the disconnect
// invariant.
func (r *Registry) Unregister(h Handle, box *mailbox.Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[h]
	if !ok {
		return
	}
	r.unbindLocked(sess, box)
	delete(r.sessions, h)
}

// UnbindUsername performs the registry side of the LOGOUT path: it
// unbinds h's username and notifies and unlinks a human opponent exactly
// as a disconnect would, but keeps the connection's session record in
// place so the client may log back in on the same connection. It does
// not end the game itself; that is done through the game manager.
func (r *Registry) UnbindUsername(h Handle, box *mailbox.Mailbox) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[h]
	if !ok {
		return
	}
	r.unbindLocked(sess, box)
}

// unbindLocked frees sess's username binding and, if it was in a live
// game against a human opponent, notifies that opponent and clears its
// game linkage. Callers must hold r.mu.
func (r *Registry) unbindLocked(sess *Session, box *mailbox.Mailbox) {
	if sess.Username != "" {
		if bound, ok := r.usernames[sess.Username]; ok && bound == sess.Handle {
			delete(r.usernames, sess.Username)
		}
	}

	if sess.InGame && sess.Opponent != NoOpponent {
		if opp, ok := r.sessions[sess.Opponent]; ok {
			opp.InGame = false
			opp.Opponent = NoOpponent
			opp.Side = SideNone
			if box != nil {
				box.Post(mailbox.Entry{
					Destination: sess.Opponent,
					Kind:        protocol.KindInfo,
					Payload:     map[string]any{"opponent_disconnected": true},
				})
			}
		}
	}

	sess.Username = ""
	sess.InGame = false
	sess.Opponent = NoOpponent
	sess.Side = SideNone
}

// IsAuthenticated reports whether h's session has a bound username.
func (r *Registry) IsAuthenticated(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[h]
	return ok && sess.Username != ""
}

// ForEach calls fn once per live session. fn must not call back into the
// registry — it runs under the registry lock.
func (r *Registry) ForEach(fn func(sess *Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, sess := range r.sessions {
		fn(sess)
	}
}
