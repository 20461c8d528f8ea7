// Package match implements the session/challenge state machine: login,
// logout, player discovery, challenge offer/accept/cancel, quick
// matching, AI-match setup, and the read-only player/leaderboard/history
// queries. It sits between the dispatch pool and the registry/game-manager
// aggregates, taking the registry lock first and the game lock second,
// per the locking discipline.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/xqserver/xqserver/internal/aiengine"
	"github.com/xqserver/xqserver/internal/game"
	"github.com/xqserver/xqserver/internal/mailbox"
	"github.com/xqserver/xqserver/internal/protocol"
	"github.com/xqserver/xqserver/internal/registry"
	"github.com/xqserver/xqserver/internal/store"
)

// leaderboardCacheTTL bounds how stale a served leaderboard may be.
const leaderboardCacheTTL = 30 * time.Second

func leaderboardCacheKey(timeControl string) string {
	return "leaderboard:" + timeControl
}

// QuickMatchWindow is the Elo window (+/-) quick matching pairs within.
const QuickMatchWindow = 200

// DefaultTimeControl is used for challenge-accepted and quick-matched
// games absent an explicit time-control selection on the wire.
const DefaultTimeControl = game.TimeControlBlitz

// offerTTL bounds how long a pending challenge offer is honored; a
// CHALLENGE_RESPONSE arriving after this window is rejected as if the
// offer had never existed.
const offerTTL = 2 * time.Minute

// offerKey identifies a pending offer by the (challenger, target) pair,
// matching ChallengeOffer's keying in the data model.
type offerKey struct {
	challenger string
	target     string
}

// Offer holds the ChallengeOffer record: it exists from CHALLENGE_REQUEST
// until the first CHALLENGE_RESPONSE (or expiry) consumes it. A second
// response finds no offer and is rejected.
type Offer struct {
	timeControl game.TimeControl
	rated       bool
	createdAt   time.Time
}

func (o Offer) expired(now time.Time) bool {
	return now.Sub(o.createdAt) > offerTTL
}

// OutMessage is the reply addressed to the handler's own sender; any
// opponent-facing message is posted to the mailbox directly.
type OutMessage struct {
	Kind    protocol.Kind
	Payload any
}

// PasswordVerifier is the credential-validation hook. Password hashing
// and validation are an external collaborator's concern; the default
// implementation always accepts, deferring real verification to
// whatever the deployment wires in.
type PasswordVerifier interface {
	Verify(ctx context.Context, username, password, storedHash string) bool
}

// AlwaysAccept is the default PasswordVerifier.
type AlwaysAccept struct{}

// Verify always reports success.
func (AlwaysAccept) Verify(ctx context.Context, username, password, storedHash string) bool {
	return true
}

type waiter struct {
	username string
	handle   mailbox.Handle
	rating   int
}

// Manager owns the login/logout/challenge/matchmaking state machine.
type Manager struct {
	registry  *registry.Registry
	games     *game.Manager
	store     store.Store
	cache     store.Cache
	box       *mailbox.Mailbox
	passwords PasswordVerifier
	logger    *slog.Logger

	mu      sync.Mutex
	waiting []waiter
	offers  map[offerKey]Offer
}

// New builds a Manager wired to its collaborators. cache may be nil, in
// which case leaderboard reads always recompute from the store.
func New(reg *registry.Registry, games *game.Manager, st store.Store, cache store.Cache, box *mailbox.Mailbox, passwords PasswordVerifier, logger *slog.Logger) *Manager {
	if passwords == nil {
		passwords = AlwaysAccept{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{registry: reg, games: games, store: st, cache: cache, box: box, passwords: passwords, logger: logger, offers: make(map[offerKey]Offer)}
}

func errMsg(message string) OutMessage {
	return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: message}}
}

// Login authenticates handle as payload.Username, auto-provisioning the
// account on first sight (credential storage/validation proper is
// delegated to the password-hashing collaborator).
func (m *Manager) Login(ctx context.Context, handle registry.Handle, payload protocol.LoginPayload) OutMessage {
	if payload.Username == "" {
		return errMsg("username required")
	}

	if err := m.registry.Bind(handle, payload.Username); err != nil {
		if err == registry.ErrUsernameTaken {
			return errMsg("Username already in use")
		}
		return errMsg(err.Error())
	}

	if m.store != nil {
		if _, err := m.store.FindUserByName(ctx, payload.Username); err == store.ErrNotFound {
			if err := m.store.CreateUser(ctx, store.User{Username: payload.Username, PasswordHash: payload.Password}); err != nil {
				m.logger.Error("match: auto-provisioning user failed", "username", payload.Username, "error", err)
			}
		}
		if err := m.store.UpdateOnlineStatus(ctx, payload.Username, true); err != nil {
			m.logger.Error("match: marking user online failed", "username", payload.Username, "error", err)
		}
	}

	return OutMessage{Kind: protocol.KindAuthenticated, Payload: nil}
}

// Register explicitly creates a new account and authenticates it.
func (m *Manager) Register(ctx context.Context, handle registry.Handle, payload protocol.LoginPayload) OutMessage {
	if payload.Username == "" {
		return errMsg("username required")
	}

	if m.store != nil {
		if _, err := m.store.FindUserByName(ctx, payload.Username); err == nil {
			return errMsg("username already registered")
		}
		if err := m.store.CreateUser(ctx, store.User{Username: payload.Username, PasswordHash: payload.Password}); err != nil {
			return errMsg(fmt.Sprintf("could not register: %v", err))
		}
	}

	if err := m.registry.Bind(handle, payload.Username); err != nil {
		return errMsg(err.Error())
	}
	if m.store != nil {
		if err := m.store.UpdateOnlineStatus(ctx, payload.Username, true); err != nil {
			m.logger.Error("match: marking user online failed", "username", payload.Username, "error", err)
		}
	}
	return OutMessage{Kind: protocol.KindAuthenticated, Payload: nil}
}

// Logout unbinds handle's username and abandons any in-progress game,
// the same effect as a peer disconnect.
func (m *Manager) Logout(ctx context.Context, handle registry.Handle, boundUsername string, payload protocol.LogoutPayload) OutMessage {
	if payload.Username != "" && payload.Username != boundUsername {
		return errMsg("identity mismatch")
	}

	m.games.AbandonForDisconnect(ctx, handle)
	m.registry.UnbindUsername(handle, m.box)
	if m.store != nil && boundUsername != "" {
		if err := m.store.UpdateOnlineStatus(ctx, boundUsername, false); err != nil {
			m.logger.Error("match: marking user offline failed", "username", boundUsername, "error", err)
		}
	}
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"logged_out": true}}
}

// ChallengeRequest records a pending Offer keyed by (challenger, target)
// and forwards the challenge to its target.
func (m *Manager) ChallengeRequest(senderHandle registry.Handle, senderUsername string, payload protocol.ChallengeToPayload) OutMessage {
	targetHandle, ok := m.registry.HandleForUsername(payload.ToUser)
	if !ok || targetHandle == senderHandle {
		return errMsg("target is not available")
	}

	m.mu.Lock()
	m.offers[offerKey{challenger: senderUsername, target: payload.ToUser}] = Offer{
		timeControl: DefaultTimeControl,
		rated:       true,
		createdAt:   time.Now(),
	}
	m.mu.Unlock()

	m.box.Post(mailbox.Entry{
		Destination: targetHandle,
		Kind:        protocol.KindChallengeRequest,
		Payload:     protocol.ChallengeFromPayload{FromUser: senderUsername},
	})
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"challenge_sent": true, "target": payload.ToUser}}
}

// ChallengeCancel removes the pending Offer (if any), forwards a
// cancellation to the target if reachable, and always acknowledges the
// sender.
func (m *Manager) ChallengeCancel(senderUsername string, payload protocol.ChallengeToPayload) OutMessage {
	m.mu.Lock()
	delete(m.offers, offerKey{challenger: senderUsername, target: payload.ToUser})
	m.mu.Unlock()

	if targetHandle, ok := m.registry.HandleForUsername(payload.ToUser); ok {
		m.box.Post(mailbox.Entry{
			Destination: targetHandle,
			Kind:        protocol.KindChallengeCancel,
			Payload:     protocol.ChallengeFromPayload{FromUser: senderUsername},
		})
	}
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"challenge_cancelled": true}}
}

// ChallengeResponse resolves a challenge: declines forward and ack;
// accepts cross-link both sessions, create the game, and GAME_START both
// sides. The pending Offer is consumed on the first response (accept or
// decline) so a second CHALLENGE_RESPONSE for the same offer finds
// nothing and is rejected with ERROR, satisfying the no-double-accept
// invariant.
func (m *Manager) ChallengeResponse(ctx context.Context, responderHandle registry.Handle, responderUsername string, payload protocol.ChallengeResponsePayload) OutMessage {
	key := offerKey{challenger: payload.ToUser, target: responderUsername}

	m.mu.Lock()
	offer, ok := m.offers[key]
	if ok {
		delete(m.offers, key)
	}
	m.mu.Unlock()

	if !ok {
		return errMsg("no pending challenge from that user")
	}
	if offer.expired(time.Now()) {
		return errMsg("challenge offer expired")
	}

	if !payload.Accept {
		if challengerHandle, ok := m.registry.HandleForUsername(payload.ToUser); ok {
			m.box.Post(mailbox.Entry{
				Destination: challengerHandle,
				Kind:        protocol.KindChallengeResponse,
				Payload:     protocol.ChallengeResponsePayload{ToUser: responderUsername, Accept: false},
			})
		}
		return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"challenge_declined": true}}
	}

	challengerHandle, ok := m.registry.HandleForUsername(payload.ToUser)
	if !ok {
		return errMsg("challenger is no longer available")
	}

	return m.startGame(ctx, payload.ToUser, challengerHandle, responderUsername, responderHandle, responderHandle)
}

// startGame cross-links both sessions as in_game (challenger=red,
// accepter=black), creates the game record, and sends GAME_START to both
// sides. replyTo identifies which handle's message this call is a direct
// reply for; the other side's GAME_START goes through the mailbox.
func (m *Manager) startGame(ctx context.Context, redUser string, redHandle registry.Handle, blackUser string, blackHandle registry.Handle, replyTo registry.Handle) OutMessage {
	redSess, ok := m.registry.Session(redHandle)
	if !ok || redSess.InGame {
		return errMsg("challenger is no longer available")
	}
	blackSess, ok := m.registry.Session(blackHandle)
	if !ok || blackSess.InGame {
		return errMsg("could not start game")
	}

	if err := m.registry.Mutate(redHandle, func(s *registry.Session) {
		s.InGame = true
		s.Opponent = blackHandle
		s.Side = registry.SideRed
	}); err != nil {
		return errMsg("challenger is no longer available")
	}
	if err := m.registry.Mutate(blackHandle, func(s *registry.Session) {
		s.InGame = true
		s.Opponent = redHandle
		s.Side = registry.SideBlack
	}); err != nil {
		return errMsg("could not start game")
	}

	if _, err := m.games.CreateGame(ctx, redUser, blackUser, redHandle, blackHandle, DefaultTimeControl, true); err != nil {
		return errMsg("could not start game")
	}

	redStart := protocol.GameStartPayload{Opponent: blackUser, GameMode: string(DefaultTimeControl)}
	blackStart := protocol.GameStartPayload{Opponent: redUser, GameMode: string(DefaultTimeControl)}

	if replyTo == redHandle {
		m.box.Post(mailbox.Entry{Destination: blackHandle, Kind: protocol.KindGameStart, Payload: blackStart})
		return OutMessage{Kind: protocol.KindGameStart, Payload: redStart}
	}
	m.box.Post(mailbox.Entry{Destination: redHandle, Kind: protocol.KindGameStart, Payload: redStart})
	return OutMessage{Kind: protocol.KindGameStart, Payload: blackStart}
}

// QuickMatching pairs the sender with a compatible waiter, or enqueues
// it if none is found.
func (m *Manager) QuickMatching(ctx context.Context, senderHandle registry.Handle, senderUsername string) OutMessage {
	rating := 1200
	if m.store != nil {
		if r, err := m.store.GetPlayerRating(ctx, senderUsername, string(DefaultTimeControl)); err == nil {
			rating = r
		}
	}

	m.mu.Lock()
	matchIdx := m.findWaiterLocked(ctx, senderUsername, rating)
	var opponent waiter
	if matchIdx >= 0 {
		opponent = m.waiting[matchIdx]
		m.waiting = append(m.waiting[:matchIdx], m.waiting[matchIdx+1:]...)
	} else {
		m.waiting = append(m.waiting, waiter{username: senderUsername, handle: senderHandle, rating: rating})
	}
	m.mu.Unlock()

	if matchIdx < 0 {
		return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"queued": true}}
	}

	return m.startGame(ctx, senderUsername, senderHandle, opponent.username, opponent.handle, senderHandle)
}

// findWaiterLocked picks a compatible waiter for senderUsername. It
// prefers the store's find_random_opponent collaborator contract
// (spec.md §6) when that candidate is actually present in the live
// queue, and otherwise falls back to a plain rating-window scan — e.g.
// for accounts with no persisted rating history yet, where the store
// has nothing to recommend. Callers must hold m.mu.
func (m *Manager) findWaiterLocked(ctx context.Context, senderUsername string, rating int) int {
	if m.store != nil {
		if candidate, err := m.store.FindRandomOpponent(ctx, senderUsername, string(DefaultTimeControl), QuickMatchWindow); err == nil {
			for i, w := range m.waiting {
				if w.username == candidate {
					return i
				}
			}
		}
	}
	for i, w := range m.waiting {
		if w.username == senderUsername {
			continue
		}
		if abs(w.rating-rating) <= QuickMatchWindow {
			return i
		}
	}
	return -1
}

// CancelQuickMatching removes the sender from the waiting queue, if present.
func (m *Manager) CancelQuickMatching(senderUsername string) OutMessage {
	m.mu.Lock()
	for i, w := range m.waiting {
		if w.username == senderUsername {
			m.waiting = append(m.waiting[:i], m.waiting[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"queue_cancelled": true}}
}

// AIMatch starts a new game against the engine at the requested
// difficulty tier.
func (m *Manager) AIMatch(ctx context.Context, senderHandle registry.Handle, senderUsername string, payload protocol.AIMatchPayload) OutMessage {
	tier := aiengine.Tier(payload.GameMode)
	switch tier {
	case aiengine.TierEasy, aiengine.TierMedium, aiengine.TierHard:
	default:
		return errMsg("unknown difficulty")
	}

	sess, ok := m.registry.Session(senderHandle)
	if !ok || sess.Username == "" {
		return errMsg("not authenticated")
	}
	if sess.InGame {
		return errMsg("already in a game")
	}

	if err := m.registry.Mutate(senderHandle, func(s *registry.Session) {
		s.InGame = true
		s.Opponent = registry.NoOpponent
		s.Side = registry.SideRed
	}); err != nil {
		return errMsg(err.Error())
	}

	if _, err := m.games.StartAIGame(ctx, senderUsername, senderHandle, tier); err != nil {
		return errMsg("could not start AI game")
	}

	return OutMessage{Kind: protocol.KindGameStart, Payload: protocol.GameStartPayload{
		Opponent: "", GameMode: "ai_" + string(tier),
	}}
}

// Chat relays an in-game message to the sender's current opponent.
func (m *Manager) Chat(senderHandle registry.Handle, payload protocol.ChatPayload) OutMessage {
	sess, ok := m.registry.Session(senderHandle)
	if !ok || !sess.InGame || sess.Opponent == registry.NoOpponent {
		return errMsg("not in a game")
	}
	m.box.Post(mailbox.Entry{
		Destination: sess.Opponent,
		Kind:        protocol.KindMessage,
		Payload:     payload,
	})
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"sent": true}}
}

// FriendRequest forwards a friend invite to its target, if reachable.
func (m *Manager) FriendRequest(senderUsername string, payload protocol.FriendRequestPayload) OutMessage {
	targetHandle, ok := m.registry.HandleForUsername(payload.ToUser)
	if !ok {
		return errMsg("target is not available")
	}
	m.box.Post(mailbox.Entry{
		Destination: targetHandle,
		Kind:        protocol.KindRequestAddFriend,
		Payload:     protocol.FriendRequestPayload{ToUser: senderUsername},
	})
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"request_sent": true}}
}

// FriendResponse resolves a friend invite: on accept, links both accounts
// in the store and notifies the original requester; on decline, only
// notifies.
func (m *Manager) FriendResponse(ctx context.Context, responderUsername string, payload protocol.FriendResponsePayload) OutMessage {
	if payload.Accept && m.store != nil {
		if err := m.store.AddFriend(ctx, responderUsername, payload.ToUser); err != nil {
			m.logger.Error("match: adding friend failed", "username", responderUsername, "friend", payload.ToUser, "error", err)
		}
		if err := m.store.AddFriend(ctx, payload.ToUser, responderUsername); err != nil {
			m.logger.Error("match: adding friend failed", "username", payload.ToUser, "friend", responderUsername, "error", err)
		}
	}

	if requesterHandle, ok := m.registry.HandleForUsername(payload.ToUser); ok {
		m.box.Post(mailbox.Entry{
			Destination: requesterHandle,
			Kind:        protocol.KindResponseAddFriend,
			Payload:     protocol.FriendResponsePayload{ToUser: responderUsername, Accept: payload.Accept},
		})
	}
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"accepted": payload.Accept}}
}

// Unfriend removes a mutual friendship and notifies the other side if
// reachable.
func (m *Manager) Unfriend(ctx context.Context, senderUsername string, payload protocol.FriendRequestPayload) OutMessage {
	if m.store != nil {
		if err := m.store.RemoveFriend(ctx, senderUsername, payload.ToUser); err != nil {
			m.logger.Error("match: removing friend failed", "username", senderUsername, "friend", payload.ToUser, "error", err)
		}
		if err := m.store.RemoveFriend(ctx, payload.ToUser, senderUsername); err != nil {
			m.logger.Error("match: removing friend failed", "username", payload.ToUser, "friend", senderUsername, "error", err)
		}
	}
	if targetHandle, ok := m.registry.HandleForUsername(payload.ToUser); ok {
		m.box.Post(mailbox.Entry{
			Destination: targetHandle,
			Kind:        protocol.KindUnfriend,
			Payload:     protocol.FriendRequestPayload{ToUser: senderUsername},
		})
	}
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"unfriended": true}}
}

// PlayerList reports the usernames currently online, as tracked by the
// connection registry rather than a store round-trip.
func (m *Manager) PlayerList() OutMessage {
	var online []string
	m.registry.ForEach(func(sess *registry.Session) {
		if sess.Username != "" {
			online = append(online, sess.Username)
		}
	})
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"players": online}}
}

// UserStats reports a player's rating for the requested (or default) time
// control.
func (m *Manager) UserStats(ctx context.Context, payload protocol.UserStatsPayload) OutMessage {
	if payload.TargetUsername == "" {
		return errMsg("target_username required")
	}
	tc := payload.TimeControl
	if tc == "" {
		tc = string(DefaultTimeControl)
	}

	if m.store == nil {
		return errMsg("stats unavailable")
	}
	if _, err := m.store.FindUserByName(ctx, payload.TargetUsername); err != nil {
		return errMsg("unknown user")
	}
	rating, err := m.store.GetPlayerRating(ctx, payload.TargetUsername, tc)
	if err != nil {
		return errMsg("could not load stats")
	}
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{
		"username": payload.TargetUsername, "time_control": tc, "rating": rating,
	}}
}

// LeaderBoard reports the top-rated players for the default time control,
// serving from cache when a fresh entry exists.
func (m *Manager) LeaderBoard(ctx context.Context) OutMessage {
	const limit = 20
	tc := string(DefaultTimeControl)

	if m.cache != nil {
		if cached, err := m.cache.Get(ctx, leaderboardCacheKey(tc)); err == nil {
			var entries []store.RatingEntry
			if err := json.Unmarshal([]byte(cached), &entries); err == nil {
				return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"time_control": tc, "players": entries}}
			}
		}
	}

	if m.store == nil {
		return errMsg("leaderboard unavailable")
	}
	entries, err := m.store.TopPlayers(ctx, tc, limit)
	if err != nil {
		return errMsg("could not load leaderboard")
	}

	if m.cache != nil {
		if encoded, err := json.Marshal(entries); err == nil {
			if err := m.cache.Set(ctx, leaderboardCacheKey(tc), string(encoded), leaderboardCacheTTL); err != nil {
				m.logger.Warn("match: caching leaderboard failed", "error", err)
			}
		}
	}

	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"time_control": tc, "players": entries}}
}

// GameHistory reports a player's past games in the order the store
// returns them (the Mongo store sorts newest first; the in-memory store
// does not sort).
func (m *Manager) GameHistory(ctx context.Context, payload protocol.GameHistoryPayload) OutMessage {
	if payload.TargetUsername == "" {
		return errMsg("target_username required")
	}
	if m.store == nil {
		return errMsg("history unavailable")
	}
	games, err := m.store.FindGamesByUser(ctx, store.GameFilter{Username: payload.TargetUsername, Limit: 50})
	if err != nil {
		return errMsg("could not load history")
	}
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"username": payload.TargetUsername, "games": games}}
}

// ReplayRequest reports the full move record for a finished or in-progress game.
func (m *Manager) ReplayRequest(ctx context.Context, payload protocol.ReplayRequestPayload) OutMessage {
	if payload.GameID == "" {
		return errMsg("game_id required")
	}
	if m.store == nil {
		return errMsg("replay unavailable")
	}
	g, err := m.store.FindGameByID(ctx, payload.GameID)
	if err != nil {
		return errMsg("unknown game")
	}
	return OutMessage{Kind: protocol.KindInfo, Payload: g}
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
