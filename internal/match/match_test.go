package match

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xqserver/xqserver/internal/game"
	"github.com/xqserver/xqserver/internal/mailbox"
	"github.com/xqserver/xqserver/internal/protocol"
	"github.com/xqserver/xqserver/internal/rating"
	"github.com/xqserver/xqserver/internal/registry"
	storepkg "github.com/xqserver/xqserver/internal/store"
	"github.com/xqserver/xqserver/internal/store/memstore"
)

type nopRater struct{}

func (nopRater) UpdateRatings(ctx context.Context, redUser, blackUser string, result rating.Result, timeControl string) error {
	return nil
}

func newTestManager(t *testing.T) (*Manager, *registry.Registry, *mailbox.Mailbox) {
	t.Helper()
	reg := registry.New()
	box := mailbox.New(0)
	st := memstore.New()
	games := game.New(st, nopRater{}, nil, nil, box, nil)
	cache := memstore.NewCache()
	m := New(reg, games, st, cache, box, nil, nil)
	return m, reg, box
}

func TestLogin_BindsAndProvisionsAccount(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)

	out := m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice", Password: "x"})
	assert.Equal(t, protocol.KindAuthenticated, out.Kind)
	assert.True(t, reg.IsAuthenticated(1))
}

func TestLogin_RejectsCollidingUsername(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})

	out := m.Login(context.Background(), 2, protocol.LoginPayload{Username: "alice"})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestRegister_RejectsExistingAccount(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	require.NoError(t, m.store.CreateUser(context.Background(), storepkg.User{Username: "alice"}))

	out := m.Register(context.Background(), 2, protocol.LoginPayload{Username: "alice", Password: "x"})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestLogout_UnbindsAndAbandonsGame(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})

	m.ChallengeRequest(1, "alice", protocol.ChallengeToPayload{ToUser: "bob"})
	box.Drain()
	m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "alice", Accept: true})
	box.Drain()

	logOut := m.Logout(context.Background(), 1, "alice", protocol.LogoutPayload{Username: "alice"})
	assert.Equal(t, protocol.KindInfo, logOut.Kind)
	assert.False(t, reg.IsAuthenticated(1))

	entries := box.Drain()
	// GAME_END to both players from the abandon, then the opponent's disconnect notice.
	require.Len(t, entries, 3)
	assert.Equal(t, mailbox.Handle(2), entries[2].Destination)
	assert.Equal(t, protocol.KindInfo, entries[2].Kind)
}

func TestLogout_RejectsIdentityMismatch(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})

	out := m.Logout(context.Background(), 1, "alice", protocol.LogoutPayload{Username: "mallory"})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestChallengeRequest_ForwardsToTarget(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})

	out := m.ChallengeRequest(1, "alice", protocol.ChallengeToPayload{ToUser: "bob"})
	assert.Equal(t, protocol.KindInfo, out.Kind)

	entries := box.Drain()
	require.Len(t, entries, 1)
	assert.Equal(t, mailbox.Handle(2), entries[0].Destination)
	assert.Equal(t, protocol.KindChallengeRequest, entries[0].Kind)
}

func TestChallengeRequest_RejectsUnknownTarget(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})

	out := m.ChallengeRequest(1, "alice", protocol.ChallengeToPayload{ToUser: "ghost"})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestChallengeResponse_AcceptStartsGameBothSides(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})

	m.ChallengeRequest(1, "alice", protocol.ChallengeToPayload{ToUser: "bob"})
	box.Drain()

	out := m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "alice", Accept: true})
	require.Equal(t, protocol.KindGameStart, out.Kind)
	payload := out.Payload.(protocol.GameStartPayload)
	assert.Equal(t, "alice", payload.Opponent)

	entries := box.Drain()
	require.Len(t, entries, 1)
	assert.Equal(t, mailbox.Handle(1), entries[0].Destination)

	sess, _ := reg.Session(1)
	assert.True(t, sess.InGame)
}

func TestChallengeResponse_DeclineForwardsAndAcks(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})
	m.ChallengeRequest(1, "alice", protocol.ChallengeToPayload{ToUser: "bob"})
	box.Drain()

	out := m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "alice", Accept: false})
	assert.Equal(t, protocol.KindInfo, out.Kind)

	entries := box.Drain()
	require.Len(t, entries, 1)
	assert.Equal(t, mailbox.Handle(1), entries[0].Destination)
}

func TestChallengeResponse_RejectsWithoutPendingOffer(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})

	out := m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "alice", Accept: true})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestChallengeResponse_RejectsSecondResponseToSameOffer(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})
	m.ChallengeRequest(1, "alice", protocol.ChallengeToPayload{ToUser: "bob"})
	box.Drain()

	first := m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "alice", Accept: true})
	require.Equal(t, protocol.KindGameStart, first.Kind)
	box.Drain()

	second := m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "alice", Accept: true})
	assert.Equal(t, protocol.KindError, second.Kind)
}

func TestChallengeResponse_RejectsExpiredOffer(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})
	m.ChallengeRequest(1, "alice", protocol.ChallengeToPayload{ToUser: "bob"})
	box.Drain()

	key := offerKey{challenger: "alice", target: "bob"}
	m.mu.Lock()
	offer := m.offers[key]
	offer.createdAt = offer.createdAt.Add(-offerTTL - time.Second)
	m.offers[key] = offer
	m.mu.Unlock()

	out := m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "alice", Accept: true})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestChallengeResponse_RejectsWhenResponderAlreadyInGame(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	reg.Register(3)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})
	m.Login(context.Background(), 3, protocol.LoginPayload{Username: "carol"})

	m.ChallengeRequest(3, "carol", protocol.ChallengeToPayload{ToUser: "bob"})
	box.Drain()
	require.Equal(t, protocol.KindGameStart, m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "carol", Accept: true}).Kind)
	box.Drain()

	m.ChallengeRequest(1, "alice", protocol.ChallengeToPayload{ToUser: "bob"})
	box.Drain()

	out := m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "alice", Accept: true})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestQuickMatching_PairsTwoWaiters(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})

	out := m.QuickMatching(context.Background(), 1, "alice")
	assert.Equal(t, protocol.KindInfo, out.Kind)

	out = m.QuickMatching(context.Background(), 2, "bob")
	assert.Equal(t, protocol.KindGameStart, out.Kind)

	entries := box.Drain()
	require.Len(t, entries, 1)
}

func TestQuickMatching_PrefersStoreRecommendedOpponent(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})

	require.NoError(t, m.store.UpdatePlayerStats(context.Background(), "alice", string(DefaultTimeControl), 1500, "win"))
	require.NoError(t, m.store.UpdatePlayerStats(context.Background(), "bob", string(DefaultTimeControl), 1500, "win"))

	m.QuickMatching(context.Background(), 2, "bob")

	out := m.QuickMatching(context.Background(), 1, "alice")
	require.Equal(t, protocol.KindGameStart, out.Kind)
	payload := out.Payload.(protocol.GameStartPayload)
	assert.Equal(t, "bob", payload.Opponent)

	box.Drain()
}

func TestCancelQuickMatching_RemovesWaiter(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.QuickMatching(context.Background(), 1, "alice")

	out := m.CancelQuickMatching("alice")
	assert.Equal(t, protocol.KindInfo, out.Kind)

	m.mu.Lock()
	assert.Empty(t, m.waiting)
	m.mu.Unlock()
}

func TestAIMatch_RejectsUnknownDifficulty(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})

	out := m.AIMatch(context.Background(), 1, "alice", protocol.AIMatchPayload{GameMode: "nightmare"})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestAIMatch_StartsGame(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})

	out := m.AIMatch(context.Background(), 1, "alice", protocol.AIMatchPayload{GameMode: "easy"})
	require.Equal(t, protocol.KindGameStart, out.Kind)

	sess, _ := reg.Session(1)
	assert.True(t, sess.InGame)
}

func TestChat_RejectsWhenNotInGame(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})

	out := m.Chat(1, protocol.ChatPayload{Message: "hi"})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestChat_RelaysToOpponent(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})
	m.ChallengeRequest(1, "alice", protocol.ChallengeToPayload{ToUser: "bob"})
	box.Drain()
	m.ChallengeResponse(context.Background(), 2, "bob", protocol.ChallengeResponsePayload{ToUser: "alice", Accept: true})
	box.Drain()

	out := m.Chat(1, protocol.ChatPayload{Message: "hi"})
	require.Equal(t, protocol.KindInfo, out.Kind)

	entries := box.Drain()
	require.Len(t, entries, 1)
	assert.Equal(t, protocol.KindMessage, entries[0].Kind)
}

func TestFriendRequestResponse_LinksBothAccounts(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})

	out := m.FriendRequest("alice", protocol.FriendRequestPayload{ToUser: "bob"})
	require.Equal(t, protocol.KindInfo, out.Kind)
	box.Drain()

	out = m.FriendResponse(context.Background(), "bob", protocol.FriendResponsePayload{ToUser: "alice", Accept: true})
	require.Equal(t, protocol.KindInfo, out.Kind)
	box.Drain()

	u, err := m.store.FindUserByName(context.Background(), "alice")
	require.NoError(t, err)
	assert.Contains(t, u.Friends, "bob")

	u, err = m.store.FindUserByName(context.Background(), "bob")
	require.NoError(t, err)
	assert.Contains(t, u.Friends, "alice")
}

func TestUnfriend_RemovesBothSides(t *testing.T) {
	m, reg, box := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})
	m.FriendRequest("alice", protocol.FriendRequestPayload{ToUser: "bob"})
	box.Drain()
	m.FriendResponse(context.Background(), "bob", protocol.FriendResponsePayload{ToUser: "alice", Accept: true})
	box.Drain()

	out := m.Unfriend(context.Background(), "alice", protocol.FriendRequestPayload{ToUser: "bob"})
	require.Equal(t, protocol.KindInfo, out.Kind)
	box.Drain()

	u, err := m.store.FindUserByName(context.Background(), "alice")
	require.NoError(t, err)
	assert.NotContains(t, u.Friends, "bob")
}

func TestPlayerList_ReportsOnlineUsers(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	reg.Register(2)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	m.Login(context.Background(), 2, protocol.LoginPayload{Username: "bob"})

	out := m.PlayerList()
	require.Equal(t, protocol.KindInfo, out.Kind)
	players := out.Payload.(map[string]any)["players"].([]string)
	assert.ElementsMatch(t, []string{"alice", "bob"}, players)
}

func TestUserStats_RejectsUnknownUser(t *testing.T) {
	m, _, _ := newTestManager(t)
	out := m.UserStats(context.Background(), protocol.UserStatsPayload{TargetUsername: "nobody"})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestUserStats_ReportsRating(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})

	out := m.UserStats(context.Background(), protocol.UserStatsPayload{TargetUsername: "alice"})
	require.Equal(t, protocol.KindInfo, out.Kind)
	payload := out.Payload.(map[string]any)
	assert.Equal(t, "alice", payload["username"])
	assert.Equal(t, 1200, payload["rating"])
}

func TestLeaderBoard_ServesFromStoreThenCache(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.Register(1)
	m.Login(context.Background(), 1, protocol.LoginPayload{Username: "alice"})
	require.NoError(t, m.store.UpdatePlayerStats(context.Background(), "alice", string(DefaultTimeControl), 1400, "win"))

	out := m.LeaderBoard(context.Background())
	require.Equal(t, protocol.KindInfo, out.Kind)
	entries := out.Payload.(map[string]any)["players"].([]storepkg.RatingEntry)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Username)

	cached, err := m.cache.Get(context.Background(), leaderboardCacheKey(string(DefaultTimeControl)))
	require.NoError(t, err)
	assert.Contains(t, cached, "alice")
}

func TestGameHistory_RequiresTargetUsername(t *testing.T) {
	m, _, _ := newTestManager(t)
	out := m.GameHistory(context.Background(), protocol.GameHistoryPayload{})
	assert.Equal(t, protocol.KindError, out.Kind)
}

func TestReplayRequest_RejectsUnknownGame(t *testing.T) {
	m, _, _ := newTestManager(t)
	out := m.ReplayRequest(context.Background(), protocol.ReplayRequestPayload{GameID: "missing"})
	assert.Equal(t, protocol.KindError, out.Kind)
}
