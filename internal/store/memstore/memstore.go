// Package memstore provides in-memory fakes for internal/store.Store and
// internal/store.Cache, used by unit tests for components that depend on
// the document store or cache contracts without a live MongoDB/Redis.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xqserver/xqserver/internal/store"
)

// Store is an in-memory store.Store.
type Store struct {
	mu       sync.Mutex
	users    map[string]store.User
	games    map[string]store.Game
	ratings  map[ratingKey]int
	archived []store.Game
}

type ratingKey struct {
	username    string
	timeControl string
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		users:   make(map[string]store.User),
		games:   make(map[string]store.Game),
		ratings: make(map[ratingKey]int),
	}
}

func (s *Store) CreateUser(ctx context.Context, u store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.Username] = u
	return nil
}

func (s *Store) FindUserByName(ctx context.Context, username string) (store.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (s *Store) UpdateOnlineStatus(ctx context.Context, username string, online bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	u.Online = online
	s.users[username] = u
	return nil
}

func (s *Store) CreateGame(ctx context.Context, g store.Game) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g.ID = uuid.NewString()
	s.games[g.ID] = g
	return g.ID, nil
}

func (s *Store) FindGameByID(ctx context.Context, gameID string) (store.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.Game{}, store.ErrNotFound
	}
	return g, nil
}

func (s *Store) AppendMoveAndUpdate(ctx context.Context, gameID string, move store.Move, nextTurn string, clocks store.Clocks, fen string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.ErrNotFound
	}
	g.Moves = append(g.Moves, move)
	g.MoveCount++
	g.WhoseTurn = nextTurn
	g.Clocks = clocks
	if fen != "" {
		g.FEN = fen
	}
	s.games[gameID] = g
	return nil
}

func (s *Store) EndGame(ctx context.Context, gameID, status, result, winner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return store.ErrNotFound
	}
	g.Status = status
	g.Result = result
	g.Winner = winner
	g.EndedAt = time.Now()
	s.games[gameID] = g
	s.archived = append(s.archived, g)
	return nil
}

func (s *Store) FindGamesByUser(ctx context.Context, filter store.GameFilter) ([]store.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Game
	for _, g := range s.games {
		if g.RedUser != filter.Username && g.BlackUser != filter.Username {
			continue
		}
		if filter.TimeControl != "" && g.TimeControl != filter.TimeControl {
			continue
		}
		out = append(out, g)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UpdatePlayerStats(ctx context.Context, username, timeControl string, newRating int, resultField string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ratings[ratingKey{username, timeControl}] = newRating
	return nil
}

func (s *Store) GetPlayerRating(ctx context.Context, username, timeControl string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.ratings[ratingKey{username, timeControl}]; ok {
		return r, nil
	}
	return 1200, nil
}

func (s *Store) FindRandomOpponent(ctx context.Context, username, timeControl string, window int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	self := s.ratings[ratingKey{username, timeControl}]
	if self == 0 {
		self = 1200
	}
	for k, r := range s.ratings {
		if k.username == username && k.timeControl == timeControl {
			continue
		}
		if k.timeControl != timeControl {
			continue
		}
		if r < self-window || r > self+window {
			continue
		}
		return k.username, nil
	}
	return "", store.ErrNotFound
}

// TopPlayers returns up to limit rating entries for timeControl ordered by
// rating, highest first.
func (s *Store) TopPlayers(ctx context.Context, timeControl string, limit int) ([]store.RatingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []store.RatingEntry
	for k, r := range s.ratings {
		if k.timeControl != timeControl {
			continue
		}
		entries = append(entries, store.RatingEntry{Username: k.username, Rating: r})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Rating > entries[j].Rating })
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *Store) AddFriend(ctx context.Context, username, friend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	for _, f := range u.Friends {
		if f == friend {
			return nil
		}
	}
	u.Friends = append(u.Friends, friend)
	s.users[username] = u
	return nil
}

func (s *Store) RemoveFriend(ctx context.Context, username, friend string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return store.ErrNotFound
	}
	for i, f := range u.Friends {
		if f == friend {
			u.Friends = append(u.Friends[:i], u.Friends[i+1:]...)
			break
		}
	}
	s.users[username] = u
	return nil
}

// Cache is an in-memory store.Cache.
type Cache struct {
	mu        sync.Mutex
	values    map[string]string
	expiresAt map[string]time.Time
	Published []PublishedMessage
}

// PublishedMessage records one Publish call for test assertions.
type PublishedMessage struct {
	Channel string
	Message string
}

// NewCache creates an empty Cache.
func NewCache() *Cache {
	return &Cache{values: make(map[string]string), expiresAt: make(map[string]time.Time)}
}

func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	if ttl > 0 {
		c.expiresAt[key] = time.Now().Add(ttl)
	} else {
		delete(c.expiresAt, key)
	}
	return nil
}

func (c *Cache) Get(ctx context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.expiresAt[key]; ok && time.Now().After(exp) {
		delete(c.values, key)
		delete(c.expiresAt, key)
		return "", store.ErrNotFound
	}
	v, ok := c.values[key]
	if !ok {
		return "", store.ErrNotFound
	}
	return v, nil
}

func (c *Cache) Del(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	delete(c.expiresAt, key)
	return nil
}

func (c *Cache) Publish(ctx context.Context, channel, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Published = append(c.Published, PublishedMessage{Channel: channel, Message: message})
	return nil
}
