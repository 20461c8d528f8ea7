// Package store declares the external-collaborator contracts the core
// invokes for persistence: a document store for users, games, and
// ratings, and a key-value cache for session/challenge bookkeeping.
// Both collaborators are out of scope for re-implementation per the
// system this package describes — only the operations the core calls
// are declared here, against which internal/store/mongostore and
// internal/store/rediscache provide real adapters.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookup operations when no matching record exists.
var ErrNotFound = errors.New("store: not found")

// User mirrors the persisted account record.
type User struct {
	Username     string
	PasswordHash string
	AvatarID     string
	Online       bool
	Friends      []string
	CreatedAt    time.Time
}

// Clocks carries both sides' remaining time, in milliseconds.
type Clocks struct {
	RedMillis   int64
	BlackMillis int64
}

// Move is one ply recorded on a persisted game document.
type Move struct {
	Piece    string
	FromRow  int
	FromCol  int
	ToRow    int
	ToCol    int
	PlayedAt time.Time
}

// Game mirrors the persisted game document; fields track ActiveGame.
type Game struct {
	ID          string
	RedUser     string
	BlackUser   string
	TimeControl string
	Rated       bool
	Status      string
	WhoseTurn   string
	MoveCount   int
	FEN         string
	Clocks      Clocks
	Moves       []Move
	Result      string
	Winner      string
	CreatedAt   time.Time
	EndedAt     time.Time
}

// GameFilter narrows FindGamesByUser.
type GameFilter struct {
	Username    string
	TimeControl string
	Limit       int
}

// RatingEntry is one row of a leaderboard read.
type RatingEntry struct {
	Username string
	Rating   int
}

// Store is the document-store contract consumed by the core.
type Store interface {
	CreateUser(ctx context.Context, u User) error
	FindUserByName(ctx context.Context, username string) (User, error)
	UpdateOnlineStatus(ctx context.Context, username string, online bool) error

	CreateGame(ctx context.Context, g Game) (string, error)
	FindGameByID(ctx context.Context, gameID string) (Game, error)
	AppendMoveAndUpdate(ctx context.Context, gameID string, move Move, nextTurn string, clocks Clocks, fen string) error
	EndGame(ctx context.Context, gameID, status, result, winner string) error
	FindGamesByUser(ctx context.Context, filter GameFilter) ([]Game, error)

	UpdatePlayerStats(ctx context.Context, username, timeControl string, newRating int, resultField string) error
	GetPlayerRating(ctx context.Context, username, timeControl string) (int, error)
	FindRandomOpponent(ctx context.Context, username, timeControl string, window int) (string, error)
	TopPlayers(ctx context.Context, timeControl string, limit int) ([]RatingEntry, error)

	AddFriend(ctx context.Context, username, friend string) error
	RemoveFriend(ctx context.Context, username, friend string) error
}

// Cache is the session/challenge key-value contract consumed by the core.
type Cache interface {
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	Del(ctx context.Context, key string) error
	Publish(ctx context.Context, channel, message string) error
}
