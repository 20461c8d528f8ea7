// Package rating defines the pluggable rating-update hook the game
// session manager invokes after a terminal, rated result. Rating math
// itself (Elo vs. Glicko-2) is an external-collaborator concern; this
// package supplies a default Elo implementation and the interface the
// game manager depends on.
package rating

import (
	"context"
	"fmt"
	"math"
)

// Result is the outcome from red's perspective.
type Result string

const (
	ResultRedWin   Result = "red_win"
	ResultBlackWin Result = "black_win"
	ResultDraw     Result = "draw"
)

// RatingStore is the subset of the document store the default Elo
// updater needs: reading and writing a per-time-control rating.
type RatingStore interface {
	GetPlayerRating(ctx context.Context, username, timeControl string) (int, error)
	UpdatePlayerStats(ctx context.Context, username, timeControl string, newRating int, resultField string) error
}

// Updater is invoked by the game session manager after a rated game
// terminates.
type Updater interface {
	UpdateRatings(ctx context.Context, redUser, blackUser string, result Result, timeControl string) error
}

// DefaultK is the K-factor used by EloUpdater absent an override.
const DefaultK = 32

// EloUpdater is the default Updater: standard Elo with a fixed K-factor.
type EloUpdater struct {
	Store RatingStore
	K     int
}

// NewEloUpdater builds an EloUpdater with DefaultK.
func NewEloUpdater(store RatingStore) *EloUpdater {
	return &EloUpdater{Store: store, K: DefaultK}
}

// UpdateRatings computes and persists the post-game Elo ratings for both
// players.
func (u *EloUpdater) UpdateRatings(ctx context.Context, redUser, blackUser string, result Result, timeControl string) error {
	redRating, err := u.Store.GetPlayerRating(ctx, redUser, timeControl)
	if err != nil {
		return fmt.Errorf("rating: fetching %s rating: %w", redUser, err)
	}
	blackRating, err := u.Store.GetPlayerRating(ctx, blackUser, timeControl)
	if err != nil {
		return fmt.Errorf("rating: fetching %s rating: %w", blackUser, err)
	}

	redScore, blackScore := scores(result)
	newRed := u.applyK(redRating, blackRating, redScore)
	newBlack := u.applyK(blackRating, redRating, blackScore)

	if err := u.Store.UpdatePlayerStats(ctx, redUser, timeControl, newRed, string(result)); err != nil {
		return fmt.Errorf("rating: updating %s stats: %w", redUser, err)
	}
	if err := u.Store.UpdatePlayerStats(ctx, blackUser, timeControl, newBlack, string(result)); err != nil {
		return fmt.Errorf("rating: updating %s stats: %w", blackUser, err)
	}
	return nil
}

func scores(result Result) (red, black float64) {
	switch result {
	case ResultRedWin:
		return 1, 0
	case ResultBlackWin:
		return 0, 1
	default:
		return 0.5, 0.5
	}
}

func (u *EloUpdater) applyK(self, opponent int, score float64) int {
	k := u.K
	if k == 0 {
		k = DefaultK
	}
	expected := 1.0 / (1.0 + math.Pow(10, float64(opponent-self)/400.0))
	return self + int(float64(k)*(score-expected))
}
