// Package game owns the active-game lifecycle: creation, turn
// arbitration on MOVE, draw offers, resignation, and termination
// (including the rated-game rating-update hook and AI-bridge cleanup).
// It is the heaviest component of the server, mirroring the weight the
// session/game layer carries in the source system.
package game

import (
	"sync"
	"time"

	"github.com/xqserver/xqserver/internal/mailbox"
	"github.com/xqserver/xqserver/internal/xiangqi"
)

// TimeControl names a clock class.
type TimeControl string

const (
	TimeControlBullet    TimeControl = "bullet"
	TimeControlBlitz     TimeControl = "blitz"
	TimeControlClassical TimeControl = "classical"
)

// clockPreset is the starting time and per-move increment for a time control.
type clockPreset struct {
	initial   time.Duration
	increment time.Duration
}

var clockPresets = map[TimeControl]clockPreset{
	TimeControlBullet:    {initial: 180 * time.Second, increment: 2 * time.Second},
	TimeControlBlitz:     {initial: 300 * time.Second, increment: 3 * time.Second},
	TimeControlClassical: {initial: 900 * time.Second, increment: 5 * time.Second},
}

// Status is an ActiveGame's lifecycle state. in_progress is the only
// non-terminal status; no field of an ActiveGame changes once it leaves
// in_progress.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Result is the terminal outcome, once Status is StatusCompleted.
type Result string

const (
	ResultRedWin   Result = "red_win"
	ResultBlackWin Result = "black_win"
	ResultDraw     Result = "draw"
)

// drawOfferTTL and rematchOfferTTL bound how long an outstanding offer
// remains acceptable.
const (
	drawOfferTTL    = 5 * time.Minute
	rematchOfferTTL = 5 * time.Minute
)

// Move is one recorded ply.
type Move struct {
	Piece          string
	From, To       xiangqi.Cell
	ConsumedMillis int64
	PlayedAt       time.Time
}

// ActiveGame is one in-progress or just-terminated game. Every mutation
// goes through Manager, which holds the per-game lock for the duration.
type ActiveGame struct {
	mu sync.Mutex

	ID          string
	RedUser     string
	BlackUser   string
	RedHandle   mailbox.Handle
	BlackHandle mailbox.Handle // mailbox.Handle(-1) for an AI opponent
	TimeControl TimeControl
	Rated       bool
	IsAIGame    bool

	Status    Status
	WhoseTurn xiangqi.Side
	MoveCount int
	FEN       string
	Moves     []Move

	RedMillis   int64
	BlackMillis int64

	PendingDrawOfferBy    string // username, "" if none
	DrawOfferExpiresAt    time.Time
	PendingRematchOfferBy string
	RematchOfferExpiresAt time.Time

	Result  Result
	Winner  string // username
	EndedAt time.Time

	CreatedAt time.Time
}

// usernameSide returns which side username plays, or "" if neither.
func (g *ActiveGame) usernameSide(username string) xiangqi.Side {
	switch username {
	case g.RedUser:
		return xiangqi.SideRed
	case g.BlackUser:
		return xiangqi.SideBlack
	default:
		return ""
	}
}

// opponentOf returns the other player's username.
func (g *ActiveGame) opponentOf(username string) string {
	if username == g.RedUser {
		return g.BlackUser
	}
	return g.RedUser
}

// opponentHandleOf returns the other player's connection handle.
func (g *ActiveGame) opponentHandleOf(username string) mailbox.Handle {
	if username == g.RedUser {
		return g.BlackHandle
	}
	return g.RedHandle
}
