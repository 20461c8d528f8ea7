package aiengine

import (
	"fmt"
	"sync"

	"github.com/xqserver/xqserver/internal/mailbox"
	"github.com/xqserver/xqserver/internal/xiangqi"
)

// Game tracks one active AI game: the human's connection handle, the
// difficulty tier, the initial position, and the UCI move history the
// engine needs to reconstruct the current position.
type Game struct {
	HumanHandle mailbox.Handle
	Tier        Tier
	InitialFEN  string
	Moves       []string // UCI tokens, in play order
	WhoseTurn   xiangqi.Side
}

// ApplyMove appends move to the history and flips whose_turn.
func (g *Game) ApplyMove(move string) {
	g.Moves = append(g.Moves, move)
	g.WhoseTurn = g.WhoseTurn.Opposite()
}

// Manager owns the map from human connection handle to its AIGame
// tracker, guarded by its own mutex (distinct from the engine's dialogue
// mutex, per the locking discipline: registry, then game, then AI).
type Manager struct {
	mu    sync.Mutex
	games map[mailbox.Handle]*Game
}

// NewManager creates an empty tracker set.
func NewManager() *Manager {
	return &Manager{games: make(map[mailbox.Handle]*Game)}
}

// Start registers a new AI game for humanHandle.
func (m *Manager) Start(humanHandle mailbox.Handle, tier Tier) *Game {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := &Game{
		HumanHandle: humanHandle,
		Tier:        tier,
		InitialFEN:  xiangqi.InitialFEN(),
		WhoseTurn:   xiangqi.SideRed,
	}
	m.games[humanHandle] = g
	return g
}

// Get returns the tracker for humanHandle, if one exists.
func (m *Manager) Get(humanHandle mailbox.Handle) (*Game, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[humanHandle]
	return g, ok
}

// ApplyMove records move against humanHandle's tracker.
func (m *Manager) ApplyMove(humanHandle mailbox.Handle, move string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.games[humanHandle]
	if !ok {
		return fmt.Errorf("aiengine: no AI game for handle %d", humanHandle)
	}
	g.ApplyMove(move)
	return nil
}

// Drop removes the tracker for humanHandle, on game termination.
func (m *Manager) Drop(humanHandle mailbox.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.games, humanHandle)
}
