package game

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xqserver/xqserver/internal/aiengine"
	"github.com/xqserver/xqserver/internal/mailbox"
	"github.com/xqserver/xqserver/internal/protocol"
	"github.com/xqserver/xqserver/internal/rating"
	"github.com/xqserver/xqserver/internal/store"
	"github.com/xqserver/xqserver/internal/xiangqi"
)

// NoOpponentHandle is the sentinel black-side handle for AI games.
const NoOpponentHandle mailbox.Handle = -1

// OutMessage is a single reply addressed to the connection that invoked
// the operation producing it; any opponent-facing notification is posted
// to the mailbox directly by the Manager instead of being returned.
type OutMessage struct {
	Kind    protocol.Kind
	Payload any
}

// Manager owns the game_id -> ActiveGame map and the session -> game
// index (keyed by connection handle). All opponent-facing side effects
// go through the outbound mailbox, per the single-writer discipline;
// only the reply to the message's own sender is returned directly.
type Manager struct {
	mu        sync.Mutex
	games     map[string]*ActiveGame
	bySession map[mailbox.Handle]*ActiveGame
	lastGame  map[mailbox.Handle]*ActiveGame // most recently completed game per handle, for rematch

	store   store.Store
	rater   rating.Updater
	aiGames *aiengine.Manager
	engine  *aiengine.Engine
	box     *mailbox.Mailbox
	logger  *slog.Logger
}

// New builds a Manager wired to its collaborators.
func New(st store.Store, rater rating.Updater, aiGames *aiengine.Manager, engine *aiengine.Engine, box *mailbox.Mailbox, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		games:     make(map[string]*ActiveGame),
		bySession: make(map[mailbox.Handle]*ActiveGame),
		lastGame:  make(map[mailbox.Handle]*ActiveGame),
		store:     st,
		rater:     rater,
		aiGames:   aiGames,
		engine:    engine,
		box:       box,
		logger:    logger,
	}
}

// GameForHandle returns the active game a connection handle is currently
// playing, if any.
func (m *Manager) GameForHandle(h mailbox.Handle) (*ActiveGame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.bySession[h]
	return g, ok
}

// CreateGame starts a new human-vs-human game and persists it.
func (m *Manager) CreateGame(ctx context.Context, redUser, blackUser string, redHandle, blackHandle mailbox.Handle, tc TimeControl, rated bool) (*ActiveGame, error) {
	preset, ok := clockPresets[tc]
	if !ok {
		preset = clockPresets[TimeControlBlitz]
		tc = TimeControlBlitz
	}

	g := &ActiveGame{
		RedUser: redUser, BlackUser: blackUser,
		RedHandle: redHandle, BlackHandle: blackHandle,
		TimeControl: tc, Rated: rated,
		Status: StatusInProgress, WhoseTurn: xiangqi.SideRed,
		FEN:         xiangqi.InitialFEN(),
		RedMillis:   preset.initial.Milliseconds(),
		BlackMillis: preset.initial.Milliseconds(),
		CreatedAt:   time.Now(),
	}

	id, err := m.persistCreate(ctx, g)
	if err != nil {
		return nil, err
	}
	g.ID = id

	m.mu.Lock()
	m.games[g.ID] = g
	m.bySession[redHandle] = g
	if blackHandle != NoOpponentHandle {
		m.bySession[blackHandle] = g
	}
	m.mu.Unlock()

	return g, nil
}

func (m *Manager) persistCreate(ctx context.Context, g *ActiveGame) (string, error) {
	if m.store == nil {
		return uuid.NewString(), nil
	}
	id, err := m.store.CreateGame(ctx, store.Game{
		RedUser: g.RedUser, BlackUser: g.BlackUser,
		TimeControl: string(g.TimeControl), Rated: g.Rated,
		Status: string(g.Status), WhoseTurn: string(g.WhoseTurn),
		FEN:       g.FEN,
		Clocks:    store.Clocks{RedMillis: g.RedMillis, BlackMillis: g.BlackMillis},
		CreatedAt: g.CreatedAt,
	})
	if err != nil {
		return "", fmt.Errorf("game: persisting new game: %w", err)
	}
	return id, nil
}

// StartAIGame creates a game where the black side is the engine: marks
// the human's handle in_game with the AI sentinel opponent, and
// registers a position tracker in the AI bridge.
func (m *Manager) StartAIGame(ctx context.Context, humanUser string, humanHandle mailbox.Handle, tier aiengine.Tier) (*ActiveGame, error) {
	g, err := m.CreateGame(ctx, humanUser, "", humanHandle, NoOpponentHandle, TimeControlBlitz, false)
	if err != nil {
		return nil, err
	}
	g.IsAIGame = true
	if m.aiGames != nil {
		m.aiGames.Start(humanHandle, tier)
	}
	return g, nil
}

// Move validates and applies a move from senderHandle/senderUsername.
// On success it returns the echo OutMessage for the sender and posts the
// forward to the opponent (and, for AI games, schedules the engine
// reply) via the mailbox.
func (m *Manager) Move(ctx context.Context, senderHandle mailbox.Handle, senderUsername string, payload protocol.MovePayload) OutMessage {
	g, ok := m.GameForHandle(senderHandle)
	if !ok {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "not in a game"}}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.Status != StatusInProgress {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "game is not in progress"}}
	}

	side := g.usernameSide(senderUsername)
	if side == "" || side != g.WhoseTurn {
		return OutMessage{Kind: protocol.KindInvalidMove, Payload: protocol.InvalidMovePayload{Reason: "Not your turn or wrong piece"}}
	}

	from := xiangqi.Cell{Row: payload.From.Row, Col: payload.From.Col}
	to := xiangqi.Cell{Row: payload.To.Row, Col: payload.To.Col}
	if err := xiangqi.SanityCheck(g.FEN, from, to, side); err != nil {
		return OutMessage{Kind: protocol.KindInvalidMove, Payload: protocol.InvalidMovePayload{Reason: err.Error()}}
	}

	nextFEN, err := xiangqi.ApplyMove(g.FEN, from, to)
	if err != nil {
		return OutMessage{Kind: protocol.KindInvalidMove, Payload: protocol.InvalidMovePayload{Reason: err.Error()}}
	}

	move := Move{Piece: payload.Piece, From: from, To: to, PlayedAt: time.Now()}
	g.Moves = append(g.Moves, move)
	g.MoveCount++
	g.FEN = nextFEN
	g.WhoseTurn = side.Opposite()
	m.applyIncrement(g, side)

	if m.store != nil {
		if err := m.store.AppendMoveAndUpdate(ctx, g.ID, store.Move{
			Piece: move.Piece, FromRow: from.Row, FromCol: from.Col, ToRow: to.Row, ToCol: to.Col, PlayedAt: move.PlayedAt,
		}, string(g.WhoseTurn), store.Clocks{RedMillis: g.RedMillis, BlackMillis: g.BlackMillis}, g.FEN); err != nil {
			m.logger.Error("game: persisting move failed", "game_id", g.ID, "error", err)
		}
	}

	forward := protocol.MovePayload{Piece: payload.Piece, From: payload.From, To: payload.To}

	if g.IsAIGame {
		if m.aiGames != nil {
			_ = m.aiGames.ApplyMove(g.RedHandle, xiangqi.MoveToUCI(from, to))
		}
		go m.queryAIReply(g)
	} else {
		oppHandle := g.opponentHandleOf(senderUsername)
		m.box.Post(mailbox.Entry{Destination: oppHandle, Kind: protocol.KindMove, Payload: forward})
	}

	return OutMessage{Kind: protocol.KindMove, Payload: forward}
}

func (m *Manager) applyIncrement(g *ActiveGame, mover xiangqi.Side) {
	preset, ok := clockPresets[g.TimeControl]
	if !ok {
		return
	}
	inc := preset.increment.Milliseconds()
	if mover == xiangqi.SideRed {
		g.RedMillis += inc
	} else {
		g.BlackMillis += inc
	}
}

// queryAIReply asks the engine for its move and posts the translated
// reply to the human's mailbox entry, never writing on this goroutine's
// caller's socket directly (it is not the worker handling the human's
// original message by the time the engine replies).
func (m *Manager) queryAIReply(g *ActiveGame) {
	if m.engine == nil || m.aiGames == nil {
		return
	}
	tracker, ok := m.aiGames.Get(g.RedHandle)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	uciMove, err := m.engine.GetBestMove(ctx, tracker.InitialFEN, tracker.Moves, tracker.Tier)
	if err != nil {
		m.logger.Warn("game: AI move query failed", "game_id", g.ID, "error", err)
		return
	}

	from, to, err := xiangqi.MoveFromUCI(uciMove)
	if err != nil {
		m.logger.Warn("game: AI returned unparseable move", "game_id", g.ID, "move", uciMove, "error", err)
		return
	}

	g.mu.Lock()
	nextFEN, err := xiangqi.ApplyMove(g.FEN, from, to)
	if err == nil {
		g.FEN = nextFEN
		g.MoveCount++
		g.WhoseTurn = g.WhoseTurn.Opposite()
		g.Moves = append(g.Moves, Move{Piece: "", From: from, To: to, PlayedAt: time.Now()})
	}
	g.mu.Unlock()

	m.aiGames.ApplyMove(g.RedHandle, uciMove)

	m.box.Post(mailbox.Entry{
		Destination: g.RedHandle,
		Kind:        protocol.KindMove,
		Payload: protocol.MovePayload{
			Piece: "",
			From:  protocol.Cell{Row: from.Row, Col: from.Col},
			To:    protocol.Cell{Row: to.Row, Col: to.Col},
		},
	})
}

// SuggestMove answers a one-shot SUGGEST_MOVE for the requester's own
// current game, at hard tier.
func (m *Manager) SuggestMove(ctx context.Context, senderHandle mailbox.Handle) OutMessage {
	g, ok := m.GameForHandle(senderHandle)
	if !ok {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "not in a game"}}
	}
	if m.engine == nil {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "engine unavailable"}}
	}

	g.mu.Lock()
	fen := g.FEN
	g.mu.Unlock()

	uciMove, err := m.engine.SuggestMove(ctx, fen, nil)
	if err != nil {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "engine unavailable"}}
	}
	from, to, err := xiangqi.MoveFromUCI(uciMove)
	if err != nil {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "engine returned an unparseable move"}}
	}

	return OutMessage{Kind: protocol.KindSuggestMove, Payload: protocol.MovePayload{
		From: protocol.Cell{Row: from.Row, Col: from.Col},
		To:   protocol.Cell{Row: to.Row, Col: to.Col},
	}}
}

// DrawRequest records a pending draw offer and forwards it to the opponent.
func (m *Manager) DrawRequest(senderHandle mailbox.Handle, senderUsername string) OutMessage {
	g, ok := m.GameForHandle(senderHandle)
	if !ok {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "not in a game"}}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.Status != StatusInProgress {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "game is not in progress"}}
	}

	g.PendingDrawOfferBy = senderUsername
	g.DrawOfferExpiresAt = time.Now().Add(drawOfferTTL)

	if !g.IsAIGame {
		m.box.Post(mailbox.Entry{Destination: g.opponentHandleOf(senderUsername), Kind: protocol.KindDrawRequest, Payload: nil})
	}
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"draw_offer_sent": true}}
}

// DrawResponse resolves a pending draw offer.
func (m *Manager) DrawResponse(ctx context.Context, senderHandle mailbox.Handle, senderUsername string, accept bool) OutMessage {
	g, ok := m.GameForHandle(senderHandle)
	if !ok {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "not in a game"}}
	}

	g.mu.Lock()
	if g.PendingDrawOfferBy == "" || g.PendingDrawOfferBy == senderUsername || time.Now().After(g.DrawOfferExpiresAt) {
		g.mu.Unlock()
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "no pending draw offer"}}
	}

	if !accept {
		g.PendingDrawOfferBy = ""
		g.mu.Unlock()
		if !g.IsAIGame {
			m.box.Post(mailbox.Entry{Destination: g.opponentHandleOf(senderUsername), Kind: protocol.KindDrawResponse, Payload: protocol.DrawResponsePayload{AcceptDraw: false}})
		}
		return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"draw_declined": true}}
	}
	g.mu.Unlock()

	m.terminate(ctx, g, ResultDraw, "")
	return OutMessage{Kind: protocol.KindGameEnd, Payload: protocol.GameEndPayload{WinSide: "draw"}}
}

// Resign terminates the game with a win for the sender's opponent.
func (m *Manager) Resign(ctx context.Context, senderHandle mailbox.Handle, senderUsername string) OutMessage {
	g, ok := m.GameForHandle(senderHandle)
	if !ok {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "not in a game"}}
	}

	g.mu.Lock()
	if g.Status != StatusInProgress {
		g.mu.Unlock()
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "game already over"}}
	}
	side := g.usernameSide(senderUsername)
	g.mu.Unlock()

	result := ResultBlackWin
	if side == xiangqi.SideBlack {
		result = ResultRedWin
	}
	winner := g.opponentOf(senderUsername)

	m.terminate(ctx, g, result, winner)
	return OutMessage{Kind: protocol.KindGameEnd, Payload: protocol.GameEndPayload{WinSide: winSideOf(result)}}
}

// AbandonForDisconnect terminates a game because one side disconnected,
// with the same effect as a resignation by the departed side.
func (m *Manager) AbandonForDisconnect(ctx context.Context, disconnectedHandle mailbox.Handle) {
	g, ok := m.GameForHandle(disconnectedHandle)
	if !ok {
		return
	}

	g.mu.Lock()
	if g.Status != StatusInProgress {
		g.mu.Unlock()
		return
	}
	disconnectedUser := g.RedUser
	if disconnectedHandle == g.BlackHandle {
		disconnectedUser = g.BlackUser
	}
	g.mu.Unlock()

	result := ResultBlackWin
	if disconnectedUser == g.BlackUser {
		result = ResultRedWin
	}
	winner := g.opponentOf(disconnectedUser)
	m.terminate(ctx, g, result, winner)
}

func winSideOf(result Result) string {
	switch result {
	case ResultRedWin:
		return "red"
	case ResultBlackWin:
		return "black"
	default:
		return "draw"
	}
}

// terminate finalizes g: sets terminal fields, notifies both sides,
// invokes the rating hook if rated, and drops the AI tracker if this was
// an AI game. No field of g changes after this call returns.
func (m *Manager) terminate(ctx context.Context, g *ActiveGame, result Result, winner string) {
	g.mu.Lock()
	if g.Status != StatusInProgress {
		g.mu.Unlock()
		return
	}
	g.Status = StatusCompleted
	g.Result = result
	g.Winner = winner
	g.EndedAt = time.Now()
	redHandle, blackHandle := g.RedHandle, g.BlackHandle
	rated, redUser, blackUser, tc, isAI := g.Rated, g.RedUser, g.BlackUser, g.TimeControl, g.IsAIGame
	gameID := g.ID
	g.mu.Unlock()

	winSide := winSideOf(result)
	payload := protocol.GameEndPayload{WinSide: winSide}

	m.box.Post(mailbox.Entry{Destination: redHandle, Kind: protocol.KindGameEnd, Payload: payload})
	if blackHandle != NoOpponentHandle {
		m.box.Post(mailbox.Entry{Destination: blackHandle, Kind: protocol.KindGameEnd, Payload: payload})
	}

	m.mu.Lock()
	delete(m.bySession, redHandle)
	m.lastGame[redHandle] = g
	if blackHandle != NoOpponentHandle {
		delete(m.bySession, blackHandle)
		m.lastGame[blackHandle] = g
	}
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.EndGame(ctx, gameID, string(StatusCompleted), string(result), winner); err != nil {
			m.logger.Error("game: persisting termination failed", "game_id", gameID, "error", err)
		}
	}

	if rated && m.rater != nil && !isAI {
		if err := m.rater.UpdateRatings(ctx, redUser, blackUser, rating.Result(result), string(tc)); err != nil {
			m.logger.Error("game: rating update failed", "game_id", gameID, "error", err)
		}
	}

	if isAI && m.aiGames != nil {
		m.aiGames.Drop(redHandle)
	}
}

// RematchRequest records a pending rematch offer against the sender's
// most recently completed game and forwards it to the opponent. A
// supplemented feature, symmetric to the draw-offer state machine.
func (m *Manager) RematchRequest(senderHandle mailbox.Handle, senderUsername string) OutMessage {
	g := m.recentGame(senderHandle)
	if g == nil {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "no recent game to rematch"}}
	}
	if g.IsAIGame {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "rematch not supported against the engine"}}
	}

	g.mu.Lock()
	g.PendingRematchOfferBy = senderUsername
	g.RematchOfferExpiresAt = time.Now().Add(rematchOfferTTL)
	oppHandle := g.opponentHandleOf(senderUsername)
	g.mu.Unlock()

	m.box.Post(mailbox.Entry{Destination: oppHandle, Kind: protocol.KindRematchRequest, Payload: nil})
	return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"rematch_offer_sent": true}}
}

// RematchResponse resolves a pending rematch offer. On acceptance, a
// fresh game is created with colors swapped relative to the original.
func (m *Manager) RematchResponse(ctx context.Context, senderHandle mailbox.Handle, senderUsername string, accept bool) OutMessage {
	g := m.recentGame(senderHandle)
	if g == nil {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "no pending rematch offer"}}
	}

	g.mu.Lock()
	if g.PendingRematchOfferBy == "" || g.PendingRematchOfferBy == senderUsername || time.Now().After(g.RematchOfferExpiresAt) {
		g.mu.Unlock()
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "no pending rematch offer"}}
	}
	oldRedUser, oldBlackUser, oldRedHandle, oldBlackHandle, tc, rated := g.RedUser, g.BlackUser, g.RedHandle, g.BlackHandle, g.TimeControl, g.Rated
	g.PendingRematchOfferBy = ""
	g.mu.Unlock()

	accepterUsername := senderUsername
	offererUsername := g.opponentOf(accepterUsername)
	offererHandle := g.opponentHandleOf(accepterUsername)

	if !accept {
		m.box.Post(mailbox.Entry{Destination: offererHandle, Kind: protocol.KindRematchResponse, Payload: protocol.RematchResponsePayload{AcceptRematch: false}})
		return OutMessage{Kind: protocol.KindInfo, Payload: map[string]any{"rematch_declined": true}}
	}

	// Swap colors: the prior black side moves first this time, regardless
	// of which side offered or accepted the rematch.
	newRedUser, newBlackUser := oldBlackUser, oldRedUser
	newRedHandle, newBlackHandle := oldBlackHandle, oldRedHandle
	if _, err := m.CreateGame(ctx, newRedUser, newBlackUser, newRedHandle, newBlackHandle, tc, rated); err != nil {
		return OutMessage{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: "could not start rematch"}}
	}

	m.box.Post(mailbox.Entry{Destination: offererHandle, Kind: protocol.KindGameStart, Payload: protocol.GameStartPayload{Opponent: accepterUsername, GameMode: string(tc)}})
	return OutMessage{Kind: protocol.KindGameStart, Payload: protocol.GameStartPayload{Opponent: offererUsername, GameMode: string(tc)}}
}

// recentGame returns the most recently completed game for handle, if any.
func (m *Manager) recentGame(handle mailbox.Handle) *ActiveGame {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastGame[handle]
}
