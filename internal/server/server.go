// Package server wires the connection registry, dispatch pool, session
// state machine, and game manager into a TCP accept loop: one goroutine
// per connection reads and frames its stream, one dispatch worker
// processes each decoded message, and one writePump goroutine per
// connection is the sole writer to that connection's socket; dispatch
// workers and the shared mailbox pump only queue frames for it.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xqserver/xqserver/internal/config"
	"github.com/xqserver/xqserver/internal/dispatch"
	"github.com/xqserver/xqserver/internal/frame"
	"github.com/xqserver/xqserver/internal/game"
	"github.com/xqserver/xqserver/internal/mailbox"
	"github.com/xqserver/xqserver/internal/match"
	"github.com/xqserver/xqserver/internal/protocol"
	"github.com/xqserver/xqserver/internal/registry"
)

// mailboxPumpInterval is how often the server drains the outbound
// mailbox and routes entries to their destination connection.
const mailboxPumpInterval = 10 * time.Millisecond

// Server accepts Xiangqi client connections and runs them through the
// registry/dispatch/match/game pipeline.
type Server struct {
	cfg      config.Config
	registry *registry.Registry
	games    *game.Manager
	match    *match.Manager
	pool     *dispatch.Pool
	box      *mailbox.Mailbox
	logger   *slog.Logger

	mu         sync.Mutex
	conns      map[mailbox.Handle]*conn
	nextHandle int64

	listener net.Listener
	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Server from its collaborators and creates its dispatch
// pool with cfg.DispatchWorkers workers, each running s.handleJob.
func New(cfg config.Config, reg *registry.Registry, games *game.Manager, matchMgr *match.Manager, box *mailbox.Mailbox, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:      cfg,
		registry: reg,
		games:    games,
		match:    matchMgr,
		box:      box,
		logger:   logger,
		conns:    make(map[mailbox.Handle]*conn),
		stopCh:   make(chan struct{}),
	}
	workers := cfg.DispatchWorkers
	s.pool = dispatch.New(workers, s.handleJob, logger)
	return s
}

// Addr returns the address the server is listening on, or nil before Run.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Run listens on cfg.BindAddress:cfg.Port and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.BindAddress, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx is done or ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go s.mailboxPump(ctx)

	var wg sync.WaitGroup
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				break
			}
			select {
			case <-ctx.Done():
			default:
				s.logger.Error("accept failed", "error", err)
			}
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleConnection(ctx, nc)
		}()
	}

	wg.Wait()
	s.pool.Shutdown()
	return nil
}

// Shutdown stops accepting and closes the listener, if any.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		s.listener.Close()
	}
}

func (s *Server) handleConnection(ctx context.Context, nc net.Conn) {
	handle := mailbox.Handle(atomic.AddInt64(&s.nextHandle, 1))
	writeTimeout := s.cfg.WriteTimeout
	c := newConn(handle, nc, s.cfg.SendQueueSize, writeTimeout, s.logger)

	s.mu.Lock()
	s.conns[handle] = c
	s.mu.Unlock()

	s.registry.Register(handle)

	go c.writePump()

	defer func() {
		c.closeAsync()
		nc.Close()

		s.mu.Lock()
		delete(s.conns, handle)
		s.mu.Unlock()

		s.games.AbandonForDisconnect(context.Background(), handle)
		s.registry.Unregister(handle, s.box)
	}()

	readTimeout := s.cfg.ReadTimeout
	maxBody := s.cfg.FrameMaxBytes
	decoder := frame.NewDecoder(maxBody)
	buf := make([]byte, 64*1024)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		if readTimeout > 0 {
			if err := nc.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
				return
			}
		}

		n, err := nc.Read(buf)
		if n > 0 {
			bodies, decodeErr := decoder.Feed(buf[:n])
			for _, body := range bodies {
				s.submitFrame(handle, body)
			}
			if decodeErr != nil {
				s.logger.Warn("frame decode error, closing connection", "handle", handle, "error", decodeErr)
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Server) submitFrame(handle mailbox.Handle, body []byte) {
	msg, err := protocol.Parse(body)
	if err != nil {
		s.sendTo(handle, protocol.KindError, protocol.ErrorPayload{Message: "unrecognized message"})
		return
	}
	s.pool.Submit(dispatch.Job{Handle: handle, Message: msg})
}

// handleJob is the dispatch pool's handler: it resolves one decoded
// message against the registry/match/game state and writes back a
// reply, if the operation produces one for its own sender.
func (s *Server) handleJob(job dispatch.Job) {
	ctx := context.Background()
	reply := s.route(ctx, job.Handle, job.Message)
	if reply.Kind != "" {
		s.sendTo(job.Handle, reply.Kind, reply.Payload)
	}
}

type reply struct {
	Kind    protocol.Kind
	Payload any
}

func errReply(message string) reply {
	return reply{Kind: protocol.KindError, Payload: protocol.ErrorPayload{Message: message}}
}

func (s *Server) route(ctx context.Context, handle mailbox.Handle, msg protocol.Message) reply {
	switch msg.Kind {
	case protocol.KindLogin:
		var p protocol.LoginPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed LOGIN payload")
		}
		out := s.match.Login(ctx, handle, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindRegister:
		var p protocol.LoginPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed REGISTER payload")
		}
		out := s.match.Register(ctx, handle, p)
		return reply{out.Kind, out.Payload}
	}

	sess, ok := s.registry.Session(handle)
	if !ok || sess.Username == "" {
		return errReply("not authenticated")
	}
	username := sess.Username

	switch msg.Kind {
	case protocol.KindLogout:
		var p protocol.LogoutPayload
		_ = protocol.Decode(msg, &p)
		out := s.match.Logout(ctx, handle, username, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindChallengeRequest:
		var p protocol.ChallengeToPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed CHALLENGE_REQUEST payload")
		}
		out := s.match.ChallengeRequest(handle, username, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindChallengeCancel:
		var p protocol.ChallengeToPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed CHALLENGE_CANCEL payload")
		}
		out := s.match.ChallengeCancel(username, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindChallengeResponse:
		var p protocol.ChallengeResponsePayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed CHALLENGE_RESPONSE payload")
		}
		out := s.match.ChallengeResponse(ctx, handle, username, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindQuickMatching:
		out := s.match.QuickMatching(ctx, handle, username)
		return reply{out.Kind, out.Payload}

	case protocol.KindCancelQM:
		out := s.match.CancelQuickMatching(username)
		return reply{out.Kind, out.Payload}

	case protocol.KindAIMatch:
		var p protocol.AIMatchPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed AI_MATCH payload")
		}
		out := s.match.AIMatch(ctx, handle, username, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindMove:
		var p protocol.MovePayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed MOVE payload")
		}
		out := s.games.Move(ctx, handle, username, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindSuggestMove:
		out := s.games.SuggestMove(ctx, handle)
		return reply{out.Kind, out.Payload}

	case protocol.KindDrawRequest:
		out := s.games.DrawRequest(handle, username)
		return reply{out.Kind, out.Payload}

	case protocol.KindDrawResponse:
		var p protocol.DrawResponsePayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed DRAW_RESPONSE payload")
		}
		out := s.games.DrawResponse(ctx, handle, username, p.AcceptDraw)
		return reply{out.Kind, out.Payload}

	case protocol.KindResign:
		out := s.games.Resign(ctx, handle, username)
		return reply{out.Kind, out.Payload}

	case protocol.KindRematchRequest:
		out := s.games.RematchRequest(handle, username)
		return reply{out.Kind, out.Payload}

	case protocol.KindRematchResponse:
		var p protocol.RematchResponsePayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed REMATCH_RESPONSE payload")
		}
		out := s.games.RematchResponse(ctx, handle, username, p.AcceptRematch)
		return reply{out.Kind, out.Payload}

	case protocol.KindMessage:
		var p protocol.ChatPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed MESSAGE payload")
		}
		out := s.match.Chat(handle, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindRequestAddFriend:
		var p protocol.FriendRequestPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed REQUEST_ADD_FRIEND payload")
		}
		out := s.match.FriendRequest(username, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindResponseAddFriend:
		var p protocol.FriendResponsePayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed RESPONSE_ADD_FRIEND payload")
		}
		out := s.match.FriendResponse(ctx, username, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindUnfriend:
		var p protocol.FriendRequestPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed UNFRIEND payload")
		}
		out := s.match.Unfriend(ctx, username, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindPlayerList:
		out := s.match.PlayerList()
		return reply{out.Kind, out.Payload}

	case protocol.KindUserStats:
		var p protocol.UserStatsPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed USER_STATS payload")
		}
		out := s.match.UserStats(ctx, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindLeaderBoard:
		out := s.match.LeaderBoard(ctx)
		return reply{out.Kind, out.Payload}

	case protocol.KindGameHistory:
		var p protocol.GameHistoryPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed GAME_HISTORY payload")
		}
		out := s.match.GameHistory(ctx, p)
		return reply{out.Kind, out.Payload}

	case protocol.KindReplayRequest:
		var p protocol.ReplayRequestPayload
		if err := protocol.Decode(msg, &p); err != nil {
			return errReply("malformed REPLAY_REQUEST payload")
		}
		out := s.match.ReplayRequest(ctx, p)
		return reply{out.Kind, out.Payload}

	default:
		return errReply(fmt.Sprintf("unsupported message kind %q", msg.Kind))
	}
}

// sendTo frames and queues a reply for handle, if that connection is
// still live.
func (s *Server) sendTo(handle mailbox.Handle, kind protocol.Kind, payload any) {
	s.mu.Lock()
	c, ok := s.conns[handle]
	s.mu.Unlock()
	if !ok {
		return
	}

	body, err := protocol.Encode(kind, payload)
	if err != nil {
		s.logger.Error("encoding reply failed", "kind", kind, "error", err)
		return
	}
	framed, err := frame.Encode(body)
	if err != nil {
		s.logger.Error("framing reply failed", "kind", kind, "error", err)
		return
	}
	c.enqueue(framed)
}

// mailboxPump periodically drains the outbound mailbox and routes each
// entry to its destination connection, the event loop's half of the
// single-writer-per-socket invariant: background producers (the AI
// bridge, opponent-disconnect notifications) never touch a socket
// directly.
func (s *Server) mailboxPump(ctx context.Context) {
	ticker := time.NewTicker(mailboxPumpInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, entry := range s.box.Drain() {
				s.sendTo(entry.Destination, entry.Kind, entry.Payload)
			}
		}
	}
}
