package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/pageaudit/internal/audit"
	"github.com/JakeFAU/pageaudit/internal/metrics"
	"github.com/JakeFAU/pageaudit/internal/progress"
	"github.com/JakeFAU/pageaudit/internal/workflow"
)

// SessionRunner runs one audit session per connection.
type SessionRunner interface {
	Run(ctx context.Context, emit workflow.EmitFunc) error
}

// ResultReader looks up stored results.
type ResultReader interface {
	Get(ctx context.Context, lookup audit.Lookup) (audit.Entry, error)
}

// Config tunes the channel server.
type Config struct {
	// NotFoundAsError replies ERROR instead of SUCCESS with null data when a
	// requested result does not exist.
	NotFoundAsError bool
	// WriteTimeout bounds each frame write. Zero disables the deadline.
	WriteTimeout time.Duration
}

// Server upgrades HTTP requests to progress channel connections.
type Server struct {
	sessions SessionRunner
	results  ResultReader
	progress progress.Emitter
	cfg      Config
	logger   *zap.Logger

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// NewServer constructs a Server. The progress emitter is optional.
func NewServer(sessions SessionRunner, results ResultReader, emitter progress.Emitter, cfg Config, logger *zap.Logger) (*Server, error) {
	if sessions == nil {
		return nil, errors.New("session runner is required")
	}
	if results == nil {
		return nil, errors.New("result reader is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Server{
		sessions: sessions,
		results:  results,
		progress: emitter,
		cfg:      cfg,
		logger:   logger,
		conns:    make(map[*conn]struct{}),
	}, nil
}

// ServeHTTP upgrades the request and serves the connection until the peer
// closes it. The session's context is canceled when the connection ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	netConn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{
		id:      uuid.New(),
		netConn: netConn,
		server:  s,
		cancel:  cancel,
	}
	c.logger = s.logger.With(zap.String("conn_id", c.id.String()), zap.String("remote", r.RemoteAddr))
	s.track(c)
	metrics.IncChannelConnections()
	c.logger.Info("channel connected")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.sessions.Run(ctx, c.sendEvent); err != nil {
			c.logger.Warn("session ended with error", zap.Error(err))
			return
		}
		c.logger.Info("session completed")
	}()

	c.readLoop(ctx)

	cancel()
	c.close()
	s.untrack(c)
	metrics.DecChannelConnections()
	c.logger.Info("channel disconnected")
}

// Close closes every open connection and waits for their sessions to return.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	for c := range s.conns {
		c.cancel()
		c.close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for channel sessions: %w", ctx.Err())
	}
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

type conn struct {
	id      uuid.UUID
	netConn net.Conn
	server  *Server
	cancel  context.CancelFunc
	logger  *zap.Logger

	writeMu sync.Mutex
	closed  bool
}

func (c *conn) readLoop(ctx context.Context) {
	for {
		frame, op, err := wsutil.ReadClientData(controlRW{c})
		if err != nil {
			var closed wsutil.ClosedError
			if !errors.As(err, &closed) {
				c.logger.Debug("channel read ended", zap.Error(err))
			}
			return
		}
		if op != ws.OpText {
			c.logger.Debug("dropping non-text frame", zap.Uint8("op", byte(op)))
			continue
		}
		req, err := DecodeRequest(frame)
		if err != nil {
			metrics.ObserveChannelMessage("in", "invalid")
			c.logger.Debug("dropping undecodable frame", zap.Error(err))
			continue
		}
		metrics.ObserveChannelMessage("in", string(req.Event))
		c.handleResultRequest(ctx, req.Data.ID)
	}
}

func (c *conn) handleResultRequest(ctx context.Context, id string) {
	s := c.server
	entry, err := s.results.Get(ctx, audit.Lookup{ID: id})
	msg := Message{Event: EventGetTestResults, Status: StatusSuccess}
	status := progress.StatusSuccess
	switch {
	case err == nil:
		msg.Data = ResultData{ID: id, Data: &entry}
	case unknownResult(err) && !s.cfg.NotFoundAsError:
		msg.Data = ResultData{ID: id}
	case unknownResult(err):
		msg.Status = StatusError
		status = progress.StatusError
		msg.Data = ResultData{ID: id, Error: audit.ErrNotFound.Error()}
	default:
		msg.Status = StatusError
		status = progress.StatusError
		msg.Data = ResultData{ID: id, Error: err.Error()}
	}
	c.send(msg)

	if s.progress != nil {
		evt := progress.Event{
			SessionID: progress.UUIDToBytes(c.id),
			TS:        time.Now().UTC(),
			Stage:     progress.StageFetchResult,
			Status:    status,
			ID:        id,
		}
		if err != nil {
			evt.Note = err.Error()
		}
		s.progress.Emit(evt)
	}
}

// unknownResult reports lookups that can never match a stored entry. Ids that
// are not content addresses are unknown rather than malformed requests.
func unknownResult(err error) bool {
	return errors.Is(err, audit.ErrNotFound) || errors.Is(err, audit.ErrInvalidID)
}

func (c *conn) sendEvent(evt workflow.Event) {
	msg, ok := Encode(evt)
	if !ok {
		return
	}
	c.send(msg)
}

func (c *conn) send(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("encode channel message", zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	if timeout := c.server.cfg.WriteTimeout; timeout > 0 {
		_ = c.netConn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if err := wsutil.WriteServerMessage(c.netConn, ws.OpText, payload); err != nil {
		c.logger.Debug("channel write failed", zap.String("event", string(msg.Event)), zap.Error(err))
		return
	}
	metrics.ObserveChannelMessage("out", string(msg.Event))
}

// controlRW routes pong and close replies written by the frame reader
// through the connection's write lock.
type controlRW struct {
	c *conn
}

func (rw controlRW) Read(p []byte) (int, error) {
	return rw.c.netConn.Read(p)
}

func (rw controlRW) Write(p []byte) (int, error) {
	rw.c.writeMu.Lock()
	defer rw.c.writeMu.Unlock()
	if rw.c.closed {
		return 0, net.ErrClosed
	}
	return rw.c.netConn.Write(p)
}

func (c *conn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if err := c.netConn.Close(); err != nil {
		c.logger.Debug("channel close", zap.Error(err))
	}
}
