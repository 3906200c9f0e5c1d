// Package httpapi exposes a broker over JSON/HTTP. Channels are server-side
// sessions addressed by a generated id.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	carrotlite "github.com/aleybovich/carrot-lite"
	"github.com/aleybovich/carrot-lite/brokererror"
	"github.com/aleybovich/carrot-lite/logger"
)

// DefaultSessionTTL is how long a channel session may sit idle before it is closed.
const DefaultSessionTTL = 10 * time.Minute

type session struct {
	id string
	ch *carrotlite.Channel

	lastUsed atomic.Int64 // unix nanos
	active   atomic.Int32 // requests in flight

	mu        sync.Mutex
	consumers map[string]*carrotlite.Consumer
}

func (sess *session) touch(now time.Time) { sess.lastUsed.Store(now.UnixNano()) }

func (sess *session) idleSince(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, sess.lastUsed.Load()))
}

type Server struct {
	engine *gin.Engine
	broker *carrotlite.Broker
	conn   *carrotlite.Connection
	logger logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	sessionTTL time.Duration
	reaper     *cron.Cron

	httpSrv *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithSessionTTL closes channel sessions that have seen no request for ttl.
// Their unacked deliveries are requeued. Zero disables expiry.
func WithSessionTTL(ttl time.Duration) Option {
	return func(s *Server) { s.sessionTTL = ttl }
}

// New opens a broker connection that backs every HTTP channel session.
func New(b *carrotlite.Broker, log logger.Logger, opts ...Option) (*Server, error) {
	if log == nil {
		log = b.Logger()
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestID(), requestLogger(log))

	s := &Server{
		engine:     r,
		broker:     b,
		logger:     log,
		sessions:   make(map[string]*session),
		sessionTTL: DefaultSessionTTL,
		httpSrv: &http.Server{
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	conn, err := b.Connect()
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.registerRoutes(r)

	if s.sessionTTL > 0 {
		s.reaper = cron.New()
		s.reaper.Schedule(cron.Every(max(s.sessionTTL/2, time.Second)), cron.FuncJob(func() {
			s.reapIdleSessions(time.Now())
		}))
		s.reaper.Start()
	}
	return s, nil
}

// Engine returns the underlying Gin engine (for testing)
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// ListenAndServe serves on addr until Shutdown is called. It returns nil
// right away if Shutdown already ran.
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP API listening on %s", ln.Addr())
	err = s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and closes every channel session.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)

	if s.reaper != nil {
		select {
		case <-s.reaper.Stop().Done():
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	if cerr := s.conn.Close(); cerr != nil && !errors.Is(cerr, brokererror.ErrConnectionClosed) {
		err = errors.Join(err, cerr)
	}
	return err
}

func (s *Server) openSession() (*session, error) {
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, err
	}
	sess := &session{
		id:        uuid.NewString(),
		ch:        ch,
		consumers: make(map[string]*carrotlite.Consumer),
	}
	sess.touch(time.Now())

	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.mu.Unlock()
	return sess, nil
}

func (s *Server) session(id string) (*session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *Server) closeSession(id string) error {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if !ok {
		return brokererror.New(brokererror.NotFound, "no channel session '%s'", id)
	}
	return sess.ch.Close()
}

// reapIdleSessions closes sessions idle for longer than the TTL with no
// request in flight and returns how many it closed.
func (s *Server) reapIdleSessions(now time.Time) int {
	if s.sessionTTL <= 0 {
		return 0
	}

	var idle []*session
	s.mu.Lock()
	for id, sess := range s.sessions {
		if sess.active.Load() == 0 && sess.idleSince(now) > s.sessionTTL {
			idle = append(idle, sess)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, sess := range idle {
		if err := sess.ch.Close(); err != nil && !errors.Is(err, brokererror.ErrChannelClosed) {
			s.logger.Warn("Closing idle session %s: %v", sess.id, err)
			continue
		}
		s.logger.Info("Closed channel session %s after %s idle", sess.id, sess.idleSince(now).Round(time.Second))
	}
	return len(idle)
}

func (sess *session) consumer(tag string) (*carrotlite.Consumer, bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	c, ok := sess.consumers[tag]
	return c, ok
}
