// Package httpapi is the gin HTTP surface: the family REST API, scheduler
// control and the senior websocket endpoint.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tripot/internal/calendar"
	"tripot/internal/civiltime"
	"tripot/internal/collab"
	"tripot/internal/eventbus"
	"tripot/internal/registry"
	"tripot/internal/scheduler"
	"tripot/internal/session"
	"tripot/internal/storage"
	"tripot/internal/transport"
	"tripot/internal/transport/websocket"
	"tripot/internal/triggers"
	logx "tripot/pkg/logx"
)

// Scheduler is the daemon control surface the API exposes.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Reconfigure(ctx context.Context) error
	Running() bool
	Active() []scheduler.ActiveTrigger
	Status() scheduler.Status
}

// Registry is what the API needs from the connection registry.
type Registry interface {
	session.Registrar
	Deliver(ctx context.Context, user string, ev transport.TriggerEvent) (registry.Outcome, error)
	Len() int
}

type Config struct {
	Addr              string
	CORSOrigins       []string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	WebSocket         websocket.Options
	Session           session.Config
}

type Deps struct {
	Store     storage.Store
	Registry  Registry
	Scheduler Scheduler
	Triggers  *triggers.Service
	Calendar  *calendar.Service
	Prompter  collab.Prompter
	Processor collab.Processor
	Memory    collab.Memory
	Clock     civiltime.Clock
	Log       logx.Logger
	Bus       eventbus.Bus
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	engine *gin.Engine

	// Live sessions run on base, not on their request context, so that
	// shutdown can cancel them and wait for the transcript flush.
	base     context.Context
	cancel   context.CancelFunc
	sessions sync.WaitGroup

	sessMu  sync.RWMutex
	sessCfg session.Config
}

func New(cfg Config, deps Deps) *Server {
	if deps.Log.IsZero() {
		deps.Log = logx.Nop()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		log:     deps.Log,
		engine:  gin.New(),
		base:    base,
		cancel:  cancel,
		sessCfg: cfg.Session,
	}
	s.engine.Use(recovery(s.log), requestLog(s.log), cors(cfg.CORSOrigins))
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	r := s.engine
	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "Welcome to Tripot Integrated Backend!"})
	})
	r.GET("/health", s.handleHealth)

	api := r.Group("/api/v1")
	{
		api.GET("/senior/ws/:user_id", s.handleSeniorWS)
		api.POST("/trigger-call/:user_id", s.handleTriggerCall)
		api.PUT("/users/:user_id", s.handlePutUser)
		api.GET("/users/:user_id", s.handleGetUser)

		sch := api.Group("/schedule")
		{
			sch.POST("/set", s.handleScheduleSet)
			sch.GET("/current-time", s.handleCurrentTime)
			sch.GET("/users/:user_id", s.handleScheduleList)
			sch.DELETE("/users/:user_id", s.handleScheduleDeleteAll)
			sch.PUT("/triggers/:trigger_id/toggle", s.handleScheduleToggle)
			sch.DELETE("/triggers/:trigger_id", s.handleScheduleDelete)
			sch.GET("/check-updates/:user_id", s.handleScheduleCheck)
			sch.GET("/view/:user_id", s.handleScheduleView)
			sch.GET("/active", s.handleSchedulerActive)
			sch.GET("/status", s.handleSchedulerStatus)
			sch.POST("/start", s.handleSchedulerStart)
			sch.POST("/stop", s.handleSchedulerStop)
			sch.POST("/reconfigure", s.handleSchedulerReconfigure)
		}

		cal := api.Group("/calendar")
		{
			cal.POST("/events/update", s.handleCalendarUpdate)
			cal.GET("/events/:senior_user_id", s.handleCalendarGet)
			cal.GET("/events/:senior_user_id/ics", s.handleCalendarICS)
			cal.GET("/check-updates/:senior_user_id", s.handleCalendarCheck)
		}
	}
}

// ListenAndServe serves on cfg.Addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve takes ownership of ln. It returns after the HTTP server has shut
// down and every live session has finished its close sequence, or the
// shutdown timeout elapsed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	// Hijacked websocket conns are not tracked by Shutdown; Drain handles them.
	err := srv.Shutdown(shCtx)
	if derr := s.Drain(shCtx); err == nil {
		err = derr
	}
	s.log.Info("http stopped")
	return err
}

// Drain cancels every live session and waits for them to close.
func (s *Server) Drain(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetSessionConfig applies to sessions opened from now on.
func (s *Server) SetSessionConfig(cfg session.Config) {
	s.sessMu.Lock()
	s.sessCfg = cfg
	s.sessMu.Unlock()
}

func (s *Server) sessionConfig() session.Config {
	s.sessMu.RLock()
	defer s.sessMu.RUnlock()
	return s.sessCfg
}

func (s *Server) sessionDeps() session.Deps {
	return session.Deps{
		Registry:  s.deps.Registry,
		Prompter:  s.deps.Prompter,
		Processor: s.deps.Processor,
		Memory:    s.deps.Memory,
		Clock:     s.deps.Clock,
		Log:       s.log.With(logx.String("comp", "session")),
		Bus:       s.deps.Bus,
	}
}
