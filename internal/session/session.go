// Package session runs one senior's live conversation over a transport
// Conn: greeting, control actions, processed turns, forwarded trigger
// events and the transcript hand-off on close.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"tripot/internal/civiltime"
	"tripot/internal/collab"
	"tripot/internal/eventbus"
	"tripot/internal/fault"
	"tripot/internal/registry"
	"tripot/internal/transport"
	logx "tripot/pkg/logx"
)

var (
	ErrClosed = errors.New("session closed")
	ErrBusy   = errors.New("session event buffer full")
)

// Registrar is the slice of the connection registry a session needs.
type Registrar interface {
	Register(user string, h registry.Handle) registry.Handle
	Unregister(user string, h registry.Handle) bool
}

type Deps struct {
	Registry  Registrar
	Prompter  collab.Prompter
	Processor collab.Processor
	Memory    collab.Memory
	Clock     civiltime.Clock
	Log       logx.Logger
	Bus       eventbus.Bus
}

type Session struct {
	id   string
	user string
	conn transport.Conn
	cfg  Config
	deps Deps
	log  logx.Logger

	state   atomic.Int32
	events  chan transport.TriggerEvent
	quit    chan struct{}
	quitOne sync.Once
	limiter *rate.Limiter

	// Only touched by the Run goroutine.
	transcript []string
	flushed    bool
}

func New(user string, conn transport.Conn, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	if deps.Bus == nil {
		deps.Bus = eventbus.Nop()
	}
	id := uuid.NewString()
	s := &Session{
		id:     id,
		user:   user,
		conn:   conn,
		cfg:    cfg,
		deps:   deps,
		log:    deps.Log.With(logx.String("user", user), logx.String("conn", id)),
		events: make(chan transport.TriggerEvent, cfg.EventBuffer),
		quit:   make(chan struct{}),
	}
	if cfg.MaxTurnsPerMinute > 0 {
		per := rate.Limit(float64(cfg.MaxTurnsPerMinute) / 60.0)
		s.limiter = rate.NewLimiter(per, cfg.MaxTurnsPerMinute)
	}
	return s
}

func (s *Session) ID() string   { return s.id }
func (s *Session) User() string { return s.user }
func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("session state", logx.String("from", prev.String()), logx.String("to", st.String()))
	}
}

// Deliver queues a trigger event for the Run loop. It never blocks.
func (s *Session) Deliver(_ context.Context, ev transport.TriggerEvent) error {
	if s.State() >= Closing {
		return ErrClosed
	}
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	default:
		return ErrBusy
	}
}

// Close ends the session from outside, e.g. on eviction. It closes the
// transport so a pending read returns at once; Run still flushes.
func (s *Session) Close() error {
	var err error
	s.quitOne.Do(func() {
		close(s.quit)
		err = s.conn.Close()
	})
	return err
}

// Run drives the session until the client leaves, the transport fails, ctx
// is cancelled or the session is evicted. It always completes the close
// sequence before returning.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	s.setState(Connecting)
	s.deps.Registry.Register(s.user, s)
	s.deps.Bus.Publish(eventbus.Event{Topic: eventbus.TopicSessionOpened, UserID: s.user, Data: s.id})
	s.log.Info("session opened")

	reason := s.loop(ctx)
	s.close(reason)
	return nil
}

type inbound struct {
	raw []byte
	err error
}

func (s *Session) loop(ctx context.Context) string {
	s.setState(Greeting)
	if err := s.greet(ctx); err != nil {
		return "greeting write failed: " + err.Error()
	}
	s.setState(AwaitingInput)

	// The reader has its own context so every exit from this loop can
	// release it, not only cancellation of the session.
	rctx, stopReader := context.WithCancel(ctx)
	frames := make(chan inbound)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			b, err := s.conn.Read(rctx)
			select {
			case frames <- inbound{raw: b, err: err}:
			case <-rctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		stopReader()
		_ = s.conn.Close()
		<-readerDone
	}()

	for {
		select {
		case <-ctx.Done():
			select {
			case <-s.quit:
				return "closed"
			default:
				return "context done"
			}
		case in := <-frames:
			if in.err != nil {
				if errors.Is(in.err, transport.ErrClosed) {
					return "client closed"
				}
				return "transport: " + in.err.Error()
			}
			if err := s.handle(ctx, in.raw); err != nil {
				return "write failed: " + err.Error()
			}
		case ev := <-s.events:
			if err := s.forward(ctx, ev); err != nil {
				return "write failed: " + err.Error()
			}
		}
	}
}

func (s *Session) greet(ctx context.Context) error {
	text := collab.DefaultGreeting
	if s.deps.Prompter != nil {
		g, err := s.deps.Prompter.Greeting(ctx)
		if err != nil {
			s.log.Warn("prompt source failed; using default greeting", logx.Err(fault.E(fault.KindCollaborator, "prompt", err)))
		}
		if strings.TrimSpace(g) != "" {
			text = g
		}
	}
	if err := s.write(ctx, transport.AI(text)); err != nil {
		return err
	}
	s.record(SpeakerAI, text)
	return nil
}

func (s *Session) handle(ctx context.Context, raw []byte) error {
	in := transport.Classify(raw)
	if in.Control {
		return s.control(ctx, in.Action)
	}
	if s.limiter != nil && !s.limiter.AllowN(s.deps.Clock.Now(), 1) {
		s.log.Warn("turn rate exceeded; dropping frame", logx.Int("bytes", len(raw)))
		return s.write(ctx, transport.System(TextSlowDown))
	}
	return s.process(ctx, string(in.Content))
}

func (s *Session) control(ctx context.Context, action string) error {
	s.log.Info("control action", logx.String("action", action))
	switch action {
	case transport.ActionStartNow:
		if err := s.write(ctx, transport.AI(TextStartNow)); err != nil {
			return err
		}
		s.record(SpeakerAI, TextStartNow)
		return nil
	case transport.ActionSnooze:
		return s.write(ctx, transport.System(TextSnooze))
	case transport.ActionSkip:
		return s.write(ctx, transport.System(TextSkip))
	default:
		return s.write(ctx, transport.System(TextUnsupported))
	}
}

func (s *Session) process(ctx context.Context, content string) error {
	s.setState(Processing)
	defer s.setState(AwaitingInput)

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProcessTimeout)
	reply, err := s.deps.Processor.Process(pctx, collab.Turn{UserID: s.user, Content: content})
	cancel()
	if err == nil && strings.TrimSpace(reply.Response) == "" {
		err = collab.ErrEmptyResponse
	}
	if err != nil {
		if ctx.Err() != nil {
			// Closing; nobody is listening for the apology.
			return nil
		}
		s.log.Warn("turn processing failed", logx.Err(fault.E(fault.KindCollaborator, "process", err)))
		return s.write(ctx, transport.AI(TextApology))
	}

	if heard := strings.TrimSpace(reply.Heard); heard != "" {
		if err := s.write(ctx, transport.User(heard)); err != nil {
			return err
		}
		s.record(SpeakerUser, heard)
	}
	if err := s.write(ctx, transport.AI(reply.Response)); err != nil {
		return err
	}
	s.record(SpeakerAI, reply.Response)
	return nil
}

func (s *Session) forward(ctx context.Context, ev transport.TriggerEvent) error {
	s.log.Info("forwarding scheduled call", logx.Int64("trigger", ev.TriggerID), logx.String("at", ev.At.String()))
	at := ev.FireTime
	if at.IsZero() {
		at = s.deps.Clock.Now()
	}
	return s.write(ctx, transport.Scheduled(TextScheduledCall, at.In(s.deps.Clock.Location())))
}

func (s *Session) write(ctx context.Context, f transport.Frame) error {
	wctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	return s.conn.Write(wctx, f)
}

func (s *Session) record(speaker, line string) {
	s.transcript = append(s.transcript, speaker+line)
}

func (s *Session) close(reason string) {
	s.setState(Closing)
	_ = s.conn.Close()

	// Release first so new trigger events for this user report offline
	// instead of landing in a session that is going away.
	released := s.deps.Registry.Unregister(s.user, s)
	s.flush()
	s.transcript = nil

	s.setState(Closed)
	s.deps.Bus.Publish(eventbus.Event{Topic: eventbus.TopicSessionClosed, UserID: s.user, Data: s.id})
	s.log.Info("session closed", logx.String("reason", reason), logx.Bool("released", released))
}

// flush hands the transcript to memory at most once, on a fresh context so
// a cancelled session can still archive.
func (s *Session) flush() {
	if s.flushed || len(s.transcript) == 0 || s.deps.Memory == nil {
		return
	}
	s.flushed = true
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	lines := append([]string(nil), s.transcript...)
	if err := s.deps.Memory.Archive(ctx, s.user, lines); err != nil {
		s.log.Warn("transcript hand-off failed", logx.Int("lines", len(lines)), logx.Err(fault.E(fault.KindCollaborator, "archive", err)))
		return
	}
	s.log.Info("transcript archived", logx.Int("lines", len(lines)))
}
