// Package session is the client-side facade over the transports. It picks
// the first preferred transport that connects, falls back to the local one,
// and keeps trying to upgrade while degraded.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/DoyleJ11/buzzer/internal/engine"
	"github.com/DoyleJ11/buzzer/internal/notify"
	"github.com/DoyleJ11/buzzer/internal/transport"
)

type Mode string

const (
	ModeConnecting Mode = "CONNECTING"
	ModePreferred  Mode = "PREFERRED"
	ModeDegraded   Mode = "DEGRADED"
)

var (
	ErrAlreadyStarted = errors.New("session already initialized")
	ErrClosed         = errors.New("session closed")
)

type Options struct {
	// Preferred transports in priority order.
	Preferred []transport.Factory
	// Fallback is always expected to connect.
	Fallback transport.Factory
	// ConnectTimeout bounds one preferred attempt, raised to a transport's
	// ConnectBudget when it has one.
	ConnectTimeout  time.Duration
	UpgradeInterval time.Duration
}

// ActionSource is implemented by transports that relay other clients' raw actions.
type ActionSource interface {
	SubscribeActions(fn func(engine.Action)) func()
}

type Session struct {
	opts  Options
	clock clockwork.Clock
	log   *zap.Logger

	states  notify.Set[engine.RoomState]
	joins   notify.Set[engine.Player]
	leaves  notify.Set[string]
	actions notify.Set[engine.Action]
	modes   notify.Set[Mode]

	switchMu sync.Mutex // held across a whole transport swap

	mu     sync.Mutex
	mode   Mode
	active transport.Transport
	unhook func()
	room   string
	user   engine.Player
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(clock clockwork.Clock, log *zap.Logger, opts Options) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.UpgradeInterval <= 0 {
		opts.UpgradeInterval = 15 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		opts:   opts,
		clock:  clock,
		log:    log,
		mode:   ModeConnecting,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Initialize joins the room. It only fails if the session was already
// started or closed, or if even the fallback cannot connect.
func (s *Session) Initialize(ctx context.Context, roomCode string, user engine.Player) (engine.RoomState, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return engine.RoomState{}, ErrClosed
	}
	if s.room != "" {
		s.mu.Unlock()
		return engine.RoomState{}, ErrAlreadyStarted
	}
	s.room, s.user = roomCode, user
	s.mu.Unlock()

	s.switchMu.Lock()
	defer s.switchMu.Unlock()

	if tr, err := s.tryPreferred(ctx); err == nil {
		s.install(tr, ModePreferred)
	} else {
		s.log.Warn("preferred transports unavailable, using fallback", zap.Error(err))
		tr, err := s.connectFallback(ctx)
		if err != nil {
			return engine.RoomState{}, err
		}
		s.install(tr, ModeDegraded)
	}

	if len(s.opts.Preferred) > 0 {
		s.wg.Add(1)
		go s.upgradeLoop()
	}
	return s.State(), nil
}

func (s *Session) tryPreferred(ctx context.Context) (transport.Transport, error) {
	s.mu.Lock()
	room, user := s.room, s.user
	s.mu.Unlock()

	var errs error
	for _, factory := range s.opts.Preferred {
		tr := factory()
		cctx, cancel := context.WithTimeout(ctx, s.connectTimeout(tr))
		_, err := tr.Connect(cctx, room, user)
		cancel()
		if err == nil {
			return tr, nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", tr.Kind(), err))
		_ = tr.Close()
	}
	if errs == nil {
		errs = fmt.Errorf("%w: none configured", transport.ErrUnavailable)
	}
	return nil, errs
}

// connectTimeout bounds one preferred attempt. Transports with their own
// retry schedule get at least that long.
func (s *Session) connectTimeout(tr transport.Transport) time.Duration {
	timeout := s.opts.ConnectTimeout
	if b, ok := tr.(transport.Budgeted); ok && b.ConnectBudget() > timeout {
		timeout = b.ConnectBudget()
	}
	return timeout
}

func (s *Session) connectFallback(ctx context.Context) (transport.Transport, error) {
	s.mu.Lock()
	room, user := s.room, s.user
	s.mu.Unlock()

	tr := s.opts.Fallback()
	if _, err := tr.Connect(ctx, room, user); err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("fallback %s: %w", tr.Kind(), err)
	}
	return tr, nil
}

// install makes tr the active transport, tears the previous one down and
// pushes tr's latest snapshot to subscribers. Callers hold switchMu.
func (s *Session) install(tr transport.Transport, mode Mode) {
	hook := s.hook(tr)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		hook()
		_ = tr.Close()
		return
	}
	old, oldUnhook := s.active, s.unhook
	s.active, s.unhook = tr, hook
	changed := s.mode != mode
	s.mode = mode
	s.mu.Unlock()

	if oldUnhook != nil {
		oldUnhook()
	}
	if old != nil {
		if err := old.Close(); err != nil {
			s.log.Warn("closing previous transport", zap.String("transport", string(old.Kind())), zap.Error(err))
		}
	}

	s.log.Info("transport active", zap.String("transport", string(tr.Kind())), zap.String("mode", string(mode)))
	s.wg.Add(1)
	go s.watch(tr)

	if changed {
		s.modes.Notify(mode)
	}
	s.states.Notify(tr.State())
}

// hook forwards tr's callbacks while tr is the active transport.
func (s *Session) hook(tr transport.Transport) func() {
	removers := []func(){
		tr.Subscribe(func(st engine.RoomState) {
			if s.isActive(tr) {
				s.states.Notify(st)
			}
		}),
		tr.SubscribePresence(
			func(p engine.Player) {
				if s.isActive(tr) {
					s.joins.Notify(p)
				}
			},
			func(id string) {
				if s.isActive(tr) {
					s.leaves.Notify(id)
				}
			},
		),
	}
	if src, ok := tr.(ActionSource); ok {
		removers = append(removers, src.SubscribeActions(func(a engine.Action) {
			if s.isActive(tr) {
				s.actions.Notify(a)
			}
		}))
	}
	return func() {
		for _, r := range removers {
			r()
		}
	}
}

func (s *Session) isActive(tr transport.Transport) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active == tr
}

// watch falls back to the local transport when the active preferred one is lost.
func (s *Session) watch(tr transport.Transport) {
	defer s.wg.Done()
	select {
	case <-s.ctx.Done():
		return
	case <-tr.Done():
	}

	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	s.mu.Lock()
	stillActive := s.active == tr && !s.closed
	mode := s.mode
	s.mu.Unlock()
	if !stillActive || mode != ModePreferred {
		return
	}

	s.log.Warn("preferred transport lost, falling back", zap.String("transport", string(tr.Kind())))
	next, err := s.connectFallback(s.ctx)
	if err != nil {
		s.log.Error("fallback failed", zap.Error(err))
		return
	}
	s.install(next, ModeDegraded)
}

func (s *Session) upgradeLoop() {
	defer s.wg.Done()
	ticker := s.clock.NewTicker(s.opts.UpgradeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.Chan():
			if s.Mode() != ModeDegraded {
				continue
			}
			s.tryUpgrade()
		}
	}
}

func (s *Session) tryUpgrade() {
	s.switchMu.Lock()
	defer s.switchMu.Unlock()
	if s.Mode() != ModeDegraded {
		return
	}

	tr, err := s.tryPreferred(s.ctx)
	if err != nil {
		s.log.Debug("upgrade attempt failed", zap.Error(err))
		return
	}
	s.install(tr, ModePreferred)
}

// Dispatch sends a through the active transport. START_GAME configs are
// validated against the current room first and never reach a transport
// when invalid.
func (s *Session) Dispatch(ctx context.Context, a engine.Action) error {
	s.mu.Lock()
	tr, closed := s.active, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if tr == nil {
		return transport.ErrNotJoined
	}

	if a.Type == engine.ActStartGame {
		if a.Config == nil {
			return fmt.Errorf("%w: missing config", engine.ErrInvalidConfig)
		}
		if err := engine.ValidateConfigFor(tr.State(), *a.Config); err != nil {
			return err
		}
	}
	return tr.Dispatch(ctx, a)
}

func (s *Session) Subscribe(fn func(engine.RoomState)) func() { return s.states.Add(fn) }

func (s *Session) SubscribePresence(onJoin func(engine.Player), onLeave func(string)) func() {
	var removers []func()
	if onJoin != nil {
		removers = append(removers, s.joins.Add(onJoin))
	}
	if onLeave != nil {
		removers = append(removers, s.leaves.Add(onLeave))
	}
	return func() {
		for _, r := range removers {
			r()
		}
	}
}

func (s *Session) SubscribeActions(fn func(engine.Action)) func() { return s.actions.Add(fn) }

func (s *Session) SubscribeMode(fn func(Mode)) func() { return s.modes.Add(fn) }

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Kind names the active transport, or "" before Initialize.
func (s *Session) Kind() transport.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return ""
	}
	return s.active.Kind()
}

func (s *Session) State() engine.RoomState {
	s.mu.Lock()
	tr := s.active
	s.mu.Unlock()
	if tr == nil {
		return engine.RoomState{}
	}
	return tr.State()
}

func (s *Session) User() engine.Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user
}

func (s *Session) IsAdmin() bool { return engine.IsAdmin(s.State(), s.User().ID) }

// Close stops the upgrade loop and leaves the room.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.switchMu.Lock()
	s.mu.Lock()
	tr, unhook := s.active, s.unhook
	s.active, s.unhook = nil, nil
	s.mu.Unlock()
	s.switchMu.Unlock()

	var err error
	if unhook != nil {
		unhook()
	}
	if tr != nil {
		err = multierr.Append(err, tr.Close())
	}
	s.wg.Wait()

	s.states.Clear()
	s.joins.Clear()
	s.leaves.Clear()
	s.actions.Clear()
	s.modes.Clear()
	return err
}
