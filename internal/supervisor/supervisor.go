// Package supervisor keeps one venue connection alive: it connects,
// subscribes, streams with a heartbeat watchdog and reconnects with
// jittered exponential backoff.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/davidzk3/perps-ops-control-tower/internal/domain"
	"github.com/davidzk3/perps-ops-control-tower/internal/logging"
	"github.com/davidzk3/perps-ops-control-tower/internal/observability"
	"github.com/davidzk3/perps-ops-control-tower/internal/venue"
)

// ErrHeartbeatTimeout is returned when no frame arrives within the heartbeat timeout.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// Handler receives canonical events in wire order.
// A slow handler applies backpressure to the read loop.
type Handler interface {
	HandleTrade(ctx context.Context, t domain.Trade) error
	HandleBookTop(ctx context.Context, b domain.BookTop) error
}

// Config configures a Supervisor.
type Config struct {
	Symbols []string
	Policy  Policy
	Logger  *zap.Logger
	Metrics *observability.Metrics
	// Now defaults to time.Now.
	Now func() time.Time
	// Rand defaults to math/rand/v2.
	Rand func() float64
	// OnTransition is called after every state change.
	OnTransition func(from, to State)
}

// Supervisor drives one adapter.
type Supervisor struct {
	adapter venue.Adapter
	handler Handler
	config  Config
	backoff Backoff
	logger  *zap.Logger
	metrics *observability.Metrics
	name    string

	mu      sync.Mutex
	state   State
	attempt int
}

// New creates a supervisor. Zero policy fields take DefaultPolicy values.
func New(adapter venue.Adapter, handler Handler, config Config) *Supervisor {
	def := DefaultPolicy()
	p := config.Policy
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.Multiplier <= 0 {
		p.Multiplier = def.Multiplier
	}
	if p.HeartbeatInterval <= 0 {
		p.HeartbeatInterval = def.HeartbeatInterval
	}
	if p.HeartbeatTimeout <= 0 {
		p.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if p.StabilityThreshold <= 0 {
		p.StabilityThreshold = p.MaxBackoff
	}
	config.Policy = p
	if config.Now == nil {
		config.Now = time.Now
	}

	name := adapter.Venue().String()
	return &Supervisor{
		adapter: adapter,
		handler: handler,
		config:  config,
		backoff: NewBackoff(p, config.Rand),
		logger:  logging.OrNop(config.Logger).With(zap.String("component", "supervisor"), zap.String("venue", name)),
		metrics: observability.OrDefault(config.Metrics),
		name:    name,
		state:   StateDisconnected,
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempt returns the current reconnect attempt counter.
func (s *Supervisor) Attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempt
}

// Run supervises the connection until ctx is cancelled. It always returns nil:
// venue failures never escape the supervisor.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.transition(StateStopped, nil)

	for ctx.Err() == nil {
		s.transition(StateConnecting, nil)
		if err := s.adapter.Connect(ctx); err != nil {
			s.retry(ctx, err)
			continue
		}

		s.transition(StateSubscribing, nil)
		if err := s.adapter.Subscribe(ctx, s.config.Symbols); err != nil {
			_ = s.adapter.Close()
			if venue.IsProtocolError(err) {
				s.metrics.ProtocolErrors.WithLabelValues(s.name).Inc()
				s.transition(StateDegraded, err)
				<-ctx.Done()
				return nil
			}
			s.retry(ctx, err)
			continue
		}

		s.transition(StateStreaming, nil)
		started := s.config.Now()
		err := s.stream(ctx)
		if s.config.Now().Sub(started) >= s.config.Policy.StabilityThreshold {
			s.mu.Lock()
			s.attempt = 0
			s.mu.Unlock()
		}
		if ctx.Err() != nil {
			return nil
		}
		s.retry(ctx, err)
	}
	return nil
}

// retry moves to Disconnected and waits out the backoff for the current attempt.
func (s *Supervisor) retry(ctx context.Context, cause error) {
	if ctx.Err() != nil {
		return
	}
	s.transition(StateDisconnected, cause)

	s.mu.Lock()
	attempt := s.attempt
	s.attempt++
	s.mu.Unlock()

	delay := s.backoff.Delay(attempt)
	s.metrics.Reconnects.WithLabelValues(s.name).Inc()
	s.logger.Info("reconnect scheduled", zap.Int("attempt", attempt+1), zap.Duration("delay", delay))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

type frame struct {
	raw        []byte
	receivedAt time.Time
}

// stream reads frames until an error, heartbeat expiry or cancellation.
// The adapter is closed and the reader has exited when stream returns.
func (s *Supervisor) stream(ctx context.Context) error {
	readCtx, cancel := context.WithCancel(ctx)
	frames := make(chan frame)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)
		for readCtx.Err() == nil {
			raw, err := s.adapter.ReadMessage(readCtx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- frame{raw: raw, receivedAt: s.config.Now()}:
			case <-readCtx.Done():
				return
			}
		}
	}()

	defer func() {
		cancel()
		_ = s.adapter.Close()
		<-readerDone
	}()

	p := s.config.Policy
	watchdog := time.NewTimer(p.HeartbeatTimeout)
	defer watchdog.Stop()
	keepalive := time.NewTicker(p.HeartbeatInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err := <-readErr:
			return err

		case <-watchdog.C:
			s.metrics.HeartbeatTimeouts.WithLabelValues(s.name).Inc()
			return fmt.Errorf("%w after %s", ErrHeartbeatTimeout, p.HeartbeatTimeout)

		case <-keepalive.C:
			if err := s.adapter.Keepalive(ctx); err != nil {
				return err
			}

		case f := <-frames:
			watchdog.Reset(p.HeartbeatTimeout)
			s.metrics.FramesReceived.WithLabelValues(s.name).Inc()
			if err := s.dispatch(ctx, f); err != nil {
				return err
			}
		}
	}
}

// dispatch parses a frame and hands its events to the handler.
// Only a cancelled context is returned as an error.
func (s *Supervisor) dispatch(ctx context.Context, f frame) error {
	msg := s.adapter.ParseMessage(f.raw, f.receivedAt)

	switch msg.Kind {
	case venue.KindTrade:
		for _, t := range msg.Trades {
			if err := s.handler.HandleTrade(ctx, t); err != nil {
				return s.handlerError(ctx, err)
			}
		}
	case venue.KindBookTop:
		if msg.Book != nil {
			if err := s.handler.HandleBookTop(ctx, *msg.Book); err != nil {
				return s.handlerError(ctx, err)
			}
		}
	case venue.KindHeartbeat:
	default:
		s.metrics.MalformedMessages.WithLabelValues(s.name).Inc()
		s.logger.Debug("dropped frame", zap.String("reason", msg.Reason), zap.Int("bytes", len(f.raw)))
	}
	return nil
}

func (s *Supervisor) handlerError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.logger.Warn("handler rejected event", zap.Error(err))
	return nil
}

// transition moves to next, logging cause when set. Illegal edges are logged and ignored.
func (s *Supervisor) transition(next State, cause error) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	if !prev.CanTransition(next) {
		s.mu.Unlock()
		s.logger.Error("illegal state transition", zap.Stringer("from", prev), zap.Stringer("to", next))
		return
	}
	s.state = next
	attempt := s.attempt
	s.mu.Unlock()

	s.metrics.ConnectionState.WithLabelValues(s.name).Set(float64(next))
	s.metrics.StateTransitions.WithLabelValues(s.name, next.String()).Inc()

	fields := []zap.Field{zap.Stringer("from", prev), zap.Stringer("to", next), zap.Int("attempt", attempt)}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	s.logger.Info("connection state changed", fields...)

	if s.config.OnTransition != nil {
		s.config.OnTransition(prev, next)
	}
}
