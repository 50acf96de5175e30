package coord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/mcm/pkg/log"
	"github.com/cuemby/mcm/pkg/metrics"
)

const (
	// SessionTTL is the time-to-live of the node's session. Registry
	// entries and the leader lock disappear when the session misses its
	// renewals for longer than this.
	SessionTTL = 15 * time.Second

	// RenewPeriod is how often the refresher renews the session.
	RenewPeriod = 5 * time.Second

	// renewRetryBudget is how long the refresher keeps retrying a failed
	// renewal before it gives the session up and creates a new one.
	renewRetryBudget = 35 * time.Second
)

// ErrNoSession is returned when an operation needs a session but none is
// currently established.
var ErrNoSession = errors.New("no coordination session")

// Session owns the node's single coordination session: it creates it,
// keeps it renewed from a background refresher, and recreates it after loss.
// Loss notifications are delivered on Lost(); the OnRecreate callback runs
// after a replacement session was established so the owner can re-register
// its state under the new session.
type Session struct {
	client      *Client
	name        string
	ttl         time.Duration
	period      time.Duration
	renewBudget time.Duration

	// OnRecreate is invoked (from the refresher goroutine) after the
	// session was recreated following a loss. Set before Start.
	OnRecreate func(ctx context.Context) error

	mu sync.RWMutex
	id string

	lostCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewSession creates a session manager. Create must be called before Start.
func NewSession(client *Client, name string) *Session {
	return &Session{
		client:      client,
		name:        name,
		ttl:         SessionTTL,
		period:      RenewPeriod,
		renewBudget: renewRetryBudget,
		lostCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Create establishes the session with the coordination service.
func (s *Session) Create(ctx context.Context) error {
	id, err := s.client.SessionCreate(ctx, s.name, s.ttl)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	s.mu.Lock()
	s.id = id
	s.mu.Unlock()

	metrics.SessionsCreatedTotal.Inc()
	lg := log.WithSession(id)
	lg.Info().Msg("Coordination session established")
	return nil
}

// ID returns the current session id, or empty when none is held.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Lost delivers a notification each time the session had to be replaced.
// The channel is buffered; consumers that poll each tick never miss the
// latest loss.
func (s *Session) Lost() <-chan struct{} {
	return s.lostCh
}

// Start launches the background refresher.
func (s *Session) Start() {
	go s.refreshLoop()
}

// Stop terminates the refresher and waits for it to exit.
func (s *Session) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// Destroy removes the session from the coordination service, which deletes
// every key it acquired (node record, leader record if held).
func (s *Session) Destroy(ctx context.Context) error {
	s.mu.Lock()
	id := s.id
	s.id = ""
	s.mu.Unlock()

	if id == "" {
		return nil
	}
	if err := s.client.SessionDestroy(ctx, id); err != nil {
		return fmt.Errorf("failed to destroy session %s: %w", id, err)
	}
	return nil
}

func (s *Session) refreshLoop() {
	defer close(s.doneCh)
	logger := log.WithComponent("session-refresher")

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.renewWithRetry(logger); err != nil {
				logger.Error().Err(err).Msg("Session could not be renewed, recreating")
				s.recreate(logger)
			}
		case <-s.stopCh:
			return
		}
	}
}

// renewWithRetry renews the current session, retrying failed renewals for
// renewRetryBudget before reporting the session as lost.
func (s *Session) renewWithRetry(logger zerolog.Logger) error {
	deadline := time.Now().Add(s.renewBudget)

	for {
		id := s.ID()
		if id == "" {
			return ErrNoSession
		}

		err := s.client.SessionRenew(id)
		if err == nil {
			return nil
		}

		metrics.SessionRenewFailuresTotal.Inc()
		if time.Now().After(deadline) {
			return fmt.Errorf("failed to renew session %s: %w", id, err)
		}

		logger.Warn().Err(err).Str("session_id", id).Msg("Session renewal failed, retrying")
		select {
		case <-s.stopCh:
			return nil
		case <-time.After(s.client.retryInterval):
		}
	}
}

// recreate drops the lost session, establishes a new one and replays the
// owner's registrations under it. A formerly-leader node does not rebind the
// leader record here; it competes fresh from the control loop.
func (s *Session) recreate(logger zerolog.Logger) {
	s.mu.Lock()
	s.id = ""
	s.mu.Unlock()

	ctx := context.Background()
	if err := s.Create(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to recreate session")
		s.notifyLost()
		return
	}

	if s.OnRecreate != nil {
		if err := s.OnRecreate(ctx); err != nil {
			logger.Error().Err(err).Msg("Failed to re-register after session recreation")
		}
	}

	s.notifyLost()
	logger.Info().Str("session_id", s.ID()).Msg("Session recreated after loss")
}

func (s *Session) notifyLost() {
	select {
	case s.lostCh <- struct{}{}:
	default:
	}
}
