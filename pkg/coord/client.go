package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/mcm/pkg/log"
)

// Retry schedule for coordination calls. Fast-path calls (single-key reads,
// CAS and acquire puts, session operations) tolerate a short outage; slow-path
// calls (registry scans, leader queries) tolerate a longer one.
const (
	RetryInterval = 5 * time.Second
	FastBudget    = 30 * time.Second
	SlowBudget    = 3 * time.Minute
)

// ErrUnavailable is returned when the coordination service stayed unreachable
// for the whole retry budget. Callers treat repeated ErrUnavailable results
// as loss of cluster membership.
var ErrUnavailable = errors.New("coordination service unavailable")

// KVEntry is one key/value pair from the coordination store.
type KVEntry struct {
	Key         string
	Value       []byte
	ModifyIndex uint64
	Session     string
}

// Backend is the raw coordination service API. The production implementation
// wraps the Consul HTTP client; tests substitute an in-memory fake.
type Backend interface {
	// Ping verifies the service is reachable.
	Ping() error

	// Get returns the entry at key, or nil when the key is absent.
	Get(key string) (*KVEntry, error)

	// List returns all entries under prefix.
	List(prefix string) ([]KVEntry, error)

	// CASPut writes value iff the key's modify index still equals index.
	// Index 0 means "create only if absent".
	CASPut(key string, value []byte, index uint64) (bool, error)

	// AcquirePut writes value bound to the session. The entry is removed
	// automatically when the session expires.
	AcquirePut(key string, value []byte, session string) (bool, error)

	SessionCreate(name string, ttl time.Duration) (string, error)
	SessionRenew(id string) error
	SessionDestroy(id string) error
}

// Client wraps a Backend with the bounded retry schedule and the cluster
// keyspace layout.
type Client struct {
	backend Backend
	prefix  string

	retryInterval time.Duration
	fastBudget    time.Duration
	slowBudget    time.Duration
}

// NewClient creates a coordination client using prefix as the keyspace
// namespace (e.g. "mcm/").
func NewClient(backend Backend, prefix string) *Client {
	return &Client{
		backend:       backend,
		prefix:        prefix,
		retryInterval: RetryInterval,
		fastBudget:    FastBudget,
		slowBudget:    SlowBudget,
	}
}

// Key returns name qualified with the cluster namespace.
func (c *Client) Key(name string) string {
	return c.prefix + name
}

// InstancesPrefix is the keyspace holding the per-node records.
func (c *Client) InstancesPrefix() string {
	return c.Key("instances/")
}

// WaitReady blocks until the coordination service answers, retrying at the
// slow budget. Used once at startup while the local agent joins the cluster.
func (c *Client) WaitReady(ctx context.Context) error {
	return c.retry(ctx, c.slowBudget, "ping", func() error {
		return c.backend.Ping()
	})
}

// Get reads a single key. Returns nil when the key is absent.
func (c *Client) Get(ctx context.Context, key string) (*KVEntry, error) {
	var entry *KVEntry
	err := c.retry(ctx, c.fastBudget, "get "+key, func() error {
		var err error
		entry, err = c.backend.Get(key)
		return err
	})
	return entry, err
}

// List scans all entries under prefix. Slow-path budget.
func (c *Client) List(ctx context.Context, prefix string) ([]KVEntry, error) {
	var entries []KVEntry
	err := c.retry(ctx, c.slowBudget, "list "+prefix, func() error {
		var err error
		entries, err = c.backend.List(prefix)
		return err
	})
	return entries, err
}

// CASPut performs a compare-and-swap write on the key's modify index.
func (c *Client) CASPut(ctx context.Context, key string, value []byte, index uint64) (bool, error) {
	var ok bool
	err := c.retry(ctx, c.fastBudget, "cas "+key, func() error {
		var err error
		ok, err = c.backend.CASPut(key, value, index)
		return err
	})
	return ok, err
}

// AcquirePut writes a session-bound entry.
func (c *Client) AcquirePut(ctx context.Context, key string, value []byte, session string) (bool, error) {
	var ok bool
	err := c.retry(ctx, c.fastBudget, "acquire "+key, func() error {
		var err error
		ok, err = c.backend.AcquirePut(key, value, session)
		return err
	})
	return ok, err
}

// SessionCreate creates a session with delete behavior and no lock delay.
func (c *Client) SessionCreate(ctx context.Context, name string, ttl time.Duration) (string, error) {
	var id string
	err := c.retry(ctx, c.fastBudget, "session create", func() error {
		var err error
		id, err = c.backend.SessionCreate(name, ttl)
		return err
	})
	return id, err
}

// SessionRenew renews the session once, without the retry schedule. The
// session refresher applies its own retry policy.
func (c *Client) SessionRenew(id string) error {
	return c.backend.SessionRenew(id)
}

// SessionDestroy destroys the session, removing every entry it acquired.
func (c *Client) SessionDestroy(ctx context.Context, id string) error {
	return c.retry(ctx, c.fastBudget, "session destroy", func() error {
		return c.backend.SessionDestroy(id)
	})
}

// retry runs op with fixed backoff until it succeeds, the budget is spent, or
// the context is cancelled. Budget exhaustion surfaces as ErrUnavailable.
func (c *Client) retry(ctx context.Context, budget time.Duration, what string, op func() error) error {
	logger := log.WithComponent("coord")
	deadline := time.Now().Add(budget)

	for {
		err := op()
		if err == nil {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s: %v", ErrUnavailable, what, err)
		}

		logger.Warn().Err(err).Str("op", what).
			Dur("retry_in", c.retryInterval).
			Msg("Coordination call failed, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
}
