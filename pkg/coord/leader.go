package coord

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/mcm/pkg/log"
)

// LeaderKey is the name (under the namespace) of the single cluster-wide
// replication leader record.
const LeaderKey = "replication_leader"

// leaderRecord is the value stored under the leader key.
type leaderRecord struct {
	Address string `json:"ip_address"`
}

// LeaderLock is the cluster-wide advisory leader lock. The record is bound
// to the holder's session, so a dead leader's record disappears on session
// expiry and any node may acquire afterwards; there is no explicit hand-off.
type LeaderLock struct {
	client  *Client
	session *Session
	address string
}

// NewLeaderLock creates the lock handle for this node.
func NewLeaderLock(client *Client, session *Session, address string) *LeaderLock {
	return &LeaderLock{client: client, session: session, address: address}
}

func (l *LeaderLock) key() string {
	return l.client.Key(LeaderKey)
}

// TryAcquire attempts to become leader. When the leader record is absent it
// performs a session-bound acquire put; the coordination service guarantees
// that exactly one of several simultaneous attempts succeeds. When a record
// already exists the call is a no-op returning false.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	sessionID := l.session.ID()
	if sessionID == "" {
		return false, ErrNoSession
	}

	entry, err := l.client.Get(ctx, l.key())
	if err != nil {
		return false, err
	}
	if entry != nil {
		return false, nil
	}

	value, err := json.Marshal(leaderRecord{Address: l.address})
	if err != nil {
		return false, fmt.Errorf("failed to encode leader record: %w", err)
	}

	ok, err := l.client.AcquirePut(ctx, l.key(), value, sessionID)
	if err != nil {
		return false, err
	}
	if ok {
		lg := log.WithComponent("leader-lock")
		lg.Info().Str("address", l.address).
			Msg("Acquired replication leader lock")
	}
	return ok, nil
}

// AmLeader reports whether this node's session owns the leader record.
// Session ownership is the ground truth; having written the record last is
// not sufficient.
func (l *LeaderLock) AmLeader(ctx context.Context) (bool, error) {
	sessionID := l.session.ID()
	if sessionID == "" {
		return false, nil
	}

	entry, err := l.client.Get(ctx, l.key())
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, nil
	}
	return entry.Session == sessionID, nil
}

// LeaderAddress returns the current leader's address, or empty when no
// leader record exists.
func (l *LeaderLock) LeaderAddress(ctx context.Context) (string, error) {
	entry, err := l.client.Get(ctx, l.key())
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", nil
	}

	var record leaderRecord
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return "", fmt.Errorf("failed to decode leader record: %w", err)
	}
	if record.Address == "" {
		return "", fmt.Errorf("leader record is missing ip_address")
	}
	return record.Address, nil
}
