package coord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/cuemby/mcm/pkg/log"
)

// ErrNotRegistered is returned by read-modify-write operations when the
// node's record vanished (session expiry). The node must register again.
var ErrNotRegistered = errors.New("node record not registered")

// NodeRecord is the per-node document published under <prefix>/instances/.
// Optional fields are pointers so that absence stays distinguishable from a
// false/zero value; records missing required keys are rejected outright.
type NodeRecord struct {
	Address      string  `json:"ip_address"`
	ServerID     *uint64 `json:"server_id,omitempty"`
	MySQLVersion *string `json:"mysql_version,omitempty"`
	Snapshotting *bool   `json:"snapshotting,omitempty"`
	Restoring    *bool   `json:"restoring,omitempty"`
}

// IsSnapshotting reports the snapshotting flag, treating absence as false.
func (r *NodeRecord) IsSnapshotting() bool {
	return r.Snapshotting != nil && *r.Snapshotting
}

// IsRestoring reports the restoring flag, treating absence as false.
func (r *NodeRecord) IsRestoring() bool {
	return r.Restoring != nil && *r.Restoring
}

func decodeNodeRecord(data []byte) (*NodeRecord, error) {
	var record NodeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode node record: %w", err)
	}
	if record.Address == "" {
		return nil, fmt.Errorf("node record is missing ip_address")
	}
	return &record, nil
}

// Registry manages this node's record in the shared instance keyspace and
// provides cluster-wide views over all records.
type Registry struct {
	client  *Client
	session *Session
	address string
}

// NewRegistry creates a registry bound to this node's address and session.
func NewRegistry(client *Client, session *Session, address string) *Registry {
	return &Registry{client: client, session: session, address: address}
}

func (r *Registry) key() string {
	return r.client.InstancesPrefix() + r.address
}

// Register publishes a fresh record for this node, acquired by the current
// session. A restoring flag left over from a previous life of this node is
// preserved so that restore logic remains the only thing that clears it.
func (r *Registry) Register(ctx context.Context) error {
	sessionID := r.session.ID()
	if sessionID == "" {
		return ErrNoSession
	}

	flagFalse := false
	record := NodeRecord{
		Address:      r.address,
		Snapshotting: &flagFalse,
		Restoring:    &flagFalse,
	}

	if existing, err := r.client.Get(ctx, r.key()); err == nil && existing != nil {
		if old, err := decodeNodeRecord(existing.Value); err == nil && old.IsRestoring() {
			restoring := true
			record.Restoring = &restoring
		}
	}

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode node record: %w", err)
	}

	ok, err := r.client.AcquirePut(ctx, r.key(), value, sessionID)
	if err != nil {
		return fmt.Errorf("failed to register node: %w", err)
	}
	if !ok {
		return fmt.Errorf("failed to register node: key %s held by another session", r.key())
	}

	lg := log.WithComponent("registry")
	lg.Info().Str("key", r.key()).Msg("Node registered")
	return nil
}

// Update performs a read-modify-write on this node's record: the current
// value is re-read fresh, mutate is applied, and the merge is reacquired with
// the current session. Fails with ErrNotRegistered when the record is gone.
func (r *Registry) Update(ctx context.Context, mutate func(*NodeRecord)) error {
	sessionID := r.session.ID()
	if sessionID == "" {
		return ErrNoSession
	}

	entry, err := r.client.Get(ctx, r.key())
	if err != nil {
		return err
	}
	if entry == nil {
		return ErrNotRegistered
	}

	record, err := decodeNodeRecord(entry.Value)
	if err != nil {
		return err
	}

	mutate(record)

	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode node record: %w", err)
	}

	ok, err := r.client.AcquirePut(ctx, r.key(), value, sessionID)
	if err != nil {
		return fmt.Errorf("failed to update node record: %w", err)
	}
	if !ok {
		return fmt.Errorf("failed to update node record: key %s held by another session", r.key())
	}
	return nil
}

// SetInfo publishes the allocated server id and the running engine version.
func (r *Registry) SetInfo(ctx context.Context, serverID uint64, mysqlVersion string) error {
	return r.Update(ctx, func(record *NodeRecord) {
		record.ServerID = &serverID
		record.MySQLVersion = &mysqlVersion
	})
}

// SetSnapshotting flips the advisory snapshotting flag.
func (r *Registry) SetSnapshotting(ctx context.Context, snapshotting bool) error {
	return r.Update(ctx, func(record *NodeRecord) {
		record.Snapshotting = &snapshotting
	})
}

// SetRestoring flips the advisory restoring flag.
func (r *Registry) SetRestoring(ctx context.Context, restoring bool) error {
	return r.Update(ctx, func(record *NodeRecord) {
		record.Restoring = &restoring
	})
}

// Record returns this node's own record, or ErrNotRegistered.
func (r *Registry) Record(ctx context.Context) (*NodeRecord, error) {
	entry, err := r.client.Get(ctx, r.key())
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, ErrNotRegistered
	}
	return decodeNodeRecord(entry.Value)
}

// ListLive returns the records of all nodes that are eligible routing
// targets: registered, well-formed, and neither restoring nor snapshotting.
// Results are sorted by address for stable comparisons.
func (r *Registry) ListLive(ctx context.Context) ([]NodeRecord, error) {
	logger := log.WithComponent("registry")

	entries, err := r.client.List(ctx, r.client.InstancesPrefix())
	if err != nil {
		return nil, err
	}

	records := make([]NodeRecord, 0, len(entries))
	for _, entry := range entries {
		record, err := decodeNodeRecord(entry.Value)
		if err != nil {
			logger.Error().Err(err).Str("key", entry.Key).Msg("Skipping malformed node record")
			continue
		}
		if record.IsRestoring() || record.IsSnapshotting() {
			continue
		}
		records = append(records, *record)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Address < records[j].Address
	})
	return records, nil
}

// AnyRestoring reports whether any node in the cluster has restoring=true.
func (r *Registry) AnyRestoring(ctx context.Context) (bool, error) {
	return r.anyFlag(ctx, func(record *NodeRecord) bool { return record.IsRestoring() })
}

// AnySnapshotting reports whether any node has snapshotting=true.
func (r *Registry) AnySnapshotting(ctx context.Context) (bool, error) {
	return r.anyFlag(ctx, func(record *NodeRecord) bool { return record.IsSnapshotting() })
}

func (r *Registry) anyFlag(ctx context.Context, flagged func(*NodeRecord) bool) (bool, error) {
	logger := log.WithComponent("registry")

	entries, err := r.client.List(ctx, r.client.InstancesPrefix())
	if err != nil {
		return false, err
	}

	for _, entry := range entries {
		record, err := decodeNodeRecord(entry.Value)
		if err != nil {
			// Liveness is never derived from malformed records.
			logger.Error().Err(err).Str("key", entry.Key).Msg("Skipping malformed node record")
			continue
		}
		if flagged(record) {
			return true, nil
		}
	}
	return false, nil
}

// Address returns the node address this registry publishes under.
func (r *Registry) Address() string {
	return r.address
}
