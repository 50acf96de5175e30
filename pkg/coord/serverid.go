package coord

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cuemby/mcm/pkg/log"
)

// ServerIDKey is the name (under the namespace) of the cluster-wide server
// id counter.
const ServerIDKey = "server_id"

// allocateAttempts bounds the CAS retry loop. Exhaustion is fatal for the
// node: without a server id the engine cannot join replication.
const allocateAttempts = 30

type serverIDCounter struct {
	LastUsedID uint64 `json:"last_used_id"`
}

// IDAllocator hands out cluster-unique, strictly increasing server ids from
// a CAS-updated counter. The counter is unowned: it survives every session.
type IDAllocator struct {
	client *Client
}

// NewIDAllocator creates an allocator over the shared counter key.
func NewIDAllocator(client *Client) *IDAllocator {
	return &IDAllocator{client: client}
}

// Allocate returns the next unique server id. Lost CAS races are retried
// with a fresh read, so two racing nodes always end up with distinct ids.
func (a *IDAllocator) Allocate(ctx context.Context) (uint64, error) {
	logger := log.WithComponent("id-allocator")
	key := a.client.Key(ServerIDKey)

	for attempt := 0; attempt < allocateAttempts; attempt++ {
		entry, err := a.client.Get(ctx, key)
		if err != nil {
			return 0, err
		}

		if entry == nil {
			value, err := json.Marshal(serverIDCounter{LastUsedID: 1})
			if err != nil {
				return 0, fmt.Errorf("failed to encode server id counter: %w", err)
			}
			ok, err := a.client.CASPut(ctx, key, value, 0)
			if err != nil {
				return 0, err
			}
			if ok {
				logger.Debug().Msg("Created server id counter, allocated id 1")
				return 1, nil
			}
			// Another node created the counter first; re-read.
			continue
		}

		var counter serverIDCounter
		if err := json.Unmarshal(entry.Value, &counter); err != nil {
			return 0, fmt.Errorf("failed to decode server id counter: %w", err)
		}
		if counter.LastUsedID == 0 {
			return 0, fmt.Errorf("server id counter is missing last_used_id")
		}

		next := counter.LastUsedID + 1
		value, err := json.Marshal(serverIDCounter{LastUsedID: next})
		if err != nil {
			return 0, fmt.Errorf("failed to encode server id counter: %w", err)
		}

		ok, err := a.client.CASPut(ctx, key, value, entry.ModifyIndex)
		if err != nil {
			return 0, err
		}
		if ok {
			logger.Debug().Uint64("server_id", next).Msg("Allocated server id")
			return next, nil
		}

		logger.Debug().Uint64("stale_id", counter.LastUsedID).Msg("Server id CAS lost, retrying")
	}

	return 0, fmt.Errorf("failed to allocate server id after %d attempts", allocateAttempts)
}
