/*
Package coord talks to the cluster's coordination service (Consul) and builds
the cluster-management primitives on top of its KV store, sessions and
check-and-set operations.

# Layers

	┌────────────────────────────────────────────────┐
	│  Registry / LeaderLock / IDAllocator           │
	│  - node records under <prefix>/instances/      │
	│  - session-bound replication leader lock       │
	│  - CAS-updated server id counter               │
	├────────────────────────────────────────────────┤
	│  Session                                       │
	│  - 15s TTL, renewed every 5s                   │
	│  - recreated (not resurrected) after loss      │
	├────────────────────────────────────────────────┤
	│  Client                                        │
	│  - key namespacing under the KV prefix         │
	│  - bounded retry with fixed backoff            │
	├────────────────────────────────────────────────┤
	│  Backend (Consul HTTP API, fake in tests)      │
	└────────────────────────────────────────────────┘

# Ownership model

Everything a node writes about itself (its registry record, the leader
record) is acquired by the node's session with delete behavior and zero lock
delay. When the session expires or is destroyed, that state vanishes and the
rest of the cluster reacts; there is no explicit hand-off anywhere. The one
exception is the server id counter, which is deliberately unowned so that
allocated ids stay unique across every node lifetime.

A recreated session is a new identity: keys bound to the old session are
gone, and the node re-registers and competes for leadership like any other
node.

# Failure handling

All reads and writes retry transient coordination failures on a fixed
schedule, bounded by a fast budget for small operations and a slower one for
startup-path waits. Exhaustion surfaces as ErrUnavailable and is fatal for
the calling operation, never silently ignored.
*/
package coord
