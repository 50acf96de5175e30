/*
Package controller runs the per-node reconciliation loop that turns a set of
MySQL instances into a self-managing replication cluster.

# Lifecycle

	bootstrap:
	  register node ──► allocate server id ──► provision data dir ──► start engine

	every tick (5s):
	  read leader record
	    absent            ──► try to acquire, promote on success
	    ours (by session) ──► stay leader
	    someone else's    ──► replicate from it, read-only
	  sync query router backends
	  schedule snapshot when the current one is stale

Provisioning an empty node restores the newest snapshot when one is
observable; only when none exists anywhere does the node initialize a fresh
dataset, which auto-positioned replication then converges with the leader.

Promotion drains the relay log before opening for writes, bounded, so a
follower that wins the lock does not discard transactions it already
acknowledged receiving.

The loop never trusts its own memory of being leader: the session binding on
the leader record is re-checked every tick, and a recreated session demotes
the node immediately.
*/
package controller
