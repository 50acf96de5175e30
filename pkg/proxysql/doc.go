// Package proxysql supervises the ProxySQL query router and drives its
// MySQL-protocol admin interface: one-time setup of users, read/write split
// rules and TLS, and continuous synchronization of the backend server table
// with the cluster's registry (writes to the leader, reads spread over the
// followers).
package proxysql
