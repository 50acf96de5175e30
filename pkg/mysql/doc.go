// Package mysql supervises the local MySQL server process and performs the
// administrative SQL the cluster manager needs: initializing the data
// directory, provisioning operator accounts, switching between leader and
// read-only follower replication roles, and probing replica state.
package mysql
