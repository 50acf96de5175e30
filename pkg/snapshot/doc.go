/*
Package snapshot manages physical engine backups: creating them with
xtrabackup, promoting them atomically from pending/ to current/, restoring
empty or broken nodes from them, and optionally mirroring them to an object
store so joining nodes without a shared volume can still bootstrap.

A snapshot is only considered valid when current/ carries all of the backup
tool's completion artifacts; a crashed backup can never be restored.
Creation and restore advertise themselves cluster-wide through the registry's
advisory flags and wait for conflicting operations to clear before touching
disk.
*/
package snapshot
