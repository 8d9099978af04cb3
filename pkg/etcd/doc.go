// Package etcd contains helpers shared by the etcd-backed cluster components:
// prefix watches that maintain a live snapshot of a key range, and leases that
// keep a key present for as long as the process is alive.
package etcd
