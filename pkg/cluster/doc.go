// Package cluster describes this process's view of the cluster it runs in.
//
// Two layers live here. The lower layer is Cluster and Membership, which let a
// process register itself in a shared, ordered membership set and watch that set
// change over time. Backends for that layer live in the memory and etcd
// sub-packages.
//
// The upper layer is Handle and Adapter. A Handle is what higher level features
// (leader resolution, migration barriers) are given: it reports whether the
// process is clustered at all, and if so, which kind of backend answers cluster
// questions. Adapter is a closed set of backend kinds. Each kind exposes only the
// facts its technology natively provides; a membership-set backend exposes the
// ordered members, a coordinator backend answers whether the local node is the
// designated coordinator.
package cluster
