// Package storage holds the data of one volume replica together with the
// metadata that records its position in the replicated write stream.
//
// # Overview
//
// A replica applies each replicated write as a batch of key changes and
// advances its sequence id in the same step. Store.Apply takes both, so
// the data and the sequence id a replica reports on open always agree.
//
//	┌─────────────────────────────────────┐
//	│        volume.Replica               │
//	│  open / write / read / rejoin       │
//	└─────────────────────────────────────┘
//	                 │ Apply(changes, meta)
//	                 ▼
//	┌─────────────────────────────────────┐
//	│            Store                    │
//	└─────────────────────────────────────┘
//	          │                 │
//	          ▼                 ▼
//	   ┌─────────────┐   ┌─────────────┐
//	   │ MemoryStore │   │  BoltStore  │
//	   │  (B-tree)   │   │  (bbolt)    │
//	   └─────────────┘   └─────────────┘
//
// # Implementations
//
// MemoryStore keeps keys in a github.com/google/btree tree, so List returns
// them in order. Nothing survives a restart; nodes run with it when no data
// directory is configured, and tests use it throughout.
//
// BoltStore keeps one go.etcd.io/bbolt file per replica with a data bucket
// and a meta bucket. Apply runs in a single read-write transaction.
//
// # Metadata
//
// Meta carries the replica incarnation, the last applied op and commit ids,
// and the coordinator the replica follows. A replica bumps its incarnation
// with SaveMeta before it rejoins a group.
//
// # Errors
//
//   - ErrKeyNotFound: Get on a missing key
//   - ErrInvalidKey: empty keys are rejected by every implementation
//   - ErrStoreClosed: any call after Close
package storage
