/*
Package repository implements the document-oriented persistence interface
the core consumes (spec.md §6, "Repository"): get_by_id, upsert, delete,
query, bulk_upsert. Its only writer is ReplicationManager, which persists
every applied record to the family ha_snapshots/<data_type>/<origin_node_id>
under the id <origin_counter>; DistributedStateManager's commands are
replicated records of data_type "state" and land there too.

MemoryRepository is a guarded-map implementation for tests and single-node
operation. BoltRepository is backed by go.etcd.io/bbolt, one bucket per
document family, grounded on the teacher's pkg/storage/boltdb.go.
*/
package repository
