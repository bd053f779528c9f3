// Package tablestore implements the per-table storage engine of a distributed
// wide-column database: a memtable write buffer, flush-to-sorted-file
// pipeline, background compaction, crash-safe file lifecycle transactions,
// and a read path that merges across memtables and sorted files.
//
// The CQL query layer, partitioner/token ring, gossip, replication, and
// authentication are external collaborators and are not implemented here;
// see SPEC_FULL.md for the full boundary.
package tablestore
