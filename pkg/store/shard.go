package store

import "hash/fnv"

// ShardOf maps a DID name to a worker index in [0, totalWorkers).
// Background sweepers pass their own (workerNumber, totalWorkers) and
// claim only rows whose name hashes to their index, so workers partition
// the table without coordination and without missing rows.
//
// The hash is FNV-1a 32-bit: stable across processes, platforms, and
// store dialects. Shard sizes are uneven under hash skew, which is an
// accepted cost of coordination-free sharding.
func ShardOf(name string, totalWorkers int) int {
	if totalWorkers <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(name))
	return int(h.Sum32() % uint32(totalWorkers))
}
