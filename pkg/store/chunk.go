package store

// Chunks splits items into groups of at most size elements. Callers batch
// OR-predicates with it to stay under store-side predicate-count limits;
// size 10 matches the ledger query batching used throughout the catalog.
func Chunks[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = 1
	}
	var out [][]T
	for len(items) > size {
		out = append(out, items[:size])
		items = items[size:]
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
