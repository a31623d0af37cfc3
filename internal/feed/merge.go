package feed

import "sort"

// Merge folds an incremental batch into an existing collection: every
// incoming record replaces the existing record with the same key wholesale
// (no field-level patching), records absent from the batch are preserved, and
// the result is re-sorted by recency descending. Merging the same batch twice
// yields the same collection as merging it once.
//
// A full (non-incremental) fetch is not a merge; callers replace the
// collection outright for first loads and forced reloads.
func Merge[T Record](existing []T, incoming []T) []T {
	merged := make(map[string]T, len(existing)+len(incoming))
	for _, record := range existing {
		merged[record.Key()] = record
	}
	for _, record := range incoming {
		merged[record.Key()] = record
	}
	out := make([]T, 0, len(merged))
	for _, record := range merged {
		out = append(out, record)
	}
	SortByRecency(out)
	return out
}

// SortByRecency orders records newest first, breaking timestamp ties by key
// so merge output is deterministic.
func SortByRecency[T Record](records []T) {
	sort.Slice(records, func(i, j int) bool {
		ri, rj := records[i].Recency(), records[j].Recency()
		if ri != rj {
			return ri > rj
		}
		return records[i].Key() < records[j].Key()
	})
}

// AdvanceCursor returns the feed cursor after applying a batch: the maximum
// of the current cursor, every record timestamp in the batch, and the
// server's cursor hint. Cursors never regress.
func AdvanceCursor[T Record](cursor int64, page Page[T]) int64 {
	next := cursor
	for _, record := range page.Items {
		if ts := record.Recency(); ts > next {
			next = ts
		}
	}
	if page.LatestCursorHint > next {
		next = page.LatestCursorHint
	}
	return next
}
