package kafka

// commitWindow tracks settled offsets for one partition and yields the
// contiguous acknowledged prefix. Only that prefix may be committed to
// the group: committing past a hole would silently drop the unsettled
// records inside it on the next rebalance.
type commitWindow struct {
	floor int64
	acked map[int64]struct{}
}

// newCommitWindow starts a window at the first uncommitted offset.
func newCommitWindow(first int64) *commitWindow {
	return &commitWindow{floor: first, acked: make(map[int64]struct{})}
}

// ack records one settled offset. It returns the offset the group may
// commit up to (exclusive) and whether that prefix advanced.
func (w *commitWindow) ack(offset int64) (int64, bool) {
	if offset < w.floor {
		return w.floor, false
	}
	w.acked[offset] = struct{}{}

	advanced := false
	for {
		if _, ok := w.acked[w.floor]; !ok {
			break
		}
		delete(w.acked, w.floor)
		w.floor++
		advanced = true
	}
	return w.floor, advanced
}

// outstanding is the number of settled offsets still stuck behind a hole.
func (w *commitWindow) outstanding() int {
	return len(w.acked)
}
