package offload

// window is the fixed-size RAM region shards are streamed through.
// The arena is allocated on Begin and dropped on End/Abort so no RAM is
// held outside a reservation.
type window struct {
	capacity int64
	buf      []byte
	used     int64
	loaded   []int // shard indices fully resident, in load order
	partial  int   // shard index being filled, -1 when none
	// dirty is set when the bookkeeping may not match the arena: a shard
	// read failed partway or a run was aborted.
	dirty  bool
	epoch  uint64
	resets int
}

func newWindow(capacity int64) *window {
	return &window{capacity: capacity, partial: -1}
}

func (w *window) allocate() {
	if w.buf == nil {
		w.buf = make([]byte, w.capacity)
	}
}

// place reserves room for a shard of size bytes, recycling the window from
// the start when the shard does not fit after the current contents.
func (w *window) place(index int, size int64) []byte {
	if w.used+size > w.capacity {
		w.used = 0
		w.loaded = w.loaded[:0]
	}
	dst := w.buf[w.used : w.used+size]
	w.partial = index
	w.dirty = true
	return dst
}

func (w *window) commit(index int, size int64) {
	w.used += size
	w.loaded = append(w.loaded, index)
	w.partial = -1
	w.dirty = false
}

// release drops the arena. A window released mid-shard stays dirty.
func (w *window) release() {
	w.buf = nil
	w.used = 0
	w.loaded = nil
}

// reset discards all state and starts a new epoch with a fresh zeroed arena.
func (w *window) reset() {
	w.buf = nil
	w.used = 0
	w.loaded = nil
	w.partial = -1
	w.dirty = false
	w.epoch++
	w.resets++
	w.allocate()
}

// WindowStats is a read-only view of the offload window.
type WindowStats struct {
	Capacity  int64
	Allocated bool
	Used      int64
	Loaded    []int
	Partial   int
	Dirty     bool
	Epoch     uint64
	Resets    int
}

func (w *window) stats() WindowStats {
	return WindowStats{
		Capacity:  w.capacity,
		Allocated: w.buf != nil,
		Used:      w.used,
		Loaded:    append([]int(nil), w.loaded...),
		Partial:   w.partial,
		Dirty:     w.dirty,
		Epoch:     w.epoch,
		Resets:    w.resets,
	}
}
