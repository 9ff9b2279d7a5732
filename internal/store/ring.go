package store

// ring is a fixed-capacity append-only buffer. When full, new entries
// overwrite the oldest. Not safe for concurrent use; callers hold the shard
// lock.
type ring[T any] struct {
	buf   []T
	head  int // index of the next write
	count int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{buf: make([]T, capacity)}
}

func (r *ring[T]) push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// newest returns up to n entries, oldest first. n<=0 means all.
func (r *ring[T]) newest(n int) []T {
	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]T, n)
	start := r.head - n
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < n; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// filter keeps only entries for which keep returns true, preserving order.
func (r *ring[T]) filter(keep func(T) bool) {
	kept := make([]T, 0, r.count)
	for _, v := range r.newest(0) {
		if keep(v) {
			kept = append(kept, v)
		}
	}
	r.head = 0
	r.count = 0
	for _, v := range kept {
		r.push(v)
	}
}

func (r *ring[T]) len() int {
	return r.count
}
