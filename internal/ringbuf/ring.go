// Package ringbuf provides a fixed-capacity ring that keeps the newest values.
// The ring is a plain struct so it can be persisted as part of engine state.
package ringbuf

type Ring[T any] struct {
	Data  []T `json:"data"`
	Head  int `json:"head"`
	Count int `json:"count"`
}

func New[T any](size int) *Ring[T] {
	if size < 1 {
		size = 1
	}
	return &Ring[T]{
		Data: make([]T, size),
	}
}

// PushFront stores v as the newest value, evicting the oldest once full.
func (r *Ring[T]) PushFront(v T) *Ring[T] {
	r.Head = r.Head - 1
	if r.Head < 0 {
		r.Head = len(r.Data) - 1
	}
	r.Data[r.Head] = v
	if r.Count < len(r.Data) {
		r.Count++
	}
	return r
}

// WalkFirstN visits up to count stored values, newest first.
func (r *Ring[T]) WalkFirstN(count int, fn func(T)) {
	if count > r.Count {
		count = r.Count
	}
	for i := 0; i < count; i++ {
		fn(r.Data[(r.Head+i)%len(r.Data)])
	}
}

// Newest returns the most recent value and whether one exists.
func (r *Ring[T]) Newest() (T, bool) {
	if r.Count == 0 {
		var zero T
		return zero, false
	}
	return r.Data[r.Head], true
}

// Values returns the stored values, newest first.
func (r *Ring[T]) Values() []T {
	out := make([]T, 0, r.Count)
	r.WalkFirstN(r.Count, func(v T) {
		out = append(out, v)
	})
	return out
}

func (r *Ring[T]) Len() int {
	return r.Count
}

func (r *Ring[T]) Cap() int {
	return len(r.Data)
}
