package ring

// Buffer is a bounded FIFO that drops its oldest element once full.
// It is not safe for concurrent use.
type Buffer[T any] struct {
	items []T
	start int
	size  int
}

func New[T any](capacity int) *Buffer[T] {
	if capacity < 1 {
		capacity = 1
	}

	return &Buffer[T]{
		items: make([]T, capacity),
	}
}

// Push appends v and reports whether an old element had to be evicted.
func (b *Buffer[T]) Push(v T) bool {
	capacity := len(b.items)
	if b.size < capacity {
		b.items[(b.start+b.size)%capacity] = v
		b.size++
		return false
	}

	b.items[b.start] = v
	b.start = (b.start + 1) % capacity
	return true
}

func (b *Buffer[T]) Len() int {
	return b.size
}

func (b *Buffer[T]) Cap() int {
	return len(b.items)
}

// Items returns a copy of the contents, oldest first.
func (b *Buffer[T]) Items() []T {
	out := make([]T, 0, b.size)
	for i := 0; i < b.size; i++ {
		out = append(out, b.items[(b.start+i)%len(b.items)])
	}

	return out
}

// Last returns the most recently pushed element.
func (b *Buffer[T]) Last() (T, bool) {
	if b.size == 0 {
		var zero T
		return zero, false
	}

	return b.items[(b.start+b.size-1)%len(b.items)], true
}

func (b *Buffer[T]) Reset() {
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}

	b.start = 0
	b.size = 0
}
