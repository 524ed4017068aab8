package bufstore

// Buffer is a growable byte sequence with a live subscriber set. The logical
// length never exceeds the physical capacity, which doubles on overflow and
// never shrinks.
type Buffer struct {
	data        []byte
	length      int
	dirty       bool
	subscribers []Subscriber
}

const initialCapacity = 128

func newBuffer(initial []byte) *Buffer {
	if initial == nil {
		return &Buffer{data: make([]byte, initialCapacity)}
	}
	b := &Buffer{data: initial, length: len(initial)}
	return b
}

// Bytes returns a copy of the logical contents.
func (b *Buffer) Bytes() []byte {
	out := make([]byte, b.length)
	copy(out, b.data[:b.length])
	return out
}

// Len returns the logical length.
func (b *Buffer) Len() int {
	return b.length
}

// write copies data at position, extending the logical length as required.
func (b *Buffer) write(position int, data []byte) {
	required := position + len(data)
	if required > len(b.data) {
		b.grow(required)
	}
	copy(b.data[position:], data)
	if b.length < required {
		b.length = required
	}
	b.dirty = true
}

// replace overwrites the whole buffer; the logical length becomes len(data).
func (b *Buffer) replace(data []byte) {
	if len(data) > len(b.data) {
		b.grow(len(data))
	}
	copy(b.data, data)
	b.length = len(data)
	b.dirty = true
}

func (b *Buffer) grow(minSize int) {
	size := len(b.data)
	if size == 0 {
		size = initialCapacity
	}
	for size < minSize {
		size *= 2
	}
	grown := make([]byte, size)
	copy(grown, b.data[:b.length])
	b.data = grown
}

// Subscribers returns the current subscriber set.
func (b *Buffer) Subscribers() []Subscriber {
	return b.subscribers
}

func (b *Buffer) subscribe(sub Subscriber) {
	for _, existing := range b.subscribers {
		if existing.UserID() == sub.UserID() {
			return
		}
	}
	b.subscribers = append(b.subscribers, sub)
}

func (b *Buffer) unsubscribe(sub Subscriber) {
	for i, existing := range b.subscribers {
		if existing.UserID() == sub.UserID() {
			b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
			return
		}
	}
}
