package tabs

// ring is a bounded FIFO of output chunks. Appending past capacity evicts the
// oldest chunk. Not safe for concurrent use; the owning stream's lock guards
// it.
type ring struct {
	chunks []string
	head   int
	size   int
}

func newRing(capacity int) *ring {
	return &ring{chunks: make([]string, capacity)}
}

func (r *ring) append(chunk string) {
	if len(r.chunks) == 0 {
		return
	}
	r.chunks[(r.head+r.size)%len(r.chunks)] = chunk
	if r.size < len(r.chunks) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.chunks)
	}
}

// snapshot returns the buffered chunks oldest-first. The returned slice is a
// copy; reading it does not consume the ring.
func (r *ring) snapshot() []string {
	out := make([]string, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.chunks[(r.head+i)%len(r.chunks)]
	}
	return out
}

func (r *ring) empty() bool {
	return r.size == 0
}
