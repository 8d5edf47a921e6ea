package csvtab

// growPolicy defines how a growBuf extends its capacity: new = old*factor + increment,
// repeated until the request fits. max caps the capacity, 0 means no cap.
type growPolicy struct {
	factor    int
	increment int
	max       int
}

// next returns the capacity to allocate for need elements, or false if need is above the cap.
func (p growPolicy) next(cur, need int) (int, bool) {
	if p.max > 0 && need > p.max {
		return 0, false
	}
	n := cur
	for n < need {
		n = n*p.factor + p.increment
	}
	if p.max > 0 && n > p.max {
		n = p.max
	}
	return n, true
}

// growBuf is a slice with explicit growth policy and limit.
// Used for the row bytes and for the parsed field array.
type growBuf[T any] struct {
	data   []T
	policy growPolicy
	grown  bool // set when capacity changed since the last reset
}

func newGrowBuf[T any](policy growPolicy) *growBuf[T] {
	if policy.factor < 1 {
		policy.factor = 1
	}
	if policy.increment < 1 {
		policy.increment = 1
	}
	return &growBuf[T]{policy: policy}
}

// reserve makes sure the buffer can hold need elements without reallocation.
// Returns false if need exceeds the policy cap.
func (b *growBuf[T]) reserve(need int) bool {
	if need <= cap(b.data) {
		return true
	}
	n, ok := b.policy.next(cap(b.data), need)
	if !ok {
		return false
	}
	res := make([]T, len(b.data), n)
	copy(res, b.data)
	b.data = res
	b.grown = true
	return true
}

// push appends a single element, growing as needed.
func (b *growBuf[T]) push(v T) bool {
	if !b.reserve(len(b.data) + 1) {
		return false
	}
	b.data = append(b.data, v)
	return true
}

// write appends all elements of p, growing as needed.
func (b *growBuf[T]) write(p []T) bool {
	if !b.reserve(len(b.data) + len(p)) {
		return false
	}
	b.data = append(b.data, p...)
	return true
}

// fit returns unused capacity, the next growth starts from the current length.
func (b *growBuf[T]) fit() {
	if cap(b.data) == len(b.data) {
		return
	}
	res := make([]T, len(b.data))
	copy(res, b.data)
	b.data = res
}

func (b *growBuf[T]) reset() {
	b.data = b.data[:0]
	b.grown = false
}

func (b *growBuf[T]) len() int { return len(b.data) }

func (b *growBuf[T]) cap() int { return cap(b.data) }
