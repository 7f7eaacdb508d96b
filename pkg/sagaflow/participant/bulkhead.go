package participant

// Bulkhead bounds the concurrent calls made to a single participant using
// a buffered channel as a counting semaphore, the same slot-channel idiom
// the event bus uses for its subscription buffers.
type Bulkhead struct {
	slots chan struct{}
}

// NewBulkhead creates a Bulkhead admitting at most maxConcurrent calls at
// once. maxConcurrent <= 0 means unbounded.
func NewBulkhead(maxConcurrent int) *Bulkhead {
	if maxConcurrent <= 0 {
		return &Bulkhead{}
	}
	return &Bulkhead{slots: make(chan struct{}, maxConcurrent)}
}

// TryAcquire attempts to reserve a slot without blocking. It reports
// false immediately if the bulkhead is full.
func (b *Bulkhead) TryAcquire() bool {
	if b.slots == nil {
		return true
	}
	select {
	case b.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot previously obtained from TryAcquire.
func (b *Bulkhead) Release() {
	if b.slots == nil {
		return
	}
	<-b.slots
}

// InUse reports the number of slots currently held, for observability.
func (b *Bulkhead) InUse() int {
	if b.slots == nil {
		return 0
	}
	return len(b.slots)
}
