package registry

// writeLock is the single coarse lock that orders every write and reload.
// All registry methods run on one goroutine, so nested acquisition by that
// goroutine is re-entrant and only TryAcquire can observe contention.
type writeLock struct {
	depth int
}

// TryAcquire takes the lock only if nothing holds it.
func (l *writeLock) TryAcquire() bool {
	if l.depth > 0 {
		return false
	}
	l.depth = 1
	return true
}

// Acquire takes the lock, nesting inside any current holder.
func (l *writeLock) Acquire() {
	l.depth++
}

func (l *writeLock) Release() {
	if l.depth == 0 {
		panic("registry: release of unheld write lock")
	}
	l.depth--
}

func (l *writeLock) Held() bool {
	return l.depth > 0
}
