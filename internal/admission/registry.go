package admission

import "sync"

type countdownKey struct {
	chatID int64
	userID int64
}

// cancelRegistry hands a running countdown an explicit cancellation
// channel the exit reconciler can close. The countdown-membership set in
// the store remains the authoritative race arbiter; the channel only
// removes the polling latency.
type cancelRegistry struct {
	mu      sync.Mutex
	entries map[countdownKey]chan struct{}
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{entries: make(map[countdownKey]chan struct{})}
}

// add registers a countdown and returns its cancel channel.
func (r *cancelRegistry) add(chatID, userID int64) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := countdownKey{chatID, userID}
	if ch, exists := r.entries[key]; exists {
		return ch
	}
	ch := make(chan struct{})
	r.entries[key] = ch
	return ch
}

// remove forgets a countdown without signalling it.
func (r *cancelRegistry) remove(chatID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, countdownKey{chatID, userID})
}

// cancel signals a running countdown, if any, and forgets it.
func (r *cancelRegistry) cancel(chatID, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := countdownKey{chatID, userID}
	if ch, exists := r.entries[key]; exists {
		close(ch)
		delete(r.entries, key)
	}
}
