package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Update is delivered to listeners after every successful cache replace or
// clear, and as a distinct error event when a sync attempt fails.
type Update struct {
	OrganizationID string
	// Version is the snapshot version now held locally; nil after a clear.
	Version        *int64
	ProfileCount   int
	AccessoryCount int
	// Err is set on sync-failure notifications; data fields then describe
	// the dataset still being served.
	Err error
}

// Callback receives updates. Callbacks run on their own goroutine: one that
// blocks or panics cannot delay the emitter or the other listeners.
type Callback func(Update)

// Handle identifies a subscription for Unsubscribe.
type Handle uint64

// Registry is the in-process fan-out from a state manager to its consumers.
type Registry struct {
	mu        sync.RWMutex
	next      Handle
	listeners map[Handle]Callback
	logger    *zap.Logger
}

// NewRegistry creates a listener registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		listeners: make(map[Handle]Callback),
		logger:    logger,
	}
}

// Subscribe registers a callback and returns its handle
func (r *Registry) Subscribe(cb Callback) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.next++
	r.listeners[r.next] = cb
	return r.next
}

// Unsubscribe removes a callback. Unknown handles are ignored.
func (r *Registry) Unsubscribe(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.listeners, h)
}

// Len returns the number of registered listeners
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Notify delivers the update to every listener, each on its own goroutine
// with panic recovery.
func (r *Registry) Notify(u Update) {
	r.mu.RLock()
	callbacks := make([]Callback, 0, len(r.listeners))
	for _, cb := range r.listeners {
		callbacks = append(callbacks, cb)
	}
	r.mu.RUnlock()

	for _, cb := range callbacks {
		go r.invoke(cb, u)
	}
}

func (r *Registry) invoke(cb Callback, u Update) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Listener callback panicked",
				zap.String("organization_id", u.OrganizationID),
				zap.Any("panic", rec))
		}
	}()

	cb(u)
}
