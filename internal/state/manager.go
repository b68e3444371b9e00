package state

import (
	"reflect"
	"sync"
)

// Subscriber receives the new value after an equality-gated write to the
// subscribed key.
type Subscriber func(value any)

// Manager is the keyed state table.
//
// Thread-safety: all methods are safe for concurrent use. Subscribers are
// invoked synchronously during Set, in subscription order, with the manager
// lock released so a subscriber may itself read or write state.
type Manager struct {
	mu     sync.Mutex
	values map[string]any
	subs   map[string][]*subscription
}

type subscription struct {
	fn     Subscriber
	active bool
}

// NewManager creates an empty state table.
func NewManager() *Manager {
	return &Manager{
		values: make(map[string]any),
		subs:   make(map[string][]*subscription),
	}
}

// Get returns the current value for key, or nil if the key has never been
// written. Pure read, no side effects.
func (m *Manager) Get(key string) any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.values[key]
}

// Set replaces the value stored under key and notifies the key's subscribers,
// in subscription order, with the new value. The write is equality-gated: if
// the new value is structurally equal to the current one, nothing is stored,
// nobody is notified, and Set reports false.
func (m *Manager) Set(key string, value any) bool {
	m.mu.Lock()

	old, exists := m.values[key]
	if exists && Equal(old, value) {
		m.mu.Unlock()
		return false
	}

	m.values[key] = value

	// Snapshot the subscriber funcs while still holding the lock: the active
	// flag is guarded by mu, so it must not be read after unlocking.
	// Notification then runs without the lock, and mid-notification
	// subscriptions do not run for this write.
	snapshot := make([]Subscriber, 0, len(m.subs[key]))
	for _, sub := range m.subs[key] {
		if sub.active {
			snapshot = append(snapshot, sub.fn)
		}
	}

	m.mu.Unlock()

	for _, fn := range snapshot {
		fn(value)
	}

	return true
}

// SubscribeAndGet registers fn as a subscriber for key and returns the key's
// current value alongside an unsubscribe capability. The capability is a
// no-op when called more than once.
func (m *Manager) SubscribeAndGet(key string, fn Subscriber) (any, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &subscription{fn: fn, active: true}
	m.subs[key] = append(m.subs[key], sub)

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			sub.active = false
			list := m.subs[key]
			for i, s := range list {
				if s == sub {
					m.subs[key] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		})
	}

	return m.values[key], unsubscribe
}

// Equal reports structural value equality: composite values compare by
// contents, not identity.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
