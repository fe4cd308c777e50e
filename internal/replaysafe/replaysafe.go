// Package replaysafe tracks callbacks waiting for the transport to confirm
// that early data can no longer be replayed.
package replaysafe

// Callback is notified once the connection is replay safe.
type Callback interface {
	OnReplaySafe()
}

// Func adapts a function to Callback. Func values are not comparable, so
// register a pointer to one if it must be removed later.
type Func func()

// OnReplaySafe calls f.
func (f *Func) OnReplaySafe() { (*f)() }

// Registry holds pending callbacks in registration order.
type Registry struct {
	safe    bool
	pending []Callback
}

// New creates a registry. safe reports the current transport state.
func New(safe bool) *Registry {
	return &Registry{safe: safe}
}

// Safe reports whether replay safety was confirmed.
func (r *Registry) Safe() bool { return r.safe }

// Add registers cb. If the connection is already safe cb fires now.
func (r *Registry) Add(cb Callback) {
	if r.safe {
		cb.OnReplaySafe()
		return
	}
	r.pending = append(r.pending, cb)
}

// Remove drops cb if it has not fired. Unknown callbacks are ignored.
func (r *Registry) Remove(cb Callback) {
	for i, p := range r.pending {
		if p == cb {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// Len returns the number of callbacks still waiting.
func (r *Registry) Len() int { return len(r.pending) }

// MarkSafe fires every pending callback in registration order and clears
// the list. Callbacks added while firing run immediately.
func (r *Registry) MarkSafe() {
	if r.safe {
		return
	}
	r.safe = true
	pending := r.pending
	r.pending = nil
	for _, cb := range pending {
		cb.OnReplaySafe()
	}
}
