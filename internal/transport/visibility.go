package transport

import "sync"

// VisibilitySource reports when the hosting process regains the user's
// attention (a browser tab shown again, a resumed terminal job, a laptop
// waking up). Registered callbacks are removed by calling cancel.
type VisibilitySource interface {
	Watch(fn func(visible bool)) (cancel func())
}

// Visibility is a process-wide VisibilitySource fed by Notify.
type Visibility struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(bool)
}

func NewVisibility() *Visibility {
	return &Visibility{listeners: make(map[int]func(bool))}
}

// Watch implements VisibilitySource.
func (v *Visibility) Watch(fn func(visible bool)) func() {
	v.mu.Lock()
	id := v.next
	v.next++
	v.listeners[id] = fn
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			delete(v.listeners, id)
			v.mu.Unlock()
		})
	}
}

// Notify delivers a visibility change to every watcher.
func (v *Visibility) Notify(visible bool) {
	v.mu.Lock()
	fns := make([]func(bool), 0, len(v.listeners))
	for _, fn := range v.listeners {
		fns = append(fns, fn)
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(visible)
	}
}

// Len returns the number of registered watchers.
func (v *Visibility) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.listeners)
}
