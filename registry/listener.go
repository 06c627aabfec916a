package registry

// Listener is told about every accepted token update and every
// re-announcement of a cached token. previous is empty on re-announcement
// and on the first token of an installation.
//
// Listeners run synchronously on the goroutine that produced the change and
// must not call OnTokenReceived or Token themselves.
type Listener interface {
	OnTokenChanged(previous, current string)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(previous, current string)

func (f ListenerFunc) OnTokenChanged(previous, current string) { f(previous, current) }

// AddListener registers l. It may be called at any time.
func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	r.listeners = append(r.listeners, l)
	r.listenersMu.Unlock()
}

type tokenChange struct {
	previous, current string
}

// unlockAndNotify releases r.mu and delivers c. notifyMu is taken before
// r.mu is released so deliveries keep the order of the state changes.
func (r *Registry) unlockAndNotify(c *tokenChange) {
	if c == nil {
		r.mu.Unlock()
		return
	}
	r.notifyMu.Lock()
	r.mu.Unlock()
	defer r.notifyMu.Unlock()

	r.listenersMu.RLock()
	listeners := make([]Listener, len(r.listeners))
	copy(listeners, r.listeners)
	r.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnTokenChanged(c.previous, c.current)
	}
}
