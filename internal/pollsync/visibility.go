package pollsync

import (
	"sync"
)

// Pauser is the slice of the scheduler lifecycle the visibility binding
// drives. *Scheduler implements it, as does anything wrapping one.
type Pauser interface {
	Pause()
	Resume()
}

// VisibilitySource delivers foreground/background transitions of the host
// client. Sources must support any number of concurrent subscribers.
type VisibilitySource interface {
	// Subscribe registers fn for future transitions and returns an
	// idempotent cancel function. The current state is not replayed.
	Subscribe(fn func(visible bool)) (cancel func())
}

// BindVisibility pauses every target when the source reports hidden and
// resumes them when it reports visible again. Several targets can share one
// binding so feeds with a common lifecycle unbind together. The returned
// cleanup function is idempotent and leaves the targets in whatever state
// they were in at the time of the call.
func BindVisibility(src VisibilitySource, targets ...Pauser) func() {
	cancel := src.Subscribe(func(visible bool) {
		for _, target := range targets {
			if visible {
				target.Resume()
			} else {
				target.Pause()
			}
		}
	})
	var once sync.Once
	return func() {
		once.Do(cancel)
	}
}

// ManualVisibility is a VisibilitySource driven by explicit Set calls. The
// UI shell feeds its window focus state into one; tests drive it directly.
type ManualVisibility struct {
	mu      sync.Mutex
	visible bool
	nextID  int
	subs    map[int]func(visible bool)
}

// NewManualVisibility returns a source whose initial state is visible.
func NewManualVisibility() *ManualVisibility {
	return &ManualVisibility{
		visible: true,
		subs:    map[int]func(visible bool){},
	}
}

// Set records the new state and notifies subscribers on a transition.
// Setting the current state again is a no-op.
func (v *ManualVisibility) Set(visible bool) {
	v.mu.Lock()
	if v.visible == visible {
		v.mu.Unlock()
		return
	}
	v.visible = visible
	subs := make([]func(visible bool), 0, len(v.subs))
	for _, fn := range v.subs {
		subs = append(subs, fn)
	}
	v.mu.Unlock()
	for _, fn := range subs {
		fn(visible)
	}
}

func (v *ManualVisibility) Visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.visible
}

func (v *ManualVisibility) Subscribe(fn func(visible bool)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = fn
	v.mu.Unlock()
	return func() {
		v.mu.Lock()
		delete(v.subs, id)
		v.mu.Unlock()
	}
}
