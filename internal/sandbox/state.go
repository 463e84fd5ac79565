package sandbox

import (
	"sync"

	"github.com/jkaninda/sanduku/internal/observability"
)

// Phase is the coarse lifecycle phase of the global container.
type Phase string

const (
	PhaseNotInitialized Phase = "not_initialized"
	PhaseInitializing   Phase = "initializing"
	PhaseRunning        Phase = "running"
	PhaseStopped        Phase = "stopped"
	PhaseError          Phase = "error"
)

// State is one observable snapshot of the container lifecycle.
// Progress is meaningful only in PhaseInitializing (0..1); Message is
// meaningful only in PhaseError.
type State struct {
	Phase    Phase
	Progress float64
	Message  string
}

// stateVar is the single observable lifecycle value. Reads and writes
// are individually synchronized; transition ordering is the Manager's
// responsibility (lifecycle methods are serialized there).
type stateVar struct {
	mu      sync.RWMutex
	cur     State
	subs    map[int]chan State
	nextSub int
	metrics *observability.MetricsCollector
}

func newStateVar(metrics *observability.MetricsCollector) *stateVar {
	return &stateVar{
		cur:     State{Phase: PhaseNotInitialized},
		subs:    make(map[int]chan State),
		metrics: metrics,
	}
}

func (s *stateVar) get() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *stateVar) set(next State) {
	s.mu.Lock()
	prev := s.cur
	s.cur = next
	for _, ch := range s.subs {
		// Slow subscribers miss intermediate snapshots rather than
		// blocking a lifecycle transition. Sends stay under the lock so
		// cancel can close channels without racing them.
		select {
		case ch <- next:
		default:
		}
	}
	s.mu.Unlock()

	if s.metrics != nil && prev.Phase != next.Phase {
		s.metrics.LifecycleTransitionsTotal.
			WithLabelValues(string(prev.Phase), string(next.Phase)).Inc()
	}
}

// subscribe registers an observer. The current snapshot is delivered
// immediately; the returned cancel func must be called to release the
// channel.
func (s *stateVar) subscribe() (<-chan State, func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	ch := make(chan State, 8)
	ch <- s.cur
	s.subs[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
