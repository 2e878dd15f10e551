package session

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// fanout owns the participant id -> outbound sink map. It is shared between
// the controller loop and the presence tracker so presence broadcasts never
// queue behind document operations.
type fanout struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

func newFanout() *fanout {
	return &fanout{sinks: make(map[string]Sink)}
}

func (f *fanout) register(id string, s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if old, ok := f.sinks[id]; ok {
		// Reconnect replaces the previous stream.
		old.Close()
	}
	f.sinks[id] = s
}

func (f *fanout) remove(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sinks, id)
}

// removeIf deletes the entry only while s is still the registered sink, so
// a stale connection's teardown cannot sever the stream that replaced it.
func (f *fanout) removeIf(id string, s Sink) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.sinks[id]; !ok || cur != s {
		return false
	}
	delete(f.sinks, id)
	return true
}

func (f *fanout) size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

func (f *fanout) sendTo(id string, msg ServerMessage) bool {
	f.mu.RLock()
	s, ok := f.sinks[id]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	if !s.Send(msg) {
		f.drop(id, s)
		return false
	}
	return true
}

// broadcast delivers msg to every sink except the named one. Sinks that
// cannot keep up are dropped; their connections will notice and re-join.
func (f *fanout) broadcast(except string, msg ServerMessage) {
	f.mu.RLock()
	var slow []string
	for id, s := range f.sinks {
		if id == except {
			continue
		}
		if !s.Send(msg) {
			slow = append(slow, id)
		}
	}
	f.mu.RUnlock()

	for _, id := range slow {
		f.mu.RLock()
		s := f.sinks[id]
		f.mu.RUnlock()
		if s != nil {
			f.drop(id, s)
		}
	}
}

func (f *fanout) drop(id string, s Sink) {
	log.Warn().Str("participant", id).Msg("outbound buffer full, dropping connection")
	f.mu.Lock()
	delete(f.sinks, id)
	f.mu.Unlock()
	s.Close()
}

func (f *fanout) closeAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, s := range f.sinks {
		s.Close()
		delete(f.sinks, id)
	}
}
