package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

type participantState struct {
	id       string
	cursor   *int
	typing   bool
	online   bool
	lastSeen time.Time
}

// Presence tracks the participant roster: cursors, typing flags and
// liveness. It has its own lock and broadcasts directly through the fanout,
// so cursor traffic never waits on the operation pipeline. Updates are
// last-write-wins per participant.
type Presence struct {
	mu           sync.Mutex
	participants map[string]*participantState

	fan              *fanout
	heartbeatTimeout time.Duration
	removalGrace     time.Duration

	now func() time.Time
}

func newPresence(fan *fanout, heartbeatTimeout, removalGrace time.Duration) *Presence {
	return &Presence{
		participants:     make(map[string]*participantState),
		fan:              fan,
		heartbeatTimeout: heartbeatTimeout,
		removalGrace:     removalGrace,
		now:              time.Now,
	}
}

// Add registers a participant, or revives the existing roster entry on
// reconnect.
func (p *Presence) Add(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.participants[id]
	if !ok {
		st = &participantState{id: id}
		p.participants[id] = st
	}
	st.online = true
	st.lastSeen = p.now()
}

// Remove deletes the roster entry. Returns false when the participant was
// already gone, which keeps the user_left broadcast a one-shot.
func (p *Presence) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.participants[id]; !ok {
		return false
	}
	delete(p.participants, id)
	return true
}

// Disconnect marks the participant offline without removing it: transient
// reconnects keep the roster entry until the liveness sweep gives up.
func (p *Presence) Disconnect(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.participants[id]; ok {
		st.online = false
		st.lastSeen = p.now()
	}
}

func (p *Presence) SetCursor(id string, pos int) {
	p.mu.Lock()
	st, ok := p.participants[id]
	if ok {
		c := pos
		st.cursor = &c
		st.lastSeen = p.now()
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	p.fan.broadcast(id, ServerMessage{Type: MsgCursorUpdate, ParticipantID: id, Position: &pos})
}

func (p *Presence) SetTyping(id string, typing bool) {
	p.mu.Lock()
	st, ok := p.participants[id]
	if ok {
		st.typing = typing
		st.lastSeen = p.now()
	}
	p.mu.Unlock()
	if !ok {
		return
	}
	kind := MsgTypingStop
	if typing {
		kind = MsgTypingStart
	}
	p.fan.broadcast(id, ServerMessage{Type: kind, ParticipantID: id})
}

// Heartbeat refreshes liveness and revives an entry the sweep had marked
// offline.
func (p *Presence) Heartbeat(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.participants[id]; ok {
		st.online = true
		st.lastSeen = p.now()
	}
}

// Snapshot returns the roster in no particular order.
func (p *Presence) Snapshot() []ParticipantView {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Presence) snapshotLocked() []ParticipantView {
	views := make([]ParticipantView, 0, len(p.participants))
	for _, st := range p.participants {
		views = append(views, ParticipantView{
			ID:       st.id,
			Cursor:   st.cursor,
			Typing:   st.typing,
			Online:   st.online,
			LastSeen: st.lastSeen,
		})
	}
	return views
}

// Contains reports whether the id still has a roster entry, online or not.
func (p *Presence) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.participants[id]
	return ok
}

// Size is the roster size including offline entries still in grace.
func (p *Presence) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.participants)
}

// sweep marks silent participants offline and removes those offline past
// the grace period, announcing each removal exactly once.
func (p *Presence) sweep() {
	now := p.now()

	p.mu.Lock()
	var removed []string
	var roster []ParticipantView
	for id, st := range p.participants {
		idle := now.Sub(st.lastSeen)
		switch {
		case st.online && idle > p.heartbeatTimeout:
			st.online = false
		case !st.online && idle > p.heartbeatTimeout+p.removalGrace:
			delete(p.participants, id)
			removed = append(removed, id)
		}
	}
	if len(removed) > 0 {
		roster = p.snapshotLocked()
	}
	p.mu.Unlock()

	for _, id := range removed {
		log.Info().Str("participant", id).Msg("participant timed out")
		p.fan.remove(id)
		p.fan.broadcast("", ServerMessage{Type: MsgUserLeft, ParticipantID: id, Participants: roster})
	}
}

func (p *Presence) runSweeper(interval time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}
