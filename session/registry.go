package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Registry is the process-wide map from document to its live controller.
// Creation is check-and-set under one lock so racing joins cannot spawn two
// controllers for the same document.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Controller

	store     Store
	cfg       Config
	idleGrace time.Duration

	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry builds a registry. idleGrace is how long a session may sit
// with an empty roster before it is closed out.
func NewRegistry(store Store, cfg Config, idleGrace time.Duration) *Registry {
	if idleGrace <= 0 {
		idleGrace = 2 * time.Minute
	}
	return &Registry{
		sessions:  make(map[string]*Controller),
		store:     store,
		cfg:       cfg,
		idleGrace: idleGrace,
		done:      make(chan struct{}),
	}
}

// Start launches the idle-session janitor.
func (r *Registry) Start() {
	go r.runJanitor()
}

// GetOrCreate returns the live controller for the document, instantiating
// one from the latest checkpoint on first join.
func (r *Registry) GetOrCreate(ctx context.Context, docID string) (*Controller, error) {
	r.mu.RLock()
	ctrl, ok := r.sessions[docID]
	r.mu.RUnlock()
	if ok {
		return ctrl, nil
	}

	// Load outside the lock; double-check afterwards so a racing create wins
	// only once.
	content, version, err := r.store.LoadLatestCheckpoint(ctx, docID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if ctrl, ok = r.sessions[docID]; ok {
		return ctrl, nil
	}

	ctrl = NewController(uuid.NewString(), docID, content, version, r.store, r.cfg)
	ctrl.Start()
	r.sessions[docID] = ctrl
	log.Info().Str("session", ctrl.ID).Str("document", docID).Int64("version", version).Msg("session created")
	return ctrl, nil
}

// Get returns the live controller or nil.
func (r *Registry) Get(docID string) *Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[docID]
}

// Release closes the document's session, writing its closing checkpoint.
func (r *Registry) Release(ctx context.Context, docID string) error {
	r.mu.Lock()
	ctrl, ok := r.sessions[docID]
	delete(r.sessions, docID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return ctrl.Close(ctx)
}

// Count reports the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) runJanitor() {
	interval := r.idleGrace / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

// reapIdle closes sessions whose roster has been empty past the grace
// period. The final state goes to the store as a closing checkpoint.
func (r *Registry) reapIdle() {
	r.mu.Lock()
	var idle []*Controller
	for docID, ctrl := range r.sessions {
		if ctrl.RosterSize() == 0 && ctrl.IdleFor() > r.idleGrace {
			idle = append(idle, ctrl)
			delete(r.sessions, docID)
		}
	}
	r.mu.Unlock()

	for _, ctrl := range idle {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := ctrl.Close(ctx); err != nil {
			log.Warn().Err(err).Str("document", ctrl.DocID).Msg("error closing idle session")
		}
		cancel()
	}
}

// Shutdown stops the janitor and closes every live session.
func (r *Registry) Shutdown(ctx context.Context) {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	all := make([]*Controller, 0, len(r.sessions))
	for docID, ctrl := range r.sessions {
		all = append(all, ctrl)
		delete(r.sessions, docID)
	}
	r.mu.Unlock()

	for _, ctrl := range all {
		if err := ctrl.Close(ctx); err != nil {
			log.Warn().Err(err).Str("document", ctrl.DocID).Msg("error closing session on shutdown")
		}
	}
}
