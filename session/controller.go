package session

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/teamdocs/coedit-api/ot"
)

// Store is the persistence collaborator. Checkpoint writes happen off the
// controller loop and must tolerate being slow or unavailable.
type Store interface {
	LoadLatestCheckpoint(ctx context.Context, docID string) (content string, version int64, err error)
	SaveCheckpoint(ctx context.Context, docID, content string, version int64) (handle string, err error)
}

type sessionStatus string

const (
	statusActive sessionStatus = "active"
	statusPaused sessionStatus = "paused"
	statusEnded  sessionStatus = "ended"
)

// Controller owns one document's live state. Every mutating call funnels
// through the mailbox and is handled by a single goroutine, so no two
// operations are ever transformed or applied concurrently for one session.
type Controller struct {
	ID    string
	DocID string

	cfg   Config
	store Store

	mailbox chan func()
	done    chan struct{}
	stopped chan struct{}

	fan      *fanout
	presence *Presence

	// Owned by the run loop.
	content       string
	version       int64
	history       []ot.Operation
	histBase      int64 // version of the document before history[0]
	acked         map[string]ot.Operation
	perms         map[string]Permission
	status        sessionStatus
	sinceCkpt     int
	createdAt     time.Time
	ckptInFlight  bool

	lastActive atomic.Int64 // unix nano, readable by the registry janitor

	pendingMu sync.Mutex
	pending   map[string]int

	closeOnce sync.Once
}

// NewController builds a controller seeded from the latest checkpoint.
// Start must be called before use.
func NewController(id, docID, content string, version int64, store Store, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		ID:        id,
		DocID:     docID,
		cfg:       cfg,
		store:     store,
		mailbox:   make(chan func(), cfg.MailboxSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		fan:       newFanout(),
		content:   content,
		version:   version,
		histBase:  version,
		acked:     make(map[string]ot.Operation),
		perms:     make(map[string]Permission),
		pending:   make(map[string]int),
		status:    statusActive,
		createdAt: time.Now(),
	}
	c.presence = newPresence(c.fan, cfg.HeartbeatTimeout, cfg.RemovalGrace)
	c.touch()
	return c
}

// Start launches the serialization loop and the presence sweeper.
func (c *Controller) Start() {
	go c.run()
	go c.presence.runSweeper(c.cfg.SweepInterval, c.done)
}

func (c *Controller) run() {
	defer close(c.stopped)
	ticker := time.NewTicker(c.cfg.CheckpointInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			// Drain whatever was queued so replies are not lost.
			for {
				select {
				case fn := <-c.mailbox:
					fn()
				default:
					return
				}
			}
		case fn := <-c.mailbox:
			fn()
		case <-ticker.C:
			c.prunePerms()
			if c.sinceCkpt > 0 {
				c.checkpointLocked()
			}
		}
	}
}

func (c *Controller) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// IdleFor is how long the session has gone without any participant action.
func (c *Controller) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActive.Load()))
}

// RosterSize counts roster entries, including disconnected ones in grace.
func (c *Controller) RosterSize() int {
	return c.presence.Size()
}

// Presence exposes the roster tracker. Cursor and typing traffic goes to it
// directly, off the operation path.
func (c *Controller) Presence() *Presence {
	return c.presence
}

// enqueue places fn in the mailbox, giving up after the configured bound so
// an overloaded session fails fast instead of wedging its callers.
func (c *Controller) enqueue(ctx context.Context, fn func()) error {
	timer := time.NewTimer(c.cfg.SubmitTimeout)
	defer timer.Stop()
	select {
	case c.mailbox <- fn:
		return nil
	case <-c.done:
		return ErrSessionEnded
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrSessionOverloaded
	}
}

// Join registers a participant and its outbound stream, returning the full
// state the client needs to start editing.
func (c *Controller) Join(ctx context.Context, participantID string, perm Permission, sink Sink) (Snapshot, error) {
	type result struct {
		snap Snapshot
		err  error
	}
	reply := make(chan result, 1)

	err := c.enqueue(ctx, func() {
		if c.status == statusEnded {
			reply <- result{err: ErrSessionEnded}
			return
		}
		if _, known := c.perms[participantID]; !known && c.presence.Size() >= c.cfg.MaxParticipants {
			reply <- result{err: ErrSessionFull}
			return
		}

		c.perms[participantID] = perm
		c.fan.register(participantID, sink)
		c.presence.Add(participantID)
		c.status = statusActive
		c.touch()

		roster := c.presence.Snapshot()
		c.fan.broadcast(participantID, ServerMessage{
			Type:          MsgUserJoined,
			ParticipantID: participantID,
			Participants:  roster,
		})

		log.Info().Str("session", c.ID).Str("participant", participantID).Int("roster", len(roster)).Msg("participant joined")

		reply <- result{snap: Snapshot{
			SessionID:    c.ID,
			DocumentID:   c.DocID,
			Content:      c.content,
			Version:      c.version,
			Participants: roster,
		}}
	})
	if err != nil {
		return Snapshot{}, err
	}

	select {
	case r := <-reply:
		return r.snap, r.err
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Leave removes the participant immediately and announces it.
func (c *Controller) Leave(participantID string) {
	_ = c.enqueue(context.Background(), func() {
		delete(c.perms, participantID)
		c.fan.remove(participantID)
		if !c.presence.Remove(participantID) {
			return
		}
		c.touch()
		if c.presence.Size() == 0 {
			c.status = statusPaused
		}
		c.fan.broadcast("", ServerMessage{
			Type:          MsgUserLeft,
			ParticipantID: participantID,
			Participants:  c.presence.Snapshot(),
		})
		log.Info().Str("session", c.ID).Str("participant", participantID).Msg("participant left")
	})
}

// Disconnect is an abrupt socket closure: the stream is gone but the roster
// entry survives the reconnect grace handled by the presence sweep. The
// caller passes its own sink; a teardown arriving after a reconnect already
// replaced that sink is ignored so it cannot sever the fresh stream.
func (c *Controller) Disconnect(participantID string, s Sink) {
	if !c.fan.removeIf(participantID, s) {
		return
	}
	c.presence.Disconnect(participantID)
}

// Submit transforms and applies one operation, returning its canonical form
// with the server-assigned sequence number. The ack the caller relays is the
// operation's single terminal acknowledgment.
func (c *Controller) Submit(ctx context.Context, participantID string, op ot.Operation) (ot.Operation, error) {
	if !c.reserve(participantID) {
		return ot.Operation{}, fmt.Errorf("%w: too many unacknowledged operations", ErrSessionOverloaded)
	}
	defer c.release(participantID)

	type result struct {
		op  ot.Operation
		err error
	}
	reply := make(chan result, 1)

	err := c.enqueue(ctx, func() {
		applied, err := c.apply(participantID, op)
		reply <- result{op: applied, err: err}
	})
	if err != nil {
		return ot.Operation{}, err
	}

	select {
	case r := <-reply:
		return r.op, r.err
	case <-ctx.Done():
		return ot.Operation{}, ctx.Err()
	}
}

// apply runs inside the serialization loop.
func (c *Controller) apply(participantID string, op ot.Operation) (ot.Operation, error) {
	if c.status == statusEnded {
		return ot.Operation{}, ErrSessionEnded
	}

	// Duplicate delivery: return the original ack, change nothing.
	if op.ID != "" {
		if canonical, ok := c.acked[op.ID]; ok {
			return canonical, nil
		}
	}

	perm, ok := c.perms[participantID]
	if !ok {
		return ot.Operation{}, ErrUnknownParticipant
	}
	if !c.presence.Contains(participantID) {
		// The liveness sweep evicted this participant; a rejoin is required.
		delete(c.perms, participantID)
		return ot.Operation{}, ErrUnknownParticipant
	}
	if !perm.CanEdit() {
		return ot.Operation{}, ErrPermissionDenied
	}
	if err := op.Validate(); err != nil {
		return ot.Operation{}, fmt.Errorf("%w: %v", ErrStaleBaseVersion, err)
	}
	if op.BaseVersion > c.version || op.BaseVersion < c.histBase {
		return ot.Operation{}, fmt.Errorf("%w: based on %d, history covers [%d,%d]",
			ErrStaleBaseVersion, op.BaseVersion, c.histBase, c.version)
	}

	op.Author = participantID
	transformed := ot.Transform(op, c.history[op.BaseVersion-c.histBase:])

	next, err := ot.Apply(c.content, transformed)
	if err != nil {
		// Never risk divergence: reject back to the sender and force a
		// resynchronization round-trip.
		log.Warn().Err(err).Str("session", c.ID).Str("participant", participantID).Msg("transform produced unappliable operation")
		return ot.Operation{}, fmt.Errorf("%w: %v", ErrStaleBaseVersion, err)
	}

	c.version++
	transformed.Seq = c.version
	c.content = next
	c.history = append(c.history, transformed)
	if op.ID != "" {
		c.acked[op.ID] = transformed
	}
	c.trimHistory(c.cfg.HistoryLimit)
	c.touch()
	c.presence.Heartbeat(participantID)

	if !transformed.IsNoop() {
		t := transformed
		c.fan.broadcast(participantID, ServerMessage{
			Type:    MsgOperation,
			Version: c.version,
			Op:      &t,
		})
	}

	c.sinceCkpt++
	if c.sinceCkpt >= c.cfg.CheckpointOps {
		c.checkpointLocked()
	}

	return transformed, nil
}

// prunePerms drops permissions for participants the liveness sweep evicted
// from the roster, so the map never outgrows it.
func (c *Controller) prunePerms() {
	for id := range c.perms {
		if !c.presence.Contains(id) {
			delete(c.perms, id)
		}
	}
}

// trimHistory drops the oldest retained operations past limit, advancing
// histBase. Clients based before the new floor get stale-base rejections.
func (c *Controller) trimHistory(limit int) {
	if len(c.history) <= limit {
		return
	}
	drop := len(c.history) - limit
	c.histBase += int64(drop)
	c.history = append([]ot.Operation(nil), c.history[drop:]...)
	for id, a := range c.acked {
		if a.Seq <= c.histBase {
			delete(c.acked, id)
		}
	}
}

// checkpointLocked snapshots current state and hands it to the store off the
// loop. A slow or dead store must never stall live editing.
func (c *Controller) checkpointLocked() {
	if c.ckptInFlight {
		return
	}
	c.ckptInFlight = true
	c.sinceCkpt = 0
	content, version := c.content, c.version

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		handle, err := c.store.SaveCheckpoint(ctx, c.DocID, content, version)
		// Report back without blocking: if the mailbox is saturated the next
		// checkpoint trigger picks up where this one left off.
		select {
		case c.mailbox <- func() {
			c.ckptInFlight = false
			if err != nil {
				log.Warn().Err(err).Str("document", c.DocID).Int64("version", version).
					Msg("checkpoint failed, collaboration continues without durability")
				return
			}
			c.trimHistory(c.cfg.HistoryKeep)
			log.Debug().Str("document", c.DocID).Str("checkpoint", handle).Msg("checkpoint saved")
		}:
		case <-c.done:
		}
	}()
}

// RequestCheckpoint forces a checkpoint of the current state and waits for
// the write, returning the store's handle.
func (c *Controller) RequestCheckpoint(ctx context.Context) (string, error) {
	type state struct {
		content string
		version int64
	}
	reply := make(chan state, 1)
	if err := c.enqueue(ctx, func() {
		c.sinceCkpt = 0
		reply <- state{c.content, c.version}
	}); err != nil {
		return "", err
	}

	select {
	case s := <-reply:
		return c.store.SaveCheckpoint(ctx, c.DocID, s.content, s.version)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close ends the session: a final checkpoint is written, every sink is
// closed and the loop stops. Safe to call more than once.
func (c *Controller) Close(ctx context.Context) error {
	var closeErr error
	c.closeOnce.Do(func() {
		type state struct {
			content string
			version int64
		}
		reply := make(chan state, 1)
		err := c.enqueue(ctx, func() {
			c.status = statusEnded
			reply <- state{c.content, c.version}
		})
		if err == nil {
			select {
			case s := <-reply:
				if _, err := c.store.SaveCheckpoint(ctx, c.DocID, s.content, s.version); err != nil {
					log.Warn().Err(err).Str("document", c.DocID).Msg("closing checkpoint failed")
					closeErr = err
				}
			case <-ctx.Done():
				closeErr = ctx.Err()
			}
		} else {
			closeErr = err
		}

		close(c.done)
		<-c.stopped
		c.fan.closeAll()
		log.Info().Str("session", c.ID).Str("document", c.DocID).
			Dur("lifetime", time.Since(c.createdAt)).Msg("session ended")
	})
	return closeErr
}

func (c *Controller) reserve(participantID string) bool {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending[participantID] >= c.cfg.MaxPendingOps {
		return false
	}
	c.pending[participantID]++
	return true
}

func (c *Controller) release(participantID string) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	if c.pending[participantID] <= 1 {
		delete(c.pending, participantID)
	} else {
		c.pending[participantID]--
	}
}
