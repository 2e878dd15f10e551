package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamdocs/coedit-api/ot"
)

type fakeStore struct {
	mu      sync.Mutex
	content string
	version int64
	saves   int
	fail    bool
}

func (s *fakeStore) LoadLatestCheckpoint(_ context.Context, _ string) (string, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content, s.version, nil
}

func (s *fakeStore) SaveCheckpoint(_ context.Context, docID, content string, version int64) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return "", fmt.Errorf("store is down")
	}
	s.content = content
	s.version = version
	s.saves++
	return fmt.Sprintf("%v@%v", docID, version), nil
}

func (s *fakeStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

func (s *fakeStore) saved() (string, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content, s.version
}

type recordSink struct {
	mu     sync.Mutex
	msgs   []ServerMessage
	closed bool
}

func (r *recordSink) Send(msg ServerMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *recordSink) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

func (r *recordSink) msgsCopy() []ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ServerMessage(nil), r.msgs...)
}

func (r *recordSink) byType(kind string) []ServerMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ServerMessage
	for _, m := range r.msgs {
		if m.Type == kind {
			out = append(out, m)
		}
	}
	return out
}

func newTestController(t *testing.T, content string, version int64, store Store, cfg Config) *Controller {
	t.Helper()
	if store == nil {
		store = &fakeStore{}
	}
	c := NewController("sess-1", "doc-1", content, version, store, cfg)
	c.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Close(ctx)
	})
	return c
}

func mustJoin(t *testing.T, c *Controller, id string, perm Permission) (*recordSink, Snapshot) {
	t.Helper()
	sink := &recordSink{}
	snap, err := c.Join(context.Background(), id, perm, sink)
	require.NoError(t, err)
	return sink, snap
}

func TestJoinReturnsSnapshot(t *testing.T) {
	c := newTestController(t, "hello", 3, nil, Config{})

	_, snap := mustJoin(t, c, "alice", PermEdit)
	assert.Equal(t, "sess-1", snap.SessionID)
	assert.Equal(t, "doc-1", snap.DocumentID)
	assert.Equal(t, "hello", snap.Content)
	assert.Equal(t, int64(3), snap.Version)
	require.Len(t, snap.Participants, 1)
	assert.Equal(t, "alice", snap.Participants[0].ID)
}

func TestJoinAnnouncedToOthers(t *testing.T) {
	c := newTestController(t, "", 0, nil, Config{})

	aliceSink, _ := mustJoin(t, c, "alice", PermEdit)
	_, snap := mustJoin(t, c, "bob", PermEdit)

	assert.Len(t, snap.Participants, 2)
	joined := aliceSink.byType(MsgUserJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, "bob", joined[0].ParticipantID)
}

func TestJoinRespectsParticipantLimit(t *testing.T) {
	c := newTestController(t, "", 0, nil, Config{MaxParticipants: 2})

	mustJoin(t, c, "alice", PermEdit)
	mustJoin(t, c, "bob", PermEdit)

	_, err := c.Join(context.Background(), "carol", PermEdit, &recordSink{})
	assert.ErrorIs(t, err, ErrSessionFull)
}

func TestSubmitAppliesAndBroadcasts(t *testing.T) {
	c := newTestController(t, "ABC", 0, nil, Config{})
	mustJoin(t, c, "alice", PermEdit)
	bobSink, _ := mustJoin(t, c, "bob", PermEdit)

	applied, err := c.Submit(context.Background(), "alice", ot.Operation{
		ID: "op-1", Type: ot.Insert, Position: 1, Text: "1", BaseVersion: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), applied.Seq)

	ops := bobSink.byType(MsgOperation)
	require.Len(t, ops, 1)
	assert.Equal(t, "1", ops[0].Op.Text)
	assert.Equal(t, int64(1), ops[0].Version)

	// The sender gets the ack through the Submit return, not a broadcast.
	_, snap := mustJoin(t, c, "observer", PermEdit)
	assert.Equal(t, "A1BC", snap.Content)
}

// The scenario from the design doc: insert lands first, the concurrent
// delete is extended to swallow it, everyone converges on "C".
func TestConcurrentInsertAndDelete(t *testing.T) {
	c := newTestController(t, "ABC", 0, nil, Config{})
	mustJoin(t, c, "X", PermEdit)
	mustJoin(t, c, "Y", PermEdit)
	ctx := context.Background()

	_, err := c.Submit(ctx, "X", ot.Operation{ID: "x1", Type: ot.Insert, Position: 1, Text: "1", BaseVersion: 0})
	require.NoError(t, err)

	applied, err := c.Submit(ctx, "Y", ot.Operation{ID: "y1", Type: ot.Delete, Position: 0, End: 2, BaseVersion: 0})
	require.NoError(t, err)
	assert.Equal(t, 0, applied.Position)
	assert.Equal(t, 3, applied.End)
	assert.Equal(t, int64(2), applied.Seq)

	_, snap := mustJoin(t, c, "observer", PermEdit)
	assert.Equal(t, "C", snap.Content)
	assert.Equal(t, int64(2), snap.Version)
}

func TestIdempotentResubmit(t *testing.T) {
	c := newTestController(t, "ABC", 0, nil, Config{})
	mustJoin(t, c, "alice", PermEdit)
	bobSink, _ := mustJoin(t, c, "bob", PermEdit)
	ctx := context.Background()

	op := ot.Operation{ID: "dup-1", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 0}
	first, err := c.Submit(ctx, "alice", op)
	require.NoError(t, err)

	second, err := c.Submit(ctx, "alice", op)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	_, snap := mustJoin(t, c, "observer", PermEdit)
	assert.Equal(t, "xABC", snap.Content)
	assert.Equal(t, int64(1), snap.Version)
	assert.Len(t, bobSink.byType(MsgOperation), 1)
}

func TestStaleBaseVersionRejected(t *testing.T) {
	c := newTestController(t, "ABC", 5, nil, Config{})
	mustJoin(t, c, "alice", PermEdit)
	ctx := context.Background()

	// Ahead of the server.
	_, err := c.Submit(ctx, "alice", ot.Operation{ID: "a", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 9})
	assert.ErrorIs(t, err, ErrStaleBaseVersion)

	// Behind the retained history (controller seeded at version 5 has no
	// history before it).
	_, err = c.Submit(ctx, "alice", ot.Operation{ID: "b", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 2})
	assert.ErrorIs(t, err, ErrStaleBaseVersion)
}

func TestStaleBaseAfterHistoryTrim(t *testing.T) {
	c := newTestController(t, "", 0, nil, Config{HistoryLimit: 2, HistoryKeep: 2})
	mustJoin(t, c, "alice", PermEdit)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.Submit(ctx, "alice", ot.Operation{
			ID: fmt.Sprintf("op-%d", i), Type: ot.Insert, Position: i, Text: "x", BaseVersion: int64(i),
		})
		require.NoError(t, err)
	}

	_, err := c.Submit(ctx, "alice", ot.Operation{ID: "old", Type: ot.Insert, Position: 0, Text: "y", BaseVersion: 1})
	assert.ErrorIs(t, err, ErrStaleBaseVersion)
}

func TestOutOfBoundsRejectedAsStale(t *testing.T) {
	c := newTestController(t, "AB", 0, nil, Config{})
	mustJoin(t, c, "alice", PermEdit)

	_, err := c.Submit(context.Background(), "alice", ot.Operation{
		ID: "oob", Type: ot.Delete, Position: 0, End: 10, BaseVersion: 0,
	})
	assert.ErrorIs(t, err, ErrStaleBaseVersion)

	// Document untouched.
	_, snap := mustJoin(t, c, "observer", PermEdit)
	assert.Equal(t, "AB", snap.Content)
	assert.Equal(t, int64(0), snap.Version)
}

func TestViewerCannotSubmit(t *testing.T) {
	c := newTestController(t, "ABC", 0, nil, Config{})
	mustJoin(t, c, "viewer", PermView)

	_, err := c.Submit(context.Background(), "viewer", ot.Operation{
		ID: "v", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 0,
	})
	assert.ErrorIs(t, err, ErrPermissionDenied)
}

func TestUnknownParticipantCannotSubmit(t *testing.T) {
	c := newTestController(t, "ABC", 0, nil, Config{})

	_, err := c.Submit(context.Background(), "ghost", ot.Operation{
		ID: "g", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 0,
	})
	assert.ErrorIs(t, err, ErrUnknownParticipant)
}

// A delete fully shadowed by a concurrent one is acknowledged but not
// broadcast.
func TestNoopAckedNotBroadcast(t *testing.T) {
	c := newTestController(t, "abcdef", 0, nil, Config{})
	mustJoin(t, c, "alice", PermEdit)
	bobSink, _ := mustJoin(t, c, "bob", PermEdit)
	ctx := context.Background()

	_, err := c.Submit(ctx, "alice", ot.Operation{ID: "a1", Type: ot.Delete, Position: 1, End: 4, BaseVersion: 0})
	require.NoError(t, err)

	applied, err := c.Submit(ctx, "bob", ot.Operation{ID: "b1", Type: ot.Delete, Position: 2, End: 3, BaseVersion: 0})
	require.NoError(t, err)
	assert.True(t, applied.IsNoop())
	assert.Equal(t, int64(2), applied.Seq)

	// bob saw alice's delete and nothing else.
	assert.Len(t, bobSink.byType(MsgOperation), 1)
}

// Every participant replaying acks plus broadcasts in sequence order must
// reconstruct the observer's content, whatever the arrival interleaving.
func TestOrderPreservationAcrossParticipants(t *testing.T) {
	const base = "0123456789"
	c := newTestController(t, base, 0, nil, Config{})
	ctx := context.Background()

	participants := []string{"alice", "bob", "carol"}
	sinks := make(map[string]*recordSink)
	acks := make(map[string][]ot.Operation)
	var ackMu sync.Mutex

	for _, id := range participants {
		sink, _ := mustJoin(t, c, id, PermEdit)
		sinks[id] = sink
	}

	var wg sync.WaitGroup
	for pi, id := range participants {
		wg.Add(1)
		go func(pi int, id string) {
			defer wg.Done()
			for i := 0; i < 5; i++ {
				var op ot.Operation
				if pi == 2 {
					op = ot.Operation{Type: ot.Delete, Position: i, End: i + 1, BaseVersion: 0}
				} else {
					op = ot.Operation{Type: ot.Insert, Position: i, Text: fmt.Sprintf("%s%d", id[:1], i), BaseVersion: 0}
				}
				op.ID = fmt.Sprintf("%s-%d", id, i)
				applied, err := c.Submit(ctx, id, op)
				if err != nil {
					t.Errorf("submit %s: %v", op.ID, err)
					return
				}
				ackMu.Lock()
				acks[id] = append(acks[id], applied)
				ackMu.Unlock()
			}
		}(pi, id)
	}
	wg.Wait()

	_, snap := mustJoin(t, c, "observer", PermEdit)
	require.Equal(t, int64(15), snap.Version)

	for _, id := range participants {
		ops := append([]ot.Operation{}, acks[id]...)
		for _, m := range sinks[id].byType(MsgOperation) {
			ops = append(ops, *m.Op)
		}
		sort.Slice(ops, func(i, j int) bool { return ops[i].Seq < ops[j].Seq })

		doc := base
		var err error
		for _, op := range ops {
			doc, err = ot.Apply(doc, op)
			require.NoError(t, err)
		}
		assert.Equal(t, snap.Content, doc, "participant %s diverged", id)
	}
}

func TestSubmitOverloadedMailbox(t *testing.T) {
	c := newTestController(t, "", 0, nil, Config{MailboxSize: 1, SubmitTimeout: 20 * time.Millisecond})
	mustJoin(t, c, "alice", PermEdit)

	// Wedge the loop and fill the single mailbox slot.
	block := make(chan struct{})
	c.mailbox <- func() { <-block }
	c.mailbox <- func() {}

	_, err := c.Submit(context.Background(), "alice", ot.Operation{
		ID: "x", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 0,
	})
	assert.ErrorIs(t, err, ErrSessionOverloaded)
	close(block)
}

func TestSubmitPendingBound(t *testing.T) {
	c := newTestController(t, "", 0, nil, Config{MaxPendingOps: 1})
	mustJoin(t, c, "alice", PermEdit)

	require.True(t, c.reserve("alice"))
	_, err := c.Submit(context.Background(), "alice", ot.Operation{
		ID: "y", Type: ot.Insert, Position: 0, Text: "y", BaseVersion: 0,
	})
	assert.ErrorIs(t, err, ErrSessionOverloaded)
	c.release("alice")
}

func TestCheckpointEveryNOps(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(t, "", 0, store, Config{CheckpointOps: 3})
	mustJoin(t, c, "alice", PermEdit)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := c.Submit(ctx, "alice", ot.Operation{
			ID: fmt.Sprintf("op-%d", i), Type: ot.Insert, Position: 0, Text: "x", BaseVersion: int64(i),
		})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		_, v := store.saved()
		return store.saveCount() >= 1 && v == 3
	}, time.Second, 10*time.Millisecond)
}

func TestCheckpointFailureDoesNotStallEditing(t *testing.T) {
	store := &fakeStore{fail: true}
	c := newTestController(t, "", 0, store, Config{CheckpointOps: 1})
	mustJoin(t, c, "alice", PermEdit)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := c.Submit(ctx, "alice", ot.Operation{
			ID: fmt.Sprintf("op-%d", i), Type: ot.Insert, Position: 0, Text: "x", BaseVersion: int64(i),
		})
		require.NoError(t, err, "live editing must survive a down store")
	}
}

func TestRequestCheckpoint(t *testing.T) {
	store := &fakeStore{}
	c := newTestController(t, "snapshot me", 7, store, Config{})

	handle, err := c.RequestCheckpoint(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "doc-1@7", handle)

	content, version := store.saved()
	assert.Equal(t, "snapshot me", content)
	assert.Equal(t, int64(7), version)
}

func TestCloseWritesFinalCheckpointAndEndsSession(t *testing.T) {
	store := &fakeStore{}
	c := NewController("sess-2", "doc-2", "final", 4, store, Config{})
	c.Start()
	sink := &recordSink{}
	_, err := c.Join(context.Background(), "alice", PermEdit, sink)
	require.NoError(t, err)

	require.NoError(t, c.Close(context.Background()))

	content, version := store.saved()
	assert.Equal(t, "final", content)
	assert.Equal(t, int64(4), version)

	sink.mu.Lock()
	closed := sink.closed
	sink.mu.Unlock()
	assert.True(t, closed)

	_, err = c.Submit(context.Background(), "alice", ot.Operation{
		ID: "late", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 4,
	})
	assert.ErrorIs(t, err, ErrSessionEnded)
}

func TestDisconnectMarksOffline(t *testing.T) {
	c := newTestController(t, "", 0, nil, Config{})
	sink, _ := mustJoin(t, c, "alice", PermEdit)

	c.Disconnect("alice", sink)

	views := c.Presence().Snapshot()
	require.Len(t, views, 1)
	assert.False(t, views[0].Online)
}

// A reconnect replaces the registered stream; the old connection's late
// teardown must not sever the replacement or mark the participant offline.
func TestStaleDisconnectSparesReconnectedStream(t *testing.T) {
	c := newTestController(t, "ABC", 0, nil, Config{})
	ctx := context.Background()

	oldSink := &recordSink{}
	_, err := c.Join(ctx, "alice", PermEdit, oldSink)
	require.NoError(t, err)

	freshSink := &recordSink{}
	_, err = c.Join(ctx, "alice", PermEdit, freshSink)
	require.NoError(t, err)
	mustJoin(t, c, "bob", PermEdit)

	// The old connection notices its closed socket only now.
	c.Disconnect("alice", oldSink)

	_, err = c.Submit(ctx, "bob", ot.Operation{
		ID: "b1", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 0,
	})
	require.NoError(t, err)

	ops := freshSink.byType(MsgOperation)
	require.Len(t, ops, 1)
	assert.Equal(t, "x", ops[0].Op.Text)

	for _, v := range c.Presence().Snapshot() {
		if v.ID == "alice" {
			assert.True(t, v.Online)
		}
	}
}

// Once the liveness sweep evicts a participant, its permission entry is
// pruned and editing requires a rejoin.
func TestEvictedParticipantMustRejoin(t *testing.T) {
	c := newTestController(t, "ABC", 0, nil, Config{})
	mustJoin(t, c, "alice", PermEdit)
	ctx := context.Background()

	// The sweep gave up on alice.
	c.presence.Remove("alice")
	c.fan.remove("alice")

	_, err := c.Submit(ctx, "alice", ot.Operation{
		ID: "a1", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 0,
	})
	assert.ErrorIs(t, err, ErrUnknownParticipant)

	pruned := make(chan bool, 1)
	c.mailbox <- func() {
		c.prunePerms()
		_, ok := c.perms["alice"]
		pruned <- !ok
	}
	assert.True(t, <-pruned)

	mustJoin(t, c, "alice", PermEdit)
	_, err = c.Submit(ctx, "alice", ot.Operation{
		ID: "a2", Type: ot.Insert, Position: 0, Text: "x", BaseVersion: 0,
	})
	require.NoError(t, err)
}

func TestLeaveBroadcastsUserLeft(t *testing.T) {
	c := newTestController(t, "", 0, nil, Config{})
	mustJoin(t, c, "alice", PermEdit)
	bobSink, _ := mustJoin(t, c, "bob", PermEdit)

	c.Leave("alice")

	assert.Eventually(t, func() bool {
		left := bobSink.byType(MsgUserLeft)
		return len(left) == 1 && left[0].ParticipantID == "alice"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, c.RosterSize())
}
