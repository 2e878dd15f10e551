package session

import "time"

// Config tunes one controller. Zero values fall back to defaults so tests
// can set only what they exercise.
type Config struct {
	// CheckpointOps and CheckpointInterval bound how much unflushed history
	// a crash can lose: a checkpoint is requested every CheckpointOps
	// applied operations or every CheckpointInterval, whichever first.
	CheckpointOps      int
	CheckpointInterval time.Duration

	// HistoryKeep is how many applied operations stay in memory after a
	// successful checkpoint, to serve transforms for recently-based clients.
	HistoryKeep int
	// HistoryLimit is the hard cap on retained operations.
	HistoryLimit int

	HeartbeatTimeout time.Duration
	RemovalGrace     time.Duration
	SweepInterval    time.Duration

	MaxParticipants int
	// MaxPendingOps bounds unacknowledged submissions per participant.
	MaxPendingOps int

	MailboxSize   int
	SubmitTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckpointOps <= 0 {
		c.CheckpointOps = 50
	}
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = 30 * time.Second
	}
	if c.HistoryKeep <= 0 {
		c.HistoryKeep = 256
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 4096
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 30 * time.Second
	}
	if c.RemovalGrace <= 0 {
		c.RemovalGrace = 60 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Second
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = 32
	}
	if c.MaxPendingOps <= 0 {
		c.MaxPendingOps = 64
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 2 * time.Second
	}
	return c
}
