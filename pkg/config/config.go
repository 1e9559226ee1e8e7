// Package config defines the engine's in-memory configuration. Per
// spec.md's explicit non-goal, it does not load or parse a config file —
// that remains the thin CLI's job to populate this struct from flags. The
// shape mirrors the teacher's pkg/dbconn.DBConfig: a plain struct with a
// defaulting constructor, passed explicitly rather than read from a
// package-level global.
package config

import "time"

// Config is everything the replay worker, copy worker and admin surface
// need to run against one subscriber node.
type Config struct {
	QueueName string

	ProviderDSN   string
	SubscriberDSN string

	// ParallelCopies bounds how many tables may be in in-copy/catching-up/
	// wanna-sync/do-sync simultaneously (spec.md §4.6.1 admission count).
	// Fatal at startup if < 1 (spec.md §8 boundary behavior).
	ParallelCopies int

	// ThreadedCopyPoolSize, when set for a table, is the number of
	// inserter processes a threaded copy fans out to (spec.md §4.7).
	ThreadedCopyPoolSize int

	// LocalOnly selects the server-side consumer filter described in
	// spec.md §4.6 ("Batching heuristics"); no command in this tree
	// reads it, so no filter is installed.
	LocalOnly             bool
	LocalOnlyDropExecute bool

	// StatementTimeout bounds DDL locks (spec.md §5, default 10s).
	StatementTimeout time.Duration

	// SortBufSize is passed to the external sort used by repair
	// (spec.md §6 "Environment"), e.g. "30%".
	SortBufSize string

	// PidfileDir holds per-table copy pidfiles, named copy.<table>.pid
	// (copyworker.NewPidfile); the names are not derived from a worker
	// pidfile name.
	PidfileDir string
}

// New returns a Config with the teacher-style sane defaults.
func New() *Config {
	return &Config{
		ParallelCopies:   1,
		StatementTimeout: 10 * time.Second,
		SortBufSize:      "30%",
	}
}

// Validate checks the boundary behaviors spec.md §8 calls out explicitly.
func (c *Config) Validate() error {
	if c.ParallelCopies < 1 {
		return errParallelCopies
	}
	return nil
}

var errParallelCopies = configError("config: parallel_copies must be >= 1")

type configError string

func (e configError) Error() string { return string(e) }
