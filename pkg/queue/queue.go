// Package queue declares the cascaded-queue runtime contract this engine
// consumes. Per spec.md §1/§6, tick/batch management, cursor advancement
// and node-role bookkeeping are an external collaborator's responsibility;
// this package only pins down the interface the replay worker calls
// against, grounded on the teacher's pkg/repl.Client shape (NewClient /
// AddSubscription / Run / BlockWait observed in pkg/repl/client_test.go).
package queue

import (
	"context"
	"database/sql"

	"github.com/block/londiste/pkg/event"
)

// NodeType is a cascaded-queue node's role.
type NodeType int

const (
	NodeRoot NodeType = iota
	NodeBranch
	NodeLeaf
)

// NodeInfo is the metadata RPC response shape named in spec.md §6.
type NodeInfo struct {
	NodeName         string
	NodeType         NodeType
	ProviderNode     string
	ProviderLocation string
	WorkerName       string
	RetCode          int
}

// BatchHandler is invoked once per batch by Client.Run; it receives the
// decoded event stream already ordered by event id within the batch.
type BatchHandler func(ctx context.Context, tickID, prevTickID int64, events []*event.Event, dst *sql.Tx) error

// Client is the cascaded-queue consumer contract (spec.md §6's "upstream
// queue contract"): process_remote_batch, copy_event, refresh_state,
// unregister_consumer, plus the accumulation-threshold settings and
// server-side filter the sync scheduler tunes around a pending do-sync
// (spec.md §4.6.1).
type Client interface {
	// Run drives the batch loop, calling handler once per batch until ctx
	// is canceled.
	Run(ctx context.Context, handler BatchHandler) error

	// CopyEvent lets a branch node forward ev (possibly transformed by a
	// handler's GetCopyEvent) to its own downstream queue; filteredCopy
	// marks the event as copy-path only, matching spec.md §6.
	CopyEvent(ctx context.Context, dst *sql.Tx, ev *event.Event, filteredCopy bool) error

	// RefreshState re-syncs in-process queue bookkeeping from the
	// database at the top of a batch (spec.md §5: "rebuilt from the
	// database at the top of every batch").
	RefreshState(ctx context.Context, dst *sql.Tx) error

	// UnregisterConsumer detaches this node from the queue, called when a
	// table's copy worker exits after reaching ok.
	UnregisterConsumer(ctx context.Context) error

	// SetBatchThresholds controls pgq_min_count/pgq_min_interval-style
	// accumulation thresholds; the sync scheduler disables accumulation
	// while a do-sync hand-off is pending (spec.md §4.6.1) and restores
	// the previous values afterward.
	SetBatchThresholds(minCount int, minInterval float64)
	BatchThresholds() (minCount int, minInterval float64)

	// SetConsumerFilter installs the server-side boolean filter used by
	// local_only mode (spec.md §4.6: cascade/meta events, EXECUTE unless
	// local_only_drop_execute, and data events whose extra1 is local).
	SetConsumerFilter(sqlBoolExpr string)

	// NodeInfo returns this node's and its provider's cascaded-queue
	// metadata.
	NodeInfo(ctx context.Context) (NodeInfo, error)
}
