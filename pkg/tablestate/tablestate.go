// Package tablestate implements C5: the per-table state machine shared by
// the replay worker and copy worker, its snapshot/attrs parsing, and the
// transition rules each worker is allowed to perform.
package tablestate

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/urlenc"
)

// State is one point in the table lifecycle: missing -> in-copy ->
// catching-up -> wanna-sync <-> do-sync -> ok, with ok -> in-copy
// reachable only via an explicit resync (spec.md §3).
type State int

const (
	Missing State = iota
	InCopy
	CatchingUp
	WannaSync
	DoSync
	OK
)

func (s State) String() string {
	switch s {
	case Missing:
		return "missing"
	case InCopy:
		return "in-copy"
	case CatchingUp:
		return "catching-up"
	case WannaSync:
		return "wanna-sync"
	case DoSync:
		return "do-sync"
	case OK:
		return "ok"
	default:
		return "?"
	}
}

// CopyRole coordinates multiple source queues merging into one
// destination table during a partition-merge copy. Per spec.md §9 these
// are treated as an opaque gate on copy-worker progress, never arbitrated
// locally.
type CopyRole int

const (
	RoleNone CopyRole = iota
	RoleLead
	RoleWaitReplay
	RoleWaitCopy
)

func (r CopyRole) String() string {
	switch r {
	case RoleLead:
		return "lead"
	case RoleWaitReplay:
		return "wait-replay"
	case RoleWaitCopy:
		return "wait-copy"
	default:
		return "none"
	}
}

// ParseMergeState maps the provider RPC's merge_state strings to State plus
// an optional sync tick, per spec.md §4.5: "in-copy", "catching-up", "ok",
// "?" (treated as missing), null, "wanna-sync:<tick>", "do-sync:<tick>".
func ParseMergeState(s string) (State, int64, error) {
	switch {
	case s == "" || s == "?":
		return Missing, 0, nil
	case s == "in-copy":
		return InCopy, 0, nil
	case s == "catching-up":
		return CatchingUp, 0, nil
	case s == "ok":
		return OK, 0, nil
	case strings.HasPrefix(s, "wanna-sync:"):
		tick, err := parseTick(s, "wanna-sync:")
		return WannaSync, tick, err
	case strings.HasPrefix(s, "do-sync:"):
		tick, err := parseTick(s, "do-sync:")
		return DoSync, tick, err
	default:
		return Missing, 0, fmt.Errorf("tablestate: unknown merge_state: %q", s)
	}
}

func parseTick(s, prefix string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimPrefix(s, prefix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("tablestate: bad tick in merge_state %q: %w", s, err)
	}
	return n, nil
}

// MergeState is the inverse of ParseMergeState, the form persisted back to
// the provider RPC.
func (s State) MergeState(syncTick int64) string {
	switch s {
	case WannaSync:
		return fmt.Sprintf("wanna-sync:%d", syncTick)
	case DoSync:
		return fmt.Sprintf("do-sync:%d", syncTick)
	case Missing:
		return "?"
	default:
		return s.String()
	}
}

// Writer identifies which worker is attempting a transition, so illegal
// cross-worker writes can be rejected per spec.md §3's invariant.
type Writer int

const (
	MainWorker Writer = iota
	CopyWorker
)

// legalTransitions enumerates the transitions each writer may perform.
// Resync (ok -> in-copy) is handled separately by Table.Resync, since it's
// operator-triggered rather than part of the worker hand-off protocol.
var legalTransitions = map[Writer]map[State][]State{
	MainWorker: {
		Missing:   {InCopy},
		WannaSync: {DoSync},
		DoSync:    {OK},
	},
	CopyWorker: {
		InCopy:     {CatchingUp},
		CatchingUp: {WannaSync},
	},
}

// TableAttrs are the recognized urlencoded table_attrs keys (spec.md §3).
type TableAttrs struct {
	Handler         string
	CopyNode        string
	SkipTruncate    bool
	MaxParallelCopy int
}

// ParseTableAttrs decodes the urlencoded table_attrs blob. The legacy
// "handlers" key is accepted as an alias of "handler".
func ParseTableAttrs(s string) (TableAttrs, error) {
	var a TableAttrs
	if s == "" {
		return a, nil
	}
	m, err := urlenc.Decode(s)
	if err != nil {
		return a, fmt.Errorf("tablestate: bad table_attrs: %w", err)
	}
	a.Handler = m["handler"]
	if a.Handler == "" {
		a.Handler = m["handlers"]
	}
	a.CopyNode = m["copy_node"]
	a.SkipTruncate = m["skip_truncate"] == "1"
	if v, ok := m["max_parallel_copy"]; ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return a, fmt.Errorf("tablestate: bad max_parallel_copy: %w", err)
		}
		a.MaxParallelCopy = n
	}
	return a, nil
}

// Encode serializes back to the urlencoded wire form.
func (a TableAttrs) Encode() string {
	m := map[string]string{}
	if a.Handler != "" {
		m["handler"] = a.Handler
	}
	if a.CopyNode != "" {
		m["copy_node"] = a.CopyNode
	}
	if a.SkipTruncate {
		m["skip_truncate"] = "1"
	}
	if a.MaxParallelCopy != 0 {
		m["max_parallel_copy"] = strconv.Itoa(a.MaxParallelCopy)
	}
	return urlenc.Encode(m)
}

// Table is one row of per-table state, shared in memory by the worker
// driving the current batch. Changed tracks whether it must be persisted
// before the next batch commit (spec.md §3).
type Table struct {
	Name       string
	DestTable  string
	State      State
	StrSnapshot string

	SyncTickID       int64
	LastSnapshotTick int64
	LastTick         int64
	OKBatchCount     int

	Attrs    TableAttrs
	CopyRole CopyRole
	DroppedDDL []string
	CopyPos    string

	MaxParallelCopy int

	Plugin handler.Handler

	Changed bool
}

// NewTable constructs a freshly added table in Missing state, per
// add-table's contract (spec.md §4.9).
func NewTable(name, destTable string) *Table {
	if destTable == "" {
		destTable = name
	}
	return &Table{Name: name, DestTable: destTable, State: Missing, Changed: true}
}

// Transition validates and applies state per spec.md §3's invariant that
// each writer may only assign specific transitions, then marks Changed.
func (t *Table) Transition(w Writer, next State, syncTick int64) error {
	allowed := legalTransitions[w][t.State]
	ok := false
	for _, s := range allowed {
		if s == next {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("tablestate: %s: illegal transition %s -> %s by %v", t.Name, t.State, next, w)
	}
	t.State = next
	if next == WannaSync || next == DoSync {
		t.SyncTickID = syncTick
	} else {
		t.SyncTickID = 0
	}
	t.Changed = true
	return nil
}

// Resync is the operator-triggered ok -> in-copy transition (the one
// exception to the monotone lifecycle named in spec.md §3).
func (t *Table) Resync() error {
	if t.State != OK {
		return fmt.Errorf("tablestate: %s: resync only valid from ok, got %s", t.Name, t.State)
	}
	t.State = InCopy
	t.StrSnapshot = ""
	t.Changed = true
	return nil
}

// HasSnapshot reports whether StrSnapshot should currently be non-empty,
// per spec.md §3's invariant ("non-null iff state in {in-copy,
// catching-up, wanna-sync, do-sync} or the short window after ok before
// GC clears it").
func (t *Table) HasSnapshot() bool {
	switch t.State {
	case InCopy, CatchingUp, WannaSync, DoSync:
		return true
	default:
		return t.StrSnapshot != ""
	}
}

// MaybeGCSnapshot clears StrSnapshot once a table in ok state has gone
// okStableBatches consecutive batches without an event inside the
// snapshot window (spec.md §4.6 event dispatch: "After 3 consecutive
// batches... clear the snapshot").
const okStableBatches = 3

func (t *Table) MaybeGCSnapshot(sawInterestingEvent bool) {
	if t.State != OK || t.StrSnapshot == "" {
		return
	}
	if sawInterestingEvent {
		t.OKBatchCount = 0
		return
	}
	t.OKBatchCount++
	if t.OKBatchCount >= okStableBatches {
		t.StrSnapshot = ""
		t.OKBatchCount = 0
		t.Changed = true
	}
}
