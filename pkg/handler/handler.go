// Package handler defines the per-table handler contract (C3): the
// polymorphic transform every replicated table is bound to, plus the
// name->factory registry and handler-name string format used to configure
// it. Concrete handlers live under pkg/handlers/*; this package only
// defines the contract, the registry, and a BaseHandler concrete handlers
// embed rather than inherit from.
package handler

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pingcap/errors"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/urlenc"
)

// BatchInfo frames one atomic window of events as seen by a handler.
type BatchInfo struct {
	TickID     int64
	PrevTickID int64
	BatchEnd   time.Time
}

// EmitFunc buffers a SQL statement for the current batch; the handler
// calls it zero or more times per event, and FinishBatch flushes whatever
// was buffered in a single round-trip.
type EmitFunc func(sql string) error

// Handler is the per-table transform contract from spec.md §4.3.
type Handler interface {
	// Add mutates the trigger argument list emitted when the table is
	// registered upstream (e.g. requesting a shard hash into extra3).
	Add(triggerArgs []string) []string

	// Reset drops any per-batch state; called once per batch before the
	// first event touching this table.
	Reset()

	// PrepareBatch is called on the first event of each batch that
	// touches this table.
	PrepareBatch(ctx context.Context, batch *BatchInfo, dst *sql.Tx) error

	// ProcessEvent transforms ev and calls emit zero or more times.
	ProcessEvent(ctx context.Context, ev *event.Event, emit EmitFunc, dst *sql.Tx) error

	// FinishBatch flushes buffered state to the subscriber.
	FinishBatch(ctx context.Context, batch *BatchInfo, dst *sql.Tx) error

	// RealCopy performs a single-stream bulk copy of the table, returning
	// bytes and rows transferred.
	RealCopy(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string) (int64, int64, error)

	// RealCopyThreaded performs a multi-process/goroutine bulk copy.
	RealCopyThreaded(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string, parallel int) (int64, int64, error)

	// GetCopyCondition returns an optional WHERE-fragment row filter
	// applied to both COPY and live replay.
	GetCopyCondition(ctx context.Context, src, dst *sql.DB) (string, error)

	// GetCopyEvent transforms or drops (returns nil) ev when a branch
	// node forwards it to its own downstream queue.
	GetCopyEvent(ev *event.Event, downstreamQueueName string) (*event.Event, error)

	// NeedsTable reports whether the destination must physically exist.
	NeedsTable() bool
}

// BaseHandler holds the fields every concrete handler needs and supplies
// default (no-op) implementations of the optional contract methods.
// Concrete handlers embed BaseHandler and override what they need —
// composition over the original's class hierarchy, per spec.md §9.
type BaseHandler struct {
	TableName string
	DestTable string
	Args      map[string]string
}

// NewBaseHandler builds a BaseHandler, defaulting DestTable to tableName
// when none is given.
func NewBaseHandler(tableName string, args map[string]string, destTable string) BaseHandler {
	if destTable == "" {
		destTable = tableName
	}
	return BaseHandler{TableName: tableName, DestTable: destTable, Args: args}
}

// GetArg returns a configured argument value and whether it was set.
func (b *BaseHandler) GetArg(key string) (string, bool) {
	v, ok := b.Args[key]
	return v, ok
}

// Add is a no-op by default: most handlers don't need extra trigger args.
func (b *BaseHandler) Add(triggerArgs []string) []string { return triggerArgs }

// Reset is a no-op by default.
func (b *BaseHandler) Reset() {}

// PrepareBatch is a no-op by default.
func (b *BaseHandler) PrepareBatch(context.Context, *BatchInfo, *sql.Tx) error { return nil }

// FinishBatch is a no-op by default.
func (b *BaseHandler) FinishBatch(context.Context, *BatchInfo, *sql.Tx) error { return nil }

// GetCopyCondition returns no filter by default.
func (b *BaseHandler) GetCopyCondition(context.Context, *sql.DB, *sql.DB) (string, error) {
	return "", nil
}

// GetCopyEvent passes the event through unchanged by default.
func (b *BaseHandler) GetCopyEvent(ev *event.Event, _ string) (*event.Event, error) {
	return ev, nil
}

// NeedsTable returns true by default; handlers whose destination is
// virtual (qtable, vtable, ...) override this to false.
func (b *BaseHandler) NeedsTable() bool { return true }

// checkArgs rejects any key in args not present in allowed, matching the
// original's doc-derived argument validation (spec.md §4.3: "argument
// validation rejects unknown keys").
func checkArgs(handlerName string, args map[string]string, allowed ...string) error {
	ok := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		ok[a] = true
	}
	var bad []string
	for k := range args {
		if !ok[k] {
			bad = append(bad, k)
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return errors.Errorf("handler %s: unknown argument(s): %s", handlerName, strings.Join(bad, ", "))
	}
	return nil
}

// CheckArgs is the exported form, used by pkg/handlers/* constructors.
func CheckArgs(handlerName string, args map[string]string, allowed ...string) error {
	return checkArgs(handlerName, args, allowed...)
}

// ParseName parses a handler string of the form "name" or
// "name(arg1=val1&arg2=val2)" into its name and argument map. As in the
// original, a comma-separated argument list is also accepted and
// normalized to '&' before decoding, for compatibility with
// hand-written config.
func ParseName(hstr string) (string, map[string]string, error) {
	name := hstr
	args := map[string]string{}

	pos := strings.Index(hstr, "(")
	if pos < 0 {
		return name, args, nil
	}
	if pos == 0 {
		return "", nil, errors.Errorf("handler: invalid handler format: %s", hstr)
	}
	if !strings.HasSuffix(hstr, ")") {
		return "", nil, errors.Errorf("handler: invalid handler format: %s", hstr)
	}
	name = hstr[:pos]
	astr := hstr[pos+1 : len(hstr)-1]
	if astr == "" {
		return name, args, nil
	}
	astr = strings.ReplaceAll(astr, ",", "&")
	m, err := urlenc.Decode(astr)
	if err != nil {
		return "", nil, errors.Errorf("handler: bad argument string in %q: %v", hstr, err)
	}
	return name, m, nil
}

// BuildName is the inverse of ParseName: it renders a handler name plus an
// "key=value" argument list (as collected from repeated --handler-arg
// flags) into the canonical "name(arg1=val1&arg2=val2)" wire string.
func BuildName(name string, arglist []string) (string, error) {
	if strings.Contains(name, "(") {
		return "", errors.Errorf("handler: invalid handler name: %s", name)
	}
	if len(arglist) == 0 {
		return name, nil
	}
	args, err := parseArgList(arglist)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s(%s)", name, urlenc.Encode(args)), nil
}

// parseArgList turns ["key=val", ...] into a map, rejecting duplicate keys.
func parseArgList(arglist []string) (map[string]string, error) {
	args := map[string]string{}
	for _, arg := range arglist {
		key, val, _ := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if _, dup := args[key]; dup {
			return nil, errors.Errorf("handler: multiple handler arguments: %s", key)
		}
		args[key] = strings.TrimSpace(val)
	}
	return args, nil
}

// Factory constructs a Handler bound to one table.
type Factory func(tableName string, args map[string]string, destTable string) (Handler, error)

// HandlerDoc is the introspection shape for show-handlers (spec.md §12
// supplemental feature).
type HandlerDoc struct {
	Name string
	Doc  string
}

// Registry maps handler names to factories. An unknown name at Build time
// is a fatal configuration error, per spec.md §4.3.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	docs      map[string]string
}

// NewRegistry returns an empty registry. The "londiste" vanilla handler is
// registered separately by an explicit call to pkg/handlers/vanilla's
// Register (cmd/londiste does this), matching the teacher's pattern of
// explicit wiring in main rather than package-level init magic.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		docs:      map[string]string{},
	}
}

// Register adds name -> factory to the registry. doc is a short
// description shown by show-handlers.
func (r *Registry) Register(name string, f Factory, doc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
	r.docs[name] = doc
}

// Build parses hstr (as produced by BuildName) and constructs the bound
// handler for tableName, defaulting destTable to tableName. An empty
// handler name defaults to "londiste" (the vanilla handler), matching the
// original's build_handler.
func (r *Registry) Build(tableName, hstr, destTable string) (Handler, error) {
	name, args, err := ParseName(hstr)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = "londiste"
	}

	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.Errorf("handler: unknown handler: %s", name)
	}
	return f(tableName, args, destTable)
}

// Describe lists registered handlers and their doc strings, sorted by
// name, for the show-handlers CLI verb.
func (r *Registry) Describe() []HandlerDoc {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HandlerDoc, 0, len(r.docs))
	for n, d := range r.docs {
		out = append(out, HandlerDoc{Name: n, Doc: d})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
