// Package shard implements the ShardHandler/PartHandler from spec.md §4.4:
// a row-apply handler that additionally filters events to only those whose
// key hashes into this node's shard.
//
// Unlike the original, shard info (shard_nr/shard_mask/shard_count) is not
// process-wide global state; it is owned per-Handler instance and loaded
// once lazily, on first use, from the ShardInfoResolver passed to New, per
// spec.md §9's
// guidance to stop using module-level globals for handler state.
package shard

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/handlers/vanilla"
)

// Name is the registry key; Part is kept as a deprecated alias, matching
// the original's PartHandler(ShardHandler) with handler_name = "part".
const (
	Name     = "shard"
	PartName = "part"
)

// DefaultHashExpr is the trigger-side hash expression template used when
// no explicit hash_expr argument is given.
const DefaultHashExpr = "partconf.get_hash_raw(%s)"

// ShardInfoResolver loads this node's shard assignment, normally backed by
// a `select shard_nr, shard_mask, shard_count from partconf.conf` query on
// the subscriber (spec.md §4.4).
type ShardInfoResolver interface {
	ShardInfo(ctx context.Context) (nr, mask, count int, err error)
}

// Handler wraps the vanilla row-apply handler with a shard filter. It is a
// decorator, not a subclass, per spec.md §9's composition-over-inheritance
// guidance for the TableHandler -> ShardHandler chain.
type Handler struct {
	handler.BaseHandler
	inner *vanilla.Handler

	key            string
	hashExpr       string
	disableReplay  bool

	resolver ShardInfoResolver
	loaded   bool
	nr, mask, count int
}

// New constructs the shard handler. Recognized args: key or hash_key
// (required, the trigger-side key column), hash_key (alias of key),
// hash_expr (default DefaultHashExpr applied to key), disable_replay=0|1.
func New(resolver ShardInfoResolver) handler.Factory {
	return func(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
		if err := handler.CheckArgs(Name, args, "key", "hash_key", "hash_expr", "disable_replay", "encoding", "ignore_truncate"); err != nil {
			return nil, err
		}
		if _, ok := args["encoding"]; ok {
			return nil, fmt.Errorf("shard: encoding validator not supported")
		}

		key := args["key"]
		if key == "" {
			key = args["hash_key"]
		}
		if key == "" {
			return nil, fmt.Errorf("shard: %s: key or hash_key argument is required", tableName)
		}

		hashExpr := args["hash_expr"]
		if hashExpr == "" {
			hashExpr = fmt.Sprintf(DefaultHashExpr, event.QuoteIdent(key))
		}

		innerAny, err := vanilla.New(tableName, filterArgs(args, "ignore_truncate"), destTable)
		if err != nil {
			return nil, err
		}

		return &Handler{
			BaseHandler:   handler.NewBaseHandler(tableName, args, destTable),
			inner:         innerAny.(*vanilla.Handler),
			key:           key,
			hashExpr:      hashExpr,
			disableReplay: args["disable_replay"] == "1",
			resolver:      resolver,
		}, nil
	}
}

func filterArgs(args map[string]string, keep ...string) map[string]string {
	out := map[string]string{}
	for _, k := range keep {
		if v, ok := args[k]; ok {
			out[k] = v
		}
	}
	return out
}

// Register wires shard (and its deprecated "part" alias) into r.
func Register(r *handler.Registry, resolver ShardInfoResolver) {
	f := New(resolver)
	r.Register(Name, f, "hash-sharded row-apply handler")
	r.Register(PartName, f, "deprecated alias of shard")
}

// Add appends the trigger argument asking the provider trigger to compute
// the shard hash into extra3, per spec.md §4.4.
func (h *Handler) Add(triggerArgs []string) []string {
	return append(triggerArgs, fmt.Sprintf("ev_extra3='hash='||%s", h.hashExpr))
}

// Reset clears nothing persistent; shard info is kept across batches once
// loaded, matching the original's "once per batch" caching intent without
// needing a process-global.
func (h *Handler) Reset() { h.inner.Reset() }

// PrepareBatch lazily loads shard info on first use.
func (h *Handler) PrepareBatch(ctx context.Context, batch *handler.BatchInfo, dst *sql.Tx) error {
	if !h.loaded {
		if err := h.loadShardInfo(ctx); err != nil {
			return err
		}
	}
	return h.inner.PrepareBatch(ctx, batch, dst)
}

func (h *Handler) loadShardInfo(ctx context.Context) error {
	if h.resolver == nil {
		return fmt.Errorf("shard: %s: no shard-info resolver configured", h.TableName)
	}
	nr, mask, count, err := h.resolver.ShardInfo(ctx)
	if err != nil {
		return fmt.Errorf("shard: %s: load shard info: %w", h.TableName, err)
	}
	if count != mask+1 {
		return fmt.Errorf("shard: %s: shard_count(%d) != shard_mask(%d)+1", h.TableName, count, mask)
	}
	if count&mask != 0 {
		return fmt.Errorf("shard: %s: shard_count(%d) & shard_mask(%d) != 0", h.TableName, count, mask)
	}
	if nr < 0 || nr >= count {
		return fmt.Errorf("shard: %s: shard_nr(%d) out of range [0,%d)", h.TableName, nr, count)
	}
	h.nr, h.mask, h.count = nr, mask, count
	h.loaded = true
	return nil
}

// isLocal decodes extra3's "hash=<int>" token and checks it against this
// node's (mask, nr).
func (h *Handler) isLocal(ev *event.Event) (bool, error) {
	hash, err := extractHash(ev.Extra3)
	if err != nil {
		return false, fmt.Errorf("shard: %s: event %d: %w", h.TableName, ev.ID, err)
	}
	return hash&h.mask == h.nr, nil
}

func extractHash(extra3 string) (int, error) {
	if extra3 == "" {
		return 0, fmt.Errorf("shard event without extra3 hash=")
	}
	for _, pair := range strings.Split(extra3, "&") {
		k, v, ok := strings.Cut(pair, "=")
		if ok && k == "hash" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("bad hash token %q: %w", v, err)
			}
			return n, nil
		}
	}
	return 0, fmt.Errorf("shard event without extra3 hash=")
}

// ProcessEvent filters out events for other shards, then delegates.
func (h *Handler) ProcessEvent(ctx context.Context, ev *event.Event, emit handler.EmitFunc, dst *sql.Tx) error {
	if !h.loaded {
		if err := h.loadShardInfo(ctx); err != nil {
			return err
		}
	}
	local, err := h.isLocal(ev)
	if err != nil {
		return err
	}
	if !local {
		return nil
	}
	return h.inner.ProcessEvent(ctx, ev, emit, dst)
}

// FinishBatch flushes the inner handler.
func (h *Handler) FinishBatch(ctx context.Context, batch *handler.BatchInfo, dst *sql.Tx) error {
	return h.inner.FinishBatch(ctx, batch, dst)
}

// GetCopyCondition builds a WHERE expression selecting only local-shard
// rows, so only those rows stream over the wire during initial copy.
func (h *Handler) GetCopyCondition(ctx context.Context, src, dst *sql.DB) (string, error) {
	if !h.loaded {
		if err := h.loadShardInfo(ctx); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("(%s & %d) = %d", h.hashExpr, h.mask, h.nr), nil
}

// GetCopyEvent drops foreign-shard events when forwarding to a branch
// node's own downstream queue.
func (h *Handler) GetCopyEvent(ev *event.Event, downstreamQueueName string) (*event.Event, error) {
	if !h.loaded {
		if err := h.loadShardInfo(context.Background()); err != nil {
			return nil, err
		}
	}
	local, err := h.isLocal(ev)
	if err != nil {
		return nil, err
	}
	if !local {
		return nil, nil
	}
	return h.inner.GetCopyEvent(ev, downstreamQueueName)
}

// RealCopy is a no-op when disable_replay is set; otherwise it copies only
// this shard's rows (via GetCopyCondition, applied by the caller/inner).
func (h *Handler) RealCopy(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string) (int64, int64, error) {
	if h.disableReplay {
		return 0, 0, nil
	}
	cond, err := h.GetCopyCondition(ctx, src, dst)
	if err != nil {
		return 0, 0, err
	}
	return h.inner.RealCopyWithCondition(ctx, srcTable, src, dst, columns, cond)
}

// RealCopyThreaded mirrors RealCopy's disable_replay short-circuit.
func (h *Handler) RealCopyThreaded(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string, parallel int) (int64, int64, error) {
	if h.disableReplay {
		return 0, 0, nil
	}
	cond, err := h.GetCopyCondition(ctx, src, dst)
	if err != nil {
		return 0, 0, err
	}
	_ = parallel // vanilla's inner degrades a threaded request to single-stream; see its doc comment
	return h.inner.RealCopyWithCondition(ctx, srcTable, src, dst, columns, cond)
}

// NeedsTable delegates to the inner handler.
func (h *Handler) NeedsTable() bool { return h.inner.NeedsTable() }
