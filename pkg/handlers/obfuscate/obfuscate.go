// Package obfuscate implements the Obfuscator handler from spec.md §4.4:
// a YAML rule map (one entry per column, recursing into JSON-valued
// columns) drives per-column actions — keep the value untouched, drop it
// entirely, collapse it to a boolean "was it set", or replace it with a
// keyed BLAKE2s digest at one of three output widths.
package obfuscate

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/crypto/blake2s"
	"gopkg.in/yaml.v3"

	"github.com/block/londiste/pkg/event"
	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/handlers/vanilla"
	"github.com/block/londiste/pkg/urlenc"
)

// Name is the registration name for the obfuscator handler.
const Name = "obfuscate"

// Action names a column's obfuscation rule.
type Action string

const (
	ActionKeep   Action = "keep"
	ActionSkip   Action = "skip"
	ActionBool   Action = "bool"
	ActionHash32 Action = "hash32"
	ActionHash64 Action = "hash64"
	ActionHash   Action = "hash"
)

// ColumnRule is one YAML entry: a column's action, plus for JSON-valued
// columns a nested rule set applied recursively to its decoded object.
type ColumnRule struct {
	Action Action                 `yaml:"action"`
	Fields map[string]ColumnRule  `yaml:"fields,omitempty"`
}

// RuleSet is the parsed YAML document: column name -> rule.
type RuleSet map[string]ColumnRule

// LoadRules parses a YAML rule document of the form:
//
//	columns:
//	  ssn: {action: hash}
//	  email: {action: hash64}
//	  profile:
//	    action: keep
//	    fields:
//	      password: {action: skip}
func LoadRules(data []byte) (RuleSet, error) {
	var doc struct {
		Columns RuleSet `yaml:"columns"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("obfuscate: parse rules: %w", err)
	}
	return doc.Columns, nil
}

// LoadRulesFile reads and parses a rule document from path.
func LoadRulesFile(path string) (RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("obfuscate: read rules: %w", err)
	}
	return LoadRules(data)
}

// Handler obfuscates selected columns before applying each row event,
// delegating actual row SQL generation to an embedded vanilla handler.
type Handler struct {
	handler.BaseHandler
	rules  RuleSet
	key    []byte
	copier *vanilla.Handler
}

// New binds an obfuscator to rules (the per-column action map) and key
// (the BLAKE2s key mixed into every hash action, so the same cleartext
// hashes differently across deployments). Recognized args: none beyond
// the handler contract's own table/dest_table — the rule set and key are
// supplied programmatically, not via the handler-name argument string,
// since they are binary/structured data rather than short scalar
// configuration.
func New(rules RuleSet, key []byte) handler.Factory {
	return func(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
		if err := handler.CheckArgs(Name, args); err != nil {
			return nil, err
		}
		copier, err := vanilla.New(tableName, nil, destTable)
		if err != nil {
			return nil, err
		}
		return &Handler{
			BaseHandler: handler.NewBaseHandler(tableName, args, destTable),
			rules:       rules,
			key:         key,
			copier:      copier.(*vanilla.Handler),
		}, nil
	}
}

// Register wires the obfuscator into r.
func Register(r *handler.Registry, rules RuleSet, key []byte) {
	r.Register(Name, New(rules, key), "applies column-level obfuscation rules before replay")
}

// ProcessEvent obfuscates the row's columns per h.rules, then emits the
// resulting I/U/D statement exactly as vanilla would have for the
// unmodified row.
func (h *Handler) ProcessEvent(_ context.Context, ev *event.Event, emit handler.EmitFunc, _ *sql.Tx) error {
	dt, err := event.ParseType(ev.Type)
	if err != nil {
		return fmt.Errorf("obfuscate: %s: %w", h.TableName, err)
	}
	if dt.IsSQLEvent {
		return emit(ev.Data)
	}
	row, err := event.DecodeRow(ev.Data, dt.Pkey)
	if err != nil {
		return fmt.Errorf("obfuscate: %s: %w", h.TableName, err)
	}
	if err := h.obfuscateRow(row); err != nil {
		return fmt.Errorf("obfuscate: %s: %w", h.TableName, err)
	}
	sqlText, err := event.MkSQL(dt.Op, row, h.DestTable)
	if err != nil {
		return fmt.Errorf("obfuscate: %s: %w", h.TableName, err)
	}
	return emit(sqlText)
}

// GetCopyEvent overrides BaseHandler's pass-through: a branch node
// forwarding this table's events to a downstream queue must never leak
// cleartext for an obfuscated column, so the row is decoded, run through
// the same h.rules as steady-state replay, and re-encoded into the same
// wire format (urlencoded or JSON) ev.Data arrived in (spec.md §4.4:
// "get_copy_event must re-encode the transformed row back into the same
// wire format so downstream consumers see only obfuscated data").
// Non-row events (EXECUTE, truncate, meta) have no row payload to
// obfuscate and pass through unchanged.
func (h *Handler) GetCopyEvent(ev *event.Event, _ string) (*event.Event, error) {
	dt, err := event.ParseType(ev.Type)
	if err != nil || dt.IsSQLEvent {
		return ev, nil
	}
	row, err := event.DecodeRow(ev.Data, dt.Pkey)
	if err != nil {
		return nil, fmt.Errorf("obfuscate: %s: get copy event: %w", h.TableName, err)
	}
	if err := h.obfuscateRow(row); err != nil {
		return nil, fmt.Errorf("obfuscate: %s: get copy event: %w", h.TableName, err)
	}
	data, err := encodeRowLikeWire(ev.Data, row)
	if err != nil {
		return nil, fmt.Errorf("obfuscate: %s: get copy event: re-encode: %w", h.TableName, err)
	}
	out := *ev
	out.Data = data
	return &out, nil
}

// encodeRowLikeWire re-encodes row in whatever format original was in
// (JSON object vs. urlencoded key=value pairs), auto-detected the same
// way event.DecodeRow auto-detects on decode: a leading '{' means JSON.
func encodeRowLikeWire(original string, row *event.Row) (string, error) {
	if len(original) > 0 && original[0] == '{' {
		encoded, err := json.Marshal(row.Values)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
	return urlenc.EncodeNullable(row.Values), nil
}

func (h *Handler) obfuscateRow(row *event.Row) error {
	for col, rule := range h.rules {
		v, present := row.Values[col]
		if !present {
			continue
		}
		nv, err := h.applyRule(rule, v)
		if err != nil {
			return fmt.Errorf("column %s: %w", col, err)
		}
		row.Values[col] = nv
	}
	return nil
}

func (h *Handler) applyRule(rule ColumnRule, v *string) (*string, error) {
	switch rule.Action {
	case "", ActionKeep:
		if len(rule.Fields) > 0 {
			return h.applyJSONRule(rule, v)
		}
		return v, nil
	case ActionSkip:
		return nil, nil
	case ActionBool:
		return boolStr(v != nil && *v != ""), nil
	case ActionHash32:
		return h.hashed(v, 4)
	case ActionHash64:
		return h.hashed(v, 8)
	case ActionHash:
		return h.hashed(v, 16)
	default:
		if len(rule.Fields) > 0 {
			return h.applyJSONRule(rule, v)
		}
		return nil, fmt.Errorf("unknown obfuscate action %q", rule.Action)
	}
}

// applyJSONRule recurses into a JSON-object-valued column, applying
// rule.Fields to its decoded keys.
func (h *Handler) applyJSONRule(rule ColumnRule, v *string) (*string, error) {
	if v == nil {
		return nil, nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(*v), &obj); err != nil {
		return nil, fmt.Errorf("nested json decode: %w", err)
	}
	for field, sub := range rule.Fields {
		raw, ok := obj[field]
		if !ok {
			continue
		}
		var s string
		// Unquote a JSON string value; non-string values pass through the
		// hash/bool actions as their raw JSON text.
		if err := json.Unmarshal(raw, &s); err != nil {
			s = string(raw)
		}
		nv, err := h.applyRule(sub, &s)
		if err != nil {
			return nil, fmt.Errorf("nested field %s: %w", field, err)
		}
		if nv == nil {
			delete(obj, field)
			continue
		}
		encoded, err := json.Marshal(*nv)
		if err != nil {
			return nil, err
		}
		obj[field] = encoded
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	s := string(out)
	return &s, nil
}

// hashed returns the first truncateTo bytes of the keyed BLAKE2s digest of
// *v, hex-encoded. truncateTo=16 (the "hash" action) additionally formats
// the result as a variant-0 UUID string, matching the most recent
// Obfuscator variant named in spec.md §4.4/§9.
func (h *Handler) hashed(v *string, truncateTo int) (*string, error) {
	if v == nil {
		return nil, nil
	}
	mac, err := blake2s.New256(h.key)
	if err != nil {
		return nil, fmt.Errorf("blake2s: %w", err)
	}
	mac.Write([]byte(*v))
	sum := mac.Sum(nil)[:truncateTo]
	var out string
	if truncateTo == 16 {
		out = uuidString(sum)
	} else {
		out = hex.EncodeToString(sum)
	}
	return &out, nil
}

func uuidString(b []byte) string {
	// Variant-0 UUID formatting: no version/variant bits forced, the raw
	// 16 hash bytes are simply grouped 8-4-4-4-12.
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

func boolStr(b bool) *string {
	s := "f"
	if b {
		s = "t"
	}
	return &s
}

// NeedsTable is true: the obfuscator still replicates into a real
// destination table, just with transformed values.
func (h *Handler) NeedsTable() bool { return true }

// RealCopy streams source rows through the same obfuscation rules applied
// to row events, so an initial bulk copy is never less redacted than
// steady-state replay.
func (h *Handler) RealCopy(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string) (int64, int64, error) {
	return copyObfuscated(ctx, h, srcTable, src, dst, columns, "")
}

// RealCopyThreaded degrades to RealCopy: obfuscation has no natural
// parallel-split key beyond what shard/dispatch already provide.
func (h *Handler) RealCopyThreaded(ctx context.Context, srcTable string, src, dst *sql.DB, columns []string, _ int) (int64, int64, error) {
	return h.RealCopy(ctx, srcTable, src, dst, columns)
}

func copyObfuscated(ctx context.Context, h *Handler, srcTable string, src, dst *sql.DB, columns []string, cond string) (int64, int64, error) {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = event.QuoteIdent(c)
	}
	colList := ""
	for i, c := range quoted {
		if i > 0 {
			colList += ", "
		}
		colList += c
	}
	q := fmt.Sprintf("SELECT %s FROM %s", colList, event.QuoteFQIdent(srcTable))
	if cond != "" {
		q += " WHERE " + cond
	}
	rows, err := src.QueryContext(ctx, q)
	if err != nil {
		return 0, 0, fmt.Errorf("obfuscate: copy select: %w", err)
	}
	defer rows.Close()

	var totalRows, totalBytes int64
	vals := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return 0, 0, fmt.Errorf("obfuscate: copy scan: %w", err)
		}
		row := &event.Row{Columns: columns, Values: map[string]*string{}}
		for i, c := range columns {
			row.Values[c] = literalOf(vals[i])
		}
		if err := h.obfuscateRow(row); err != nil {
			return 0, 0, fmt.Errorf("obfuscate: copy: %w", err)
		}
		sqlText, err := event.MkInsertSQL(row, h.DestTable)
		if err != nil {
			return 0, 0, err
		}
		if _, err := dst.ExecContext(ctx, sqlText); err != nil {
			return 0, 0, fmt.Errorf("obfuscate: copy insert: %w", err)
		}
		totalBytes += int64(len(sqlText))
		totalRows++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	return totalBytes, totalRows, nil
}

func literalOf(v any) *string {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok {
		s := string(b)
		return &s
	}
	s := fmt.Sprintf("%v", v)
	return &s
}
