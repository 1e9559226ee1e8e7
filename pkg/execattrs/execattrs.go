// Package execattrs parses and serializes the Local-*/Need-* meta-comment
// headers carried on EXECUTE events, and decides whether a given DDL
// statement needs to run against the local node.
//
// The header lives as a block of "--*--" prefixed comment lines at the top
// of the SQL file, e.g.:
//
//	--*-- Local-Table: orders
//	--*-- Need-Function: public.some_func(2)
//
// Parsing stops at the first non-comment line. The same data also travels
// on the queue as a urlencoded string for nodes that never see the raw SQL.
package execattrs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/block/londiste/pkg/urlenc"
)

// MetaPrefix marks a meta-comment line in EXECUTE SQL.
const MetaPrefix = "--*--"

// metaSplitLine is the column at which ToSQL wraps a long value list onto a
// continuation line, matching the provider's line-wrapping convention.
const metaSplitLine = 70

// DefaultSchema is used to fully-qualify a bare object name, matching the
// upstream convention of defaulting to the "public" schema.
const DefaultSchema = "public"

// Resolver answers existence checks against the local database for the
// Need-* matchers and for Local-Destination, which also checks that the
// mapped destination table exists. Local-Table and Local-Sequence are
// satisfied purely from the local table/sequence maps passed to NeedExecute.
type Resolver interface {
	TableExists(ctx context.Context, fqname string) (bool, error)
	SequenceExists(ctx context.Context, fqname string) (bool, error)
	SchemaExists(ctx context.Context, name string) (bool, error)
	FunctionExists(ctx context.Context, fqname string, nargs int) (bool, error)
	ViewExists(ctx context.Context, fqname string) (bool, error)
}

// matcher is one Local-*/Need-* header key and its matching rule.
type matcher struct {
	niceName   string
	localRename bool
	match      func(ctx context.Context, objname string, r Resolver, tables, seqs map[string]string) (bool, error)
}

func (m matcher) key() string { return strings.ToLower(m.niceName) }

// metaMatchers lists every supported key, in the order they are probed and
// the order ToSQL renders them. Order matters: it is part of the wire
// contract reproduced by the round-trip tests.
var metaMatchers = []matcher{
	{
		niceName:    "Local-Table",
		localRename: true,
		match: func(_ context.Context, objname string, _ Resolver, tables, _ map[string]string) (bool, error) {
			_, ok := tables[objname]
			return ok, nil
		},
	},
	{
		niceName:    "Local-Sequence",
		localRename: true,
		match: func(_ context.Context, objname string, _ Resolver, _, seqs map[string]string) (bool, error) {
			_, ok := seqs[objname]
			return ok, nil
		},
	},
	{
		niceName:    "Local-Destination",
		localRename: true,
		match: func(ctx context.Context, objname string, r Resolver, tables, _ map[string]string) (bool, error) {
			dest, ok := tables[objname]
			if !ok {
				return false, nil
			}
			if r == nil {
				return false, fmt.Errorf("execattrs: Local-Destination needs a resolver")
			}
			return r.TableExists(ctx, dest)
		},
	},
	{
		niceName: "Need-Table",
		match: func(ctx context.Context, objname string, r Resolver, _, _ map[string]string) (bool, error) {
			if r == nil {
				return false, fmt.Errorf("execattrs: Need-Table needs a resolver")
			}
			return r.TableExists(ctx, objname)
		},
	},
	{
		niceName: "Need-Sequence",
		match: func(ctx context.Context, objname string, r Resolver, _, _ map[string]string) (bool, error) {
			if r == nil {
				return false, fmt.Errorf("execattrs: Need-Sequence needs a resolver")
			}
			return r.SequenceExists(ctx, objname)
		},
	},
	{
		niceName: "Need-Function",
		match: func(ctx context.Context, objname string, r Resolver, _, _ map[string]string) (bool, error) {
			if r == nil {
				return false, fmt.Errorf("execattrs: Need-Function needs a resolver")
			}
			name, nargs := splitFuncArgs(objname)
			return r.FunctionExists(ctx, name, nargs)
		},
	},
	{
		niceName: "Need-Schema",
		match: func(ctx context.Context, objname string, r Resolver, _, _ map[string]string) (bool, error) {
			if r == nil {
				return false, fmt.Errorf("execattrs: Need-Schema needs a resolver")
			}
			return r.SchemaExists(ctx, objname)
		},
	},
	{
		niceName: "Need-View",
		match: func(ctx context.Context, objname string, r Resolver, _, _ map[string]string) (bool, error) {
			if r == nil {
				return false, fmt.Errorf("execattrs: Need-View needs a resolver")
			}
			return r.ViewExists(ctx, objname)
		},
	},
}

var metaKeys = func() map[string]matcher {
	m := make(map[string]matcher, len(metaMatchers))
	for _, mm := range metaMatchers {
		m[mm.key()] = mm
	}
	return m
}()

// splitFuncArgs turns "pkg.func(2)" into ("pkg.func", 2); a name with no
// argument count parses as 0 args.
func splitFuncArgs(objname string) (string, int) {
	open := strings.Index(objname, "(")
	if open <= 0 {
		return objname, 0
	}
	closeIdx := strings.Index(objname, ")")
	if closeIdx <= open {
		return objname, 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(objname[open+1 : closeIdx]))
	if err != nil {
		return objname, 0
	}
	return objname[:open], n
}

// FQName fully qualifies a bare object name with DefaultSchema.
func FQName(name string) string {
	if strings.Contains(name, ".") {
		return name
	}
	return DefaultSchema + "." + name
}

// ExecAttrs is the parsed set of Local-*/Need-* headers for one EXECUTE
// statement.
type ExecAttrs struct {
	attrs map[string][]string
}

// New returns an empty container.
func New() *ExecAttrs {
	return &ExecAttrs{attrs: map[string][]string{}}
}

// ParseSQL builds a container from an EXECUTE statement's meta-comments.
func ParseSQL(sql string) (*ExecAttrs, error) {
	a := New()
	if err := a.ParseSQL(sql); err != nil {
		return nil, err
	}
	return a, nil
}

// ParseURLEnc builds a container from the urlencoded wire form.
func ParseURLEnc(s string) (*ExecAttrs, error) {
	a := New()
	if err := a.ParseURLEnc(s); err != nil {
		return nil, err
	}
	return a, nil
}

// AddValue appends a value to key, validating the key against the known
// meta-matchers.
func (a *ExecAttrs) AddValue(k, v string) error {
	xk := strings.ToLower(strings.TrimSpace(k))
	if _, ok := metaKeys[xk]; !ok {
		return fmt.Errorf("execattrs: invalid key: %s", k)
	}
	a.attrs[xk] = append(a.attrs[xk], strings.TrimSpace(v))
	return nil
}

// GetAttr returns the values stored for key, or nil if the key is unset.
func (a *ExecAttrs) GetAttr(k string) ([]string, error) {
	xk := strings.ToLower(strings.TrimSpace(k))
	if _, ok := metaKeys[xk]; !ok {
		return nil, fmt.Errorf("execattrs: invalid key requested: %s", k)
	}
	return a.attrs[xk], nil
}

// ToURLEnc serializes the container to the queue's urlencoded wire form,
// one comma-joined value list per key.
func (a *ExecAttrs) ToURLEnc() string {
	m := make(map[string]string, len(a.attrs))
	for k, v := range a.attrs {
		m[k] = strings.Join(v, ",")
	}
	return urlenc.Encode(m)
}

// ParseURLEnc adds values parsed from the urlencoded wire form to the
// current container.
func (a *ExecAttrs) ParseURLEnc(s string) error {
	m, err := urlenc.Decode(s)
	if err != nil {
		return fmt.Errorf("execattrs: bad urlencoded attrs: %w", err)
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := m[k]
		if v == "" {
			continue
		}
		for _, v1 := range strings.Split(v, ",") {
			if err := a.AddValue(k, v1); err != nil {
				return err
			}
		}
	}
	return nil
}

// ToSQL renders the container as "--*--" meta-comment lines, wrapping long
// value lists at metaSplitLine columns with a continuation line.
func (a *ExecAttrs) ToSQL() string {
	var lines []string
	for _, m := range metaMatchers {
		vlist, ok := a.attrs[m.key()]
		if !ok {
			continue
		}
		ln := fmt.Sprintf("%s %s: ", MetaPrefix, m.niceName)
		start := 0
		for nr, v := range vlist {
			if nr > start {
				ln += ", " + v
			} else {
				ln += v
			}
			if len(ln) >= metaSplitLine && nr < len(vlist)-1 {
				ln += ","
				lines = append(lines, ln)
				ln = MetaPrefix + "     "
				start = nr + 1
			}
		}
		lines = append(lines, ln)
	}
	return strings.Join(lines, "\n")
}

// ParseSQL parses the "--*--" meta-comment block at the top of sql, adding
// values to the current container. Parsing stops at the first line that
// isn't a comment.
func (a *ExecAttrs) ParseSQL(sql string) error {
	var curKey string
	curContinued := false
	for _, rawLn := range strings.Split(sql, "\n") {
		ln := strings.TrimSpace(rawLn)
		if ln == "" {
			continue
		}
		if !strings.HasPrefix(ln, "--") {
			break
		}
		if !strings.HasPrefix(ln, MetaPrefix) {
			continue
		}
		ln = strings.TrimSpace(ln[len(MetaPrefix):])
		if ln == "" {
			continue
		}

		if curContinued {
			for _, v := range strings.Split(ln, ",") {
				v = strings.TrimSpace(v)
				if v != "" && curKey != "" {
					if err := a.AddValue(curKey, v); err != nil {
						return err
					}
				}
			}
			if !strings.HasSuffix(ln, ",") {
				curKey = ""
				curContinued = false
			}
			continue
		}

		pos := strings.Index(ln, ":")
		if pos < 0 {
			continue
		}
		k := strings.TrimSpace(ln[:pos])
		for _, v := range strings.Split(ln[pos+1:], ",") {
			v = strings.TrimSpace(v)
			if v == "" {
				continue
			}
			if err := a.AddValue(k, v); err != nil {
				return err
			}
		}
		if strings.HasSuffix(ln, ",") {
			curKey = k
			curContinued = true
		} else {
			curKey = ""
			curContinued = false
		}
	}
	return nil
}

// NeedExecute decides whether sql carrying these attrs should run locally.
// With no attrs at all, it always runs. Otherwise every referenced object is
// probed against localTables/localSeqs (for Local-*) or resolver (for
// Need-*); a clean match (every reference resolves) runs the statement, a
// clean miss (none resolve) skips it, and a partial match is a fatal
// inconsistency between local setup and the EXECUTE's assumptions.
func (a *ExecAttrs) NeedExecute(ctx context.Context, r Resolver, localTables, localSeqs map[string]string) (bool, error) {
	if len(a.attrs) == 0 {
		return true, nil
	}

	matched, missed := 0, 0
	var goodList, missList []string
	for _, m := range metaMatchers {
		vlist, ok := a.attrs[m.key()]
		if !ok {
			continue
		}
		for _, v := range vlist {
			fqname := FQName(v)
			ok, err := m.match(ctx, fqname, r, localTables, localSeqs)
			if err != nil {
				return false, err
			}
			if ok {
				matched++
				goodList = append(goodList, v)
			} else {
				missed++
				missList = append(missList, v)
			}
		}
	}

	switch {
	case matched > 0 && missed == 0:
		return true, nil
	case missed > 0 && matched == 0:
		return false, nil
	case matched == 0 && missed == 0:
		return true, nil
	default:
		return false, fmt.Errorf("execattrs: SQL only partially matches local setup: matches=%v misses=%v", goodList, missList)
	}
}

// ProcessSQL replaces "@name@" placeholder tags in sql with the quoted
// local name of the referenced table or sequence.
func (a *ExecAttrs) ProcessSQL(sql string, localTables, localSeqs map[string]string) (string, error) {
	keys := make([]string, 0, len(a.attrs))
	for k := range a.attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		m, ok := metaKeys[k]
		if !ok || !m.localRename {
			continue
		}
		for _, v := range a.attrs[k] {
			repName := "@" + v + "@"
			fqname := FQName(v)
			var localName string
			if n, ok := localTables[fqname]; ok {
				localName = n
			} else if n, ok := localSeqs[fqname]; ok {
				localName = n
			} else {
				return "", fmt.Errorf("execattrs: bug: lost table: %s", v)
			}
			sql = strings.ReplaceAll(sql, repName, quoteFQIdent(localName))
		}
	}
	return sql, nil
}

func quoteFQIdent(name string) string {
	parts := strings.SplitN(name, ".", 2)
	if len(parts) == 1 {
		return quoteIdent(parts[0])
	}
	return quoteIdent(parts[0]) + "." + quoteIdent(parts[1])
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}
