package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/siddontang/loggers"

	"github.com/block/londiste/pkg/event"
)

// PkeyColumnLister extends ColumnLister with primary-key lookup, needed
// to order the common-column list (pkeys first) and to fail fast on a
// pkey mismatch (spec.md §4.8: "pkeys must match exactly; otherwise
// fatal").
type PkeyColumnLister interface {
	ColumnLister
	TablePkeys(ctx context.Context, db *sql.DB, tableName string) ([]string, error)
}

// ApplyExecer executes a fix statement directly against the subscriber,
// used only when Repairer.Apply is set. showFix sends each statement as
// is; no session replication role is set before it runs.
type ApplyExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Repairer walks both tables in primary-key order and emits fix
// statements for rows missing on one side or differing on the other
// (spec.md §4.8 "Repair").
//
// The original shells out to external `sort` over COPY-dumped files
// (spec.md §9 Design Note). This dialect already replaced COPY streaming
// with plain SELECT/Scan (pkg/handlers/vanilla.copyRows's "no native COPY
// protocol available" rationale), so each side is asked to ORDER BY its
// pkey columns cast to BINARY (byte order, the order cmpKeys compares
// in) and the two `*sql.Rows` cursors are merge-scanned in Go: the same
// diff algorithm with no subprocess and no scratch files. Sorting on the
// cast does not use the pkey index.
type Repairer struct {
	Log loggers.Advanced

	Columns PkeyColumnLister

	// Where optionally restricts both sides to the same row filter (the
	// handler's copy condition plus --repair-where, already joined by
	// the caller).
	Where string

	// Apply, when set, executes fixes directly instead of writing
	// fix.<table>.sql.
	Apply   bool
	Applier ApplyExecer

	fixWriter        func(tableName, stmt string) error
	fixFileTruncated map[string]bool

	pkeyList     []string
	commonFields []string

	insertCount, updateCount, deleteCount int
}

// Repair implements ProcessSync for Syncer.Run.
func (r *Repairer) Repair(ctx context.Context, srcTable, dstTable string, srcDB, dstDB *sql.DB) (int, error) {
	if err := r.loadCommonColumns(ctx, srcTable, dstTable, srcDB, dstDB); err != nil {
		return 0, err
	}

	srcRows, err := r.orderedSelect(ctx, srcDB, srcTable)
	if err != nil {
		return 0, fmt.Errorf("syncer: repair: %s: select: %w", srcTable, err)
	}
	defer srcRows.Close()
	dstRows, err := r.orderedSelect(ctx, dstDB, dstTable)
	if err != nil {
		return 0, fmt.Errorf("syncer: repair: %s: select: %w", dstTable, err)
	}
	defer dstRows.Close()

	src, err := newRowCursor(srcRows, r.commonFields)
	if err != nil {
		return 0, fmt.Errorf("syncer: repair: %s: %w", srcTable, err)
	}
	dst, err := newRowCursor(dstRows, r.commonFields)
	if err != nil {
		return 0, fmt.Errorf("syncer: repair: %s: %w", dstTable, err)
	}

	if err := r.mergeCompare(ctx, dstTable, src, dst); err != nil {
		return 0, err
	}
	if r.Log != nil {
		r.Log.Infof("syncer: repair: %s: missed %d inserts, %d updates, %d deletes",
			dstTable, r.insertCount, r.updateCount, r.deleteCount)
	}
	return 0, nil
}

func (r *Repairer) loadCommonColumns(ctx context.Context, srcTable, dstTable string, srcDB, dstDB *sql.DB) error {
	srcPkeys, err := r.Columns.TablePkeys(ctx, srcDB, srcTable)
	if err != nil {
		return fmt.Errorf("syncer: repair: %s: pkeys: %w", srcTable, err)
	}
	dstPkeys, err := r.Columns.TablePkeys(ctx, dstDB, dstTable)
	if err != nil {
		return fmt.Errorf("syncer: repair: %s: pkeys: %w", dstTable, err)
	}
	if !stringsEqual(srcPkeys, dstPkeys) {
		return fmt.Errorf("syncer: repair: %s: pkeys do not match", dstTable)
	}
	r.pkeyList = srcPkeys

	srcCols, err := r.Columns.TableColumns(ctx, srcDB, srcTable)
	if err != nil {
		return fmt.Errorf("syncer: repair: %s: columns: %w", srcTable, err)
	}
	dstCols, err := r.Columns.TableColumns(ctx, dstDB, dstTable)
	if err != nil {
		return fmt.Errorf("syncer: repair: %s: columns: %w", dstTable, err)
	}
	dstSet := make(map[string]bool, len(dstCols))
	for _, c := range dstCols {
		dstSet[c] = true
	}

	fields := append([]string{}, r.pkeyList...)
	pkeySet := make(map[string]bool, len(r.pkeyList))
	for _, c := range r.pkeyList {
		pkeySet[c] = true
	}
	for _, c := range srcCols {
		if pkeySet[c] {
			continue
		}
		if dstSet[c] {
			fields = append(fields, c)
		}
	}
	r.commonFields = fields
	return nil
}

func (r *Repairer) orderedSelect(ctx context.Context, db *sql.DB, tableName string) (*sql.Rows, error) {
	quoted := make([]string, len(r.commonFields))
	for i, f := range r.commonFields {
		quoted[i] = event.QuoteIdent(f)
	}
	orderBy := make([]string, len(r.pkeyList))
	for i, f := range r.pkeyList {
		orderBy[i] = "CAST(" + event.QuoteIdent(f) + " AS BINARY)"
	}
	q := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoted, ", "), quoteFQ(tableName))
	if r.Where != "" {
		q += " WHERE " + r.Where
	}
	q += " ORDER BY " + strings.Join(orderBy, ", ")
	return db.QueryContext(ctx, q)
}

// rowCursor wraps *sql.Rows as a one-row-ahead cursor, so the merge loop
// can compare "current row" on both sides without re-reading.
type rowCursor struct {
	rows   *sql.Rows
	fields []string
	cur    map[string]string
	ok     bool
}

func newRowCursor(rows *sql.Rows, fields []string) (*rowCursor, error) {
	c := &rowCursor{rows: rows, fields: fields}
	err := c.advance()
	return c, err
}

// nullMarker is the sentinel a NULL column value is rendered as, matching
// COPY TEXT format's \N so downstream eqCond/unescape logic stays uniform
// regardless of which path produced the row.
const nullMarker = `\N`

func (c *rowCursor) advance() error {
	if !c.rows.Next() {
		c.ok = false
		c.cur = nil
		return c.rows.Err()
	}
	vals := make([]sql.NullString, len(c.fields))
	ptrs := make([]any, len(c.fields))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := c.rows.Scan(ptrs...); err != nil {
		return err
	}
	row := make(map[string]string, len(c.fields))
	for i, f := range c.fields {
		if vals[i].Valid {
			row[f] = vals[i].String
		} else {
			row[f] = nullMarker
		}
	}
	c.cur = row
	c.ok = true
	return nil
}

func (r *Repairer) mergeCompare(ctx context.Context, tableName string, src, dst *rowCursor) error {
	r.insertCount, r.updateCount, r.deleteCount = 0, 0, 0

	for src.ok || dst.ok {
		keepSrc, keepDst := false, false

		switch cmpKeys(r.pkeyList, rowOrNil(src), rowOrNil(dst)) {
		case 1: // src > dst (or src exhausted): dst-only row, missed delete
			if err := r.emitMissedDelete(ctx, tableName, dst.cur); err != nil {
				return err
			}
			keepSrc = true
		case -1: // src < dst (or dst exhausted): src-only row, missed insert
			if err := r.emitMissedInsert(ctx, tableName, src.cur); err != nil {
				return err
			}
			keepDst = true
		default:
			if cmpData(r.commonFields, src.cur, dst.cur) != 0 {
				if err := r.emitMissedUpdate(ctx, tableName, src.cur, dst.cur); err != nil {
					return err
				}
			}
		}

		if !keepSrc && src.ok {
			if err := src.advance(); err != nil {
				return fmt.Errorf("syncer: repair: %s: src scan: %w", tableName, err)
			}
		}
		if !keepDst && dst.ok {
			if err := dst.advance(); err != nil {
				return fmt.Errorf("syncer: repair: %s: dst scan: %w", tableName, err)
			}
		}
	}
	return nil
}

func rowOrNil(c *rowCursor) map[string]string {
	if !c.ok {
		return nil
	}
	return c.cur
}

// cmpKeys mirrors repair.py's cmp_keys: an exhausted cursor sorts as
// larger than any real row.
func cmpKeys(pkeys []string, src, dst map[string]string) int {
	if src == nil {
		if dst == nil {
			return 0
		}
		return 1
	}
	if dst == nil {
		return -1
	}
	for _, k := range pkeys {
		v1, v2 := src[k], dst[k]
		if v1 < v2 {
			return -1
		}
		if v1 > v2 {
			return 1
		}
	}
	return 0
}

func cmpData(fields []string, src, dst map[string]string) int {
	for _, f := range fields {
		if cmpValue(src[f], dst[f]) != 0 {
			return -1
		}
	}
	return 0
}

// cmpValue tolerates a trailing "+hh" timezone offset present on one
// side only (spec.md §4.8: "Comparison tolerates a trailing +hh timezone
// offset on one side that is absent on the other").
func cmpValue(v1, v2 string) int {
	if v1 == v2 {
		return 0
	}
	z1, z2 := len(v1), len(v2)
	if z1 == z2+3 && z2 >= 19 && v1[z2] == '+' {
		if v1[:z2] == v2 {
			return 0
		}
	} else if z1+3 == z2 && z1 >= 19 && v2[z1] == '+' {
		if v1 == v2[:z1] {
			return 0
		}
	}
	return -1
}

func (r *Repairer) emitMissedInsert(ctx context.Context, tableName string, row map[string]string) error {
	r.insertCount++
	cols := make([]string, len(r.commonFields))
	vals := make([]string, len(r.commonFields))
	for i, f := range r.commonFields {
		cols[i] = event.QuoteIdent(f)
		vals[i] = literalOrNullValue(row[f])
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s);", quoteFQ(tableName), strings.Join(cols, ", "), strings.Join(vals, ", "))
	return r.showFix(ctx, tableName, stmt)
}

func (r *Repairer) emitMissedDelete(ctx context.Context, tableName string, row map[string]string) error {
	r.deleteCount++
	var where []string
	for _, f := range r.pkeyList {
		where = append(where, eqCond(f, row[f]))
	}
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s;", quoteFQ(tableName), strings.Join(where, " AND "))
	return r.showFix(ctx, tableName, stmt)
}

func (r *Repairer) emitMissedUpdate(ctx context.Context, tableName string, src, dst map[string]string) error {
	r.updateCount++
	var set, where []string
	for _, f := range r.pkeyList {
		where = append(where, eqCond(f, dst[f]))
	}
	for _, f := range r.commonFields {
		if cmpValue(src[f], dst[f]) == 0 {
			continue
		}
		set = append(set, fmt.Sprintf("%s = %s", event.QuoteIdent(f), literalOrNullValue(src[f])))
	}
	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s;", quoteFQ(tableName), strings.Join(set, ", "), strings.Join(where, " AND "))
	return r.showFix(ctx, tableName, stmt)
}

func eqCond(field, value string) string {
	if value == nullMarker {
		return event.QuoteIdent(field) + " IS NULL"
	}
	return fmt.Sprintf("%s = %s", event.QuoteIdent(field), literalOrNullValue(value))
}

func literalOrNullValue(v string) string {
	if v == nullMarker {
		return "NULL"
	}
	return event.QuoteLiteral(&v)
}

func (r *Repairer) showFix(ctx context.Context, tableName, stmt string) error {
	if r.Log != nil {
		r.Log.Debugf("syncer: repair: missed fix: %s", stmt)
	}
	if r.Apply {
		if r.Applier == nil {
			return fmt.Errorf("syncer: repair: --apply set but no Applier configured")
		}
		_, err := r.Applier.ExecContext(ctx, stmt)
		return err
	}
	if r.fixWriter != nil {
		return r.fixWriter(tableName, stmt)
	}
	return r.appendFixFile(tableName, stmt)
}

func (r *Repairer) appendFixFile(tableName, stmt string) error {
	path := "fix." + tableName + ".sql"
	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if r.fixFileTruncated == nil {
		r.fixFileTruncated = map[string]bool{}
	}
	if !r.fixFileTruncated[path] {
		flags = os.O_TRUNC | os.O_CREATE | os.O_WRONLY
		r.fixFileTruncated[path] = true
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("syncer: repair: %s: %w", path, err)
	}
	defer f.Close()
	_, err = io.WriteString(f, stmt+"\n")
	return err
}

func stringsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
