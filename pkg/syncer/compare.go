package syncer

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/siddontang/loggers"

	"github.com/block/londiste/pkg/event"
)

// ErrMismatch is returned by Comparator.Compare when the two sides
// disagree, so callers can map it to a distinct process exit code
// (spec.md §4.8: "Report mismatch with a distinct exit code").
var ErrMismatch = fmt.Errorf("syncer: compare mismatch")

// ColumnLister loads the ordered column list for a table, used to
// compute the common-column intersection before building the compare
// query (spec.md §4.8: "Compute the intersection of columns").
type ColumnLister interface {
	TableColumns(ctx context.Context, db *sql.DB, tableName string) ([]string, error)
}

// Comparator runs the count/checksum comparison (spec.md §4.8 "Compare").
type Comparator struct {
	Log loggers.Advanced

	Columns ColumnLister

	// CountOnly skips the hashtext checksum and only compares row counts.
	CountOnly bool

	// CompareSQL/CompareFmt override the default query/report-format
	// templates, interpolated with _TABLE_ and _COLS_ (spec.md §4.8).
	CompareSQL string
	CompareFmt string

	// CopyCondition optionally restricts both sides to the same WHERE
	// fragment (the handler's copy condition, mirrored on both queries).
	CopyCondition string
}

type compareRow struct {
	count    int64
	checksum sql.NullInt64
}

// defaultSQL's checksum is CRC32(CONCAT_WS(...)) over the common columns
// — the MySQL-dialect analogue of the original's
// sum(hashtext(row::text)::bigint), since MySQL has neither hashtext nor
// a composite-row::text cast.
func (c *Comparator) defaultSQL() string {
	if c.CompareSQL != "" {
		return c.CompareSQL
	}
	if c.CountOnly {
		return "select count(1) as cnt from _TABLE_"
	}
	return "select count(1) as cnt, sum(crc32(concat_ws(0x01,_COLS_))) as chksum from _TABLE_"
}

// Compare implements ProcessSync for Syncer.Run.
func (c *Comparator) Compare(ctx context.Context, srcTable, dstTable string, srcDB, dstDB *sql.DB) (int, error) {
	cols, err := c.commonColumns(ctx, srcTable, dstTable, srcDB, dstDB)
	if err != nil {
		return 0, err
	}

	q := c.defaultSQL()
	q = strings.ReplaceAll(q, "_COLS_", cols)

	srcQ := strings.ReplaceAll(q, "_TABLE_", quoteFQ(srcTable))
	dstQ := strings.ReplaceAll(q, "_TABLE_", quoteFQ(dstTable))
	if c.CopyCondition != "" {
		srcQ += " WHERE " + c.CopyCondition
		dstQ += " WHERE " + c.CopyCondition
	}

	srcRow, err := c.runOne(ctx, srcDB, srcQ)
	if err != nil {
		return 0, fmt.Errorf("syncer: compare: srcdb: %w", err)
	}
	dstRow, err := c.runOne(ctx, dstDB, dstQ)
	if err != nil {
		return 0, fmt.Errorf("syncer: compare: dstdb: %w", err)
	}

	srcStr := c.format(srcRow)
	dstStr := c.format(dstRow)
	if c.Log != nil {
		c.Log.Infof("syncer: compare: %s srcdb: %s", dstTable, srcStr)
		c.Log.Infof("syncer: compare: %s dstdb: %s", dstTable, dstStr)
	}

	if srcStr != dstStr {
		if c.Log != nil {
			c.Log.Warningf("syncer: compare: %s: results do not match", dstTable)
		}
		return 1, ErrMismatch
	}
	return 0, nil
}

func (c *Comparator) runOne(ctx context.Context, db *sql.DB, q string) (compareRow, error) {
	var row compareRow
	if c.CountOnly {
		err := db.QueryRowContext(ctx, q).Scan(&row.count)
		return row, err
	}
	err := db.QueryRowContext(ctx, q).Scan(&row.count, &row.checksum)
	return row, err
}

func (c *Comparator) format(r compareRow) string {
	if fmtTpl := c.CompareFmt; fmtTpl != "" {
		return strings.NewReplacer(
			"%(cnt)d", fmt.Sprintf("%d", r.count),
			"%(chksum)s", fmt.Sprintf("%v", r.checksum.Int64),
		).Replace(fmtTpl)
	}
	if c.CountOnly {
		return fmt.Sprintf("%d rows", r.count)
	}
	return fmt.Sprintf("%d rows, checksum=%d", r.count, r.checksum.Int64)
}

func (c *Comparator) commonColumns(ctx context.Context, srcTable, dstTable string, srcDB, dstDB *sql.DB) (string, error) {
	if c.Columns == nil {
		return "", fmt.Errorf("syncer: compare: no column lister configured")
	}
	srcCols, err := c.Columns.TableColumns(ctx, srcDB, srcTable)
	if err != nil {
		return "", fmt.Errorf("syncer: compare: %s: load columns: %w", srcTable, err)
	}
	dstCols, err := c.Columns.TableColumns(ctx, dstDB, dstTable)
	if err != nil {
		return "", fmt.Errorf("syncer: compare: %s: load columns: %w", dstTable, err)
	}

	dstSet := make(map[string]bool, len(dstCols))
	for _, col := range dstCols {
		dstSet[col] = true
	}
	var common []string
	for _, col := range srcCols {
		if dstSet[col] {
			common = append(common, col)
		}
	}
	if len(common) == 0 {
		return "", fmt.Errorf("syncer: compare: %s: no common columns found", dstTable)
	}
	if len(common) != len(srcCols) || len(common) != len(dstCols) {
		if c.Log != nil {
			c.Log.Warningf("syncer: compare: %s: ignoring some columns", dstTable)
		}
	}

	quoted := make([]string, len(common))
	for i, col := range common {
		quoted[i] = event.QuoteIdent(col)
	}
	return strings.Join(quoted, ","), nil
}
