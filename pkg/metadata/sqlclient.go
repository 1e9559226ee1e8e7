package metadata

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLClient is the concrete Client backed by CALL statements against the
// londiste administrative stored procedures (spec.md §6: "the provider/
// subscriber database" side of the RPC surface, out of scope to implement
// here but required to have a caller). Mirrors the teacher's dbconn style
// of issuing plain *sql.DB/Tx calls rather than an ORM.
type SQLClient struct {
	DB *sql.DB
}

// NewSQLClient wraps db as a metadata.Client.
func NewSQLClient(db *sql.DB) *SQLClient {
	return &SQLClient{DB: db}
}

func (c *SQLClient) GetTableList(ctx context.Context, queueName string) ([]TableListEntry, error) {
	rows, err := c.DB.QueryContext(ctx, "SELECT table_name, local, merge_state, custom_snapshot, table_attrs, copy_role, dropped_ddl, copy_pos, dest_table FROM londiste.get_table_list(?)", queueName)
	if err != nil {
		return nil, fmt.Errorf("get_table_list: %w", err)
	}
	defer rows.Close()
	var out []TableListEntry
	for rows.Next() {
		var e TableListEntry
		if err := rows.Scan(&e.TableName, &e.Local, &e.MergeState, &e.CustomSnapshot, &e.TableAttrs, &e.CopyRole, &e.DroppedDDL, &e.CopyPos, &e.DestTable); err != nil {
			return nil, fmt.Errorf("get_table_list scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *SQLClient) exec(ctx context.Context, call string, args ...any) error {
	_, err := c.DB.ExecContext(ctx, call, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", call, err)
	}
	return nil
}

func (c *SQLClient) GlobalAddTable(ctx context.Context, queueName, tableName string) error {
	return c.exec(ctx, "CALL londiste.global_add_table(?, ?)", queueName, tableName)
}

func (c *SQLClient) GlobalRemoveTable(ctx context.Context, queueName, tableName string) error {
	return c.exec(ctx, "CALL londiste.global_remove_table(?, ?)", queueName, tableName)
}

func (c *SQLClient) GlobalUpdateSeq(ctx context.Context, queueName, seqName string, value int64) error {
	return c.exec(ctx, "CALL londiste.global_update_seq(?, ?, ?)", queueName, seqName, value)
}

func (c *SQLClient) GlobalRemoveSeq(ctx context.Context, queueName, seqName string) error {
	return c.exec(ctx, "CALL londiste.global_remove_seq(?, ?)", queueName, seqName)
}

func (c *SQLClient) LocalAddTable(ctx context.Context, queueName, tableName, triggerArgs, tableAttrs, destTable string) error {
	return c.exec(ctx, "CALL londiste.local_add_table(?, ?, ?, ?, ?)", queueName, tableName, triggerArgs, tableAttrs, destTable)
}

func (c *SQLClient) LocalRemoveTable(ctx context.Context, queueName, tableName string) error {
	return c.exec(ctx, "CALL londiste.local_remove_table(?, ?)", queueName, tableName)
}

func (c *SQLClient) LocalChangeHandler(ctx context.Context, queueName, tableName, handlerName string) error {
	return c.exec(ctx, "CALL londiste.local_change_handler(?, ?, ?)", queueName, tableName, handlerName)
}

func (c *SQLClient) LocalSetTableState(ctx context.Context, queueName, tableName, mergeState string) error {
	return c.exec(ctx, "CALL londiste.local_set_table_state(?, ?, ?)", queueName, tableName, mergeState)
}

func (c *SQLClient) LocalSetTableAttrs(ctx context.Context, queueName, tableName, tableAttrs string) error {
	return c.exec(ctx, "CALL londiste.local_set_table_attrs(?, ?, ?)", queueName, tableName, tableAttrs)
}

func (c *SQLClient) LocalSetTableStruct(ctx context.Context, queueName, tableName, snapshot string) error {
	return c.exec(ctx, "CALL londiste.local_set_table_struct(?, ?, ?)", queueName, tableName, snapshot)
}

func (c *SQLClient) LocalShowMissing(ctx context.Context, queueName string) ([]string, error) {
	rows, err := c.DB.QueryContext(ctx, "SELECT table_name FROM londiste.local_show_missing(?)", queueName)
	if err != nil {
		return nil, fmt.Errorf("local_show_missing: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("local_show_missing scan: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (c *SQLClient) GetSeqList(ctx context.Context, queueName string) ([]SeqListEntry, error) {
	rows, err := c.DB.QueryContext(ctx, "SELECT seq_name, local FROM londiste.get_seq_list(?)", queueName)
	if err != nil {
		return nil, fmt.Errorf("get_seq_list: %w", err)
	}
	defer rows.Close()
	var out []SeqListEntry
	for rows.Next() {
		var e SeqListEntry
		if err := rows.Scan(&e.SeqName, &e.Local); err != nil {
			return nil, fmt.Errorf("get_seq_list scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (c *SQLClient) LocalAddSeq(ctx context.Context, queueName, seqName string) error {
	return c.exec(ctx, "CALL londiste.local_add_seq(?, ?)", queueName, seqName)
}

func (c *SQLClient) LocalRemoveSeq(ctx context.Context, queueName, seqName string) error {
	return c.exec(ctx, "CALL londiste.local_remove_seq(?, ?)", queueName, seqName)
}

func (c *SQLClient) ExecuteStart(ctx context.Context, queueName, execID string) (int, error) {
	var retCode int
	err := c.DB.QueryRowContext(ctx, "SELECT ret_code FROM londiste.execute_start(?, ?)", queueName, execID).Scan(&retCode)
	if err != nil {
		return 0, fmt.Errorf("execute_start: %w", err)
	}
	return retCode, nil
}

func (c *SQLClient) ExecuteFinish(ctx context.Context, queueName, execID string) error {
	return c.exec(ctx, "CALL londiste.execute_finish(?, ?)", queueName, execID)
}

func (c *SQLClient) RootCheckSeqs(ctx context.Context, queueName string) error {
	return c.exec(ctx, "CALL londiste.root_check_seqs(?)", queueName)
}

func (c *SQLClient) GetValidPendingFKeys(ctx context.Context, queueName string) ([]FKey, error) {
	rows, err := c.DB.QueryContext(ctx, "SELECT from_table, to_table, name, definition FROM londiste.get_valid_pending_fkeys(?)", queueName)
	if err != nil {
		return nil, fmt.Errorf("get_valid_pending_fkeys: %w", err)
	}
	defer rows.Close()
	var out []FKey
	for rows.Next() {
		var fk FKey
		if err := rows.Scan(&fk.FromTable, &fk.ToTable, &fk.Name, &fk.Definition); err != nil {
			return nil, fmt.Errorf("get_valid_pending_fkeys scan: %w", err)
		}
		out = append(out, fk)
	}
	return out, rows.Err()
}

func (c *SQLClient) FindTableFKeys(ctx context.Context, tableName string) ([]FKey, error) {
	rows, err := c.DB.QueryContext(ctx, "SELECT from_table, to_table, name, definition FROM londiste.find_table_fkeys(?)", tableName)
	if err != nil {
		return nil, fmt.Errorf("find_table_fkeys: %w", err)
	}
	defer rows.Close()
	var out []FKey
	for rows.Next() {
		var fk FKey
		if err := rows.Scan(&fk.FromTable, &fk.ToTable, &fk.Name, &fk.Definition); err != nil {
			return nil, fmt.Errorf("find_table_fkeys scan: %w", err)
		}
		out = append(out, fk)
	}
	return out, rows.Err()
}

func (c *SQLClient) DropTableFKey(ctx context.Context, fk FKey) error {
	return c.exec(ctx, "CALL londiste.drop_table_fkey(?, ?, ?)", fk.FromTable, fk.ToTable, fk.Name)
}

func (c *SQLClient) RestoreTableFKey(ctx context.Context, fk FKey) error {
	return c.exec(ctx, "CALL londiste.restore_table_fkey(?, ?, ?, ?)", fk.FromTable, fk.ToTable, fk.Name, fk.Definition)
}

func (c *SQLClient) IsObsoletePartition(ctx context.Context, partTable string, retentionPeriod string) (bool, error) {
	var obsolete bool
	err := c.DB.QueryRowContext(ctx, "SELECT obsolete FROM londiste.is_obsolete_partition(?, ?)", partTable, retentionPeriod).Scan(&obsolete)
	if err != nil {
		return false, fmt.Errorf("is_obsolete_partition: %w", err)
	}
	return obsolete, nil
}

func (c *SQLClient) DropObsoletePartitions(ctx context.Context, parentTable string, retentionPeriod string) error {
	return c.exec(ctx, "CALL londiste.drop_obsolete_partitions(?, ?)", parentTable, retentionPeriod)
}

func (c *SQLClient) CreatePartition(ctx context.Context, parentTable, partTable string) error {
	return c.exec(ctx, "CALL londiste.create_partition(?, ?)", parentTable, partTable)
}

func (c *SQLClient) SetSessionReplicationRole(ctx context.Context, role string, sticky bool) error {
	if sticky {
		return c.exec(ctx, fmt.Sprintf("SET SESSION londiste.replication_role = %q", role))
	}
	return c.exec(ctx, fmt.Sprintf("SET @@SESSION.londiste_replication_role = %q", role))
}

var _ Client = (*SQLClient)(nil)
