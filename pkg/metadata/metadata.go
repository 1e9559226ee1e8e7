// Package metadata declares the provider/subscriber SQL surface from
// spec.md §6: the RPCs this engine calls but does not implement (they are
// stored procedures on the provider/subscriber database, out of scope per
// spec.md §1). pkg/admin, pkg/replay and pkg/copyworker are all callers of
// this interface; a concrete implementation wraps *sql.DB calls to the
// named procedures.
package metadata

import (
	"context"
)

// TableListEntry is one row of londiste.get_table_list.
type TableListEntry struct {
	TableName     string
	Local         bool
	MergeState    string
	CustomSnapshot string
	TableAttrs    string
	CopyRole      string
	DroppedDDL    string
	CopyPos       string
	DestTable     string
}

// SeqListEntry is one row of get_seq_list.
type SeqListEntry struct {
	SeqName string
	Local   bool
}

// FKey describes a foreign key constraint discovered by find_table_fkeys,
// dropped before initial copy and restored once both endpoints are ok
// (spec.md §4.6 "Fkey management").
type FKey struct {
	FromTable  string
	ToTable    string
	Name       string
	Definition string
}

// Client is the provider/subscriber metadata RPC surface named in
// spec.md §6, second bullet list.
type Client interface {
	GetTableList(ctx context.Context, queueName string) ([]TableListEntry, error)
	GlobalAddTable(ctx context.Context, queueName, tableName string) error
	GlobalRemoveTable(ctx context.Context, queueName, tableName string) error
	GlobalUpdateSeq(ctx context.Context, queueName, seqName string, value int64) error
	GlobalRemoveSeq(ctx context.Context, queueName, seqName string) error

	LocalAddTable(ctx context.Context, queueName, tableName, triggerArgs, tableAttrs, destTable string) error
	LocalRemoveTable(ctx context.Context, queueName, tableName string) error
	LocalChangeHandler(ctx context.Context, queueName, tableName, handlerName string) error
	LocalSetTableState(ctx context.Context, queueName, tableName, mergeState string) error
	LocalSetTableAttrs(ctx context.Context, queueName, tableName, tableAttrs string) error
	LocalSetTableStruct(ctx context.Context, queueName, tableName, snapshot string) error
	LocalShowMissing(ctx context.Context, queueName string) ([]string, error)

	GetSeqList(ctx context.Context, queueName string) ([]SeqListEntry, error)
	LocalAddSeq(ctx context.Context, queueName, seqName string) error
	LocalRemoveSeq(ctx context.Context, queueName, seqName string) error

	// ExecuteStart journals the start of an EXECUTE event; a return code
	// >200 means a prior run already executed it and it should be
	// skipped (spec.md §4.6, §8 scenario 5).
	ExecuteStart(ctx context.Context, queueName, execID string) (retCode int, err error)
	ExecuteFinish(ctx context.Context, queueName, execID string) error

	RootCheckSeqs(ctx context.Context, queueName string) error

	GetValidPendingFKeys(ctx context.Context, queueName string) ([]FKey, error)
	FindTableFKeys(ctx context.Context, tableName string) ([]FKey, error)
	DropTableFKey(ctx context.Context, fk FKey) error
	RestoreTableFKey(ctx context.Context, fk FKey) error

	IsObsoletePartition(ctx context.Context, partTable string, retentionPeriod string) (bool, error)
	DropObsoletePartitions(ctx context.Context, parentTable string, retentionPeriod string) error
	CreatePartition(ctx context.Context, parentTable, partTable string) error

	// SetSessionReplicationRole toggles trigger firing for the current
	// session (spec.md §4.6 EXECUTE handling, §4.8 repair --apply);
	// sticky keeps it set for the rest of the connection's lifetime
	// rather than just the current statement.
	SetSessionReplicationRole(ctx context.Context, role string, sticky bool) error
}
