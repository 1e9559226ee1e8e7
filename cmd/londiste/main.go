// Command londiste is the thin operator CLI over pkg/admin, pkg/execattrs
// and pkg/syncer, one kong command struct per verb named in SPEC_FULL.md
// §10, mirroring the teacher's cmd/lint.go ("a single kong.Parse, command
// structs do the work").
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/alecthomas/kong"
	"github.com/siddontang/loggers"

	"github.com/block/londiste/pkg/admin"
	"github.com/block/londiste/pkg/copyworker"
	"github.com/block/londiste/pkg/dbconn"
	"github.com/block/londiste/pkg/ddl"
	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/handlers/vanilla"
	"github.com/block/londiste/pkg/logutil"
	"github.com/block/londiste/pkg/metadata"
	"github.com/block/londiste/pkg/syncer"
	"github.com/block/londiste/pkg/tablestate"
)

// Globals are the flags every command needs: which queue this node
// belongs to and how to reach its subscriber (and, for the commands that
// compare against or copy from it, provider) database.
type Globals struct {
	Queue         string `name:"queue" required:"" help:"Queue name this node replicates."`
	SubscriberDSN string `name:"subscriber-dsn" required:"" help:"MySQL DSN for this node's subscriber database."`
	ProviderDSN   string `name:"provider-dsn" help:"MySQL DSN for this node's provider database, when the command needs one."`

	TLSMode            string `name:"tls-mode" default:"PREFERRED" help:"DISABLED, PREFERRED, REQUIRED, VERIFY_CA or VERIFY_IDENTITY."`
	TLSCertificatePath string `name:"tls-certificate-path" help:"Overrides the embedded RDS CA bundle."`
	InterpolateParams  bool   `name:"interpolate-params"`
	MaxOpenConnections int    `name:"max-open-connections" default:"16"`

	log      loggers.Advanced
	registry *handler.Registry

	subscriberDB *sql.DB
	providerDB   *sql.DB
}

func (g *Globals) dbConfig() *dbconn.DBConfig {
	c := dbconn.NewDBConfig()
	c.TLSMode = g.TLSMode
	c.TLSCertificatePath = g.TLSCertificatePath
	c.InterpolateParams = g.InterpolateParams
	c.MaxOpenConnections = g.MaxOpenConnections
	return c
}

func (g *Globals) logger() loggers.Advanced {
	if g.log == nil {
		g.log = logutil.Default()
	}
	return g.log
}

func (g *Globals) handlers() *handler.Registry {
	if g.registry == nil {
		g.registry = handler.NewRegistry()
		vanilla.Register(g.registry)
	}
	return g.registry
}

func (g *Globals) subscriber() (*sql.DB, error) {
	if g.subscriberDB == nil {
		db, err := dbconn.New(g.SubscriberDSN, g.dbConfig())
		if err != nil {
			return nil, fmt.Errorf("londiste: subscriber connection: %w", err)
		}
		g.subscriberDB = db
	}
	return g.subscriberDB, nil
}

func (g *Globals) provider() (*sql.DB, error) {
	if g.providerDB == nil {
		if g.ProviderDSN == "" {
			return nil, fmt.Errorf("londiste: this command requires --provider-dsn")
		}
		db, err := dbconn.New(g.ProviderDSN, g.dbConfig())
		if err != nil {
			return nil, fmt.Errorf("londiste: provider connection: %w", err)
		}
		g.providerDB = db
	}
	return g.providerDB, nil
}

func (g *Globals) admin() (*admin.Admin, error) {
	db, err := g.subscriber()
	if err != nil {
		return nil, err
	}
	a := admin.New(g.logger(), g.Queue, metadata.NewSQLClient(db), g.handlers())
	a.AcquireLock = func(ctx context.Context, lockName string) (io.Closer, error) {
		return dbconn.NewMetadataLock(ctx, g.SubscriberDSN, lockName, g.logger())
	}
	return a, nil
}

// triggerArgFlags are the add-table/change-handler flags that fold into a
// trigger argument list (admin.py build_tgargs, SPEC_FULL.md §12).
type triggerArgFlags struct {
	TriggerFlags string   `name:"trigger-flags" help:"BAIUDLQ-style trigger flag string."`
	TriggerArg   []string `name:"trigger-arg" help:"Repeatable raw trigger argument."`
	NoTriggers   bool     `name:"no-triggers"`
	MergeAll     bool     `name:"merge-all"`
	NoMerge      bool     `name:"no-merge"`
	ExpectSync   bool     `name:"expect-sync"`
}

func (f triggerArgFlags) toOptions() admin.TriggerArgOptions {
	return admin.TriggerArgOptions{
		TriggerFlags: f.TriggerFlags,
		TriggerArgs:  f.TriggerArg,
		NoTriggers:   f.NoTriggers,
		MergeAll:     f.MergeAll,
		NoMerge:      f.NoMerge,
		ExpectSync:   f.ExpectSync,
	}
}

type AddTableCmd struct {
	Tables []string `arg:"" name:"table" help:"Table name(s) to attach."`

	DestTable       string `name:"dest-table" help:"Destination table name, if different."`
	Create          string `name:"create" enum:"none,minimal,full" default:"none" help:"Create the destination table before registering: none, minimal (pkey only) or full. This CLI wires no schema copier, so minimal and full return an error."`
	HandlerSpec     string `name:"handler" help:"Handler name plus args, e.g. shard(key=id)."`
	CopyNode        string `name:"copy-node" help:"Cascade location to copy from."`
	FindCopyNode    bool   `name:"find-copy-node" help:"Walk the cascade upstream to find a usable copy source."`
	SkipTruncate    bool   `name:"skip-truncate"`
	ExpectSync      bool   `name:"expect-sync"`
	MaxParallelCopy int    `name:"max-parallel-copy"`
	SkipNonExisting bool   `name:"skip-non-existing" help:"Skip tables absent from the subscriber instead of failing."`

	triggerArgFlags `embed:""`
}

func (c *AddTableCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	var create admin.CreateMode
	switch c.Create {
	case "minimal":
		create = admin.CreateMinimal
	case "full":
		create = admin.CreateFull
	default:
		create = admin.CreateNone
	}
	opts := admin.AddTableOptions{
		DestTable:       c.DestTable,
		Create:          create,
		HandlerSpec:     c.HandlerSpec,
		Trigger:         c.triggerArgFlags.toOptions(),
		CopyNode:        c.CopyNode,
		FindCopyNode:    c.FindCopyNode,
		SkipTruncate:    c.SkipTruncate,
		ExpectSync:      c.ExpectSync,
		MaxParallelCopy: c.MaxParallelCopy,
		SkipNonExisting: c.SkipNonExisting,
	}
	var srcDB, dstDB *sql.DB
	if create != admin.CreateNone {
		srcDB, err = g.provider()
		if err != nil {
			return err
		}
		dstDB, err = g.subscriber()
		if err != nil {
			return err
		}
	}
	for _, tbl := range c.Tables {
		if err := a.AddTable(context.Background(), srcDB, dstDB, tbl, opts, nil, nil); err != nil {
			return err
		}
	}
	return nil
}

type RemoveTableCmd struct {
	Tables []string `arg:"" name:"table"`
}

func (c *RemoveTableCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	return a.RemoveTable(context.Background(), c.Tables...)
}

type ChangeHandlerCmd struct {
	Table           string `arg:""`
	HandlerSpec     string `name:"handler" help:"Empty clears the handler attribute."`
	triggerArgFlags `embed:""`
}

func (c *ChangeHandlerCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	return a.ChangeHandler(context.Background(), c.Table, admin.ChangeHandlerOptions{
		HandlerSpec: c.HandlerSpec,
		Trigger:     c.triggerArgFlags.toOptions(),
	})
}

type AddSeqCmd struct {
	Seqs []string `arg:"" name:"seq"`
}

func (c *AddSeqCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	return a.AddSeq(context.Background(), c.Seqs...)
}

type RemoveSeqCmd struct {
	Seqs []string `arg:"" name:"seq"`
}

func (c *RemoveSeqCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	return a.RemoveSeq(context.Background(), c.Seqs...)
}

type ResyncCmd struct {
	Tables       []string `arg:"" name:"table"`
	CopyNode     string   `name:"copy-node"`
	FindCopyNode bool     `name:"find-copy-node"`
}

func (c *ResyncCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	return a.Resync(context.Background(), admin.ResyncOptions{CopyNode: c.CopyNode, FindCopyNode: c.FindCopyNode}, c.Tables...)
}

type WaitSyncCmd struct{}

func (c *WaitSyncCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	return a.WaitSync(context.Background())
}

type TablesCmd struct{}

func (c *TablesCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	entries, err := a.Tables(context.Background())
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%-32s %-12s %s\n", e.TableName, e.MergeState, e.TableAttrs)
	}
	return nil
}

type SeqsCmd struct{}

func (c *SeqsCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	entries, err := a.Seqs(context.Background())
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Println(e.SeqName)
	}
	return nil
}

type MissingCmd struct{}

func (c *MissingCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	names, err := a.Missing(context.Background())
	if err != nil {
		return err
	}
	for _, n := range names {
		fmt.Println(n)
	}
	return nil
}

type ShowHandlersCmd struct{}

func (c *ShowHandlersCmd) Run(g *Globals) error {
	a, err := g.admin()
	if err != nil {
		return err
	}
	for _, d := range a.ShowHandlers() {
		fmt.Printf("%-16s %s\n", d.Name, d.Doc)
	}
	return nil
}

type ExecuteCmd struct {
	Files []string `arg:"" name:"file" help:"EXECUTE SQL file(s), run in argument order."`
}

func (c *ExecuteCmd) Run(g *Globals) error {
	db, err := g.subscriber()
	if err != nil {
		return err
	}
	a, err := g.admin()
	if err != nil {
		return err
	}
	localTables, err := tableAttrsByName(context.Background(), a)
	if err != nil {
		return err
	}
	e := &admin.Execer{
		Log:       g.logger(),
		QueueName: g.Queue,
		Metadata:  metadata.NewSQLClient(db),
		Resolver:  &ddl.InformationSchemaResolver{DB: db},
	}
	return e.Execute(context.Background(), db, c.Files, localTables, nil)
}

// tableAttrsByName builds the local-tables map execattrs.NeedExecute and
// ProcessSQL consult: one entry per table currently attached locally,
// mapping the table name to its local destination name.
func tableAttrsByName(ctx context.Context, a *admin.Admin) (map[string]string, error) {
	entries, err := a.Tables(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		dest := e.DestTable
		if dest == "" {
			dest = e.TableName
		}
		out[e.TableName] = dest
	}
	return out, nil
}

type CompareCmd struct {
	SrcTable  string `arg:""`
	DstTable  string `arg:"" optional:""`
	CountOnly bool   `name:"count-only"`
}

func (c *CompareCmd) Run(g *Globals) error {
	srcDB, err := g.provider()
	if err != nil {
		return err
	}
	dstDB, err := g.subscriber()
	if err != nil {
		return err
	}
	dstTable := c.DstTable
	if dstTable == "" {
		dstTable = c.SrcTable
	}
	s := syncer.New(g.logger(), g.Queue, &sqlTickReporter{})
	comp := &syncer.Comparator{Log: g.logger(), Columns: ddl.InformationSchemaColumns{}, CountOnly: c.CountOnly}
	code, err := s.Run(context.Background(), c.SrcTable, dstTable, srcDB, dstDB, comp.Compare)
	if errors.Is(err, syncer.ErrMismatch) {
		os.Exit(code)
	}
	return err
}

type RepairCmd struct {
	SrcTable string `arg:""`
	DstTable string `arg:"" optional:""`
	Apply    bool   `name:"apply" help:"Execute fixes directly instead of writing fix.<table>.sql."`
	Where    string `name:"where" help:"Extra row filter applied to both sides."`
}

func (c *RepairCmd) Run(g *Globals) error {
	srcDB, err := g.provider()
	if err != nil {
		return err
	}
	dstDB, err := g.subscriber()
	if err != nil {
		return err
	}
	dstTable := c.DstTable
	if dstTable == "" {
		dstTable = c.SrcTable
	}
	s := syncer.New(g.logger(), g.Queue, &sqlTickReporter{})
	rep := &syncer.Repairer{Log: g.logger(), Columns: ddl.InformationSchemaColumns{}, Where: c.Where, Apply: c.Apply}
	if c.Apply {
		rep.Applier = dstDB
	}
	_, err = s.Run(context.Background(), c.SrcTable, dstTable, srcDB, dstDB, rep.Repair)
	return err
}

// sqlTickReporter reports the tick a node has reached by reading cur_tick
// from londiste.get_node_info on that node's database (spec.md §4.8's
// "wait until both sides report the same tick").
type sqlTickReporter struct{}

func (sqlTickReporter) CurrentTick(ctx context.Context, db *sql.DB, queueName string) (int64, error) {
	var tick int64
	err := db.QueryRowContext(ctx, "SELECT cur_tick FROM londiste.get_node_info(?)", queueName).Scan(&tick)
	if err != nil {
		return 0, fmt.Errorf("londiste: current tick: %w", err)
	}
	return tick, nil
}

// CopyCmd runs the bulk-load half of the copy-worker subprocess (spec.md
// §4.7: "argv [exe, config, copy, table_name, -d]") for one table: it
// admits the table from missing into in-copy, performs the real copy via
// its bound handler, and leaves it in catching-up for the main worker's
// batch loop (the `worker` command) to carry the rest of the way to ok.
type CopyCmd struct {
	Table    string `arg:""`
	Parallel int    `name:"parallel" default:"1" help:"Threaded copy pool size."`
}

func (c *CopyCmd) Run(g *Globals) error {
	ctx := context.Background()
	srcDB, err := g.provider()
	if err != nil {
		return err
	}
	dstDB, err := g.subscriber()
	if err != nil {
		return err
	}
	meta := metadata.NewSQLClient(dstDB)
	entries, err := meta.GetTableList(ctx, g.Queue)
	if err != nil {
		return err
	}
	var entry *metadata.TableListEntry
	for i := range entries {
		if entries[i].TableName == c.Table {
			entry = &entries[i]
			break
		}
	}
	if entry == nil || !entry.Local {
		return fmt.Errorf("londiste: copy: %s is not attached to this node", c.Table)
	}

	state, tick, err := tablestate.ParseMergeState(entry.MergeState)
	if err != nil {
		return err
	}
	table := tablestate.NewTable(entry.TableName, entry.DestTable)
	table.State = state
	table.SyncTickID = tick
	attrs, err := tablestate.ParseTableAttrs(entry.TableAttrs)
	if err != nil {
		return err
	}
	table.Attrs = attrs

	h, err := g.handlers().Build(entry.TableName, attrs.Handler, table.DestTable)
	if err != nil {
		return err
	}
	table.Plugin = h

	if table.State == tablestate.Missing {
		if err := table.Transition(tablestate.MainWorker, tablestate.InCopy, 0); err != nil {
			return err
		}
	}

	cols, err := ddl.InformationSchemaColumns{}.TableColumns(ctx, dstDB, table.DestTable)
	if err != nil {
		return err
	}

	w := &copyworker.Worker{Metadata: meta, QueueName: g.Queue}
	bytesCopied, rows, err := w.RunCopy(ctx, table, entry.TableName, srcDB, dstDB, cols, c.Parallel)
	if err != nil {
		return err
	}
	if err := meta.LocalSetTableState(ctx, g.Queue, table.Name, table.State.MergeState(table.SyncTickID)); err != nil {
		return err
	}
	g.logger().Infof("londiste: copy: %s: %d bytes, %d rows, now %s", table.Name, bytesCopied, rows, table.State)
	return nil
}

type WorkerCmd struct{}

func (c *WorkerCmd) Run(g *Globals) error {
	return fmt.Errorf("londiste: worker: no cascaded-queue client configured; " +
		"pkg/queue.Client is an external collaborator (spec.md §6) this binary " +
		"does not implement — embed this command in a program that supplies one")
}

var cli struct {
	Globals

	AddTable     AddTableCmd     `cmd:"" name:"add-table" help:"Attach a table to this node."`
	RemoveTable  RemoveTableCmd  `cmd:"" name:"remove-table" help:"Detach a table from this node."`
	ChangeHandler ChangeHandlerCmd `cmd:"" name:"change-handler" help:"Change a table's handler (trigger-arg flags are not applied)."`
	AddSeq       AddSeqCmd       `cmd:"" name:"add-seq" help:"Attach a sequence to this node."`
	RemoveSeq    RemoveSeqCmd    `cmd:"" name:"remove-seq" help:"Detach a sequence from this node."`
	Resync       ResyncCmd       `cmd:"" help:"Reload a table's data from the provider."`
	WaitSync     WaitSyncCmd     `cmd:"" name:"wait-sync" help:"Block until every local table reaches ok."`
	Tables       TablesCmd       `cmd:"" help:"List tables attached to this node."`
	Seqs         SeqsCmd         `cmd:"" help:"List sequences attached to this node."`
	Missing      MissingCmd      `cmd:"" help:"List tables present upstream but not attached locally."`
	ShowHandlers ShowHandlersCmd `cmd:"" name:"show-handlers" help:"List registered handlers."`
	Execute      ExecuteCmd      `cmd:"" help:"Run EXECUTE SQL file(s) against this node."`
	Compare      CompareCmd      `cmd:"" help:"Compare row counts/checksums between provider and subscriber."`
	Repair       RepairCmd       `cmd:"" help:"Diff and fix rows between provider and subscriber."`
	Copy         CopyCmd         `cmd:"" help:"Run the bulk-load half of one table's copy."`
	Worker       WorkerCmd       `cmd:"" help:"Run the steady-state replay loop."`
}

func main() {
	ctx := kong.Parse(&cli)
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
