package metadata

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/block/londiste/pkg/dbconn"
	"github.com/block/londiste/pkg/queue"
)

// SQLCascadeHop implements admin.CascadeHop by dialing each cascade
// node's location (a MySQL DSN) on first use and caching the connection,
// mirroring find_copy_source's own behavior of opening a fresh connection
// per hop (original_source/londiste/util.py).
type SQLCascadeHop struct {
	Config *dbconn.DBConfig

	mu    sync.Mutex
	conns map[string]*sql.DB
}

// NewSQLCascadeHop builds a cascade walker using config for every
// connection it opens.
func NewSQLCascadeHop(config *dbconn.DBConfig) *SQLCascadeHop {
	return &SQLCascadeHop{Config: config, conns: map[string]*sql.DB{}}
}

func (h *SQLCascadeHop) connFor(location string) (*sql.DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if db, ok := h.conns[location]; ok {
		return db, nil
	}
	db, err := dbconn.New(location, h.Config)
	if err != nil {
		return nil, fmt.Errorf("metadata: cascade hop: dial %s: %w", location, err)
	}
	h.conns[location] = db
	return db, nil
}

// NodeInfo queries get_node_info at location.
func (h *SQLCascadeHop) NodeInfo(ctx context.Context, location, queueName string) (queue.NodeInfo, error) {
	db, err := h.connFor(location)
	if err != nil {
		return queue.NodeInfo{}, err
	}
	var info queue.NodeInfo
	var nodeType int
	err = db.QueryRowContext(ctx,
		"SELECT node_name, node_type, provider_node, provider_location, worker_name, ret_code FROM londiste.get_node_info(?)",
		queueName).Scan(&info.NodeName, &nodeType, &info.ProviderNode, &info.ProviderLocation, &info.WorkerName, &info.RetCode)
	if err != nil {
		return queue.NodeInfo{}, fmt.Errorf("metadata: cascade hop: node info at %s: %w", location, err)
	}
	info.NodeType = queue.NodeType(nodeType)
	return info, nil
}

// TableList queries get_table_list at location.
func (h *SQLCascadeHop) TableList(ctx context.Context, location, queueName string) ([]TableListEntry, error) {
	db, err := h.connFor(location)
	if err != nil {
		return nil, err
	}
	return NewSQLClient(db).GetTableList(ctx, queueName)
}

// Close releases every connection this hop opened.
func (h *SQLCascadeHop) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	var first error
	for loc, db := range h.conns {
		if err := db.Close(); err != nil && first == nil {
			first = fmt.Errorf("metadata: cascade hop: close %s: %w", loc, err)
		}
	}
	h.conns = map[string]*sql.DB{}
	return first
}
