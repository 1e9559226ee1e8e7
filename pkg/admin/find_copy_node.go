package admin

import (
	"context"
	"fmt"

	"github.com/block/londiste/pkg/metadata"
	"github.com/block/londiste/pkg/queue"
	"github.com/block/londiste/pkg/urlenc"
)

// CascadeHop connects to one cascade node's location to read its
// node-info and table list, the two RPCs find_copy_source walks at each
// hop (original_source/londiste/util.py find_copy_source).
type CascadeHop interface {
	NodeInfo(ctx context.Context, location, queueName string) (queue.NodeInfo, error)
	TableList(ctx context.Context, location, queueName string) ([]metadata.TableListEntry, error)
}

// FindCopyNode walks the cascade upstream from startLocation, calling
// get_table_list at each hop, until it finds a node where every table in
// need is local, ok to copy from, and store-backed according to its
// handler (spec.md §4.9: "--find-copy-node walks the cascade upstream
// ... until it finds a node where every requested table is locally ok and
// the handler's needs_table allows copy"). Returns the chosen node's name
// and connect location.
func (a *Admin) FindCopyNode(ctx context.Context, hops CascadeHop, startLocation string, need []string) (nodeName, location string, err error) {
	wanted := make(map[string]bool, len(need))
	for _, t := range need {
		wanted[t] = true
	}

	location = startLocation
	for {
		info, err := hops.NodeInfo(ctx, location, a.QueueName)
		if err != nil {
			return "", "", fmt.Errorf("admin: find-copy-node: %w", err)
		}
		if info.RetCode >= 400 {
			return "", "", fmt.Errorf("admin: find-copy-node: node at %q does not exist", location)
		}

		a.logInfof("admin: find-copy-node: checking if %s can be used for copy", info.NodeName)

		entries, err := hops.TableList(ctx, location, a.QueueName)
		if err != nil {
			return "", "", fmt.Errorf("admin: find-copy-node: %s: table list: %w", info.NodeName, err)
		}

		if a.allUsable(entries, wanted) {
			a.logInfof("admin: find-copy-node: node %s seems good source, using it", info.NodeName)
			return info.NodeName, location, nil
		}
		a.logInfof("admin: find-copy-node: node %s does not have all tables", info.NodeName)

		if info.NodeType == queue.NodeRoot {
			return "", "", fmt.Errorf("admin: find-copy-node: found root and no source found")
		}
		location = info.ProviderLocation
	}
}

func (a *Admin) allUsable(entries []metadata.TableListEntry, wanted map[string]bool) bool {
	got := map[string]bool{}
	for _, e := range entries {
		if !wanted[e.TableName] {
			continue
		}
		if !e.Local || e.MergeState != "ok" {
			continue
		}
		if !a.handlerAllowsCopy(e.TableName, e.TableAttrs) {
			continue
		}
		got[e.TableName] = true
	}
	for t := range wanted {
		if !got[t] {
			return false
		}
	}
	return true
}

// handlerAllowsCopy reports whether the handler bound to a table's
// attrs stores data physically (util.py handler_allows_copy).
func (a *Admin) handlerAllowsCopy(tableName, tableAttrs string) bool {
	if tableAttrs == "" {
		return true
	}
	attrs, err := urlenc.Decode(tableAttrs)
	if err != nil {
		return false
	}
	h, err := a.Handlers.Build(tableName, attrs["handler"], "")
	if err != nil {
		return false
	}
	return h.NeedsTable()
}
