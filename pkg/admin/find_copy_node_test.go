package admin

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/block/londiste/pkg/handler"
	"github.com/block/londiste/pkg/metadata"
	"github.com/block/londiste/pkg/queue"
)

type fakeHop struct {
	// keyed by location
	info  map[string]queue.NodeInfo
	lists map[string][]metadata.TableListEntry
}

func (h *fakeHop) NodeInfo(_ context.Context, location, _ string) (queue.NodeInfo, error) {
	return h.info[location], nil
}

func (h *fakeHop) TableList(_ context.Context, location, _ string) ([]metadata.TableListEntry, error) {
	return h.lists[location], nil
}

func TestFindCopyNodeStopsAtFirstUsableHop(t *testing.T) {
	hops := &fakeHop{
		info: map[string]queue.NodeInfo{
			"leaf": {NodeName: "leaf", NodeType: queue.NodeLeaf, ProviderLocation: "branch"},
		},
		lists: map[string][]metadata.TableListEntry{
			"leaf": {{TableName: "t1", Local: true, MergeState: "ok"}},
		},
	}
	a := newTestAdmin(&fakeMeta{})
	node, loc, err := a.FindCopyNode(context.Background(), hops, "leaf", []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, "leaf", node)
	assert.Equal(t, "leaf", loc)
}

func TestFindCopyNodeWalksUpstreamWhenMissing(t *testing.T) {
	hops := &fakeHop{
		info: map[string]queue.NodeInfo{
			"leaf":   {NodeName: "leaf", NodeType: queue.NodeLeaf, ProviderLocation: "branch"},
			"branch": {NodeName: "branch", NodeType: queue.NodeBranch, ProviderLocation: "root"},
		},
		lists: map[string][]metadata.TableListEntry{
			"leaf":   {{TableName: "t1", Local: false}},
			"branch": {{TableName: "t1", Local: true, MergeState: "ok"}},
		},
	}
	a := newTestAdmin(&fakeMeta{})
	node, loc, err := a.FindCopyNode(context.Background(), hops, "leaf", []string{"t1"})
	require.NoError(t, err)
	assert.Equal(t, "branch", node)
	assert.Equal(t, "branch", loc)
}

func TestFindCopyNodeErrorsAtRootWithNoMatch(t *testing.T) {
	hops := &fakeHop{
		info: map[string]queue.NodeInfo{
			"root": {NodeName: "root", NodeType: queue.NodeRoot},
		},
		lists: map[string][]metadata.TableListEntry{
			"root": {{TableName: "t1", Local: false}},
		},
	}
	a := newTestAdmin(&fakeMeta{})
	_, _, err := a.FindCopyNode(context.Background(), hops, "root", []string{"t1"})
	assert.Error(t, err)
}

type noTableHandler struct {
	baseOnlyHandler
}

func (h *noTableHandler) NeedsTable() bool { return false }

func TestFindCopyNodeRejectsHandlerThatRefusesCopy(t *testing.T) {
	hops := &fakeHop{
		info: map[string]queue.NodeInfo{
			"leaf": {NodeName: "leaf", NodeType: queue.NodeRoot},
		},
		lists: map[string][]metadata.TableListEntry{
			"leaf": {{TableName: "t1", Local: true, MergeState: "ok", TableAttrs: "handler=novirtual"}},
		},
	}
	a := newTestAdmin(&fakeMeta{})
	a.Handlers.Register("novirtual", func(tableName string, args map[string]string, destTable string) (handler.Handler, error) {
		h := handler.NewBaseHandler(tableName, args, destTable)
		return &noTableHandler{baseOnlyHandler{BaseHandler: h}}, nil
	}, "no-store handler")
	_, _, err := a.FindCopyNode(context.Background(), hops, "leaf", []string{"t1"})
	assert.Error(t, err)
}
