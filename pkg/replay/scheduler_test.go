package replay

import (
	"context"
	"testing"

	"github.com/block/londiste/pkg/tablestate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type alwaysOK struct{}

func (alwaysOK) IsProviderOK(context.Context, *tablestate.Table) (bool, error) { return true, nil }

type noopFKeys struct{ calls int }

func (n *noopFKeys) DropFKeysFor(context.Context, *tablestate.Table) error {
	n.calls++
	return nil
}

type fakeSpawner struct{ spawned []string }

func (f *fakeSpawner) SpawnCopyWorker(_ context.Context, t *tablestate.Table) error {
	f.spawned = append(f.spawned, t.Name)
	return nil
}

func TestSchedulerAdmitsMissingTableUpToParallelLimit(t *testing.T) {
	a := tablestate.NewTable("a", "a")
	b := tablestate.NewTable("b", "b")
	fk := &noopFKeys{}
	spawner := &fakeSpawner{}
	s := &Scheduler{
		Tables:         map[string]*tablestate.Table{"a": a, "b": b},
		ParallelCopies: 1,
		ProviderOK:     alwaysOK{},
		FKeys:          fk,
		Spawner:        spawner,
	}
	require.NoError(t, s.Run(context.Background(), 10))
	assert.Equal(t, []string{"a"}, spawner.spawned)
	assert.Equal(t, tablestate.InCopy, a.State)
	assert.Equal(t, tablestate.Missing, b.State)
	assert.Equal(t, 1, fk.calls)
}

func TestSchedulerDoesNotAdmitWhenDoSyncPending(t *testing.T) {
	a := tablestate.NewTable("a", "a")
	a.State = tablestate.WannaSync
	a.SyncTickID = 5
	require.NoError(t, a.Transition(tablestate.MainWorker, tablestate.DoSync, 10))

	b := tablestate.NewTable("b", "b")
	spawner := &fakeSpawner{}
	s := &Scheduler{
		Tables:         map[string]*tablestate.Table{"a": a, "b": b},
		ParallelCopies: 5,
		ProviderOK:     alwaysOK{},
		Spawner:        spawner,
	}
	require.NoError(t, s.Run(context.Background(), 10))
	assert.Empty(t, spawner.spawned)
}

func TestSchedulerPromotesWannaSyncWhenTickArrived(t *testing.T) {
	a := tablestate.NewTable("a", "a")
	a.State = tablestate.WannaSync
	a.SyncTickID = 5

	s := &Scheduler{
		Tables:         map[string]*tablestate.Table{"a": a},
		ParallelCopies: 1,
	}
	require.NoError(t, s.Run(context.Background(), 10))
	assert.Equal(t, tablestate.DoSync, a.State)
}

func TestSchedulerLeavesWannaSyncAloneBeforeItsTick(t *testing.T) {
	a := tablestate.NewTable("a", "a")
	a.State = tablestate.WannaSync
	a.SyncTickID = 50

	s := &Scheduler{
		Tables:         map[string]*tablestate.Table{"a": a},
		ParallelCopies: 1,
	}
	require.NoError(t, s.Run(context.Background(), 10))
	assert.Equal(t, tablestate.WannaSync, a.State)
}

func TestSchedulerSkipsTableWhoseProviderIsNotOK(t *testing.T) {
	a := tablestate.NewTable("a", "a")
	s := &Scheduler{
		Tables:         map[string]*tablestate.Table{"a": a},
		ParallelCopies: 1,
		ProviderOK:     notOK{},
	}
	require.NoError(t, s.Run(context.Background(), 10))
	assert.Equal(t, tablestate.Missing, a.State)
}

type notOK struct{}

func (notOK) IsProviderOK(context.Context, *tablestate.Table) (bool, error) { return false, nil }
