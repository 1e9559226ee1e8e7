// Sync scheduler: spec.md §4.6.1, run by the main worker once per batch
// (step 5 of the batch loop) before events are dispatched.
package replay

import (
	"context"
	"fmt"
	"sort"

	"github.com/block/londiste/pkg/tablestate"
)

// ProviderOKChecker reports whether a table's configured copy source is
// currently ok on the provider side, consulted before admitting a table
// into copy (spec.md §4.6.1 step 3).
type ProviderOKChecker interface {
	IsProviderOK(ctx context.Context, table *tablestate.Table) (bool, error)
}

// FKeyDropper drops every foreign key referencing or referenced by table,
// one ALTER per key, committed individually, before a missing->in-copy
// transition (spec.md §4.6 "Fkey management").
type FKeyDropper interface {
	DropFKeysFor(ctx context.Context, table *tablestate.Table) error
}

// CopySpawner starts a copy-worker subprocess for table (spec.md §4.7:
// "argv [exe, config, copy, table_name, -d]").
type CopySpawner interface {
	SpawnCopyWorker(ctx context.Context, table *tablestate.Table) error
}

// BatchAccumulation is the consumer's pgq_min_count/pgq_min_interval-style
// accumulation thresholds, temporarily disabled while a do-sync hand-off
// is pending (spec.md §4.6.1 step 2).
type BatchAccumulation interface {
	SetBatchThresholds(minCount int, minInterval float64)
	BatchThresholds() (minCount int, minInterval float64)
}

// Scheduler runs the sync-scheduler pass described in spec.md §4.6.1.
type Scheduler struct {
	Tables          map[string]*tablestate.Table
	ParallelCopies  int
	ProviderOK      ProviderOKChecker
	FKeys           FKeyDropper
	Spawner         CopySpawner
	Accumulation    BatchAccumulation

	pendingDoSync        bool
	savedMinCount        int
	savedMinInterval     float64
}

// Run executes one counter-pass-and-act cycle against cur_tick. It does
// not block; "wait for the copy worker to catch up" (step 1) is expressed
// by simply returning without further admission when any table is
// do-sync — the copy worker's own loop (pkg/copyworker) is what advances
// that table to ok on a later batch.
func (s *Scheduler) Run(ctx context.Context, curTick int64) error {
	counts := s.tally()

	// Step 1: if any table is do-sync, the hand-off is in progress; do
	// not admit new copies this pass.
	if counts[tablestate.DoSync] > 0 {
		return nil
	}

	// Step 2: promote wanna-sync tables whose sync_tick_id has arrived,
	// but only while small-batch delivery is guaranteed.
	promoted, err := s.promoteWannaSync(curTick)
	if err != nil {
		return err
	}
	if promoted {
		return nil
	}

	// Step 3: admission.
	return s.admitMissingTables(ctx, counts)
}

func (s *Scheduler) tally() map[tablestate.State]int {
	counts := map[tablestate.State]int{}
	for _, t := range s.Tables {
		slots := 1
		if t.MaxParallelCopy > 1 {
			slots = t.MaxParallelCopy
		}
		switch t.State {
		case tablestate.InCopy, tablestate.CatchingUp, tablestate.WannaSync, tablestate.DoSync:
			counts[t.State] += slots
		}
	}
	return counts
}

func (s *Scheduler) promoteWannaSync(curTick int64) (bool, error) {
	if s.Accumulation != nil {
		minCount, minInterval := s.Accumulation.BatchThresholds()
		if minCount != 0 || minInterval != 0 {
			// Accumulation thresholds active: small batches are not
			// guaranteed this pass. If a wanna-sync table is due, save the
			// thresholds and disable accumulation so a later pass can
			// promote it.
			for _, t := range s.Tables {
				if !s.pendingDoSync && t.State == tablestate.WannaSync && t.SyncTickID <= curTick {
					s.savedMinCount, s.savedMinInterval = minCount, minInterval
					s.Accumulation.SetBatchThresholds(0, 0)
					s.pendingDoSync = true
				}
			}
			return false, nil
		}
	}
	var promotedAny bool
	for _, name := range sortedNames(s.Tables) {
		t := s.Tables[name]
		if t.State != tablestate.WannaSync || t.SyncTickID > curTick {
			continue
		}
		if s.Accumulation != nil && !s.pendingDoSync {
			s.savedMinCount, s.savedMinInterval = s.Accumulation.BatchThresholds()
			s.Accumulation.SetBatchThresholds(0, 0)
			s.pendingDoSync = true
		}
		if err := t.Transition(tablestate.MainWorker, tablestate.DoSync, curTick); err != nil {
			return false, fmt.Errorf("replay: sync scheduler: %s: %w", name, err)
		}
		promotedAny = true
	}
	if !promotedAny && s.pendingDoSync && s.Accumulation != nil {
		s.Accumulation.SetBatchThresholds(s.savedMinCount, s.savedMinInterval)
		s.pendingDoSync = false
	}
	return promotedAny, nil
}

func (s *Scheduler) admitMissingTables(ctx context.Context, counts map[tablestate.State]int) error {
	inFlight := counts[tablestate.InCopy] + counts[tablestate.CatchingUp] + counts[tablestate.WannaSync] + counts[tablestate.DoSync]
	npossible := s.ParallelCopies - inFlight
	if npossible <= 0 {
		return nil
	}
	for _, name := range sortedNames(s.Tables) {
		if npossible <= 0 {
			return nil
		}
		t := s.Tables[name]
		if t.State != tablestate.Missing {
			continue
		}
		if s.ProviderOK != nil {
			ok, err := s.ProviderOK.IsProviderOK(ctx, t)
			if err != nil {
				return fmt.Errorf("replay: sync scheduler: %s: provider check: %w", name, err)
			}
			if !ok {
				continue
			}
		}
		if s.FKeys != nil {
			if err := s.FKeys.DropFKeysFor(ctx, t); err != nil {
				return fmt.Errorf("replay: sync scheduler: %s: drop fkeys: %w", name, err)
			}
		}
		if err := t.Transition(tablestate.MainWorker, tablestate.InCopy, 0); err != nil {
			return fmt.Errorf("replay: sync scheduler: %s: %w", name, err)
		}
		if s.Spawner != nil {
			if err := s.Spawner.SpawnCopyWorker(ctx, t); err != nil {
				return fmt.Errorf("replay: sync scheduler: %s: spawn copy worker: %w", name, err)
			}
		}
		npossible--
	}
	return nil
}

func sortedNames(tables map[string]*tablestate.Table) []string {
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
