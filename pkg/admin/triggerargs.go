package admin

import (
	"github.com/block/londiste/pkg/handler"
)

// TriggerArgOptions collects the add-table/change-handler flags that
// fold into the trigger argument list (admin.py build_tgargs).
type TriggerArgOptions struct {
	// TriggerFlags is the BAIUDLQ-style flag string for "--trigger-flags".
	TriggerFlags string
	// TriggerArgs holds one entry per repeated "--trigger-arg".
	TriggerArgs []string
	NoTriggers  bool
	MergeAll    bool
	NoMerge     bool
	ExpectSync  bool
}

// BuildTriggerArgs folds the explicit CLI flags, the repeated
// --trigger-arg values, and finally whatever h.Add contributes, into one
// ordered argument list (SPEC_FULL.md §12: "explicit flags first, then
// repeated --trigger-arg, then handler-contributed" — a deliberately
// different order from admin.py's build_tgargs, which puts --trigger-arg
// first; the flag-then-handler ordering here keeps the handler's
// contribution, which can depend on the flags already present, always
// last).
func BuildTriggerArgs(opts TriggerArgOptions, h handler.Handler) []string {
	var args []string
	if opts.TriggerFlags != "" {
		args = append(args, "tgflags="+opts.TriggerFlags)
	}
	if opts.NoTriggers {
		args = append(args, "no_triggers")
	}
	if opts.MergeAll {
		args = append(args, "merge_all")
	}
	if opts.NoMerge {
		args = append(args, "no_merge")
	}
	if opts.ExpectSync {
		args = append(args, "expect_sync")
	}
	args = append(args, opts.TriggerArgs...)
	if h != nil {
		args = h.Add(args)
	}
	return args
}
