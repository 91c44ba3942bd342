package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/subcommands"
	"github.com/sheikh-saqib/offline-ledger-sync/internal/orchestrator"
)

type syncCmd struct {
	strategy string
}

func (*syncCmd) Name() string     { return "sync" }
func (*syncCmd) Synopsis() string { return "run one sync strategy and print its result" }
func (*syncCmd) Usage() string {
	return `sync [-strategy full|incremental|smart|offline_recovery]

  Runs a single strategy against the configured remote store. Exits non-zero
  when the strategy did not succeed.
`
}

func (c *syncCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.strategy, "strategy", "smart", "sync strategy to run")
}

func (c *syncCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	strategy, err := orchestrator.ParseStrategy(c.strategy)
	if err != nil {
		return fail(err)
	}
	a, _, err := setup(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	res, err := runStrategy(ctx, a.orch, strategy)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(res); err != nil {
		return fail(err)
	}
	if !res.Success && !res.Delegated {
		fmt.Fprintf(os.Stderr, "%s sync failed (%s): %s\n", res.Strategy, res.Kind, res.Message())
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func runStrategy(ctx context.Context, o *orchestrator.Orchestrator, s orchestrator.Strategy) (orchestrator.Result, error) {
	switch s {
	case orchestrator.StrategyFull:
		return o.FullSync(ctx)
	case orchestrator.StrategyIncremental:
		return o.IncrementalSync(ctx)
	case orchestrator.StrategySmart:
		return o.SmartStartupSync(ctx)
	case orchestrator.StrategyOfflineRecovery:
		return o.OfflineRecoverySync(ctx)
	}
	return orchestrator.Result{}, fmt.Errorf("%s sync runs from local edits only", s)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
