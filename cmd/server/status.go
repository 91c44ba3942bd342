package main

import (
	"context"
	"flag"

	"github.com/google/subcommands"
)

type statusCmd struct{}

func (*statusCmd) Name() string     { return "status" }
func (*statusCmd) Synopsis() string { return "print the local sync state" }
func (*statusCmd) Usage() string {
	return `status

  Prints the persisted sync state of the local store: last sync times and
  the number of pending local changes.
`
}

func (*statusCmd) SetFlags(*flag.FlagSet) {}

func (*statusCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	a, _, err := setup(ctx)
	if err != nil {
		return fail(err)
	}
	defer a.Close()

	st, err := a.orch.Status(ctx)
	if err != nil {
		return fail(err)
	}
	if err := printJSON(st); err != nil {
		return fail(err)
	}
	return subcommands.ExitSuccess
}
