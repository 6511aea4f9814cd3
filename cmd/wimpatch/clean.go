package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/wimpatch/wimpatch/internal/janitor"
)

const cleanHelp = `wimpatch clean

Sweep up stale mounts: any mount record whose WIM file or mount directory
is no longer reachable is unmounted without committing. The reference
container adapter keeps mount records in memory for the life of one
process, so a separate "wimpatch clean" run finds no records left by an
earlier process.

Example:
  % wimpatch clean
`

func cmdClean(ctx context.Context, env *cliEnv, args []string) error {
	fset := flag.NewFlagSet("clean", flag.ExitOnError)
	fset.Usage = usage(fset, cleanHelp)
	fset.Parse(args)

	results, err := janitor.Sweep(env.adapter)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Err != nil {
			fmt.Printf("%s (index %d): FAILED: %v\n", r.Info.MountPath, r.Info.Index, r.Err)
			continue
		}
		fmt.Printf("%s (index %d): unmounted\n", r.Info.MountPath, r.Info.Index)
	}
	return nil
}
