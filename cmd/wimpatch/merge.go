package main

import (
	"context"
	"flag"

	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch/internal/merge"
)

const mergeHelp = `wimpatch merge -out <path> <patch1> <patch2> ...

Concatenate several patch WIMs' images, in argument order, into a single
output WIM. No manifest rewriting occurs.

Example:
  % wimpatch merge -out combined.wimpatch a.wimpatch b.wimpatch
`

func cmdMerge(ctx context.Context, env *cliEnv, args []string) error {
	fset := flag.NewFlagSet("merge", flag.ExitOnError)
	fset.Usage = usage(fset, mergeHelp)

	outputPath := fset.String("out", "", "path to write the merged WIM to")
	compression := fset.String("compress", "lzx", "merged WIM container compression: none, xpress, or lzx")
	fset.Parse(args)

	inputs := fset.Args()
	if *outputPath == "" || len(inputs) == 0 {
		return xerrors.Errorf("merge: -out and at least one input patch path are required")
	}

	comp, err := parseCompression(*compression)
	if err != nil {
		return xerrors.Errorf("merge: %w", err)
	}

	return merge.New(env.adapter).Merge(merge.Options{
		InputPaths:           inputs,
		OutputPath:           *outputPath,
		ContainerCompression: comp,
	})
}
