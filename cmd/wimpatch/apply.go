package main

import (
	"context"
	"flag"

	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch/internal/patchapply"
)

const applyHelp = `wimpatch apply -base <path> -patch <path> -target <path> [-flags]

Apply a chain of patches found in -patch onto -base, writing the result to
-target.

Example:
  % wimpatch apply -base v1.wim -patch v1-to-v2.wimpatch -target v2.wim
`

func cmdApply(ctx context.Context, env *cliEnv, args []string) error {
	fset := flag.NewFlagSet("apply", flag.ExitOnError)
	fset.Usage = usage(fset, applyHelp)

	basePath := fset.String("base", "", "path to the base WIM")
	patchPath := fset.String("patch", "", "path to the patch WIM")
	outputPath := fset.String("target", "", "path to write the resulting WIM to")
	index := fset.Int("index", 0, "restrict application to the chain starting at this base image index (1-based); 0 applies every chain")
	force := fset.Bool("force", false, "proceed past a content-check mismatch or a failed operation instead of failing")
	exclude := fset.String("exclude", "", "comma-separated list of case-insensitive substrings to exclude from application")
	fset.Parse(args)

	if *basePath == "" || *patchPath == "" || *outputPath == "" {
		return xerrors.Errorf("apply: -base, -patch, and -target are required")
	}

	opts := patchapply.Options{
		BasePath:        *basePath,
		PatchPath:       *patchPath,
		OutputPath:      *outputPath,
		Force:           *force,
		ExcludePatterns: splitNonEmpty(*exclude),
	}
	if *index != 0 {
		idx := uint32(*index)
		opts.BaseIndex = &idx
	}

	return patchapply.New(env.adapter, env.cfg).Apply(opts)
}
