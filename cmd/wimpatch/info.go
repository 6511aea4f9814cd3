package main

import (
	"context"
	"flag"
	"fmt"

	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch/internal/patchinfo"
)

const infoHelp = `wimpatch info <path> [-xml]

Render the manifests embedded in a patch WIM's images.

Example:
  % wimpatch info v1-to-v2.wimpatch
`

func cmdInfo(ctx context.Context, env *cliEnv, args []string) error {
	fset := flag.NewFlagSet("info", flag.ExitOnError)
	fset.Usage = usage(fset, infoHelp)

	xmlOut := fset.Bool("xml", false, "emit the raw manifest XML for each image instead of a pretty summary")
	fset.Parse(args)

	if fset.NArg() != 1 {
		return xerrors.Errorf("info: exactly one patch path argument is required")
	}
	patchPath := fset.Arg(0)

	out, err := patchinfo.Render(env.adapter, patchinfo.Options{PatchPath: patchPath, XML: *xmlOut})
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}
