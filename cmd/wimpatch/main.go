// Command wimpatch builds, applies, merges, and inspects WIM differential
// patches (spec.md).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch"
	"github.com/wimpatch/wimpatch/internal/config"
	"github.com/wimpatch/wimpatch/internal/container"
	"github.com/wimpatch/wimpatch/internal/janitor"
	"github.com/wimpatch/wimpatch/internal/oninterrupt"
)

var (
	debug      = flag.Bool("debug", false, "enable debug mode: format error messages with additional detail")
	bufferSize = flag.Int("buffer-size", config.DefaultBufferSize, "buffer size, in bytes, used for streaming copy/compare/codec I/O")
	scratchDir = flag.String("scratchdir", "", "process-wide scratch directory for mounts and working trees (default: a randomized subdirectory of the OS temp dir)")
	language   = flag.String("language", "en", "UI language (en, zh-CN, zh-TW, ja-JP); accepted but inert, core text is always English")
)

// cliEnv bundles the process-wide state every subcommand needs.
type cliEnv struct {
	cfg     *config.Config
	adapter container.Adapter
}

type cmd struct {
	fn func(ctx context.Context, env *cliEnv, args []string) error
}

func funcmain() error {
	flag.Parse()

	cfg, err := config.New(*bufferSize, *debug, *scratchDir, *language)
	if err != nil {
		return xerrors.Errorf("initializing configuration: %w", err)
	}
	wimpatch.RegisterAtExit(cfg.Cleanup)

	env := &cliEnv{
		cfg:     cfg,
		adapter: container.NewAdapter(),
	}

	// RunAtExit only fires on a clean return, so a SIGINT received mid-run
	// (e.g. while create/apply is inside dirdiff.Compare) would otherwise
	// skip cfg.Cleanup and leave the scratch tree behind. On interrupt, sweep
	// stale mount records and remove the scratch state before exiting.
	oninterrupt.Register(func() {
		results, err := janitor.Sweep(env.adapter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "on-interrupt cleanup: %v\n", err)
		}
		for _, r := range results {
			if r.Err != nil {
				fmt.Fprintf(os.Stderr, "on-interrupt cleanup: %s (index %d): %v\n", r.Info.MountPath, r.Info.Index, r.Err)
			}
		}
		if err := cfg.Cleanup(); err != nil {
			fmt.Fprintf(os.Stderr, "on-interrupt cleanup: removing scratch state: %v\n", err)
		}
	})

	verbs := map[string]cmd{
		"create": {cmdCreate},
		"apply":  {cmdApply},
		"merge":  {cmdMerge},
		"info":   {cmdInfo},
		"clean":  {cmdClean},
	}

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "syntax: wimpatch [-flags] <command> [options]")
		fmt.Fprintln(os.Stderr, "commands: create, apply, merge, info, clean")
		os.Exit(2)
	}
	verb, rest := args[0], args[1:]

	if verb == "help" {
		fmt.Fprintln(os.Stderr, "wimpatch [-flags] <command> [-flags] <args>")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "To get help on any command, use wimpatch <command> -help.")
		fmt.Fprintln(os.Stderr)
		fmt.Fprintln(os.Stderr, "\tcreate - build a differential patch between two WIM images")
		fmt.Fprintln(os.Stderr, "\tapply  - apply a chain of patches onto a base WIM")
		fmt.Fprintln(os.Stderr, "\tmerge  - concatenate several patch WIMs into one")
		fmt.Fprintln(os.Stderr, "\tinfo   - render a patch WIM's embedded manifests")
		fmt.Fprintln(os.Stderr, "\tclean  - sweep up stale mount records known to this process")
		os.Exit(2)
	}

	v, ok := verbs[verb]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command %q\n", verb)
		fmt.Fprintln(os.Stderr, "syntax: wimpatch <command> [options]")
		os.Exit(2)
	}

	ctx, canc := wimpatch.InterruptibleContext()
	defer canc()

	if err := v.fn(ctx, env, rest); err != nil {
		if *debug {
			return fmt.Errorf("%s: %+v", verb, err)
		}
		return fmt.Errorf("%s: %v", verb, err)
	}

	return wimpatch.RunAtExit()
}

func main() {
	if err := funcmain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
