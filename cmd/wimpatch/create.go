package main

import (
	"context"
	"flag"
	"log"
	"strings"

	"golang.org/x/xerrors"

	"github.com/wimpatch/wimpatch/internal/codec"
	"github.com/wimpatch/wimpatch/internal/container"
	"github.com/wimpatch/wimpatch/internal/patchbuild"
)

const createHelp = `wimpatch create -base <path> -target <path> -out <path> [-flags]

Build a differential patch between a base and a target WIM.

Example:
  % wimpatch create -base v1.wim -target v2.wim -out v1-to-v2.wimpatch -storage zstd -version 1.0.0
`

func cmdCreate(ctx context.Context, env *cliEnv, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	fset.Usage = usage(fset, createHelp)

	basePath := fset.String("base", "", "path to the base WIM")
	index := fset.Int("index", 0, "image index (1-based) used for both base and target when they share one; 0 means omitted")
	baseIndex := fset.Int("base-index", 0, "base image index (1-based); use with -target-index instead of -index when base and target indices differ")
	targetPath := fset.String("target", "", "path to the target WIM")
	targetIndex := fset.Int("target-index", 0, "target image index (1-based); use with -base-index instead of -index when base and target indices differ")
	outputPath := fset.String("out", "", "path to write the patch WIM to")
	storage := fset.String("storage", string(codec.StorageZstd), "Modify artifact storage: full, zstd, or bsdiff")
	preset := fset.String("preset", string(codec.PresetMedium), "zstd compression preset: fast, medium, best, or extreme; ignored with a warning when -storage is bsdiff")
	version := fset.String("version", "0.1.0", "semantic version string stamped into the manifest")
	author := fset.String("author", "unknown", "author string stamped into the manifest")
	name := fset.String("name", "", "name stamped into the manifest and the captured image's NAME/DISPLAYNAME fields")
	description := fset.String("description", "", "description stamped into the manifest and the captured image's DESCRIPTION/DISPLAYDESCRIPTION fields")
	exclude := fset.String("exclude", "", "comma-separated list of case-insensitive substrings to exclude from the diff")
	compression := fset.String("compress", string(container.CompressionLzx), "patch WIM container compression: none, xpress, or lzx")
	fset.Parse(args)

	if *basePath == "" || *targetPath == "" || *outputPath == "" {
		return xerrors.Errorf("create: -base, -target, and -out are required")
	}
	if *index != 0 && (*baseIndex != 0 || *targetIndex != 0) {
		return xerrors.Errorf("create: -index is mutually exclusive with -base-index/-target-index")
	}
	if (*baseIndex == 0) != (*targetIndex == 0) {
		return xerrors.Errorf("create: -base-index and -target-index must both be given or both omitted")
	}

	st := codec.Storage(*storage)
	if !st.Valid() {
		return xerrors.Errorf("create: unknown -storage %q", *storage)
	}
	ps := codec.Preset(*preset)
	if _, err := codec.ZstdLevel(ps); err != nil {
		return xerrors.Errorf("create: %w", err)
	}
	if st == codec.StorageBsdiff {
		log.Printf("create: -preset is ignored because -storage is bsdiff")
	}
	comp, err := parseCompression(*compression)
	if err != nil {
		return xerrors.Errorf("create: %w", err)
	}

	opts := patchbuild.Options{
		BasePath:             *basePath,
		TargetPath:           *targetPath,
		OutputPath:           *outputPath,
		Storage:              st,
		Preset:               ps,
		Version:              *version,
		Author:               *author,
		Name:                 *name,
		Description:          *description,
		ExcludePatterns:      splitNonEmpty(*exclude),
		ContainerCompression: comp,
	}
	switch {
	case *index != 0:
		b := uint32(*index)
		t := uint32(*index)
		opts.BaseIndex = &b
		opts.TargetIndex = &t
	case *baseIndex != 0:
		b := uint32(*baseIndex)
		t := uint32(*targetIndex)
		opts.BaseIndex = &b
		opts.TargetIndex = &t
	}

	return patchbuild.New(env.adapter, env.cfg).Build(opts)
}

func parseCompression(s string) (container.CompressionType, error) {
	switch container.CompressionType(s) {
	case container.CompressionNone, container.CompressionXpress, container.CompressionLzx:
		return container.CompressionType(s), nil
	default:
		return "", xerrors.Errorf("unknown compression %q", s)
	}
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
