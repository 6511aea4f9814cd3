// Package patchapply implements PatchApplier: matching a base WIM's images
// against a patch WIM's manifests into ordered chains, then replaying each
// chain's operations onto a working copy of the base (spec.md §4.6).
package patchapply

import (
	"errors"
	"log"
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/wimpatch/wimpatch/internal/manifest"
)

// ErrChainMismatch is returned in normal (non-force) mode when a candidate
// patch's recorded base_image_info does not match the chain's current
// descriptor, per spec.md §4.6 step 5's content check.
var ErrChainMismatch = errors.New("patchapply: base image content does not match the patch's recorded base image")

// PatchEntry pairs one patch WIM image index with the manifest embedded in
// its XML.
type PatchEntry struct {
	Index    uint32
	Manifest *manifest.PatchManifest
}

// Chain is the result of walking forward from one base image through every
// patch that applies to it in sequence.
type Chain struct {
	// BaseIndex is the starting base image's 1-based index.
	BaseIndex uint32
	// Final is the image descriptor the chain arrives at after applying
	// every entry's operations.
	Final manifest.ImageInfo
	// Entries is the ordered list of patches to apply, oldest first.
	Entries []PatchEntry
}

// ResolveChains implements spec.md §4.6's matching and chaining algorithm.
// baseGUID is the base WIM's GUID, hex-encoded the same way PatchBuilder
// stamps manifest.BaseImageGuid. baseImages is every base image's
// descriptor, in WIM order. patches is every patch image found in the patch
// WIM, each already parsed into a manifest. baseIndexFilter restricts
// chaining to a single starting base index when non-nil. force downgrades a
// content-check mismatch from an error to a logged warning.
func ResolveChains(baseGUID string, baseImages []manifest.ImageInfo, patches []PatchEntry, baseIndexFilter *uint32, force bool) ([]Chain, error) {
	consumed := make([]bool, len(patches))
	var chains []Chain

	for _, base := range baseImages {
		if baseIndexFilter != nil && base.Index != *baseIndexFilter {
			continue
		}

		chain := Chain{BaseIndex: base.Index, Final: base}
		current := base
		for {
			idx, ok := nextCandidate(baseGUID, current, patches, consumed)
			if !ok {
				break
			}
			entry := patches[idx]

			if !current.Equal(entry.Manifest.BaseImageInfo) {
				if !force {
					return nil, ErrChainMismatch
				}
				log.Printf("patchapply: base image %d content does not match patch %s's recorded base image; proceeding (force)", current.Index, entry.Manifest.ID)
			}

			consumed[idx] = true
			chain.Entries = append(chain.Entries, entry)
			current = entry.Manifest.TargetImageInfo
		}

		chain.Final = current
		chains = append(chains, chain)
	}

	return chains, nil
}

// nextCandidate finds the lowest-patch_version unconsumed entry whose
// recorded base GUID and base image index match current, per spec.md §4.6
// steps 2-4.
func nextCandidate(baseGUID string, current manifest.ImageInfo, patches []PatchEntry, consumed []bool) (int, bool) {
	var candidates []int
	for i, p := range patches {
		if consumed[i] {
			continue
		}
		if !strings.EqualFold(p.Manifest.BaseImageGuid, baseGUID) {
			continue
		}
		if p.Manifest.BaseImageInfo.Index != current.Index {
			continue
		}
		candidates = append(candidates, i)
	}
	if len(candidates) == 0 {
		return 0, false
	}
	sort.Slice(candidates, func(a, b int) bool {
		pa, pb := patches[candidates[a]], patches[candidates[b]]
		va := normalizeVersion(pa.Manifest.PatchVersion)
		vb := normalizeVersion(pb.Manifest.PatchVersion)
		if c := semver.Compare(va, vb); c != 0 {
			return c < 0
		}
		// spec.md §5: ties broken by patch-image index.
		return pa.Index < pb.Index
	})
	return candidates[0], true
}

// normalizeVersion maps a manifest's free-form PatchVersion onto
// golang.org/x/mod/semver's expected "v"-prefixed form, treating anything
// that still fails validation as 0.0.0 per spec.md §4.6 step 4.
func normalizeVersion(v string) string {
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "v0.0.0"
	}
	return v
}
