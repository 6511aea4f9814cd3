package container

import "strings"

// DefaultFilter returns a Filter that rejects any path containing one of
// denylist's entries as a case-insensitive substring, grounded on
// original_source/src/patch.rs's CreatePatchCallback and wimgapi.rs's
// message-callback doc comment, which both list the same Windows
// system-file denylist (spec.md §4.4 "Capture filter").
func DefaultFilter(denylist []string) Filter {
	lowered := make([]string, len(denylist))
	for i, d := range denylist {
		lowered[i] = strings.ToLower(d)
	}
	return func(path string) bool {
		lp := strings.ToLower(path)
		for _, d := range lowered {
			if strings.Contains(lp, d) {
				return false
			}
		}
		return true
	}
}

// AllowAll is the no-op Filter used where no exclusions apply, such as the
// reference adapter's Commit and a Capture called with a nil filter.
func AllowAll(string) bool { return true }
