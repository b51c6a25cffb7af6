//go:build linux

package sandbox

// bindMountHeuristics lists path fragments that are fragile for
// hard-link-based materialization in native (no containerd) execution;
// checkBindMountHeuristics logs a warning for any argument containing
// one, and nothing is bind-mounted. Linux has no such special cases today; this table
// exists so platform_darwin.go's entries have a parallel home instead
// of an ad hoc runtime.GOOS switch at the call site. Per SPEC_FULL.md
// §9 Open Question 2, this is a heuristic, not an invariant.
var bindMountHeuristics = map[string]bool{}
