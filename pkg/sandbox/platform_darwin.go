//go:build darwin

package sandbox

// bindMountHeuristics lists path fragments that are fragile for
// hard-link-based materialization on macOS: APFS rejects hard links
// across an ".app" bundle's Contents directory in some sandboxed
// configurations. checkBindMountHeuristics logs a warning for any
// native-mode argument containing one; nothing is bind-mounted. Per SPEC_FULL.md
// §9 Open Question 2, this is a heuristic table, not an invariant.
var bindMountHeuristics = map[string]bool{
	".app/Contents": true,
}
