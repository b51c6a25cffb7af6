package tag

import (
	"strconv"
	"strings"
)

// version is a parsed major.minor.patch component, used when a tag's
// final path segment looks like a version number so that List/Get can
// order candidates numerically instead of lexicographically (lexical
// order would rank "10.0.0" before "9.0.0").
type version struct {
	parts []uint64
	ok    bool
	raw   string
}

func parseVersion(s string) version {
	fields := strings.Split(s, ".")
	parts := make([]uint64, 0, len(fields))
	for _, f := range fields {
		n, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			return version{ok: false, raw: s}
		}
		parts = append(parts, n)
	}
	return version{parts: parts, ok: true, raw: s}
}

// compare returns -1, 0, or 1 comparing v to other numerically,
// component by component, treating a missing trailing component as 0
// (so "1.2" == "1.2.0").
func (v version) compare(other version) int {
	n := len(v.parts)
	if len(other.parts) > n {
		n = len(other.parts)
	}
	for i := 0; i < n; i++ {
		var a, b uint64
		if i < len(v.parts) {
			a = v.parts[i]
		}
		if i < len(other.parts) {
			b = other.parts[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

// constraint is a version requirement parsed from a pattern component:
// "*" matches anything, "1.2.3" matches exactly, "^1.2.3" matches any
// version with the same leading nonzero component and >= the rest,
// ">=1.2.3" / "<1.2.3" bound one side only.
type constraint struct {
	op  string // "", "^", ">=", ">", "<=", "<", "*"
	ver version
}

func parseConstraint(s string) constraint {
	if s == "*" {
		return constraint{op: "*"}
	}
	for _, op := range []string{"^", ">=", "<=", ">", "<"} {
		if strings.HasPrefix(s, op) {
			return constraint{op: op, ver: parseVersion(strings.TrimPrefix(s, op))}
		}
	}
	return constraint{op: "", ver: parseVersion(s)}
}

func (c constraint) matches(v version) bool {
	if !v.ok && c.op != "*" {
		return false
	}
	switch c.op {
	case "*":
		return true
	case "":
		return v.compare(c.ver) == 0
	case ">=":
		return v.compare(c.ver) >= 0
	case ">":
		return v.compare(c.ver) > 0
	case "<=":
		return v.compare(c.ver) <= 0
	case "<":
		return v.compare(c.ver) < 0
	case "^":
		if len(c.ver.parts) == 0 {
			return true
		}
		if v.compare(c.ver) < 0 {
			return false
		}
		lead := 0
		for lead < len(c.ver.parts)-1 && c.ver.parts[lead] == 0 {
			lead++
		}
		for i := 0; i <= lead; i++ {
			var got uint64
			if i < len(v.parts) {
				got = v.parts[i]
			}
			if got != c.ver.parts[i] {
				return false
			}
		}
		return true
	default:
		return false
	}
}
