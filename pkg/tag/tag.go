// Package tag implements the mutable name-to-object mapping layered on
// top of the immutable content store: a trie of "/"-separated
// components, each leaf entry optionally scoped to a remote and given a
// lifetime, plus pattern matching for version-aware lookups.
package tag

import (
	"strings"

	"github.com/tangramdotdev/tangram/pkg/object"
	"github.com/tangramdotdev/tangram/pkg/tgerror"
)

// Tag is a "/"-separated name, e.g. "std/json" or "std/json/1.2.3".
type Tag string

// Components splits a tag into its path segments.
func (t Tag) Components() []string {
	if t == "" {
		return nil
	}
	return strings.Split(string(t), "/")
}

func Join(components ...string) Tag {
	return Tag(strings.Join(components, "/"))
}

// Entry is what a tag resolves to: the object it names, the remote it
// was last synced from (empty for a purely local tag), and an optional
// expiry after which it is no longer returned by List/Get.
type Entry struct {
	Tag      Tag
	Object   object.Id
	Remote   string
	TTLNanos int64 // 0 means no expiry
	SetAt    int64 // unix nanos, used to evaluate TTLNanos
}

func (e Entry) expired(now int64) bool {
	return e.TTLNanos > 0 && now-e.SetAt > e.TTLNanos
}

func validateComponent(c string) error {
	if c == "" {
		return tgerror.New(tgerror.Invalid, "tag.validateComponent", "empty tag component")
	}
	if strings.ContainsAny(c, "\x00") {
		return tgerror.New(tgerror.Invalid, "tag.validateComponent", "tag component contains NUL")
	}
	return nil
}

// Validate checks that every component of t is non-empty and free of
// characters that would make it ambiguous as a trie path segment.
func Validate(t Tag) error {
	comps := t.Components()
	if len(comps) == 0 {
		return tgerror.New(tgerror.Invalid, "tag.Validate", "empty tag")
	}
	for _, c := range comps {
		if err := validateComponent(c); err != nil {
			return err
		}
	}
	return nil
}
