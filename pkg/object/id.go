// Package object implements the content-addressed node types described in
// SPEC_FULL.md §3: the id scheme, the canonical per-kind byte codec, and
// the node bodies themselves (blob, directory, file, symlink, graph,
// command, process, error).
package object

import (
	"fmt"
	"strings"

	"github.com/tangramdotdev/tangram/pkg/tgerror"
	"golang.org/x/crypto/blake2b"
)

// Kind tags the type of node an Id addresses.
type Kind uint8

const (
	KindBlobLeaf Kind = iota + 1
	KindBlobBranch
	KindDirectory
	KindFile
	KindSymlink
	KindGraph
	KindCommand
	KindProcess
	KindError
)

var kindPrefix = map[Kind]string{
	KindBlobLeaf:   "lef",
	KindBlobBranch: "bch",
	KindDirectory:  "dir",
	KindFile:       "fil",
	KindSymlink:    "sym",
	KindGraph:      "gph",
	KindCommand:    "cmd",
	KindProcess:    "pcs",
	KindError:      "err",
}

var prefixKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindPrefix))
	for k, p := range kindPrefix {
		m[p] = k
	}
	return m
}()

func (k Kind) String() string {
	if p, ok := kindPrefix[k]; ok {
		return p
	}
	return "unk"
}

// version is the id scheme version embedded in every displayed id. Bumping
// it would change every id in the system, so it is a fixed constant.
const version = 0

// digestSize is the output length of the id digest (256 bits).
const digestSize = 32

// Id is a type-tagged content identifier: kind, scheme version, and a
// fixed-width digest of a node's canonical serialization.
type Id struct {
	kind   Kind
	digest [digestSize]byte
}

// New constructs an Id from a kind and a raw (not yet length-checked)
// digest, as produced by Digest.
func New(kind Kind, digest []byte) (Id, error) {
	if len(digest) != digestSize {
		return Id{}, tgerror.New(tgerror.Invalid, "object.New", fmt.Sprintf("digest must be %d bytes, got %d", digestSize, len(digest)))
	}
	var id Id
	id.kind = kind
	copy(id.digest[:], digest)
	return id, nil
}

// Digest hashes canonical bytes to the fixed-width digest used in ids.
// BLAKE2b-256 is used rather than SHA-256 proper because it is faster on
// the chunk sizes the blob codec produces and needs no block padding
// subtlety for streaming; either is a valid 256-bit cryptographic hash
// and the choice only needs to be fixed.
func Digest(canonical []byte) [digestSize]byte {
	return blake2b.Sum256(canonical)
}

// Of builds the Id for a node kind from its canonical serialization.
func Of(kind Kind, canonical []byte) Id {
	d := Digest(canonical)
	return Id{kind: kind, digest: d}
}

// DigestSize is the fixed byte length of every id's digest.
func DigestSize() int { return digestSize }

func (id Id) Kind() Kind { return id.kind }

// Bytes returns the digest bytes (not including kind/version).
func (id Id) Bytes() []byte {
	b := make([]byte, digestSize)
	copy(b, id.digest[:])
	return b
}

func (id Id) IsZero() bool {
	return id.kind == 0
}

// String displays the id as "<kind prefix>_0<base32-no-padding(digest)>",
// the digest written in base32Alphabet (a-z, 2-7). Round-trips through
// Parse.
func (id Id) String() string {
	return fmt.Sprintf("%s_%d%s", id.kind.String(), version, encodeBase32(id.digest[:]))
}

// Parse is the inverse of String.
func Parse(s string) (Id, error) {
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 || len(parts[1]) < 1 {
		return Id{}, tgerror.New(tgerror.Invalid, "object.Parse", "malformed id: "+s)
	}
	kind, ok := prefixKind[parts[0]]
	if !ok {
		return Id{}, tgerror.New(tgerror.Invalid, "object.Parse", "unknown kind prefix: "+parts[0])
	}
	rest := parts[1]
	gotVersion := rest[0]
	if gotVersion != '0'+version {
		return Id{}, tgerror.New(tgerror.Invalid, "object.Parse", "unsupported id version: "+string(gotVersion))
	}
	digest, err := decodeBase32(rest[1:])
	if err != nil {
		return Id{}, tgerror.Wrap(tgerror.Invalid, "object.Parse", err, "invalid digest encoding")
	}
	return New(kind, digest)
}

// base32Alphabet is the RFC4648 alphabet, lowercased and used without
// padding, for the
// human-displayed id form.
const base32Alphabet = "abcdefghijklmnopqrstuvwxyz234567"

func encodeBase32(b []byte) string {
	var sb strings.Builder
	var buf uint32
	var bits int
	for _, by := range b {
		buf = buf<<8 | uint32(by)
		bits += 8
		for bits >= 5 {
			bits -= 5
			sb.WriteByte(base32Alphabet[(buf>>uint(bits))&0x1f])
		}
	}
	if bits > 0 {
		sb.WriteByte(base32Alphabet[(buf<<uint(5-bits))&0x1f])
	}
	return sb.String()
}

func decodeBase32(s string) ([]byte, error) {
	rev := make(map[byte]uint32, len(base32Alphabet))
	for i := 0; i < len(base32Alphabet); i++ {
		rev[base32Alphabet[i]] = uint32(i)
	}
	var out []byte
	var buf uint32
	var bits int
	for i := 0; i < len(s); i++ {
		v, ok := rev[s[i]]
		if !ok {
			return nil, fmt.Errorf("invalid base32 character %q", s[i])
		}
		buf = buf<<5 | v
		bits += 5
		if bits >= 8 {
			bits -= 8
			out = append(out, byte(buf>>uint(bits)))
		}
	}
	return out, nil
}
