// Package identity resolves the caller of a turn to a stable identity.
//
// An identity is either an authenticated user (positive id), an anonymous
// caller fingerprinted from its network origin (negative id) or None. The
// value is carried through the pipeline as-is and only flattened to
// (kind, id) columns at the storage boundary.
package identity

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"golang.org/x/crypto/blake2b"

	"github.com/suPer8Hu/supportbot/internal/auth"
)

type Kind uint8

const (
	KindNone Kind = iota
	KindAuthenticated
	KindAnonymous
)

func (k Kind) String() string {
	switch k {
	case KindAuthenticated:
		return "user"
	case KindAnonymous:
		return "anonymous"
	default:
		return "none"
	}
}

type Identity struct {
	kind Kind
	id   int64
}

// None is the sentinel for a caller with neither token nor origin.
var None = Identity{}

func Authenticated(uid uint64) Identity {
	if uid == 0 || uid > math.MaxInt64 {
		return None
	}
	return Identity{kind: KindAuthenticated, id: int64(uid)}
}

// Anonymous derives the fingerprint identity for a network origin.
func Anonymous(origin string) Identity {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return None
	}
	return Identity{kind: KindAnonymous, id: Fingerprint(origin)}
}

// Fingerprint maps origin into [-(2^31-1), -1]. The same origin always yields
// the same value and zero is never produced.
func Fingerprint(origin string) int64 {
	sum := blake2b.Sum256([]byte(origin))
	n := binary.BigEndian.Uint32(sum[:4]) % math.MaxInt32
	return -(int64(n) + 1)
}

func (i Identity) Kind() Kind { return i.kind }
func (i Identity) IsAuthenticated() bool { return i.kind == KindAuthenticated }
func (i Identity) IsAnonymous() bool { return i.kind == KindAnonymous }
func (i Identity) IsNone() bool { return i.kind == KindNone }
func (i Identity) Equal(o Identity) bool { return i.kind == o.kind && i.id == o.id }
func (i Identity) StorageKey() (string, int64) { return i.kind.String(), i.id }

// UserID returns the authenticated user id.
func (i Identity) UserID() (uint64, bool) {
	if i.kind != KindAuthenticated {
		return 0, false
	}
	return uint64(i.id), true
}

func (i Identity) Fingerprint() (int64, bool) {
	if i.kind != KindAnonymous {
		return 0, false
	}
	return i.id, true
}

func (i Identity) String() string {
	switch i.kind {
	case KindAuthenticated:
		return fmt.Sprintf("user:%d", i.id)
	case KindAnonymous:
		return fmt.Sprintf("anon:%d", i.id)
	default:
		return "none"
	}
}

// FromStorage rebuilds an identity from its (kind, id) column pair.
func FromStorage(kind string, id int64) Identity {
	switch kind {
	case "user":
		if id > 0 {
			return Identity{kind: KindAuthenticated, id: id}
		}
	case "anonymous":
		if id < 0 {
			return Identity{kind: KindAnonymous, id: id}
		}
	}
	return None
}

type Resolver struct {
	secret string
}

func NewResolver(jwtSecret string) *Resolver {
	return &Resolver{secret: jwtSecret}
}

// Resolve never fails: an invalid or expired token degrades to the origin
// fingerprint.
func (r *Resolver) Resolve(token, origin string) Identity {
	token = strings.TrimSpace(token)
	if token != "" && r.secret != "" {
		if uid, err := auth.ParseJWT(token, r.secret); err == nil {
			if id := Authenticated(uid); !id.IsNone() {
				return id
			}
		}
	}
	return Anonymous(origin)
}
