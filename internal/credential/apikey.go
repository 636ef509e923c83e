package credential

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"regexp"

	"github.com/cajpany/tinycdp/internal/model"
)

// HashKey computes the at-rest form of a raw API key (model.APIKey.HashOfKey);
// the raw secret is never stored or compared directly.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// VerifyKey reports whether rawKey hashes to hashed, using a constant-time comparison
// so a timing side channel can't leak how many hash bytes match.
func VerifyKey(rawKey, hashed string) bool {
	computed := HashKey(rawKey)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(hashed)) == 1
}

var alphaPrefixRegex = regexp.MustCompile(`^[a-z][a-z][a-z]-`)

// Mask returns an obfuscated form of a raw key for safe inclusion in log lines:
// a three-letter kind prefix (if present) is kept, and everything else but the
// last five characters is replaced with '*'.
func Mask(rawKey string) string {
	if alphaPrefixRegex.MatchString(rawKey) {
		return rawKey[0:4] + Mask(rawKey[4:])
	}
	if len(rawKey) > 5 {
		masked := make([]byte, len(rawKey)-5)
		for i := range masked {
			masked[i] = '*'
		}
		return string(masked) + rawKey[len(rawKey)-5:]
	}
	return rawKey
}

// Authorizer resolves a raw key supplied on an HTTP request into its stored APIKey,
// the credential-resolution step of internal/httpapi's auth middleware.
type Authorizer struct {
	lookup func(hash string) (model.APIKey, bool, error)
}

// NewAuthorizer constructs an Authorizer backed by lookup, typically store.Store.GetAPIKeyByHash.
func NewAuthorizer(lookup func(hash string) (model.APIKey, bool, error)) *Authorizer {
	return &Authorizer{lookup: lookup}
}

// ErrNoSuchKey is returned when rawKey does not match any stored APIKey.
var ErrNoSuchKey = errKind("credential: no such key")

type errKind string

func (e errKind) Error() string { return string(e) }

// Resolve hashes rawKey, looks up the corresponding APIKey, and re-checks the match
// with VerifyKey's constant-time comparison before trusting it: the lookup function is
// supplied by whichever store backend is configured, and this keeps the actual
// authentication decision independent of that backend's own equality semantics.
func (a *Authorizer) Resolve(rawKey string) (model.APIKey, error) {
	key, found, err := a.lookup(HashKey(rawKey))
	if err != nil {
		return model.APIKey{}, err
	}
	if !found || !VerifyKey(rawKey, key.HashOfKey) {
		return model.APIKey{}, ErrNoSuchKey
	}
	return key, nil
}
