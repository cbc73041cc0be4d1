package repository

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/saiset-co/sai-school/types"
	"github.com/saiset-co/sai-school/utils"
)

const (
	keySeparator      = ":"
	identityQualifier = "info"
	optionsHashLength = 16
)

// Key joins entity, qualifier and discriminators into `<entity>:<qualifier>:<part>...`.
func Key(entity, qualifier string, parts ...string) string {
	var b strings.Builder
	b.WriteString(entity)
	b.WriteString(keySeparator)
	b.WriteString(qualifier)
	for _, part := range parts {
		b.WriteString(keySeparator)
		b.WriteString(part)
	}
	return b.String()
}

// IdentityKey is the secondary entry for a single entity.
func IdentityKey(entity, id string) string {
	return Key(entity, identityQualifier, id)
}

// OptionsKey derives a key for a parameterized query. Options are serialized
// with sorted map keys so equal option sets always hash to the same key.
func OptionsKey(entity, qualifier, scope string, options interface{}) (string, error) {
	raw, err := utils.MarshalCanonical(options)
	if err != nil {
		return "", types.WrapError(err, "failed to serialize query options")
	}

	sum := sha256.Sum256(raw)
	hash := hex.EncodeToString(sum[:])[:optionsHashLength*2]

	if scope == "" {
		return Key(entity, qualifier, hash), nil
	}
	return Key(entity, qualifier, scope, hash), nil
}

// keyFamily keeps the first two segments, used as a bounded metric tag.
func keyFamily(key string) string {
	first := strings.Index(key, keySeparator)
	if first < 0 {
		return key
	}
	second := strings.Index(key[first+1:], keySeparator)
	if second < 0 {
		return key
	}
	return key[:first+1+second]
}
