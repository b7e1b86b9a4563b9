// Package tempid derives deterministic placeholder company identifiers for
// entities no authoritative source could resolve.
package tempid

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"strings"

	"github.com/sells-group/companyid/internal/model"
)

const (
	// Prefix marks an identifier as non-authoritative.
	Prefix = "IN"
	// digestBytes is the truncated HMAC length: 10 bytes = 80 bits = 16 base32 chars.
	digestBytes = 10
	// Width is the total identifier length including the prefix.
	Width = len(Prefix) + digestBytes*8/5
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generator derives temp identifiers with a keyed hash.
type Generator struct {
	secret []byte
}

// New creates a Generator. The secret must be non-empty and stable across runs,
// otherwise reruns would mint different identities for the same entity.
func New(secret string) (*Generator, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, model.NewConfigurationError(nil, "tempid: secret is required")
	}
	return &Generator{secret: []byte(secret)}, nil
}

// Derive returns the temp identifier for an already-normalized name, or "" for
// an empty name.
func (g *Generator) Derive(normalizedName string) string {
	if normalizedName == "" {
		return ""
	}
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(normalizedName))
	sum := mac.Sum(nil)
	return Prefix + encoding.EncodeToString(sum[:digestBytes])
}

// IsTemp reports whether id has the shape of a temp identifier.
func IsTemp(id string) bool {
	if len(id) != Width || !strings.HasPrefix(id, Prefix) {
		return false
	}
	_, err := encoding.DecodeString(id[len(Prefix):])
	return err == nil
}
