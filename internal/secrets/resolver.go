// Package secrets resolves configuration values that reference an external
// secrets provider. A value like ^secret.db/creds.password is handed to the
// configured provider; plain values never reach this package.
package secrets

import (
	"fmt"
	"strings"

	"github.com/mattjoyce/actiond/internal/log"
)

// Prefix marks a config value as a provider reference.
const Prefix = "^"

// Resolver is the uniform interface every secrets provider implements.
type Resolver interface {
	// Get resolves a full reference (still carrying the ^ prefix) and
	// returns def when the item cannot be found.
	Get(reference, def string) string

	// SelfTest verifies the provider is usable: required protected
	// secrets present and, where applicable, authentication succeeds.
	SelfTest() (bool, string)
}

// New constructs the provider named by the pam_type config option.
// An empty pamType selects the OS keyring.
func New(pamType string) (Resolver, error) {
	return newWithSecrets(pamType, NewProtectedSecrets())
}

func newWithSecrets(pamType string, ps *ProtectedSecrets) (Resolver, error) {
	var r Resolver
	switch strings.ToLower(pamType) {
	case "", "keyring":
		r = NewKeyring(ps)
	case "hashicorp", "vault":
		r = NewVault(ps)
	case "cyberark", "ccp":
		r = NewCyberArkCCP(ps)
	default:
		return nil, fmt.Errorf("unknown pam_type %q (keyring, hashicorp, cyberark)", pamType)
	}
	return newCached(r), nil
}

// Factory adapts New into the shape the config loader hooks accept:
// a plain resolve function that returns the original reference on failure.
func Factory(pamType string) (func(string) string, error) {
	r, err := New(pamType)
	if err != nil {
		return nil, err
	}
	return func(v string) string {
		resolved := r.Get(v, v)
		if resolved == v && strings.HasPrefix(v, Prefix) {
			log.Warn("secret reference could not be resolved", "reference", v)
		}
		return resolved
	}, nil
}

// stripPrefix removes the reference sigil.
func stripPrefix(reference string) string {
	return strings.TrimPrefix(reference, Prefix)
}
