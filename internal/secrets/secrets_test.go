package secrets

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testProtected(values map[string]string) *ProtectedSecrets {
	return &ProtectedSecrets{
		getenv: func(k string) string { return values[k] },
		keyring: func(service, key string) (string, error) {
			return "", fmt.Errorf("not found")
		},
	}
}

func TestProtectedSecretsEnvWinsOverKeyring(t *testing.T) {
	ps := &ProtectedSecrets{
		getenv: func(k string) string {
			if k == KeyPAMAppID {
				return "from-env"
			}
			return ""
		},
		keyring: func(service, key string) (string, error) {
			assert.Equal(t, protectedService, service)
			return "from-keyring", nil
		},
	}

	assert.Equal(t, "from-env", ps.Get(KeyPAMAppID))
	assert.Equal(t, "from-keyring", ps.Get(KeyPAMAddress))
}

func TestProtectedSecretsMissing(t *testing.T) {
	ps := testProtected(map[string]string{KeyPAMAddress: "https://vault"})
	missing := ps.Missing(KeyPAMAddress, KeyPAMAppID, KeyPAMSecretID)
	assert.Equal(t, []string{KeyPAMAppID, KeyPAMSecretID}, missing)
}

func TestKeyringGet(t *testing.T) {
	k := &Keyring{
		ps: testProtected(nil),
		get: func(service, key string) (string, error) {
			assert.Equal(t, keyringService, service)
			if key == "dbpass" {
				return "hunter2", nil
			}
			return "", fmt.Errorf("not found")
		},
	}

	assert.Equal(t, "hunter2", k.Get("^dbpass", "fallback"))
	assert.Equal(t, "fallback", k.Get("^other", "fallback"))
}

func TestVaultGetAndLeaseReuse(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case vaultLoginPath:
			logins.Add(1)
			var creds map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&creds))
			assert.Equal(t, "role-1", creds["role_id"])
			json.NewEncoder(w).Encode(map[string]any{
				"auth": map[string]any{"client_token": "tok-1", "lease_duration": 3600},
			})
		case "/v1/secret/data/db/creds":
			assert.Equal(t, "tok-1", r.Header.Get("X-Vault-Token"))
			json.NewEncoder(w).Encode(map[string]any{
				"data": map[string]any{
					"data":     map[string]any{"password": "s3cret"},
					"metadata": map[string]any{"version": 2},
				},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	v := NewVault(testProtected(map[string]string{
		KeyPAMAddress:  srv.URL,
		KeyPAMAppID:    "role-1",
		KeyPAMSecretID: "secret-1",
	}))

	assert.Equal(t, "s3cret", v.Get("^secret.db/creds.password", ""))
	assert.Equal(t, "s3cret", v.Get("^secret.db/creds.password", ""))
	assert.Equal(t, int32(1), logins.Load(), "token must be reused within lease")

	// malformed reference falls back to the default
	assert.Equal(t, "dflt", v.Get("^notenoughparts", "dflt"))
}

func TestVaultExpiredLeaseReauthenticates(t *testing.T) {
	var logins atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == vaultLoginPath {
			logins.Add(1)
			json.NewEncoder(w).Encode(map[string]any{
				"auth": map[string]any{"client_token": "tok", "lease_duration": 0},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"data": map[string]any{"f": "v"}},
		})
	}))
	defer srv.Close()

	v := NewVault(testProtected(map[string]string{
		KeyPAMAddress:  srv.URL,
		KeyPAMAppID:    "r",
		KeyPAMSecretID: "s",
	}))

	v.Get("^e.p.f", "")
	v.Get("^e.p.f", "")
	assert.GreaterOrEqual(t, logins.Load(), int32(2), "zero lease must force re-login")
}

func TestVaultSelfTestMissingSecrets(t *testing.T) {
	v := NewVault(testProtected(nil))
	ok, reason := v.SelfTest()
	assert.False(t, ok)
	assert.Contains(t, reason, KeyPAMAppID)
	assert.Contains(t, reason, KeyPAMSecretID)
	assert.Contains(t, reason, KeyPAMAddress)
}

func TestVaultDestroyedSecret(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == vaultLoginPath {
			json.NewEncoder(w).Encode(map[string]any{
				"auth": map[string]any{"client_token": "tok", "lease_duration": 3600},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"data":     map[string]any{},
				"metadata": map[string]any{"version": 3, "destroyed": true},
			},
		})
	}))
	defer srv.Close()

	v := NewVault(testProtected(map[string]string{
		KeyPAMAddress:  srv.URL,
		KeyPAMAppID:    "r",
		KeyPAMSecretID: "s",
	}))
	assert.Equal(t, "dflt", v.Get("^e.p.f", "dflt"))
}

func TestCachedResolverCoalesces(t *testing.T) {
	var hits atomic.Int32
	inner := resolverFunc(func(ref, def string) string {
		hits.Add(1)
		return "value"
	})
	c := newCached(inner)

	assert.Equal(t, "value", c.Get("^a", ""))
	assert.Equal(t, "value", c.Get("^a", ""))
	assert.Equal(t, int32(1), hits.Load())
}

func TestCachedResolverDoesNotCacheDefaults(t *testing.T) {
	var hits atomic.Int32
	inner := resolverFunc(func(ref, def string) string {
		hits.Add(1)
		return def
	})
	c := newCached(inner)

	c.Get("^a", "dflt")
	c.Get("^a", "dflt")
	assert.Equal(t, int32(2), hits.Load(), "failed lookups must not be cached")
}

func TestCachedResolverSelfTestPassesThrough(t *testing.T) {
	c := newCached(resolverFunc(func(ref, def string) string { return "" }))
	ok, reason := c.SelfTest()
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestCyberArkReferenceGrammar(t *testing.T) {
	c := NewCyberArkCCP(testProtected(nil))
	assert.Equal(t, "dflt", c.Get("^missing-slash", "dflt"))
}

func TestCyberArkFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ccpAccountsPath, r.URL.Path)
		assert.Equal(t, "app-1", r.URL.Query().Get("AppID"))
		assert.Equal(t, "Safe=prod;Object=db-cred", r.URL.Query().Get("Query"))
		json.NewEncoder(w).Encode(map[string]string{"Content": "p@ss"})
	}))
	defer srv.Close()

	c := NewCyberArkCCP(testProtected(map[string]string{
		KeyPAMAddress: srv.URL,
		KeyPAMAppID:   "app-1",
	}))
	assert.Equal(t, "p@ss", c.Get("^prod/db-cred", ""))
}

func TestNewUnknownProvider(t *testing.T) {
	_, err := New("nosuch")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nosuch")
}

// resolverFunc adapts a function to the Resolver interface for tests.
type resolverFunc func(reference, def string) string

func (f resolverFunc) Get(reference, def string) string { return f(reference, def) }
func (f resolverFunc) SelfTest() (bool, string)         { return true, "" }
