package secrets

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mattjoyce/actiond/internal/log"
)

const (
	ccpAccountsPath = "/AIMWebService/api/Accounts"
	ccpTimeout      = 30 * time.Second
)

// CyberArkCCP resolves references against a CyberArk Central Credential
// Provider using client-certificate authentication.
// Reference grammar: ^<safe>/<object>.
type CyberArkCCP struct {
	ps     *ProtectedSecrets
	client *retryablehttp.Client
	tlsErr error
}

// NewCyberArkCCP builds the provider. The client certificate and key are
// PEM files named by the PAM_CLIENT_CERT / PAM_CLIENT_KEY protected secrets.
func NewCyberArkCCP(ps *ProtectedSecrets) *CyberArkCCP {
	c := &CyberArkCCP{ps: ps}
	client := retryablehttp.NewClient()
	client.RetryMax = 2
	client.HTTPClient.Timeout = ccpTimeout
	client.Logger = nil

	transport := transportFor(ps)
	certFile, keyFile := ps.Get(KeyPAMClientCert), ps.Get(KeyPAMClientKey)
	if certFile != "" && keyFile != "" {
		cert, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			c.tlsErr = fmt.Errorf("load CCP client certificate: %w", err)
		} else {
			if transport.TLSClientConfig == nil {
				transport.TLSClientConfig = &tls.Config{}
			}
			transport.TLSClientConfig.Certificates = []tls.Certificate{cert}
		}
	}
	client.HTTPClient.Transport = transport
	c.client = client
	return c
}

type ccpResponse struct {
	Content      string `json:"Content"`
	ErrorCode    string `json:"ErrorCode"`
	ErrorMessage string `json:"ErrorMsg"`
}

func (c *CyberArkCCP) fetch(safe, object string) (string, error) {
	if c.tlsErr != nil {
		return "", c.tlsErr
	}
	if missing := c.ps.Missing(KeyPAMAddress, KeyPAMAppID); len(missing) > 0 {
		return "", fmt.Errorf("missing required protected secrets: %s", strings.Join(missing, ", "))
	}

	query := url.Values{}
	query.Set("AppID", c.ps.Get(KeyPAMAppID))
	query.Set("Query", fmt.Sprintf("Safe=%s;Object=%s", safe, object))

	endpoint := strings.TrimRight(c.ps.Get(KeyPAMAddress), "/") + ccpAccountsPath + "?" + query.Encode()
	resp, err := c.client.Get(endpoint)
	if err != nil {
		return "", fmt.Errorf("ccp request: %w", err)
	}
	defer resp.Body.Close()

	var body ccpResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("ccp response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ccp returned %d: %s %s", resp.StatusCode, body.ErrorCode, body.ErrorMessage)
	}
	return body.Content, nil
}

func (c *CyberArkCCP) Get(reference, def string) string {
	parts := strings.SplitN(stripPrefix(reference), "/", 2)
	if len(parts) != 2 {
		log.Error("ccp reference must be ^<safe>/<object>", "reference", reference)
		return def
	}
	content, err := c.fetch(parts[0], parts[1])
	if err != nil {
		log.Error("ccp lookup failed", "reference", reference, "error", err)
		return def
	}
	return content
}

// SelfTest verifies required protected secrets and the client certificate.
// It does not fetch a credential because there is no harmless probe object.
func (c *CyberArkCCP) SelfTest() (bool, string) {
	if c.tlsErr != nil {
		return false, c.tlsErr.Error()
	}
	if missing := c.ps.Missing(KeyPAMAddress, KeyPAMAppID, KeyPAMClientCert, KeyPAMClientKey); len(missing) > 0 {
		return false, "missing required protected secrets: " + strings.Join(missing, ", ")
	}
	return true, ""
}
