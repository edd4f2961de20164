// Package device implements the VOS appliance REST adapter (spec.md
// §4.5): CSR generation, identity certificate upload, and trust chain
// management over the appliance's /platformcom/api/v1/certmgr surface.
package device

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/caasmo/fleetcert"
)

// Credentials identifies the appliance and the HTTP Basic auth pair used
// to reach it.
type Credentials struct {
	Host     string
	Username string
	Password string
}

// CSRRequest is the body posted to the csr generation endpoint
// (spec.md §4.1.2 step 3, vos branch).
type CSRRequest struct {
	Service        string   `json:"service"`
	Distribution   string   `json:"distribution"`
	CommonName     string   `json:"commonName"`
	KeyType        string   `json:"keyType"`
	KeyLength      int      `json:"keyLength"`
	HashAlgorithm  string   `json:"hashAlgorithm"`
	AltNames       []string `json:"altNames,omitempty"`
}

// Client talks to one VOS appliance. Certificate validation is disabled
// because appliances routinely present a self-signed certificate before
// their own renewal completes, matching the teacher's own
// mail.go TLS client construction (InsecureSkipVerify when the peer's
// cert cannot yet be trusted).
type Client struct {
	httpClient *http.Client
}

// New builds a Client with a 30s per-request timeout and TLS
// verification disabled for appliance REST calls.
func New() *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
			},
		},
	}
}

func (c *Client) do(ctx context.Context, creds Credentials, method, path string, body any) (*http.Response, []byte, error) {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, nil, err
		}
		reader = bytes.NewReader(b)
	}

	url := "https://" + creds.Host + path
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, nil, err
	}
	req.SetBasicAuth(creds.Username, creds.Password)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, &fleetcert.DeviceApiError{Method: method, URL: url, Status: 0, Body: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, respBody, nil
}

// GenerateCSR requests a new CSR from the appliance for fqdn, with
// altNames as subject alternative names (spec.md §4.1.2 step 3).
func (c *Client) GenerateCSR(ctx context.Context, creds Credentials, fqdn string, altNames []string) (csrPEM string, err error) {
	reqBody := CSRRequest{
		Service:       "tomcat",
		Distribution:  "this-server",
		CommonName:    fqdn,
		KeyType:       "rsa",
		KeyLength:     2048,
		HashAlgorithm: "sha256",
		AltNames:      altNames,
	}

	resp, body, err := c.do(ctx, creds, http.MethodPost, "/platformcom/api/v1/certmgr/config/csr", reqBody)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", &fleetcert.DeviceApiError{Method: http.MethodPost, URL: creds.Host, Status: resp.StatusCode, Body: string(body)}
	}

	var decoded struct {
		Csr string `json:"csr"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("device: decode csr response: %w", err)
	}
	if decoded.Csr == "" {
		return "", fmt.Errorf("device: %w: csr response carried no csr field", fleetcert.ErrCsrFormatInvalid)
	}
	return decoded.Csr, nil
}

// UploadIdentityCertificate installs the signed leaf certificate
// (spec.md §4.1.2 step 12).
func (c *Client) UploadIdentityCertificate(ctx context.Context, creds Credentials, leafPEM string) error {
	body := map[string]any{
		"service":      "tomcat",
		"certificates": []string{leafPEM},
	}
	resp, respBody, err := c.do(ctx, creds, http.MethodPost, "/platformcom/api/v1/certmgr/config/identity/certificates", body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &fleetcert.DeviceApiError{Method: http.MethodPost, URL: creds.Host, Status: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

// ListTrustCertificates returns the trust chain certificates currently
// installed for the tomcat service. Failures are non-fatal per
// spec.md §4.5: an empty slice is returned instead of an error.
func (c *Client) ListTrustCertificates(ctx context.Context, creds Credentials) []string {
	resp, body, err := c.do(ctx, creds, http.MethodGet, "/platformcom/api/v1/certmgr/config/trust/certificate?service=tomcat", nil)
	if err != nil || resp.StatusCode != http.StatusOK {
		return nil
	}
	var decoded struct {
		Certificates []string `json:"certificates"`
	}
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil
	}
	return decoded.Certificates
}

// UploadTrustCertificates installs chainPEMs not already present on the
// appliance, comparing by normalized PEM equality (spec.md §4.5).
func (c *Client) UploadTrustCertificates(ctx context.Context, creds Credentials, chainPEMs []string) error {
	existing := c.ListTrustCertificates(ctx, creds)
	existingSet := make(map[string]struct{}, len(existing))
	for _, e := range existing {
		existingSet[normalizePEM(e)] = struct{}{}
	}

	var newOnly []string
	for _, p := range chainPEMs {
		if _, ok := existingSet[normalizePEM(p)]; !ok {
			newOnly = append(newOnly, p)
		}
	}
	if len(newOnly) == 0 {
		return nil
	}

	body := map[string]any{
		"service":      []string{"tomcat"},
		"certificates": newOnly,
		"description":  "Trust Certificate",
	}
	resp, respBody, err := c.do(ctx, creds, http.MethodPost, "/platformcom/api/v1/certmgr/config/trust/certificates", body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return &fleetcert.DeviceApiError{Method: http.MethodPost, URL: creds.Host, Status: resp.StatusCode, Body: string(respBody)}
	}
	return nil
}

func normalizePEM(pem string) string {
	return strings.TrimSpace(strings.ReplaceAll(pem, "\r\n", "\n"))
}

// SplitChain splits a downloaded certificate chain into its leaf (first
// certificate) and intermediates (the remainder), at "-----END
// CERTIFICATE-----" boundaries (spec.md §4.5).
func SplitChain(chainPEM []byte) (leaf string, intermediates []string) {
	const marker = "-----END CERTIFICATE-----"
	parts := strings.SplitAfter(string(chainPEM), marker)

	var blocks []string
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed == "" {
			continue
		}
		blocks = append(blocks, trimmed+"\n")
	}
	if len(blocks) == 0 {
		return "", nil
	}
	return blocks[0], blocks[1:]
}
