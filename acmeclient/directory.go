// Package acmeclient implements the RFC 8555 ACME order protocol against
// any conforming directory (Let's Encrypt and staging equivalents),
// using JWS-signed requests rather than go-acme/lego's own high-level
// Obtain() flow: the orchestrator needs to interleave DNS provisioning
// and propagation verification between challenge creation and
// challenge completion, which lego's all-in-one client does not expose.
package acmeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/caasmo/fleetcert"
)

const (
	// DirectoryURLProduction is Let's Encrypt's production ACME v2 directory.
	DirectoryURLProduction = "https://acme-v02.api.letsencrypt.org/directory"
	// DirectoryURLStaging is Let's Encrypt's staging ACME v2 directory, the
	// one cmd/renew uses when LETSENCRYPT_STAGING is unset or "true"
	// (spec.md §4.2).
	DirectoryURLStaging = "https://acme-staging-v02.api.letsencrypt.org/directory"
)

// Directory mirrors the ACME directory object (RFC 8555 §7.1.1).
type Directory struct {
	NewNonceURL   string `json:"newNonce"`
	NewAccountURL string `json:"newAccount"`
	NewOrderURL   string `json:"newOrder"`
	RevokeCertURL string `json:"revokeCert"`
	KeyChangeURL  string `json:"keyChange"`
}

// Identifier is one DNS name an order or authorization is scoped to.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Challenge is one authorization challenge (only dns-01 is ever solved
// here; other types present in a response are ignored).
type Challenge struct {
	Type   string `json:"type"`
	URL    string `json:"url"`
	Token  string `json:"token"`
	Status string `json:"status"`
}

// Authorization is the per-identifier authorization resource fetched
// from an order's authorization urls.
type Authorization struct {
	Status     string      `json:"status"`
	Identifier Identifier  `json:"identifier"`
	Challenges []Challenge `json:"challenges"`
}

// DNS01Challenge returns the dns-01 challenge within auth, if present.
func (a Authorization) DNS01Challenge() (Challenge, bool) {
	for _, c := range a.Challenges {
		if c.Type == "dns-01" {
			return c, true
		}
	}
	return Challenge{}, false
}

// Problem is an RFC 7807 problem document, returned by the authority on
// error and embedded in an invalid order's Error field.
type Problem struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
	Status int    `json:"status"`
}

func (p Problem) Error() string {
	return fmt.Sprintf("%s: %s", p.Type, p.Detail)
}

// Order is the ACME order resource (RFC 8555 §7.1.3). URL is populated
// from the response's Location header, not the JSON body.
type Order struct {
	URL            string       `json:"-"`
	Status         string       `json:"status"`
	Identifiers    []Identifier `json:"identifiers"`
	Authorizations []string     `json:"authorizations"`
	Finalize       string       `json:"finalize"`
	Certificate    string       `json:"certificate,omitempty"`
	Error          *Problem     `json:"error,omitempty"`
}

type accountMessage struct {
	Contact              []string `json:"contact,omitempty"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed,omitempty"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting,omitempty"`
	Status               string   `json:"status,omitempty"`
}

type orderMessage struct {
	Identifiers []Identifier `json:"identifiers"`
}

type csrMessage struct {
	CSR string `json:"csr"`
}

type emptyMessage struct{}

func fetchDirectory(ctx context.Context, httpClient *http.Client, directoryURL string) (Directory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, directoryURL, nil)
	if err != nil {
		return Directory{}, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Directory{}, &fleetcert.AcmeProtocolError{URL: directoryURL, Status: 0, Problem: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Directory{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Directory{}, &fleetcert.AcmeProtocolError{URL: directoryURL, Status: resp.StatusCode, Problem: string(body)}
	}

	var dir Directory
	if err := json.Unmarshal(body, &dir); err != nil {
		return Directory{}, fmt.Errorf("acmeclient: decode directory: %w", err)
	}
	if dir.NewAccountURL == "" || dir.NewOrderURL == "" || dir.NewNonceURL == "" {
		return Directory{}, fmt.Errorf("acmeclient: directory at %s missing required urls", directoryURL)
	}
	return dir, nil
}
