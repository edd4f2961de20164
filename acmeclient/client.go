package acmeclient

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-jose/go-jose/v4"

	"github.com/caasmo/fleetcert"
)

// AccountStore is the subset of certstore.Store the ACME client needs to
// persist and recall per-(fqdn, environment) accounts, kept narrow so
// this package does not depend on certstore's filesystem layout.
type AccountStore interface {
	SaveAccount(fqdn, env, accountURL string, keyPEM []byte) error
	LoadAccount(fqdn, env string) (accountURL string, keyPEM []byte, ok bool, err error)
}

// Account is a registered ACME account: its signing key and the url the
// authority assigned it (spec.md §4.2).
type Account struct {
	URL string
	Key crypto.PrivateKey
}

// Client drives the RFC 8555 order protocol against one ACME directory.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	store      AccountStore

	directoryURL string
	dir          Directory
	nonces       *nonceSource
}

// New fetches the directory at directoryURL (DirectoryURLProduction or
// DirectoryURLStaging, selected by the caller per LETSENCRYPT_STAGING)
// and returns a ready Client.
func New(ctx context.Context, directoryURL string, store AccountStore, logger *slog.Logger) (*Client, error) {
	httpClient := &http.Client{Timeout: 30 * time.Second}

	dir, err := fetchDirectory(ctx, httpClient, directoryURL)
	if err != nil {
		return nil, err
	}

	return &Client{
		httpClient:   httpClient,
		logger:       logger.With("component", "acmeclient"),
		store:        store,
		directoryURL: directoryURL,
		dir:          dir,
		nonces:       &nonceSource{httpClient: httpClient, newNonceURL: dir.NewNonceURL},
	}, nil
}

// post signs payload with key/kid and POSTs it to url, decoding a JSON
// response into out (nil to discard the body). It returns the response
// headers so callers can read Location/Replay-Nonce.
func (c *Client) post(ctx context.Context, key crypto.PrivateKey, kid, url string, payload, out any) (http.Header, error) {
	var body []byte
	var err error
	if payload == nil {
		body = []byte("")
	} else {
		body, err = json.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}

	jws, err := c.signJWS(ctx, key, kid, url, body)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader([]byte(jws)))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/jose+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &fleetcert.AcmeProtocolError{URL: url, Status: 0, Problem: err.Error()}
	}
	defer resp.Body.Close()

	c.nonces.bank(resp.Header.Get("Replay-Nonce"))

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		var problem Problem
		_ = json.Unmarshal(respBody, &problem)
		return resp.Header, &fleetcert.AcmeProtocolError{URL: url, Status: resp.StatusCode, Problem: problem.Error()}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return resp.Header, fmt.Errorf("acmeclient: decode response from %s: %w", url, err)
		}
	}
	return resp.Header, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &fleetcert.AcmeProtocolError{URL: url, Status: 0, Problem: err.Error()}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return &fleetcert.AcmeProtocolError{URL: url, Status: resp.StatusCode, Problem: string(body)}
	}
	return json.Unmarshal(body, out)
}

// LoadAccount returns the previously registered account for (fqdn, env),
// or ok=false if CreateAccount has never run for that pair.
func (c *Client) LoadAccount(fqdn, env string) (account *Account, ok bool, err error) {
	accountURL, keyPEM, found, err := c.store.LoadAccount(fqdn, env)
	if err != nil || !found {
		return nil, false, err
	}
	key, err := parsePrivateKeyPEM(keyPEM)
	if err != nil {
		return nil, false, fmt.Errorf("acmeclient: parse stored account key for %s/%s: %w", fqdn, env, err)
	}
	return &Account{URL: accountURL, Key: key}, true, nil
}

// CreateAccount registers a new ACME account under email and persists
// it for (fqdn, env) so later renewals reuse it (spec.md §4.2).
func (c *Client) CreateAccount(ctx context.Context, fqdn, env, email string) (*Account, error) {
	if email == "" {
		return nil, fleetcert.ErrAccountNotConfigured
	}

	key, err := newAccountKey()
	if err != nil {
		return nil, err
	}

	msg := accountMessage{
		Contact:              []string{"mailto:" + email},
		TermsOfServiceAgreed: true,
	}
	var resp accountMessage
	hdr, err := c.post(ctx, key, "", c.dir.NewAccountURL, msg, &resp)
	if err != nil {
		return nil, err
	}
	accountURL := hdr.Get("Location")
	if accountURL == "" {
		return nil, fmt.Errorf("acmeclient: new-account response carried no Location header")
	}

	keyPEM, err := encodePrivateKeyPEM(key)
	if err != nil {
		return nil, err
	}
	if err := c.store.SaveAccount(fqdn, env, accountURL, keyPEM); err != nil {
		c.logger.Warn("failed to persist acme account", "fqdn", fqdn, "env", env, "error", err)
	}

	return &Account{URL: accountURL, Key: key}, nil
}

// RequestCertificate creates a new order for domains and fetches every
// identifier's authorization, returning the order and the per-identifier
// dns-01 challenges in the same order as domains.
func (c *Client) RequestCertificate(ctx context.Context, account *Account, domains []string) (Order, []Challenge, error) {
	identifiers := make([]Identifier, len(domains))
	for i, d := range domains {
		identifiers[i] = Identifier{Type: "dns", Value: d}
	}

	var order Order
	hdr, err := c.post(ctx, account.Key, account.URL, c.dir.NewOrderURL, orderMessage{Identifiers: identifiers}, &order)
	if err != nil {
		return Order{}, nil, err
	}
	order.URL = hdr.Get("Location")

	byIdentifier := make(map[string]Challenge, len(order.Authorizations))
	for _, authzURL := range order.Authorizations {
		var authz Authorization
		if err := c.getJSON(ctx, authzURL, &authz); err != nil {
			return Order{}, nil, err
		}
		chal, ok := authz.DNS01Challenge()
		if !ok {
			return Order{}, nil, fmt.Errorf("acmeclient: authorization for %s offered no dns-01 challenge", authz.Identifier.Value)
		}
		byIdentifier[strings.ToLower(authz.Identifier.Value)] = chal
	}

	challenges := make([]Challenge, 0, len(domains))
	for _, d := range domains {
		chal, ok := byIdentifier[strings.ToLower(d)]
		if !ok {
			return Order{}, nil, fmt.Errorf("acmeclient: order %s carried no authorization for %s", order.URL, d)
		}
		challenges = append(challenges, chal)
	}

	return order, challenges, nil
}

// GetChallengeKeyAuthorization returns token || "." || base64url(sha256(JWK(account key))).
func (c *Client) GetChallengeKeyAuthorization(account *Account, challenge Challenge) (string, error) {
	pub, err := publicKeyOf(account.Key)
	if err != nil {
		return "", err
	}
	jwk := jose.JSONWebKey{Key: pub}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("acmeclient: jwk thumbprint: %w", err)
	}
	encoded := base64.RawURLEncoding.EncodeToString(thumbprint)
	return challenge.Token + "." + encoded, nil
}

// GetDNSRecordValue returns base64url(sha256(keyAuth)), the value a
// _acme-challenge TXT record must carry (spec.md §4.2).
func GetDNSRecordValue(keyAuth string) string {
	sum := sha256.Sum256([]byte(keyAuth))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// CompleteChallenge tells the authority the challenge's prerequisite (the
// DNS record) is in place and it may validate.
func (c *Client) CompleteChallenge(ctx context.Context, account *Account, challenge Challenge) error {
	_, err := c.post(ctx, account.Key, account.URL, challenge.URL, emptyMessage{}, nil)
	return err
}

// WaitForOrderCompletion polls order.URL until it reaches "valid" (the
// happy path), "invalid" (fatal), or deadline elapses.
func (c *Client) WaitForOrderCompletion(ctx context.Context, account *Account, order Order, deadline time.Duration) (Order, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		var current Order
		if _, err := c.post(ctx, account.Key, account.URL, order.URL, nil, &current); err != nil {
			return Order{}, err
		}
		current.URL = order.URL

		switch current.Status {
		case "valid":
			return current, nil
		case "invalid":
			if current.Error != nil {
				c.logger.Warn("order became invalid", "order_url", order.URL, "problem", current.Error.Error())
			}
			return Order{}, &fleetcert.OrderInvalid{OrderURL: order.URL, Authorizations: order.Authorizations}
		}

		select {
		case <-ctx.Done():
			return Order{}, fmt.Errorf("acmeclient: %w waiting on order %s", fleetcert.ErrPropagationTimeout, order.URL)
		case <-ticker.C:
		}
	}
}

// FinalizeCertificate submits the DER CSR to order.Finalize, polls to
// valid, downloads, and returns the PEM certificate chain.
func (c *Client) FinalizeCertificate(ctx context.Context, account *Account, order Order, csrDER []byte) (chainPEM []byte, err error) {
	csrB64 := base64.RawURLEncoding.EncodeToString(csrDER)

	var finalized Order
	if _, err := c.post(ctx, account.Key, account.URL, order.Finalize, csrMessage{CSR: csrB64}, &finalized); err != nil {
		return nil, err
	}
	finalized.URL = order.URL

	if finalized.Status != "valid" {
		finalized, err = c.WaitForOrderCompletion(ctx, account, finalized, 2*time.Minute)
		if err != nil {
			return nil, err
		}
	}

	if finalized.Certificate == "" {
		return nil, fmt.Errorf("acmeclient: order %s has no certificate url after finalization", order.URL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, finalized.Certificate, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &fleetcert.AcmeProtocolError{URL: finalized.Certificate, Status: 0, Problem: err.Error()}
	}
	defer resp.Body.Close()

	chain, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &fleetcert.AcmeProtocolError{URL: finalized.Certificate, Status: resp.StatusCode, Problem: string(chain)}
	}
	return chain, nil
}

func parsePrivateKeyPEM(keyPEM []byte) (crypto.PrivateKey, error) {
	key, err := certcrypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: unrecognized private key encoding: %w", err)
	}
	return key, nil
}

func encodePrivateKeyPEM(key crypto.PrivateKey) ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("acmeclient: marshal account key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}
