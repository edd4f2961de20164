package acmeclient

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-jose/go-jose/v4"

	"github.com/caasmo/fleetcert"
)

// nonceSource fetches a fresh anti-replay nonce from the authority's
// newNonce endpoint whenever go-jose needs one to sign a request. ACME
// nonces are strictly single-use, so no caching happens here beyond the
// one-shot supplied by the most recent response header.
type nonceSource struct {
	httpClient *http.Client
	newNonceURL string

	mu     sync.Mutex
	banked string
}

func (n *nonceSource) Nonce() (string, error) {
	n.mu.Lock()
	if n.banked != "" {
		nonce := n.banked
		n.banked = ""
		n.mu.Unlock()
		return nonce, nil
	}
	n.mu.Unlock()

	req, err := http.NewRequest(http.MethodHead, n.newNonceURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return "", &fleetcert.AcmeProtocolError{URL: n.newNonceURL, Status: 0, Problem: err.Error()}
	}
	defer resp.Body.Close()

	nonce := resp.Header.Get("Replay-Nonce")
	if nonce == "" {
		return "", fmt.Errorf("acmeclient: newNonce response carried no Replay-Nonce header")
	}
	return nonce, nil
}

// bank stashes a nonce handed back on a normal response, so the next
// signed request doesn't need a round trip to newNonce just to get one.
func (n *nonceSource) bank(nonce string) {
	if nonce == "" {
		return
	}
	n.mu.Lock()
	n.banked = nonce
	n.mu.Unlock()
}

// signJWS produces the flattened JSON serialization of a JWS over
// payload, signed by key, addressed at url. kid identifies an existing
// ACME account; when empty, the account's public JWK is embedded
// instead (used only for the very first new-account request).
func (c *Client) signJWS(ctx context.Context, key crypto.PrivateKey, kid, url string, payload []byte) (string, error) {
	alg, err := algorithmFor(key)
	if err != nil {
		return "", err
	}

	opts := &jose.SignerOptions{NonceSource: c.nonces}
	opts = opts.WithHeader("url", url)
	if kid != "" {
		opts = opts.WithHeader("kid", kid)
	} else {
		pub, err := publicKeyOf(key)
		if err != nil {
			return "", err
		}
		opts = opts.WithHeader("jwk", &jose.JSONWebKey{Key: pub, Algorithm: string(alg), Use: "sig"})
	}

	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("acmeclient: new signer: %w", err)
	}

	signed, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("acmeclient: sign: %w", err)
	}

	serialized, err := signed.FullSerialize()
	if err != nil {
		return "", fmt.Errorf("acmeclient: serialize jws: %w", err)
	}
	return serialized, nil
}
