package acmeclient

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeAccountStore is an in-memory AccountStore for tests.
type fakeAccountStore struct {
	mu       sync.Mutex
	accounts map[string][2]string // key -> [url, pem]
}

func newFakeAccountStore() *fakeAccountStore {
	return &fakeAccountStore{accounts: make(map[string][2]string)}
}

func (f *fakeAccountStore) SaveAccount(fqdn, env, accountURL string, keyPEM []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accounts[fqdn+"/"+env] = [2]string{accountURL, string(keyPEM)}
	return nil
}

func (f *fakeAccountStore) LoadAccount(fqdn, env string) (string, []byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.accounts[fqdn+"/"+env]
	if !ok {
		return "", nil, false, nil
	}
	return v[0], []byte(v[1]), true, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeAuthority is a minimal RFC 8555 server sufficient to drive
// CreateAccount, RequestCertificate, CompleteChallenge and
// WaitForOrderCompletion without a real network.
type fakeAuthority struct {
	mu      sync.Mutex
	orderStatus string
}

func newFakeAuthority() *httptest.Server {
	fa := &fakeAuthority{orderStatus: "pending"}
	mux := http.NewServeMux()
	var srv *httptest.Server

	mux.HandleFunc("/directory", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Directory{
			NewNonceURL:   srv.URL + "/new-nonce",
			NewAccountURL: srv.URL + "/new-account",
			NewOrderURL:   srv.URL + "/new-order",
		})
	})
	mux.HandleFunc("/new-nonce", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-1")
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/new-account", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-2")
		w.Header().Set("Location", srv.URL+"/account/1")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "valid"})
	})
	mux.HandleFunc("/new-order", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-3")
		w.Header().Set("Location", srv.URL+"/order/1")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":         "pending",
			"identifiers":    []map[string]string{{"type": "dns", "value": "ucm01.lab.example.com"}},
			"authorizations": []string{srv.URL + "/authz/1"},
			"finalize":       srv.URL + "/order/1/finalize",
		})
	})
	mux.HandleFunc("/authz/1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":     "pending",
			"identifier": map[string]string{"type": "dns", "value": "ucm01.lab.example.com"},
			"challenges": []map[string]string{{"type": "dns-01", "url": srv.URL + "/challenge/1", "token": "tok123", "status": "pending"}},
		})
	})
	mux.HandleFunc("/challenge/1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-4")
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "valid"})
	})
	mux.HandleFunc("/order/1", func(w http.ResponseWriter, r *http.Request) {
		fa.mu.Lock()
		fa.orderStatus = "valid"
		status := fa.orderStatus
		fa.mu.Unlock()
		w.Header().Set("Replay-Nonce", "nonce-5")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      status,
			"finalize":    srv.URL + "/order/1/finalize",
			"certificate": srv.URL + "/cert/1",
		})
	})
	mux.HandleFunc("/order/1/finalize", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Replay-Nonce", "nonce-6")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"status":      "valid",
			"finalize":    srv.URL + "/order/1/finalize",
			"certificate": srv.URL + "/cert/1",
		})
	})
	mux.HandleFunc("/cert/1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "-----BEGIN CERTIFICATE-----\nMIIB...fake...\n-----END CERTIFICATE-----\n")
	})

	srv = httptest.NewServer(mux)
	return srv
}

func TestClient_FullHappyPath(t *testing.T) {
	srv := newFakeAuthority()
	defer srv.Close()

	store := newFakeAccountStore()
	ctx := context.Background()

	client, err := New(ctx, srv.URL+"/directory", store, testLogger())
	require.NoError(t, err)

	account, err := client.CreateAccount(ctx, "ucm01.lab.example.com", "staging", "ops@example.com")
	require.NoError(t, err)
	require.Equal(t, srv.URL+"/account/1", account.URL)

	loaded, ok, err := client.LoadAccount("ucm01.lab.example.com", "staging")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, account.URL, loaded.URL)

	order, challenges, err := client.RequestCertificate(ctx, account, []string{"ucm01.lab.example.com"})
	require.NoError(t, err)
	require.Len(t, challenges, 1)
	require.Equal(t, "tok123", challenges[0].Token)

	keyAuth, err := client.GetChallengeKeyAuthorization(account, challenges[0])
	require.NoError(t, err)
	require.Contains(t, keyAuth, "tok123.")

	recordValue := GetDNSRecordValue(keyAuth)
	require.NotEmpty(t, recordValue)

	require.NoError(t, client.CompleteChallenge(ctx, account, challenges[0]))

	completed, err := client.WaitForOrderCompletion(ctx, account, order, 5*time.Second)
	require.NoError(t, err)
	require.Equal(t, "valid", completed.Status)

	chain, err := client.FinalizeCertificate(ctx, account, completed, []byte{0x30, 0x82})
	require.NoError(t, err)
	require.Contains(t, string(chain), "BEGIN CERTIFICATE")
}

func TestAlgorithmFor_RejectsUnsupportedKey(t *testing.T) {
	_, err := algorithmFor("not-a-key")
	require.Error(t, err)
}

func TestAlgorithmFor_ECDSA(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	alg, err := algorithmFor(key)
	require.NoError(t, err)
	require.Equal(t, "ES256", string(alg))
}
