package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCreds(t *testing.T, srv *httptest.Server) Credentials {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	return Credentials{Host: u.Host, Username: "admin", Password: "secret"}
}

func TestGenerateCSR_ExtractsCsrField(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/platformcom/api/v1/certmgr/config/csr", r.URL.Path)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "admin", user)
		assert.Equal(t, "secret", pass)
		_ = json.NewEncoder(w).Encode(map[string]string{"csr": "-----BEGIN CERTIFICATE REQUEST-----\nfake\n-----END CERTIFICATE REQUEST-----"})
	}))
	defer srv.Close()

	c := New()
	csr, err := c.GenerateCSR(context.Background(), testCreds(t, srv), "ucm01.lab.example.com", nil)
	require.NoError(t, err)
	assert.Contains(t, csr, "BEGIN CERTIFICATE REQUEST")
}

func TestGenerateCSR_NonOKIsFatal(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New()
	_, err := c.GenerateCSR(context.Background(), testCreds(t, srv), "ucm01.lab.example.com", nil)
	require.Error(t, err)
}

func TestUploadTrustCertificates_SkipsAlreadyPresent(t *testing.T) {
	var posted bool
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "trust/certificate") && r.Method == http.MethodGet:
			_ = json.NewEncoder(w).Encode(map[string][]string{"certificates": {"cert-a"}})
		case strings.Contains(r.URL.Path, "trust/certificates") && r.Method == http.MethodPost:
			posted = true
			var body map[string]any
			_ = json.NewDecoder(r.Body).Decode(&body)
			certs := body["certificates"].([]any)
			assert.Len(t, certs, 1)
			assert.Equal(t, "cert-b", certs[0])
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	c := New()
	err := c.UploadTrustCertificates(context.Background(), testCreds(t, srv), []string{"cert-a", "cert-b"})
	require.NoError(t, err)
	assert.True(t, posted)
}

func TestUploadTrustCertificates_NoOpWhenAllPresent(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(map[string][]string{"certificates": {"cert-a"}})
			return
		}
		t.Fatal("unexpected POST when nothing new to upload")
	}))
	defer srv.Close()

	c := New()
	err := c.UploadTrustCertificates(context.Background(), testCreds(t, srv), []string{"cert-a"})
	require.NoError(t, err)
}

func TestSplitChain_SeparatesLeafFromIntermediates(t *testing.T) {
	chain := []byte("-----BEGIN CERTIFICATE-----\nleaf\n-----END CERTIFICATE-----\n-----BEGIN CERTIFICATE-----\nintermediate\n-----END CERTIFICATE-----\n")
	leaf, intermediates := SplitChain(chain)
	assert.Contains(t, leaf, "leaf")
	require.Len(t, intermediates, 1)
	assert.Contains(t, intermediates[0], "intermediate")
}
