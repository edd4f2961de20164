package filestore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caasmo/fleetcert"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

const sampleConfig = `
[[connections]]
id = 1
name = "ucm01"
app_type = "vos"
hostname = "ucm01"
domain = "lab.example.com"
ssl_provider = "acme_primary"
dns_provider = "cloudflare"
enable_ssh = true
auto_restart_service = true

[[settings]]
provider = "cloudflare"
key = "api_token"
value = "secret-token"
`

func TestOpen_ParsesConnectionsAndSettings(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	s, err := Open(path, filepath.Join(dir, "status.toml"))
	require.NoError(t, err)

	ctx := context.Background()
	conn, err := s.GetConnectionByID(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "ucm01.lab.example.com", conn.FQDN())
	require.Equal(t, fleetcert.SslProviderPrimary, conn.SslProvider)
	require.Equal(t, fleetcert.DnsProviderCloudflare, conn.DnsProvider)

	settings, err := s.GetSettingsByProvider(ctx, "cloudflare")
	require.NoError(t, err)
	require.Len(t, settings, 1)
	require.Equal(t, "secret-token", settings[0].Value)
}

func TestGetConnectionByID_UnknownReturnsNilNoError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	s, err := Open(path, filepath.Join(dir, "status.toml"))
	require.NoError(t, err)

	conn, err := s.GetConnectionByID(context.Background(), 999)
	require.NoError(t, err)
	require.Nil(t, conn)
}

func TestUpdateConnection_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	s, err := Open(path, filepath.Join(dir, "status.toml"))
	require.NoError(t, err)

	issued := time.Now().Truncate(time.Second)
	count := 3
	ctx := context.Background()
	require.NoError(t, s.UpdateConnection(ctx, 1, fleetcert.ConnectionUpdate{
		LastCertIssued:    &issued,
		CertCountThisWeek: &count,
	}))

	reopened, err := Open(path, filepath.Join(dir, "status.toml"))
	require.NoError(t, err)
	conn, err := reopened.GetConnectionByID(ctx, 1)
	require.NoError(t, err)
	require.True(t, conn.LastCertIssued.Equal(issued))
	require.Equal(t, 3, conn.CertCountThisWeek)
}

func TestUpdateConnection_UnknownReturnsErrNotFound(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	s, err := Open(path, filepath.Join(dir, "status.toml"))
	require.NoError(t, err)

	err = s.UpdateConnection(context.Background(), 404, fleetcert.ConnectionUpdate{})
	require.ErrorIs(t, err, fleetcert.ErrNotFound)
}

func TestSaveAndGetRenewalStatus_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)
	statusPath := filepath.Join(dir, "status.toml")

	s, err := Open(path, statusPath)
	require.NoError(t, err)

	ctx := context.Background()
	st := &fleetcert.RenewalStatus{
		ID:           "renewal-1",
		ConnectionID: 1,
		State:        fleetcert.StateGeneratingCsr,
		Progress:     10,
		StartTime:    time.Now().Truncate(time.Second),
		Logs:         []fleetcert.LogLine{{Time: time.Now().Truncate(time.Second), Message: "started"}},
	}
	require.NoError(t, s.SaveRenewalStatus(ctx, st))

	loaded, err := s.GetRenewalStatus(ctx, "renewal-1")
	require.NoError(t, err)
	require.Equal(t, fleetcert.StateGeneratingCsr, loaded.State)
	require.Len(t, loaded.Logs, 1)

	st.State = fleetcert.StateCompleted
	st.Progress = 100
	require.NoError(t, s.SaveRenewalStatus(ctx, st))

	loaded, err = s.GetRenewalStatus(ctx, "renewal-1")
	require.NoError(t, err)
	require.Equal(t, fleetcert.StateCompleted, loaded.State)
}

func TestGetRenewalStatus_UnknownReturnsNilNoError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	s, err := Open(path, filepath.Join(dir, "status.toml"))
	require.NoError(t, err)

	st, err := s.GetRenewalStatus(context.Background(), "nope")
	require.NoError(t, err)
	require.Nil(t, st)
}

func TestListNonTerminalRenewalStatuses_ExcludesTerminal(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	s, err := Open(path, filepath.Join(dir, "status.toml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.SaveRenewalStatus(ctx, &fleetcert.RenewalStatus{ID: "r1", ConnectionID: 1, State: fleetcert.StateWaitingDnsPropagation}))
	require.NoError(t, s.SaveRenewalStatus(ctx, &fleetcert.RenewalStatus{ID: "r2", ConnectionID: 1, State: fleetcert.StateCompleted}))
	require.NoError(t, s.SaveRenewalStatus(ctx, &fleetcert.RenewalStatus{ID: "r3", ConnectionID: 1, State: fleetcert.StateFailed}))

	pending, err := s.ListNonTerminalRenewalStatuses(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "r1", pending[0].ID)
}

func TestManualDnsEntry_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, sampleConfig)

	s, err := Open(path, filepath.Join(dir, "status.toml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.SaveRenewalStatus(ctx, &fleetcert.RenewalStatus{
		ID:           "r4",
		ConnectionID: 1,
		State:        fleetcert.StateWaitingManualDns,
		ManualDns: &fleetcert.ManualDnsEntry{
			RecordName:   "_acme-challenge.portal.lab.example.com",
			RecordValue:  "abc123",
			Instructions: "publish this TXT record",
		},
	}))

	loaded, err := s.GetRenewalStatus(ctx, "r4")
	require.NoError(t, err)
	require.NotNil(t, loaded.ManualDns)
	require.Equal(t, "abc123", loaded.ManualDns.RecordValue)
}
