package dnsprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caasmo/fleetcert"
)

func TestLongestSuffixZone_PicksMostSpecificMatch(t *testing.T) {
	candidates := map[string]string{
		"example.com":     "zone-root",
		"lab.example.com": "zone-lab",
	}

	zoneName, zoneID, ok := longestSuffixZone("ucm01.lab.example.com", candidates)
	require.True(t, ok)
	assert.Equal(t, "lab.example.com", zoneName)
	assert.Equal(t, "zone-lab", zoneID)
}

func TestLongestSuffixZone_NoMatch(t *testing.T) {
	candidates := map[string]string{"other.net": "zone-other"}

	_, _, ok := longestSuffixZone("ucm01.lab.example.com", candidates)
	assert.False(t, ok)
}

func TestIsSuffixZone_RejectsLabelCollision(t *testing.T) {
	// notexample.com must not be treated as a child of example.com.
	assert.False(t, isSuffixZone("notexample.com", "example.com"))
	assert.True(t, isSuffixZone("lab.example.com", "example.com"))
	assert.True(t, isSuffixZone("example.com", "example.com"))
}

func TestChallengeFQDN(t *testing.T) {
	assert.Equal(t, "_acme-challenge.ucm01.lab.example.com", challengeFQDN("ucm01.lab.example.com"))
}

func TestNew_UnsupportedKind(t *testing.T) {
	_, err := New(fleetcert.DnsProviderKind("nope"), nil)
	require.Error(t, err)
}

func TestNew_MissingCredentialsReturnsConfigMissing(t *testing.T) {
	_, err := New(fleetcert.DnsProviderCloudflare, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, fleetcert.ErrConfigMissing)
}

func TestCustomProvider_NeverFailsAndNeverVerifies(t *testing.T) {
	p := NewCustomProvider()
	rec, err := p.CreateTxtRecord(context.Background(), "ucm01.lab.example.com", "token-value")
	require.NoError(t, err)
	assert.Equal(t, "_acme-challenge.ucm01.lab.example.com", rec.Name)

	ok, err := p.VerifyTxtRecord(context.Background(), "ucm01.lab.example.com", "token-value")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, p.CleanupTxtRecords(context.Background(), "ucm01.lab.example.com"))
	require.NoError(t, p.DeleteTxtRecord(context.Background(), "anything"))
}

func TestManualEntry_RendersInstructions(t *testing.T) {
	entry := ManualEntry("ucm01.lab.example.com", "token-value")
	assert.Equal(t, "_acme-challenge.ucm01.lab.example.com", entry.RecordName)
	assert.Equal(t, "token-value", entry.RecordValue)
	assert.Contains(t, entry.Instructions, "_acme-challenge.ucm01.lab.example.com")
}
