// Package dnsprovider implements the uniform DNS Provider Adapter contract
// (spec.md §4.3) over six backends: Cloudflare, DigitalOcean, Route53,
// Azure DNS, Google Cloud DNS, and a manual "custom" provider.
package dnsprovider

import (
	"context"
	"fmt"

	"github.com/caasmo/fleetcert"
)

// RecordType is the DNS resource record type a provider is asked to
// manage. Only TXT (DNS-01) and CNAME (delegated validation) are used.
type RecordType string

const (
	TypeTXT   RecordType = "TXT"
	TypeCNAME RecordType = "CNAME"
)

// Record identifies a provider-side DNS record for later deletion.
type Record struct {
	ID    string
	Name  string
	Value string
	Type  RecordType
}

// Provider is the uniform adapter contract of spec.md §4.3. Each backend
// is one implementation selected by a factory switch (New), not a sum
// type with reflection, per spec.md §9.
type Provider interface {
	// CreateTxtRecord creates a TXT record at _acme-challenge.<fqdn> with
	// value and returns it with its provider-assigned id. Idempotency is not assumed: callers purge
	// stale records first via CleanupTxtRecords.
	CreateTxtRecord(ctx context.Context, fqdn, value string) (Record, error)

	// CleanupTxtRecords deletes all TXT records at _acme-challenge.<fqdn>.
	CleanupTxtRecords(ctx context.Context, fqdn string) error

	// DeleteTxtRecord deletes one record by id. Best-effort: absence is
	// not an error.
	DeleteTxtRecord(ctx context.Context, id string) error

	// VerifyTxtRecord reports whether the provider's API currently holds a
	// TXT record at _acme-challenge.<fqdn> with expectedValue. It does not
	// query DNS; the custom provider always reports false.
	VerifyTxtRecord(ctx context.Context, fqdn, expectedValue string) (bool, error)

	// CreateDNSRecord creates a generic record, required only for CNAME
	// validation flows.
	CreateDNSRecord(ctx context.Context, name, value string, recordType RecordType) (Record, error)
}

// Kind names one of the six adapter variants, mirroring
// fleetcert.DnsProviderKind so this package stays independent of the root
// package's Connection type.
type Kind = fleetcert.DnsProviderKind

// New constructs the Provider for kind, configured from settings (the
// Setting rows scoped to that provider's name, spec.md §3). The "custom"
// kind never fails here; it always succeeds because it has no credentials
// to validate.
func New(kind Kind, settings []fleetcert.Setting) (Provider, error) {
	lookup := settingsMap(settings)

	switch kind {
	case fleetcert.DnsProviderCloudflare:
		return newCloudflareProvider(lookup)
	case fleetcert.DnsProviderDigitalOcean:
		return newDigitalOceanProvider(lookup)
	case fleetcert.DnsProviderRoute53:
		return newRoute53Provider(lookup)
	case fleetcert.DnsProviderAzure:
		return newAzureProvider(lookup)
	case fleetcert.DnsProviderGoogle:
		return newGoogleProvider(lookup)
	case fleetcert.DnsProviderCustom:
		return NewCustomProvider(), nil
	default:
		return nil, fmt.Errorf("dnsprovider: unsupported provider kind %q", kind)
	}
}

func settingsMap(settings []fleetcert.Setting) map[string]string {
	m := make(map[string]string, len(settings))
	for _, s := range settings {
		m[s.Key] = s.Value
	}
	return m
}

func challengeFQDN(fqdn string) string {
	return "_acme-challenge." + fqdn
}

// ChallengeFQDN returns the name a DNS-01 TXT record must be published
// under for fqdn, for callers outside this package (the propagation
// Verifier is handed this name directly rather than re-deriving it).
func ChallengeFQDN(fqdn string) string {
	return challengeFQDN(fqdn)
}

// longestSuffixZone picks, from candidateZones (zone name -> provider id),
// the zone whose name is the longest suffix match of fqdn. Shared by every
// cloud adapter's "Authority-zone discovery" step (spec.md §4.3).
func longestSuffixZone(fqdn string, candidateZones map[string]string) (zoneName, zoneID string, ok bool) {
	best := ""
	for name := range candidateZones {
		if isSuffixZone(fqdn, name) && len(name) > len(best) {
			best = name
		}
	}
	if best == "" {
		return "", "", false
	}
	return best, candidateZones[best], true
}

func isSuffixZone(fqdn, zone string) bool {
	trimmedFQDN := trimTrailingDot(fqdn)
	trimmedZone := trimTrailingDot(zone)
	if trimmedFQDN == trimmedZone {
		return true
	}
	return len(trimmedFQDN) > len(trimmedZone) &&
		trimmedFQDN[len(trimmedFQDN)-len(trimmedZone)-1:] == "."+trimmedZone
}

func trimTrailingDot(s string) string {
	if len(s) > 0 && s[len(s)-1] == '.' {
		return s[:len(s)-1]
	}
	return s
}
