package dnsprovider

import (
	"context"
	"fmt"

	cf "github.com/cloudflare/cloudflare-go"

	"github.com/caasmo/fleetcert"
)

// cloudflareProvider adapts github.com/cloudflare/cloudflare-go to the
// uniform Provider contract. Zone discovery is a longest-suffix match of
// the FQDN over the zones the token can list, grounded on
// other_examples/JerkyTreats-dns's certificate manager.
type cloudflareProvider struct {
	api *cf.API
}

func newCloudflareProvider(settings map[string]string) (Provider, error) {
	token := settings["CF_API_TOKEN"]
	if token == "" {
		token = settings["CF_KEY"]
	}
	if token == "" {
		return nil, fmt.Errorf("dnsprovider: cloudflare: %w: missing CF_API_TOKEN setting", fleetcert.ErrConfigMissing)
	}
	api, err := cf.NewWithAPIToken(token)
	if err != nil {
		return nil, &fleetcert.DnsProviderError{Provider: "cloudflare", Op: "new client", Err: err}
	}
	return &cloudflareProvider{api: api}, nil
}

func (p *cloudflareProvider) zoneFor(ctx context.Context, fqdn string) (string, error) {
	zones, err := p.api.ListZonesContext(ctx)
	if err != nil {
		return "", &fleetcert.DnsProviderError{Provider: "cloudflare", Op: "list zones", Err: err}
	}
	candidates := make(map[string]string, len(zones.Result))
	for _, z := range zones.Result {
		candidates[z.Name] = z.ID
	}
	_, zoneID, ok := longestSuffixZone(fqdn, candidates)
	if !ok {
		return "", fmt.Errorf("dnsprovider: cloudflare: %w: no zone matches %s", fleetcert.ErrZoneNotFound, fqdn)
	}
	return zoneID, nil
}

func (p *cloudflareProvider) CreateTxtRecord(ctx context.Context, fqdn, value string) (Record, error) {
	return p.CreateDNSRecord(ctx, challengeFQDN(fqdn), value, TypeTXT)
}

func (p *cloudflareProvider) CreateDNSRecord(ctx context.Context, name, value string, recordType RecordType) (Record, error) {
	zoneID, err := p.zoneFor(ctx, name)
	if err != nil {
		return Record{}, err
	}
	rec, err := p.api.CreateDNSRecord(ctx, cf.ZoneIdentifier(zoneID), cf.CreateDNSRecordParams{
		Type:    string(recordType),
		Name:    name,
		Content: value,
		TTL:     120,
	})
	if err != nil {
		return Record{}, &fleetcert.DnsProviderError{Provider: "cloudflare", Op: "create record", Err: err}
	}
	return Record{ID: rec.ID, Name: name, Value: value, Type: recordType}, nil
}

func (p *cloudflareProvider) CleanupTxtRecords(ctx context.Context, fqdn string) error {
	name := challengeFQDN(fqdn)
	zoneID, err := p.zoneFor(ctx, fqdn)
	if err != nil {
		return err
	}
	recs, _, err := p.api.ListDNSRecords(ctx, cf.ZoneIdentifier(zoneID), cf.ListDNSRecordsParams{
		Type: string(TypeTXT),
		Name: name,
	})
	if err != nil {
		return &fleetcert.DnsProviderError{Provider: "cloudflare", Op: "list records", Err: err}
	}
	for _, r := range recs {
		_ = p.api.DeleteDNSRecord(ctx, cf.ZoneIdentifier(zoneID), r.ID)
	}
	return nil
}

func (p *cloudflareProvider) DeleteTxtRecord(ctx context.Context, id string) error {
	// Best-effort: the zone isn't known from the id alone here, so callers
	// that need guaranteed deletion should prefer CleanupTxtRecords. We
	// still attempt a direct delete against every zone we can see.
	zones, err := p.api.ListZonesContext(ctx)
	if err != nil {
		return nil // best-effort, spec.md §4.3
	}
	for _, z := range zones.Result {
		if err := p.api.DeleteDNSRecord(ctx, cf.ZoneIdentifier(z.ID), id); err == nil {
			return nil
		}
	}
	return nil
}

func (p *cloudflareProvider) VerifyTxtRecord(ctx context.Context, fqdn, expectedValue string) (bool, error) {
	zoneID, err := p.zoneFor(ctx, fqdn)
	if err != nil {
		return false, err
	}
	recs, _, err := p.api.ListDNSRecords(ctx, cf.ZoneIdentifier(zoneID), cf.ListDNSRecordsParams{
		Type: string(TypeTXT),
		Name: challengeFQDN(fqdn),
	})
	if err != nil {
		return false, &fleetcert.DnsProviderError{Provider: "cloudflare", Op: "list records", Err: err}
	}
	for _, r := range recs {
		if r.Content == expectedValue {
			return true, nil
		}
	}
	return false, nil
}
