package dnsprovider

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/api/dns/v1"
	"google.golang.org/api/option"

	"github.com/caasmo/fleetcert"
)

// googleProvider adapts google.golang.org/api/dns/v1, the same Cloud DNS
// REST client lego's providers/dns/gcloud wraps. Google's managed zone
// names (not the DNS names themselves) are opaque identifiers, so
// zoneFor resolves a zone's DNS name to its managed-zone name before any
// resource-record-set call.
type googleProvider struct {
	svc       *dns.Service
	projectID string
}

func newGoogleProvider(settings map[string]string) (Provider, error) {
	projectID := settings["GOOGLE_PROJECT_ID"]
	credsJSON := settings["GOOGLE_CREDENTIALS_JSON"]
	if projectID == "" {
		return nil, fmt.Errorf("dnsprovider: google: %w: missing GOOGLE_PROJECT_ID setting", fleetcert.ErrConfigMissing)
	}

	var opts []option.ClientOption
	if credsJSON != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credsJSON)))
	}

	svc, err := dns.NewService(context.Background(), opts...)
	if err != nil {
		return nil, &fleetcert.DnsProviderError{Provider: "google", Op: "new client", Err: err}
	}
	return &googleProvider{svc: svc, projectID: projectID}, nil
}

func (p *googleProvider) zoneFor(fqdn string) (managedZone string, err error) {
	candidates := make(map[string]string)
	err = p.svc.ManagedZones.List(p.projectID).Pages(context.Background(), func(resp *dns.ManagedZonesListResponse) error {
		for _, z := range resp.ManagedZones {
			candidates[z.DnsName] = z.Name
		}
		return nil
	})
	if err != nil {
		return "", &fleetcert.DnsProviderError{Provider: "google", Op: "list managed zones", Err: err}
	}
	_, zoneName, ok := longestSuffixZone(fqdn, candidates)
	if !ok {
		return "", fmt.Errorf("dnsprovider: google: %w: no zone matches %s", fleetcert.ErrZoneNotFound, fqdn)
	}
	return zoneName, nil
}

func (p *googleProvider) CreateTxtRecord(ctx context.Context, fqdn, value string) (Record, error) {
	return p.CreateDNSRecord(ctx, challengeFQDN(fqdn), value, TypeTXT)
}

func (p *googleProvider) CreateDNSRecord(ctx context.Context, name, value string, recordType RecordType) (Record, error) {
	managedZone, err := p.zoneFor(name)
	if err != nil {
		return Record{}, err
	}
	dnsValue := value
	if recordType == TypeTXT {
		dnsValue = quoteTXT(value)
	}
	rrset := &dns.ResourceRecordSet{
		Name:    dns.Fqdn(name),
		Type:    string(recordType),
		Ttl:     120,
		Rrdatas: []string{dnsValue},
	}
	change := &dns.Change{Additions: []*dns.ResourceRecordSet{rrset}}
	if _, err := p.svc.Changes.Create(p.projectID, managedZone, change).Context(ctx).Do(); err != nil {
		return Record{}, &fleetcert.DnsProviderError{Provider: "google", Op: "create change", Err: err}
	}
	id := strings.Join([]string{managedZone, rrset.Name, string(recordType)}, "\x1f")
	return Record{ID: id, Name: name, Value: value, Type: recordType}, nil
}

func (p *googleProvider) CleanupTxtRecords(ctx context.Context, fqdn string) error {
	managedZone, err := p.zoneFor(fqdn)
	if err != nil {
		return err
	}
	name := dns.Fqdn(challengeFQDN(fqdn))
	existing, err := p.svc.ResourceRecordSets.List(p.projectID, managedZone).Name(name).Type("TXT").Context(ctx).Do()
	if err != nil {
		return &fleetcert.DnsProviderError{Provider: "google", Op: "list record sets", Err: err}
	}
	if len(existing.Rrsets) == 0 {
		return nil
	}
	change := &dns.Change{Deletions: existing.Rrsets}
	_, _ = p.svc.Changes.Create(p.projectID, managedZone, change).Context(ctx).Do()
	return nil
}

func (p *googleProvider) DeleteTxtRecord(ctx context.Context, id string) error {
	parts := strings.SplitN(id, "\x1f", 3)
	if len(parts) != 3 {
		return nil
	}
	managedZone, name := parts[0], parts[1]
	existing, err := p.svc.ResourceRecordSets.List(p.projectID, managedZone).Name(name).Type("TXT").Context(ctx).Do()
	if err != nil || len(existing.Rrsets) == 0 {
		return nil
	}
	change := &dns.Change{Deletions: existing.Rrsets}
	_, _ = p.svc.Changes.Create(p.projectID, managedZone, change).Context(ctx).Do()
	return nil
}

func (p *googleProvider) VerifyTxtRecord(ctx context.Context, fqdn, expectedValue string) (bool, error) {
	managedZone, err := p.zoneFor(fqdn)
	if err != nil {
		return false, err
	}
	name := dns.Fqdn(challengeFQDN(fqdn))
	existing, err := p.svc.ResourceRecordSets.List(p.projectID, managedZone).Name(name).Type("TXT").Context(ctx).Do()
	if err != nil {
		return false, &fleetcert.DnsProviderError{Provider: "google", Op: "list record sets", Err: err}
	}
	quoted := quoteTXT(expectedValue)
	for _, rs := range existing.Rrsets {
		for _, rrdata := range rs.Rrdatas {
			if rrdata == quoted || rrdata == expectedValue {
				return true, nil
			}
		}
	}
	return false, nil
}
