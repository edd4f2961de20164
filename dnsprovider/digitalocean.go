package dnsprovider

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/digitalocean/godo"

	"github.com/caasmo/fleetcert"
)

// digitalOceanProvider adapts github.com/digitalocean/godo, the REST
// client lego's own providers/dns/digitalocean wraps.
type digitalOceanProvider struct {
	client *godo.Client
}

func newDigitalOceanProvider(settings map[string]string) (Provider, error) {
	token := settings["DO_TOKEN"]
	if token == "" {
		return nil, fmt.Errorf("dnsprovider: digitalocean: %w: missing DO_TOKEN setting", fleetcert.ErrConfigMissing)
	}
	return &digitalOceanProvider{client: godo.NewFromToken(token)}, nil
}

func (p *digitalOceanProvider) domainFor(ctx context.Context, fqdn string) (domain, relativeName string, err error) {
	domains, _, err := p.client.Domains.List(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return "", "", &fleetcert.DnsProviderError{Provider: "digitalocean", Op: "list domains", Err: err}
	}
	candidates := make(map[string]string, len(domains))
	for _, d := range domains {
		candidates[d.Name] = d.Name
	}
	zoneName, _, ok := longestSuffixZone(fqdn, candidates)
	if !ok {
		return "", "", fmt.Errorf("dnsprovider: digitalocean: %w: no zone matches %s", fleetcert.ErrZoneNotFound, fqdn)
	}
	relative := strings.TrimSuffix(trimTrailingDot(fqdn), "."+zoneName)
	if relative == "" {
		relative = "@"
	}
	return zoneName, relative, nil
}

func (p *digitalOceanProvider) CreateTxtRecord(ctx context.Context, fqdn, value string) (Record, error) {
	return p.CreateDNSRecord(ctx, challengeFQDN(fqdn), value, TypeTXT)
}

func (p *digitalOceanProvider) CreateDNSRecord(ctx context.Context, name, value string, recordType RecordType) (Record, error) {
	domain, relative, err := p.domainFor(ctx, name)
	if err != nil {
		return Record{}, err
	}
	rec, _, err := p.client.Domains.CreateRecord(ctx, domain, &godo.DomainRecordEditRequest{
		Type: string(recordType),
		Name: relative,
		Data: value,
		TTL:  120,
	})
	if err != nil {
		return Record{}, &fleetcert.DnsProviderError{Provider: "digitalocean", Op: "create record", Err: err}
	}
	return Record{ID: strconv.Itoa(rec.ID), Name: name, Value: value, Type: recordType}, nil
}

func (p *digitalOceanProvider) CleanupTxtRecords(ctx context.Context, fqdn string) error {
	domain, relative, err := p.domainFor(ctx, fqdn)
	if err != nil {
		return err
	}
	records, _, err := p.client.Domains.RecordsByTypeAndName(ctx, domain, "TXT", relative, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return &fleetcert.DnsProviderError{Provider: "digitalocean", Op: "list records", Err: err}
	}
	for _, r := range records {
		_, _ = p.client.Domains.DeleteRecord(ctx, domain, r.ID)
	}
	return nil
}

func (p *digitalOceanProvider) DeleteTxtRecord(ctx context.Context, id string) error {
	recordID, err := strconv.Atoi(id)
	if err != nil {
		return nil
	}
	domains, _, err := p.client.Domains.List(ctx, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return nil
	}
	for _, d := range domains {
		if _, err := p.client.Domains.DeleteRecord(ctx, d.Name, recordID); err == nil {
			return nil
		}
	}
	return nil
}

func (p *digitalOceanProvider) VerifyTxtRecord(ctx context.Context, fqdn, expectedValue string) (bool, error) {
	domain, relative, err := p.domainFor(ctx, fqdn)
	if err != nil {
		return false, err
	}
	records, _, err := p.client.Domains.RecordsByTypeAndName(ctx, domain, "TXT", relative, &godo.ListOptions{PerPage: 200})
	if err != nil {
		return false, &fleetcert.DnsProviderError{Provider: "digitalocean", Op: "list records", Err: err}
	}
	for _, r := range records {
		if r.Data == expectedValue {
			return true, nil
		}
	}
	return false, nil
}
