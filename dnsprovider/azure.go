package dnsprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/dns/armdns"

	"github.com/caasmo/fleetcert"
)

// azureProvider adapts armdns, the ARM control-plane SDK lego's own
// providers/dns/azuredns wraps. Azure has no flat record-id the way
// Cloudflare/DigitalOcean do; a record set is addressed by (zone,
// relative name, type), so Record.ID here is that triple joined, and
// deletion re-derives the address from it instead of calling back to
// the API with an opaque handle.
type azureProvider struct {
	recordSets    *armdns.RecordSetsClient
	zones         *armdns.ZonesClient
	resourceGroup string
}

const azureIDSep = "\x1f"

func newAzureProvider(settings map[string]string) (Provider, error) {
	subscriptionID := settings["AZURE_SUBSCRIPTION_ID"]
	resourceGroup := settings["AZURE_RESOURCE_GROUP"]
	tenantID := settings["AZURE_TENANT_ID"]
	clientID := settings["AZURE_CLIENT_ID"]
	clientSecret := settings["AZURE_CLIENT_SECRET"]
	if subscriptionID == "" || resourceGroup == "" {
		return nil, fmt.Errorf("dnsprovider: azure: %w: missing AZURE_SUBSCRIPTION_ID/AZURE_RESOURCE_GROUP settings", fleetcert.ErrConfigMissing)
	}

	credential, err := newAzureCredential(tenantID, clientID, clientSecret)
	if err != nil {
		return nil, &fleetcert.DnsProviderError{Provider: "azure", Op: "credential", Err: err}
	}

	rsClient, err := armdns.NewRecordSetsClient(subscriptionID, credential, nil)
	if err != nil {
		return nil, &fleetcert.DnsProviderError{Provider: "azure", Op: "new record sets client", Err: err}
	}
	zonesClient, err := armdns.NewZonesClient(subscriptionID, credential, nil)
	if err != nil {
		return nil, &fleetcert.DnsProviderError{Provider: "azure", Op: "new zones client", Err: err}
	}

	return &azureProvider{recordSets: rsClient, zones: zonesClient, resourceGroup: resourceGroup}, nil
}

func newAzureCredential(tenantID, clientID, clientSecret string) (azcore.TokenCredential, error) {
	if tenantID != "" && clientID != "" && clientSecret != "" {
		return azidentity.NewClientSecretCredential(tenantID, clientID, clientSecret, nil)
	}
	return azidentity.NewDefaultAzureCredential(nil)
}

func (p *azureProvider) zoneFor(ctx context.Context, fqdn string) (string, error) {
	candidates := make(map[string]string)
	pager := p.zones.NewListByResourceGroupPager(p.resourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return "", &fleetcert.DnsProviderError{Provider: "azure", Op: "list zones", Err: err}
		}
		for _, z := range page.Value {
			if z.Name != nil {
				candidates[*z.Name] = *z.Name
			}
		}
	}
	zoneName, _, ok := longestSuffixZone(fqdn, candidates)
	if !ok {
		return "", fmt.Errorf("dnsprovider: azure: %w: no zone matches %s", fleetcert.ErrZoneNotFound, fqdn)
	}
	return zoneName, nil
}

func relativeName(fqdn, zoneName string) string {
	rel := strings.TrimSuffix(trimTrailingDot(fqdn), "."+trimTrailingDot(zoneName))
	if rel == "" {
		return "@"
	}
	return rel
}

func (p *azureProvider) CreateTxtRecord(ctx context.Context, fqdn, value string) (Record, error) {
	return p.CreateDNSRecord(ctx, challengeFQDN(fqdn), value, TypeTXT)
}

func (p *azureProvider) CreateDNSRecord(ctx context.Context, name, value string, recordType RecordType) (Record, error) {
	zoneName, err := p.zoneFor(ctx, name)
	if err != nil {
		return Record{}, err
	}
	rel := relativeName(name, zoneName)

	params := armdns.RecordSet{
		Properties: &armdns.RecordSetProperties{
			TTL: to.Ptr(int64(120)),
		},
	}
	switch recordType {
	case TypeTXT:
		params.Properties.TxtRecords = []*armdns.TxtRecord{{Value: []*string{to.Ptr(value)}}}
	case TypeCNAME:
		params.Properties.CnameRecord = &armdns.CnameRecord{Cname: to.Ptr(value)}
	}

	_, err = p.recordSets.CreateOrUpdate(ctx, p.resourceGroup, zoneName, rel, armRecordType(recordType), params, nil)
	if err != nil {
		return Record{}, &fleetcert.DnsProviderError{Provider: "azure", Op: "create record set", Err: err}
	}
	id := strings.Join([]string{zoneName, rel, string(recordType)}, azureIDSep)
	return Record{ID: id, Name: name, Value: value, Type: recordType}, nil
}

func (p *azureProvider) CleanupTxtRecords(ctx context.Context, fqdn string) error {
	zoneName, err := p.zoneFor(ctx, fqdn)
	if err != nil {
		return err
	}
	rel := relativeName(challengeFQDN(fqdn), zoneName)
	_, _ = p.recordSets.Delete(ctx, p.resourceGroup, zoneName, rel, armdns.RecordTypeTXT, nil)
	return nil
}

func (p *azureProvider) DeleteTxtRecord(ctx context.Context, id string) error {
	parts := strings.SplitN(id, azureIDSep, 3)
	if len(parts) != 3 {
		return nil
	}
	_, _ = p.recordSets.Delete(ctx, p.resourceGroup, parts[0], parts[1], armRecordType(RecordType(parts[2])), nil)
	return nil
}

func (p *azureProvider) VerifyTxtRecord(ctx context.Context, fqdn, expectedValue string) (bool, error) {
	zoneName, err := p.zoneFor(ctx, fqdn)
	if err != nil {
		return false, err
	}
	rel := relativeName(challengeFQDN(fqdn), zoneName)
	rs, err := p.recordSets.Get(ctx, p.resourceGroup, zoneName, rel, armdns.RecordTypeTXT, nil)
	if err != nil {
		return false, nil
	}
	if rs.Properties == nil {
		return false, nil
	}
	for _, txt := range rs.Properties.TxtRecords {
		for _, v := range txt.Value {
			if v != nil && *v == expectedValue {
				return true, nil
			}
		}
	}
	return false, nil
}

func armRecordType(t RecordType) armdns.RecordType {
	switch t {
	case TypeCNAME:
		return armdns.RecordTypeCNAME
	default:
		return armdns.RecordTypeTXT
	}
}
