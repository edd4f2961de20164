package dnsprovider

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/caasmo/fleetcert"
)

// route53Provider adapts aws-sdk-go-v2's Route53 client, the SDK lego's
// providers/dns/route53 wraps. Record "ids" are a provider-local encoding
// of (hosted zone, name, value) since Route53 has no per-record id —
// deletion requires resubmitting the full resource record set.
type route53Provider struct {
	client *route53.Client
}

const route53IDSep = "\x1f"

func newRoute53Provider(settings map[string]string) (Provider, error) {
	accessKey := settings["AWS_ACCESS_KEY_ID"]
	secretKey := settings["AWS_SECRET_ACCESS_KEY"]
	region := settings["AWS_REGION"]
	if region == "" {
		region = "us-east-1"
	}
	if accessKey == "" || secretKey == "" {
		return nil, fmt.Errorf("dnsprovider: route53: %w: missing AWS_ACCESS_KEY_ID/AWS_SECRET_ACCESS_KEY settings", fleetcert.ErrConfigMissing)
	}

	cfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")),
	)
	if err != nil {
		return nil, &fleetcert.DnsProviderError{Provider: "route53", Op: "load config", Err: err}
	}
	return &route53Provider{client: route53.NewFromConfig(cfg)}, nil
}

func (p *route53Provider) zoneFor(ctx context.Context, fqdn string) (string, error) {
	out, err := p.client.ListHostedZones(ctx, &route53.ListHostedZonesInput{})
	if err != nil {
		return "", &fleetcert.DnsProviderError{Provider: "route53", Op: "list hosted zones", Err: err}
	}
	candidates := make(map[string]string, len(out.HostedZones))
	for _, z := range out.HostedZones {
		candidates[aws.ToString(z.Name)] = aws.ToString(z.Id)
	}
	_, zoneID, ok := longestSuffixZone(fqdn, candidates)
	if !ok {
		return "", fmt.Errorf("dnsprovider: route53: %w: no zone matches %s", fleetcert.ErrZoneNotFound, fqdn)
	}
	return zoneID, nil
}

func (p *route53Provider) change(ctx context.Context, zoneID, name, value string, recordType types.RRType, action types.ChangeAction) error {
	_, err := p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Changes: []types.Change{
				{
					Action: action,
					ResourceRecordSet: &types.ResourceRecordSet{
						Name:            aws.String(name),
						Type:            recordType,
						TTL:             aws.Int64(120),
						ResourceRecords: []types.ResourceRecord{{Value: aws.String(value)}},
					},
				},
			},
		},
	})
	if err != nil {
		return &fleetcert.DnsProviderError{Provider: "route53", Op: string(action), Err: err}
	}
	return nil
}

func (p *route53Provider) CreateTxtRecord(ctx context.Context, fqdn, value string) (Record, error) {
	return p.CreateDNSRecord(ctx, challengeFQDN(fqdn), quoteTXT(value), TypeTXT)
}

func (p *route53Provider) CreateDNSRecord(ctx context.Context, name, value string, recordType RecordType) (Record, error) {
	zoneID, err := p.zoneFor(ctx, name)
	if err != nil {
		return Record{}, err
	}
	rrType := types.RRType(recordType)
	if err := p.change(ctx, zoneID, name, value, rrType, types.ChangeActionUpsert); err != nil {
		return Record{}, err
	}
	id := strings.Join([]string{zoneID, name, value}, route53IDSep)
	return Record{ID: id, Name: name, Value: value, Type: recordType}, nil
}

func (p *route53Provider) CleanupTxtRecords(ctx context.Context, fqdn string) error {
	zoneID, err := p.zoneFor(ctx, fqdn)
	if err != nil {
		return err
	}
	name := dnsName(challengeFQDN(fqdn))
	out, err := p.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(name),
		StartRecordType: types.RRTypeTxt,
		MaxItems:        aws.Int32(10),
	})
	if err != nil {
		return &fleetcert.DnsProviderError{Provider: "route53", Op: "list record sets", Err: err}
	}
	for _, rs := range out.ResourceRecordSets {
		if rs.Type != types.RRTypeTxt || dnsName(aws.ToString(rs.Name)) != name {
			continue
		}
		for _, rr := range rs.ResourceRecords {
			_ = p.change(ctx, zoneID, aws.ToString(rs.Name), aws.ToString(rr.Value), types.RRTypeTxt, types.ChangeActionDelete)
		}
	}
	return nil
}

func (p *route53Provider) DeleteTxtRecord(ctx context.Context, id string) error {
	parts := strings.SplitN(id, route53IDSep, 3)
	if len(parts) != 3 {
		return nil
	}
	_ = p.change(ctx, parts[0], parts[1], parts[2], types.RRTypeTxt, types.ChangeActionDelete)
	return nil
}

func (p *route53Provider) VerifyTxtRecord(ctx context.Context, fqdn, expectedValue string) (bool, error) {
	zoneID, err := p.zoneFor(ctx, fqdn)
	if err != nil {
		return false, err
	}
	name := dnsName(challengeFQDN(fqdn))
	out, err := p.client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(name),
		StartRecordType: types.RRTypeTxt,
		MaxItems:        aws.Int32(10),
	})
	if err != nil {
		return false, &fleetcert.DnsProviderError{Provider: "route53", Op: "list record sets", Err: err}
	}
	quoted := quoteTXT(expectedValue)
	for _, rs := range out.ResourceRecordSets {
		if rs.Type != types.RRTypeTxt || dnsName(aws.ToString(rs.Name)) != name {
			continue
		}
		for _, rr := range rs.ResourceRecords {
			if aws.ToString(rr.Value) == quoted {
				return true, nil
			}
		}
	}
	return false, nil
}

func quoteTXT(v string) string {
	if strings.HasPrefix(v, "\"") {
		return v
	}
	return "\"" + v + "\""
}

func dnsName(s string) string {
	return strings.TrimSuffix(s, ".") + "."
}
