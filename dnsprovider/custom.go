package dnsprovider

import (
	"context"
	"fmt"

	"github.com/caasmo/fleetcert"
)

// customProvider is the manual DNS path of spec.md §4.3: no API
// credentials exist, so an operator publishes the challenge record by
// hand. The orchestrator surfaces the record through ManualEntry and
// polls the propagation.Verifier until the record is visible or the
// manual-DNS deadline passes; there is no separate confirmation step.
// CreateTxtRecord and CreateDNSRecord never touch a network; they only
// return the record the operator needs to create.
type customProvider struct{}

// NewCustomProvider builds the manual DNS provider. It never fails: there
// are no credentials to validate.
func NewCustomProvider() Provider {
	return customProvider{}
}

func (customProvider) CreateTxtRecord(ctx context.Context, fqdn, value string) (Record, error) {
	name := challengeFQDN(fqdn)
	return Record{ID: name, Name: name, Value: value, Type: TypeTXT}, nil
}

func (customProvider) CreateDNSRecord(ctx context.Context, name, value string, recordType RecordType) (Record, error) {
	return Record{ID: name, Name: name, Value: value, Type: recordType}, nil
}

// CleanupTxtRecords is a no-op: there is nothing in any API to clean up.
// The operator owns removing the record from their own DNS panel.
func (customProvider) CleanupTxtRecords(ctx context.Context, fqdn string) error {
	return nil
}

func (customProvider) DeleteTxtRecord(ctx context.Context, id string) error {
	return nil
}

// VerifyTxtRecord always reports false: the custom provider has no
// authoritative API to ask. Callers must use propagation.Verifier
// against public resolvers instead, exactly as they would for any
// other provider's eventual-consistency window.
func (customProvider) VerifyTxtRecord(ctx context.Context, fqdn, expectedValue string) (bool, error) {
	return false, nil
}

// ManualEntry renders the instructions an operator follows to publish
// the DNS-01 challenge by hand (spec.md §4.1.2 step 6, manual branch).
func ManualEntry(fqdn, value string) fleetcert.ManualDnsEntry {
	name := challengeFQDN(fqdn)
	return fleetcert.ManualDnsEntry{
		RecordName:  name,
		RecordValue: value,
		Instructions: fmt.Sprintf(
			"Create a TXT record named %q with value %q at your DNS provider; the renewal continues once public resolvers return it.",
			name, value,
		),
	}
}
