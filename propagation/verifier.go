// Package propagation implements the Propagation Verifier (spec.md §4.4):
// polling a panel of resolvers until a DNS record is globally visible or a
// deadline elapses.
package propagation

import (
	"context"
	"log/slog"
	"time"

	"github.com/miekg/dns"
)

const defaultInterval = 10 * time.Second

// DefaultResolvers is the panel of public recursive resolvers a Verifier
// queries unless WithResolvers replaces it.
var DefaultResolvers = []string{
	"1.1.1.1:53",
	"8.8.8.8:53",
	"9.9.9.9:53",
}

// Verifier polls DNS resolvers for an expected record value.
type Verifier struct {
	resolvers []string
	interval  time.Duration
	logger    *slog.Logger
	client    *dns.Client
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithResolvers overrides the default resolver panel.
func WithResolvers(resolvers []string) Option {
	return func(v *Verifier) { v.resolvers = resolvers }
}

// WithInterval overrides the default 10s poll interval.
func WithInterval(d time.Duration) Option {
	return func(v *Verifier) { v.interval = d }
}

// New creates a Verifier that queries DefaultResolvers. WithResolvers
// replaces that panel; to query a zone's authoritative servers as well as
// the public resolvers, pass both in one list.
func New(logger *slog.Logger, opts ...Option) *Verifier {
	v := &Verifier{
		resolvers: DefaultResolvers,
		interval:  defaultInterval,
		logger:    logger.With("component", "propagation"),
		client:    &dns.Client{Timeout: 5 * time.Second},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify polls until fqdn's record of type recordType (dns.TypeTXT or
// dns.TypeCNAME) is observed with value expected at ALL configured
// resolvers, or ctx is done / deadline elapses. It never returns an error:
// transient resolver failures are logged and retried, matching spec.md
// §4.4 ("never throws").
func (v *Verifier) Verify(ctx context.Context, fqdn, expected string, recordType uint16, deadline time.Duration) bool {
	timeoutCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	if v.allResolversMatch(fqdn, expected, recordType) {
		return true
	}

	for {
		select {
		case <-timeoutCtx.Done():
			return false
		case <-ticker.C:
			if v.allResolversMatch(fqdn, expected, recordType) {
				return true
			}
		}
	}
}

func (v *Verifier) allResolversMatch(fqdn, expected string, recordType uint16) bool {
	for _, resolver := range v.resolvers {
		if !v.resolverMatches(resolver, fqdn, expected, recordType) {
			return false
		}
	}
	return true
}

func (v *Verifier) resolverMatches(resolver, fqdn, expected string, recordType uint16) bool {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(fqdn), recordType)
	msg.RecursionDesired = true

	resp, _, err := v.client.Exchange(msg, resolver)
	if err != nil {
		v.logger.Debug("resolver query failed, will retry", "resolver", resolver, "fqdn", fqdn, "error", err)
		return false
	}

	for _, rr := range resp.Answer {
		switch recordType {
		case dns.TypeTXT:
			if txt, ok := rr.(*dns.TXT); ok {
				for _, s := range txt.Txt {
					if s == expected {
						return true
					}
				}
			}
		case dns.TypeCNAME:
			if cname, ok := rr.(*dns.CNAME); ok && dns.Fqdn(cname.Target) == dns.Fqdn(expected) {
				return true
			}
		}
	}
	return false
}
