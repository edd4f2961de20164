// Package fleetcert coordinates ACME DNS-01 certificate issuance and
// installation across a fleet of heterogeneous target devices. The
// subpackages implement the collaborators (ACME protocol, DNS provider
// adapters, propagation verification, device install, certificate storage);
// this package holds the data model shared between them and the
// orchestrator that drives the renewal state machine.
package fleetcert

import "time"

// ApplicationType selects how a Connection's certificate is obtained and
// installed.
type ApplicationType string

const (
	ApplicationVOS     ApplicationType = "vos"
	ApplicationGeneral ApplicationType = "general"
	ApplicationPortal  ApplicationType = "portal"
)

// SslProvider selects which ACME directory a renewal is issued against.
type SslProvider string

const (
	SslProviderPrimary SslProvider = "acme_primary"
	SslProviderAlt     SslProvider = "acme_alt"
)

// DnsProviderKind names one of the supported DNS adapters.
type DnsProviderKind string

const (
	DnsProviderCloudflare    DnsProviderKind = "cloudflare"
	DnsProviderDigitalOcean  DnsProviderKind = "digitalocean"
	DnsProviderRoute53       DnsProviderKind = "route53"
	DnsProviderAzure         DnsProviderKind = "azure"
	DnsProviderGoogle        DnsProviderKind = "google"
	DnsProviderCustom        DnsProviderKind = "custom"
)

// Connection is the unit of renewal: one managed endpoint, the authority to
// issue against, and the DNS provider that will prove control of its
// domain. See spec.md §3.
type Connection struct {
	ID          int64
	Name        string
	AppType     ApplicationType
	Hostname    string
	Domain      string
	AltNames    []string
	Username    string
	Password    string
	SslProvider SslProvider
	DnsProvider DnsProviderKind

	// CustomCsr holds a PEM-encoded CSR, optionally followed by a PEM
	// private key block, supplied by the caller for ApplicationGeneral
	// connections.
	CustomCsr string

	EnableSSH          bool
	AutoRestartService bool

	LastCertIssued     time.Time
	CertCountThisWeek  int
	CertCountResetDate time.Time
}

// FQDN returns the fully-qualified domain name for this connection.
func (c *Connection) FQDN() string {
	return c.Hostname + "." + c.Domain
}

// Domains returns the ordered list of identifiers the certificate must
// cover: the FQDN followed by any SAN alt names.
func (c *Connection) Domains() []string {
	out := make([]string, 0, 1+len(c.AltNames))
	out = append(out, c.FQDN())
	out = append(out, c.AltNames...)
	return out
}

// Environment selects the ACME directory's staging or production endpoint.
type Environment string

const (
	EnvironmentStaging    Environment = "staging"
	EnvironmentProduction Environment = "production"
)

func (e Environment) Dir() string {
	if e == EnvironmentProduction {
		return "prod"
	}
	return "staging"
}

// Setting is a provider-scoped key/value credential tuple, injected without
// encoding secrets into a Connection. See spec.md §3.
type Setting struct {
	Provider string
	Key      string
	Value    string
}

// ManualDnsEntry describes the TXT record an operator must publish by hand
// for the "custom" DNS provider.
type ManualDnsEntry struct {
	RecordName   string
	RecordValue  string
	Instructions string
}

// RenewalState is the lifecycle stage of one renewal attempt. See spec.md
// §4.1.3 for the state -> progress mapping.
type RenewalState string

const (
	StatePending               RenewalState = "pending"
	StateGeneratingCsr         RenewalState = "generating_csr"
	StateCreatingAccount       RenewalState = "creating_account"
	StateRequestingCertificate RenewalState = "requesting_certificate"
	StateCreatingDnsChallenge  RenewalState = "creating_dns_challenge"
	StateWaitingDnsPropagation RenewalState = "waiting_dns_propagation"
	StateWaitingManualDns      RenewalState = "waiting_manual_dns"
	StateCompletingValidation  RenewalState = "completing_validation"
	StateDownloadingCertificate RenewalState = "downloading_certificate"
	StateUploadingCertificate  RenewalState = "uploading_certificate"
	StateCompleted             RenewalState = "completed"
	StateFailed                RenewalState = "failed"
)

// progressByState is the fixed state -> progress mapping from spec.md
// §4.1.3. It is also used to recompute progress for a RenewalStatus
// reconstructed from the persisted store (spec.md §4.1 GetRenewalStatus).
var progressByState = map[RenewalState]int{
	StatePending:                0,
	StateGeneratingCsr:          10,
	StateCreatingAccount:        15,
	StateRequestingCertificate:  20,
	StateCreatingDnsChallenge:   30,
	StateWaitingDnsPropagation:  50,
	StateWaitingManualDns:       65,
	StateCompletingValidation:   70,
	StateDownloadingCertificate: 80,
	StateUploadingCertificate:   90,
	StateCompleted:              100,
	StateFailed:                 0,
}

// ProgressForState returns the fixed progress percentage for a state,
// per spec.md §4.1.3. Unknown states map to 0.
func ProgressForState(s RenewalState) int {
	return progressByState[s]
}

// IsTerminal reports whether s is a terminal RenewalStatus state.
func (s RenewalState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// LogLine is one timestamped entry in a RenewalStatus's append-only log.
type LogLine struct {
	Time    time.Time
	Message string
}

// RenewalStatus is the lifecycle record of one renewal attempt. See
// spec.md §3 for its invariants.
type RenewalStatus struct {
	ID           string
	ConnectionID int64
	State        RenewalState
	Message      string
	Progress     int
	StartTime    time.Time
	EndTime      *time.Time
	Error        string
	Logs         []LogLine
	ManualDns    *ManualDnsEntry
}

// Clone returns a deep-enough copy of s for safe handoff across goroutines
// (the orchestrator hands out copies from its status cache so a caller
// mutating its copy cannot corrupt in-flight state).
func (s *RenewalStatus) Clone() *RenewalStatus {
	if s == nil {
		return nil
	}
	out := *s
	out.Logs = append([]LogLine(nil), s.Logs...)
	if s.EndTime != nil {
		t := *s.EndTime
		out.EndTime = &t
	}
	if s.ManualDns != nil {
		m := *s.ManualDns
		out.ManualDns = &m
	}
	return &out
}
