package fleetcert

import (
	"context"
	"time"
)

// ConfigStore is the external collaborator that owns Connections and
// Settings, and persists RenewalStatus records (spec.md §6). The
// orchestrator treats it as authoritative; an in-memory cache in front of
// it is a latency optimization only (spec.md §9).
type ConfigStore interface {
	GetConnectionByID(ctx context.Context, id int64) (*Connection, error)
	UpdateConnection(ctx context.Context, id int64, fields ConnectionUpdate) error
	GetSettingsByProvider(ctx context.Context, provider string) ([]Setting, error)

	SaveRenewalStatus(ctx context.Context, status *RenewalStatus) error
	GetRenewalStatus(ctx context.Context, id string) (*RenewalStatus, error)

	// ListNonTerminalRenewalStatuses supports crash recovery (spec.md
	// §4.1.1): every non-terminal record found at process start is
	// transitioned to failed with message "interrupted".
	ListNonTerminalRenewalStatuses(ctx context.Context) ([]*RenewalStatus, error)
}

// ConnectionUpdate carries the subset of Connection fields the orchestrator
// updates after a successful renewal (spec.md §4.1.2 step 13). Zero-value
// fields are left unchanged by implementations; LastCertIssued is always
// set when an update is issued.
type ConnectionUpdate struct {
	LastCertIssued     *time.Time
	CertCountThisWeek  *int
	CertCountResetDate *time.Time
}

// SSHClient is the external collaborator used for the optional
// post-install service restart (spec.md §4.6, §6).
type SSHClient interface {
	TestConnection(ctx context.Context, host, user, pass string) error
	ExecuteCommand(ctx context.Context, host, user, pass, command string, timeout time.Duration) (stdout, stderr string, err error)
}
