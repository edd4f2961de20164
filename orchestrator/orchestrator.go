// Package orchestrator implements the Renewal Orchestrator (spec.md
// §4.1): the state machine that drives a single certificate renewal
// end to end, single-flighted per connection, cancellable, and
// recoverable across process restarts.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caasmo/fleetcert"
	"github.com/caasmo/fleetcert/acmeclient"
	"github.com/caasmo/fleetcert/certstore"
	"github.com/caasmo/fleetcert/device"
	"github.com/caasmo/fleetcert/dnsprovider"
	"github.com/caasmo/fleetcert/propagation"
	"github.com/caasmo/fleetcert/sshrestart"
)

const (
	defaultChallengeGrace    = 3 * time.Second
	defaultOrderDeadline     = 2 * time.Minute
	defaultPerRecordDeadline = 3 * time.Minute
	defaultManualDnsDeadline = 5 * time.Minute
	defaultRestartTimeout    = 5 * time.Minute
)

// DeviceClient is the subset of device.Client the orchestrator drives.
type DeviceClient interface {
	GenerateCSR(ctx context.Context, creds device.Credentials, fqdn string, altNames []string) (string, error)
	UploadIdentityCertificate(ctx context.Context, creds device.Credentials, leafPEM string) error
	UploadTrustCertificates(ctx context.Context, creds device.Credentials, chainPEMs []string) error
}

// Orchestrator drives renewals. It holds only shared, mutex-guarded
// bookkeeping (the active set and the status cache); every renewal's
// ephemeral state (challenge records, DNS record ids) lives on a
// renewalRun value scoped to that renewal's own goroutine, never here,
// per spec.md §9's warning about the original source's reuse bug.
type Orchestrator struct {
	logger *slog.Logger

	configStore fleetcert.ConfigStore
	certStore   *certstore.Store
	acme        map[fleetcert.SslProvider]*acmeclient.Client
	environment fleetcert.Environment
	// cleanupDnsForced mirrors LETSENCRYPT_CLEANUP_DNS=true (spec.md §6):
	// when set, challenge records are deleted even in staging.
	cleanupDnsForced bool
	device           DeviceClient
	ssh         fleetcert.SSHClient
	verifier    *propagation.Verifier

	mu     sync.Mutex
	active map[int64]string // connection_id -> renewal_id
	status map[string]*fleetcert.RenewalStatus
	cancel map[string]context.CancelFunc

	// Timing knobs, defaulted in New and overridable by tests in this
	// package to exercise timeout paths without real clock waits.
	challengeGrace    time.Duration
	orderDeadline     time.Duration
	perRecordDeadline time.Duration
	manualDnsDeadline time.Duration
	restartTimeout    time.Duration
}

// New builds an Orchestrator. Call Recover once at process start before
// accepting new StartRenewal calls (spec.md §4.1.1 crash recovery).
func New(
	configStore fleetcert.ConfigStore,
	certStore *certstore.Store,
	acmeClients map[fleetcert.SslProvider]*acmeclient.Client,
	environment fleetcert.Environment,
	cleanupDnsForced bool,
	deviceClient DeviceClient,
	sshClient fleetcert.SSHClient,
	verifier *propagation.Verifier,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		logger:      logger.With("component", "orchestrator"),
		configStore: configStore,
		certStore:   certStore,
		acme:             acmeClients,
		environment:      environment,
		cleanupDnsForced: cleanupDnsForced,
		device:           deviceClient,
		ssh:         sshClient,
		verifier:    verifier,
		active:      make(map[int64]string),
		status:      make(map[string]*fleetcert.RenewalStatus),
		cancel:      make(map[string]context.CancelFunc),

		challengeGrace:    defaultChallengeGrace,
		orderDeadline:     defaultOrderDeadline,
		perRecordDeadline: defaultPerRecordDeadline,
		manualDnsDeadline: defaultManualDnsDeadline,
		restartTimeout:    defaultRestartTimeout,
	}
}

// Recover transitions every non-terminal persisted RenewalStatus to
// failed/"interrupted" (spec.md §4.1.1).
func (o *Orchestrator) Recover(ctx context.Context) error {
	pending, err := o.configStore.ListNonTerminalRenewalStatuses(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator: recover: %w", err)
	}
	for _, st := range pending {
		st.State = fleetcert.StateFailed
		st.Progress = fleetcert.ProgressForState(fleetcert.StateFailed)
		st.Error = fleetcert.ErrInterrupted.Error()
		now := time.Now()
		st.EndTime = &now
		st.Logs = append(st.Logs, fleetcert.LogLine{Time: now, Message: "interrupted"})
		if err := o.configStore.SaveRenewalStatus(ctx, st); err != nil {
			o.logger.Warn("failed to persist recovered renewal status", "renewal_id", st.ID, "error", err)
		}
	}
	return nil
}

// StartRenewal creates a RenewalStatus and launches the background
// renewal task (spec.md §4.1, §4.1.1).
func (o *Orchestrator) StartRenewal(ctx context.Context, connectionID int64) (*fleetcert.RenewalStatus, error) {
	conn, err := o.configStore.GetConnectionByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fleetcert.ErrNotFound
	}

	o.mu.Lock()
	if _, busy := o.active[connectionID]; busy {
		o.mu.Unlock()
		return nil, fleetcert.ErrAlreadyActive
	}

	renewalID := uuid.NewString()
	status := &fleetcert.RenewalStatus{
		ID:           renewalID,
		ConnectionID: connectionID,
		State:        fleetcert.StatePending,
		Progress:     fleetcert.ProgressForState(fleetcert.StatePending),
		StartTime:    time.Now(),
	}
	o.active[connectionID] = renewalID
	o.status[renewalID] = status

	runCtx, cancel := context.WithCancel(context.Background())
	o.cancel[renewalID] = cancel
	o.mu.Unlock()

	o.persist(ctx, status)

	go o.run(runCtx, conn, status)

	return status.Clone(), nil
}

// GetRenewalStatus returns the live or reconstructed status for
// renewalID (spec.md §4.1).
func (o *Orchestrator) GetRenewalStatus(ctx context.Context, renewalID string) (*fleetcert.RenewalStatus, error) {
	o.mu.Lock()
	if st, ok := o.status[renewalID]; ok {
		clone := st.Clone()
		o.mu.Unlock()
		return clone, nil
	}
	o.mu.Unlock()

	st, err := o.configStore.GetRenewalStatus(ctx, renewalID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, fleetcert.ErrNotFound
	}
	st.Progress = fleetcert.ProgressForState(st.State)

	o.mu.Lock()
	o.status[renewalID] = st
	o.mu.Unlock()

	return st.Clone(), nil
}

// CancelRenewal signals the cancellation token for renewalID. Idempotent.
func (o *Orchestrator) CancelRenewal(renewalID string) bool {
	o.mu.Lock()
	cancel, ok := o.cancel[renewalID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

func (o *Orchestrator) persist(ctx context.Context, status *fleetcert.RenewalStatus) {
	if err := o.configStore.SaveRenewalStatus(ctx, status.Clone()); err != nil {
		o.logger.Warn("failed to persist renewal status", "renewal_id", status.ID, "error", err)
	}
}

func (o *Orchestrator) finish(connectionID int64, renewalID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, connectionID)
	delete(o.cancel, renewalID)
}

// transition updates status's state/progress, appends a log line, and
// persists best-effort (spec.md §4.1.3). The line is also appended to
// fqdn's renewal.log via the Certificate Store (spec.md §6).
func (o *Orchestrator) transition(ctx context.Context, status *fleetcert.RenewalStatus, fqdn string, state fleetcert.RenewalState, message string) {
	o.mu.Lock()
	status.State = state
	status.Progress = fleetcert.ProgressForState(state)
	status.Logs = append(status.Logs, fleetcert.LogLine{Time: time.Now(), Message: message})
	snapshot := status.Clone()
	o.mu.Unlock()

	o.logger.Info("renewal state transition", "renewal_id", status.ID, "state", state, "message", message)
	o.persist(ctx, snapshot)
	o.appendRenewalLog(fqdn, message)
}

// logLine appends a log entry to status without changing its state,
// persists best-effort, and appends to fqdn's renewal.log.
func (o *Orchestrator) logLine(ctx context.Context, status *fleetcert.RenewalStatus, fqdn, message string) {
	o.mu.Lock()
	status.Logs = append(status.Logs, fleetcert.LogLine{Time: time.Now(), Message: message})
	snapshot := status.Clone()
	o.mu.Unlock()

	o.persist(ctx, snapshot)
	o.appendRenewalLog(fqdn, message)
}

// appendRenewalLog writes message to fqdn's on-disk renewal.log. Failures
// are logged and suppressed, matching the error-handling policy for
// status-persistence (spec.md §7).
func (o *Orchestrator) appendRenewalLog(fqdn, message string) {
	if err := o.certStore.AppendLog(fqdn, message); err != nil {
		o.logger.Warn("failed to append renewal log", "fqdn", fqdn, "error", err)
	}
}

func checkCancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fleetcert.ErrCancelled
	default:
		return nil
	}
}

// renewalRun is the ephemeral, per-renewal scratch space: DNS challenge
// state that must never survive past one renewal and must never be
// shared across renewals — spec.md §9 calls out exactly this pattern as
// the original source's bug. It is constructed fresh inside run() and
// discarded when run() returns.
type renewalRun struct {
	provider     dnsprovider.Provider
	dnsRecordIDs []string
	challenges   []pendingChallenge
}

type pendingChallenge struct {
	fqdn        string
	recordValue string
	acmeChal    acmeclient.Challenge
}
