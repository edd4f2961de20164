package orchestrator

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caasmo/fleetcert"
	"github.com/caasmo/fleetcert/acmeclient"
	"github.com/caasmo/fleetcert/device"
	"github.com/caasmo/fleetcert/dnsprovider"
	"github.com/caasmo/fleetcert/sshrestart"
	"github.com/miekg/dns"
)

// run executes the happy-path flow of spec.md §4.1.2 for one renewal. It
// always calls o.finish exactly once on return, regardless of outcome.
func (o *Orchestrator) run(ctx context.Context, conn *fleetcert.Connection, status *fleetcert.RenewalStatus) {
	defer o.finish(conn.ID, status.ID)

	if err := o.runSteps(ctx, conn, status); err != nil {
		o.fail(ctx, conn.FQDN(), status, err)
		return
	}

	now := time.Now()
	o.mu.Lock()
	status.EndTime = &now
	o.mu.Unlock()
	o.transition(ctx, status, conn.FQDN(), fleetcert.StateCompleted, "renewal completed")
}

func (o *Orchestrator) fail(ctx context.Context, fqdn string, status *fleetcert.RenewalStatus, err error) {
	now := time.Now()
	o.mu.Lock()
	status.State = fleetcert.StateFailed
	status.Progress = fleetcert.ProgressForState(fleetcert.StateFailed)
	status.Error = err.Error()
	status.EndTime = &now
	status.Logs = append(status.Logs, fleetcert.LogLine{Time: now, Message: "failed: " + err.Error()})
	snapshot := status.Clone()
	o.mu.Unlock()

	o.logger.Error("renewal failed", "renewal_id", status.ID, "connection_id", status.ConnectionID, "error", err)
	o.persist(ctx, snapshot)
	o.appendRenewalLog(fqdn, "failed: "+err.Error())
}

func (o *Orchestrator) runSteps(ctx context.Context, conn *fleetcert.Connection, status *fleetcert.RenewalStatus) error {
	fqdn := conn.FQDN()
	domains := conn.Domains()

	// Step 2: reuse a still-valid certificate if one exists. The device
	// is still (re-)installed against it; only the ACME/DNS steps are
	// skipped (spec.md §8 testable property 6).
	if cert, ok := o.certStore.Reusable(fqdn, string(o.environment)); ok {
		o.logger.Info("reusing valid certificate", "fqdn", fqdn, "not_after", cert.NotAfter)
		chainPEM, err := o.certStore.LoadFullchain(fqdn, string(o.environment))
		if err != nil {
			return err
		}
		return o.installAndFinish(ctx, conn, status, chainPEM)
	}

	if err := checkCancelled(ctx); err != nil {
		return err
	}

	// Step 3: obtain CSR.
	o.transition(ctx, status, fqdn, fleetcert.StateGeneratingCsr, "obtaining CSR")
	csrPEM, keyPEM, err := o.obtainCSR(ctx, conn, fqdn, domains[1:])
	if err != nil {
		return err
	}
	if err := o.certStore.SaveCSR(fqdn, []byte(csrPEM), keyPEM); err != nil {
		o.logger.Warn("failed to persist CSR", "fqdn", fqdn, "error", err)
	}
	o.logLine(ctx, status, fqdn, "CSR generated successfully")
	csrDER, err := csrPEMToDER(csrPEM)
	if err != nil {
		return err
	}

	if err := checkCancelled(ctx); err != nil {
		return err
	}

	// Step 4: ensure an ACME account.
	o.transition(ctx, status, fqdn, fleetcert.StateCreatingAccount, "loading or creating ACME account")
	client, ok := o.acme[conn.SslProvider]
	if !ok {
		return fmt.Errorf("orchestrator: no ACME client configured for ssl provider %q", conn.SslProvider)
	}
	account, err := o.ensureAccount(ctx, client, fqdn)
	if err != nil {
		return err
	}

	if err := checkCancelled(ctx); err != nil {
		return err
	}

	// Step 5: submit the order.
	o.transition(ctx, status, fqdn, fleetcert.StateRequestingCertificate, "requesting certificate order")
	order, challenges, err := client.RequestCertificate(ctx, account, domains)
	if err != nil {
		return err
	}

	// The DNS provider and the record ids it hands back live only on this
	// renewal's own run value, never on the Orchestrator (spec.md §9).
	settings, err := o.configStore.GetSettingsByProvider(ctx, string(conn.DnsProvider))
	if err != nil {
		return fmt.Errorf("orchestrator: load dns provider settings: %w", err)
	}
	run := &renewalRun{}
	run.provider, err = dnsprovider.New(conn.DnsProvider, settings)
	if err != nil {
		return err
	}

	if err := checkCancelled(ctx); err != nil {
		return err
	}

	// Step 6: create the DNS-01 TXT records.
	o.transition(ctx, status, fqdn, fleetcert.StateCreatingDnsChallenge, "publishing DNS-01 challenge records")
	if err := o.createChallengeRecords(ctx, account, client, conn, fqdn, domains, challenges, run, status); err != nil {
		o.cleanupRecords(ctx, run)
		return err
	}

	// Step 7: verify propagation. Independent challenges (one per SAN when
	// alt_names is non-empty) are verified concurrently.
	isManual := conn.DnsProvider == fleetcert.DnsProviderCustom
	if isManual {
		o.transition(ctx, status, fqdn, fleetcert.StateWaitingManualDns, "waiting for operator to publish DNS record")
	} else {
		o.transition(ctx, status, fqdn, fleetcert.StateWaitingDnsPropagation, "waiting for DNS propagation")
	}
	deadline := o.perRecordDeadline
	if isManual {
		deadline = o.manualDnsDeadline
	}
	if err := checkCancelled(ctx); err != nil {
		o.cleanupRecords(ctx, run)
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range run.challenges {
		pc := pc
		g.Go(func() error {
			if !o.verifier.Verify(gctx, dnsprovider.ChallengeFQDN(pc.fqdn), pc.recordValue, dns.TypeTXT, deadline) {
				if isManual {
					return fleetcert.ErrManualDnsTimeout
				}
				return fleetcert.ErrPropagationTimeout
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.cleanupRecords(ctx, run)
		return err
	}
	o.logLine(ctx, status, fqdn, "DNS propagation verified")

	if err := checkCancelled(ctx); err != nil {
		o.cleanupRecords(ctx, run)
		return err
	}

	// Step 8: mark challenges ready, wait grace, poll order.
	o.transition(ctx, status, fqdn, fleetcert.StateCompletingValidation, "completing domain validation")
	for _, pc := range run.challenges {
		if err := client.CompleteChallenge(ctx, account, pc.acmeChal); err != nil {
			o.cleanupRecords(ctx, run)
			return err
		}
	}
	select {
	case <-time.After(o.challengeGrace):
	case <-ctx.Done():
		o.cleanupRecords(ctx, run)
		return fleetcert.ErrCancelled
	}

	completedOrder, err := client.WaitForOrderCompletion(ctx, account, order, o.orderDeadline)
	if err != nil {
		o.cleanupRecords(ctx, run)
		return err
	}

	// Step 9: finalize and download the chain.
	o.transition(ctx, status, fqdn, fleetcert.StateDownloadingCertificate, "finalizing order and downloading certificate")
	chainPEM, err := client.FinalizeCertificate(ctx, account, completedOrder, csrDER)
	if err != nil {
		o.cleanupRecords(ctx, run)
		return err
	}
	o.logLine(ctx, status, fqdn, "Certificate obtained")

	// Step 10: persist artifacts.
	leafPEM, intermediates := device.SplitChain(chainPEM)
	chainOnly := ""
	for _, b := range intermediates {
		chainOnly += b
	}
	writeConvenience := conn.AppType == fleetcert.ApplicationGeneral
	if err := o.certStore.SaveCertificate(fqdn, string(o.environment), []byte(leafPEM), []byte(chainOnly), chainPEM, writeConvenience, keyPEM); err != nil {
		o.logger.Warn("failed to persist issued certificate", "fqdn", fqdn, "error", err)
	}

	// Step 11: cleanup the challenge records (spec.md §8 invariant 4).
	o.cleanupRecords(ctx, run)

	// Step 12/13: install, restart, accounting.
	return o.installAndFinish(ctx, conn, status, chainPEM)
}

// cleanupRecords deletes every challenge record created this renewal,
// unless running in staging without LETSENCRYPT_CLEANUP_DNS set (spec.md
// §6, §8 invariant 4).
func (o *Orchestrator) cleanupRecords(ctx context.Context, run *renewalRun) {
	if o.environment == fleetcert.EnvironmentStaging && !o.cleanupDnsForced {
		return
	}
	for _, id := range run.dnsRecordIDs {
		if err := run.provider.DeleteTxtRecord(ctx, id); err != nil {
			o.logger.Warn("failed to delete dns challenge record", "id", id, "error", err)
		}
	}
}

func (o *Orchestrator) createChallengeRecords(ctx context.Context, account *acmeclient.Account, client *acmeclient.Client, conn *fleetcert.Connection, connFQDN string, domains []string, challenges []acmeclient.Challenge, run *renewalRun, status *fleetcert.RenewalStatus) error {
	for i, chal := range challenges {
		fqdn := domains[i]

		keyAuth, err := client.GetChallengeKeyAuthorization(account, chal)
		if err != nil {
			return err
		}
		recordValue := acmeclient.GetDNSRecordValue(keyAuth)

		if err := run.provider.CleanupTxtRecords(ctx, fqdn); err != nil {
			o.logger.Warn("failed to purge stale challenge records", "fqdn", fqdn, "error", err)
		}

		if conn.DnsProvider == fleetcert.DnsProviderCustom {
			entry := dnsprovider.ManualEntry(fqdn, recordValue)
			o.mu.Lock()
			status.ManualDns = &entry
			o.mu.Unlock()
		}

		record, err := run.provider.CreateTxtRecord(ctx, fqdn, recordValue)
		if err != nil {
			return err
		}
		o.logLine(ctx, status, connFQDN, "Created DNS TXT record")
		run.dnsRecordIDs = append(run.dnsRecordIDs, record.ID)
		run.challenges = append(run.challenges, pendingChallenge{fqdn: fqdn, recordValue: recordValue, acmeChal: chal})
	}
	return nil
}

// obtainCSR returns the PEM-encoded CSR (and, for general connections whose
// custom CSR carries a private key block, that key) per spec.md §4.1.2 step 3.
func (o *Orchestrator) obtainCSR(ctx context.Context, conn *fleetcert.Connection, fqdn string, altNames []string) (csrPEM string, keyPEM []byte, err error) {
	switch conn.AppType {
	case fleetcert.ApplicationVOS, fleetcert.ApplicationPortal:
		if persisted, ok, loadErr := o.certStore.LoadCSR(fqdn); loadErr == nil && ok {
			return string(persisted), nil, nil
		}
		creds := device.Credentials{Host: conn.Hostname + "." + conn.Domain, Username: conn.Username, Password: conn.Password}
		csrPEM, err = o.device.GenerateCSR(ctx, creds, fqdn, altNames)
		if err != nil {
			return "", nil, err
		}
		return csrPEM, nil, nil
	case fleetcert.ApplicationGeneral:
		return splitCustomCsr(conn.CustomCsr)
	default:
		return "", nil, fmt.Errorf("orchestrator: unsupported application type %q", conn.AppType)
	}
}

// splitCustomCsr splits the operator-supplied CustomCsr field (spec.md
// §3) into its CSR block and, if present, a trailing private key block.
func splitCustomCsr(raw string) (csrPEM string, keyPEM []byte, err error) {
	rest := []byte(raw)
	var csrBlock *pem.Block
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE REQUEST", "NEW CERTIFICATE REQUEST":
			if csrBlock == nil {
				csrBlock = block
			}
		default:
			keyPEM = append(keyPEM, pem.EncodeToMemory(block)...)
		}
	}
	if csrBlock == nil {
		return "", nil, fleetcert.ErrCsrFormatInvalid
	}
	return string(pem.EncodeToMemory(csrBlock)), keyPEM, nil
}

// ensureAccount loads a persisted ACME account for fqdn or creates one.
func (o *Orchestrator) ensureAccount(ctx context.Context, client *acmeclient.Client, fqdn string) (*acmeclient.Account, error) {
	if account, ok, err := client.LoadAccount(fqdn, string(o.environment)); err != nil {
		return nil, err
	} else if ok {
		return account, nil
	}

	settings, err := o.configStore.GetSettingsByProvider(ctx, "acme")
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load acme settings: %w", err)
	}
	email := ""
	for _, s := range settings {
		if s.Key == "contact_email" {
			email = s.Value
		}
	}
	if email == "" {
		return nil, fleetcert.ErrAccountNotConfigured
	}
	return client.CreateAccount(ctx, fqdn, string(o.environment), email)
}

// installAndFinish installs the certificate on the target device (when
// chainPEM is non-nil; a reused certificate is re-installed too), restarts
// the service if requested, and updates the Connection's renewal
// accounting (spec.md §4.1.2 steps 12-13).
func (o *Orchestrator) installAndFinish(ctx context.Context, conn *fleetcert.Connection, status *fleetcert.RenewalStatus, chainPEM []byte) error {
	if chainPEM != nil {
		o.transition(ctx, status, conn.FQDN(), fleetcert.StateUploadingCertificate, "installing certificate on device")
		if err := o.install(ctx, conn, chainPEM); err != nil {
			return err
		}
	}

	if conn.AutoRestartService && conn.EnableSSH {
		creds := device.Credentials{Host: conn.Hostname + "." + conn.Domain, Username: conn.Username, Password: conn.Password}
		_, stderr, err := o.ssh.ExecuteCommand(ctx, creds.Host, creds.Username, creds.Password, sshrestart.RestartCommand, o.restartTimeout)
		if err != nil {
			o.logger.Warn("service restart failed", "fqdn", conn.FQDN(), "stderr", stderr, "error", err)
		}
	}

	now := time.Now()
	resetDate := conn.CertCountResetDate
	count := conn.CertCountThisWeek + 1
	if now.After(resetDate) {
		count = 1
		resetDate = now.AddDate(0, 0, 7)
	}
	update := fleetcert.ConnectionUpdate{
		LastCertIssued:     &now,
		CertCountThisWeek:  &count,
		CertCountResetDate: &resetDate,
	}
	if err := o.configStore.UpdateConnection(ctx, conn.ID, update); err != nil {
		o.logger.Warn("failed to update connection accounting", "connection_id", conn.ID, "error", err)
	}
	return nil
}

func (o *Orchestrator) install(ctx context.Context, conn *fleetcert.Connection, chainPEM []byte) error {
	switch conn.AppType {
	case fleetcert.ApplicationVOS, fleetcert.ApplicationPortal:
		leafPEM, intermediates := device.SplitChain(chainPEM)
		creds := device.Credentials{Host: conn.Hostname + "." + conn.Domain, Username: conn.Username, Password: conn.Password}
		if err := o.device.UploadIdentityCertificate(ctx, creds, leafPEM); err != nil {
			return err
		}
		if len(intermediates) > 0 {
			if err := o.device.UploadTrustCertificates(ctx, creds, intermediates); err != nil {
				o.logger.Warn("failed to upload trust chain", "fqdn", conn.FQDN(), "error", err)
			}
		}
		return nil
	case fleetcert.ApplicationGeneral:
		// The certificate is already on disk via SaveCertificate; general
		// connections are installed by the operator reading certstore's
		// convenience .crt/.key copies, not over the network.
		return nil
	default:
		return fmt.Errorf("orchestrator: unsupported application type %q", conn.AppType)
	}
}

func csrPEMToDER(csrPEM string) ([]byte, error) {
	block, _ := pem.Decode([]byte(csrPEM))
	if block == nil {
		return nil, fleetcert.ErrCsrFormatInvalid
	}
	if _, err := x509.ParseCertificateRequest(block.Bytes); err != nil {
		return nil, fmt.Errorf("%w: %v", fleetcert.ErrCsrFormatInvalid, err)
	}
	return block.Bytes, nil
}
