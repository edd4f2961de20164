package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/caasmo/fleetcert"
	"github.com/caasmo/fleetcert/acmeclient"
	"github.com/caasmo/fleetcert/certstore"
	"github.com/caasmo/fleetcert/device"
	"github.com/caasmo/fleetcert/filestore"
	"github.com/caasmo/fleetcert/orchestrator"
	"github.com/caasmo/fleetcert/propagation"
	"github.com/caasmo/fleetcert/sshrestart"
)

const (
	letsEncryptStagingURL    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	letsEncryptProductionURL = "https://acme-v02.api.letsencrypt.org/directory"
)

func envBool(name string, def bool) bool {
	v, ok := os.LookupEnv(name)
	if !ok {
		return def
	}
	return v == "true"
}

func main() {
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	configPath := flag.String("config", "fleetcert.toml", "path to the connections/settings TOML file")
	statusPath := flag.String("status", "fleetcert.status.toml", "path to the renewal status TOML file")
	connectionID := flag.Int64("connection", 0, "connection id to renew (required)")
	altDirectoryURL := flag.String("acme-alt-directory", "", "directory URL for the acme_alt ssl_provider (required if any connection uses it)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -connection <id> [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Drives one renewal to completion against a TOML-backed config store.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *connectionID == 0 {
		flag.Usage()
		os.Exit(1)
	}

	staging := envBool("LETSENCRYPT_STAGING", true)
	cleanupDnsForced := envBool("LETSENCRYPT_CLEANUP_DNS", false)
	accountsDir := os.Getenv("ACCOUNTS_DIR")
	if accountsDir == "" {
		accountsDir = "./accounts"
	}

	environment := fleetcert.EnvironmentProduction
	primaryURL := letsEncryptProductionURL
	if staging {
		environment = fleetcert.EnvironmentStaging
		primaryURL = letsEncryptStagingURL
	}

	logger.Info("loading configuration", "config", *configPath, "status", *statusPath)
	configStore, err := filestore.Open(*configPath, *statusPath)
	if err != nil {
		logger.Error("failed to open config store", "error", err)
		os.Exit(1)
	}

	certStore := certstore.New(accountsDir, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	acmeClients := make(map[fleetcert.SslProvider]*acmeclient.Client)
	primaryClient, err := acmeclient.New(ctx, primaryURL, certStore, logger)
	if err != nil {
		logger.Error("failed to build primary ACME client", "directory", primaryURL, "error", err)
		os.Exit(1)
	}
	acmeClients[fleetcert.SslProviderPrimary] = primaryClient

	if *altDirectoryURL != "" {
		altClient, err := acmeclient.New(ctx, *altDirectoryURL, certStore, logger)
		if err != nil {
			logger.Error("failed to build alternate ACME client", "directory", *altDirectoryURL, "error", err)
			os.Exit(1)
		}
		acmeClients[fleetcert.SslProviderAlt] = altClient
	}

	o := orchestrator.New(
		configStore,
		certStore,
		acmeClients,
		environment,
		cleanupDnsForced,
		device.New(),
		sshrestart.New(),
		propagation.New(logger),
		logger,
	)

	logger.Info("recovering interrupted renewals")
	if err := o.Recover(ctx); err != nil {
		logger.Error("recovery failed", "error", err)
		os.Exit(1)
	}

	logger.Info("starting renewal", "connection_id", *connectionID)
	status, err := o.StartRenewal(ctx, *connectionID)
	if err != nil {
		logger.Error("failed to start renewal", "connection_id", *connectionID, "error", err)
		os.Exit(1)
	}

	for !status.State.IsTerminal() {
		select {
		case <-ctx.Done():
			logger.Error("timed out waiting for renewal to finish", "renewal_id", status.ID)
			os.Exit(1)
		case <-time.After(2 * time.Second):
		}
		status, err = o.GetRenewalStatus(ctx, status.ID)
		if err != nil {
			logger.Error("failed to poll renewal status", "renewal_id", status.ID, "error", err)
			os.Exit(1)
		}
		if status.ManualDns != nil {
			logger.Warn("manual DNS publication required",
				"record_name", status.ManualDns.RecordName,
				"record_value", status.ManualDns.RecordValue,
				"instructions", status.ManualDns.Instructions)
		}
	}

	for _, line := range status.Logs {
		logger.Info(line.Message, "time", line.Time)
	}

	if status.State == fleetcert.StateFailed {
		logger.Error("renewal failed", "renewal_id", status.ID, "error", status.Error)
		os.Exit(1)
	}

	logger.Info("renewal completed", "renewal_id", status.ID, "accounts_dir", accountsDir)
}
