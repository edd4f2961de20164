package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/caasmo/fleetcert/filestore"
)

func generateBlueprintConfig() []byte {
	connections := []filestore.ConnectionRecord{
		{
			ID:                 1,
			Name:               "ucm01",
			AppType:            "vos",
			Hostname:           "ucm01",
			Domain:             "lab.example.com",
			Username:           "admin",
			Password:           "CHANGE_ME_OR_LOAD_FROM_SECRET_MANAGER",
			SslProvider:        "acme_primary",
			DnsProvider:        "cloudflare",
			EnableSSH:          true,
			AutoRestartService: true,
		},
		{
			ID:          2,
			Name:        "portal",
			AppType:     "portal",
			Hostname:    "portal",
			Domain:      "lab.example.com",
			SslProvider: "acme_primary",
			DnsProvider: "custom",
		},
		{
			ID:          3,
			Name:        "edge-server",
			AppType:     "general",
			Hostname:    "edge01",
			Domain:      "lab.example.com",
			SslProvider: "acme_primary",
			DnsProvider: "route53",
			CustomCsr:   "-----BEGIN CERTIFICATE REQUEST-----\nPASTE_YOUR_CSR_PEM_HERE\n-----END CERTIFICATE REQUEST-----",
		},
	}

	settings := []filestore.SettingRecord{
		{Provider: "acme", Key: "contact_email", Value: "ops@example.com"},
		{Provider: "cloudflare", Key: "api_token", Value: "YOUR_CLOUDFLARE_API_TOKEN_ENV_VAR_OR_SECRET"},
		{Provider: "route53", Key: "aws_region", Value: "us-east-1"},
	}

	doc := struct {
		Connections []filestore.ConnectionRecord `toml:"connections"`
		Settings    []filestore.SettingRecord     `toml:"settings"`
	}{connections, settings}

	data, err := toml.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return data
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	outputFileFlag := flag.String("output", "fleetcert.blueprint.toml", "Output file path for the blueprint TOML configuration")
	flag.StringVar(outputFileFlag, "o", "fleetcert.blueprint.toml", "Output file path (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Generates a blueprint connections/settings TOML configuration file with example values.\n")
		fmt.Fprintf(os.Stderr, "Remember to replace placeholder values and load secrets securely.\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	logger.Info("generating blueprint configuration")
	tomlBytes := generateBlueprintConfig()

	logger.Info("writing blueprint configuration", "path", *outputFileFlag)
	if err := os.WriteFile(*outputFileFlag, tomlBytes, 0644); err != nil {
		logger.Error("failed to write blueprint config file", "path", *outputFileFlag, "error", err)
		os.Exit(1)
	}

	logger.Info("blueprint configuration generated successfully", "path", *outputFileFlag)
	logger.Warn("review the generated file, replace placeholders, and load secrets (API tokens, device passwords) securely before use")
}
