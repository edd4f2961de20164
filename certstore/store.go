// Package certstore implements the per-domain, per-environment filesystem
// layout that the Certificate Store component owns (spec.md §4.7).
package certstore

import (
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const reusabilityWindow = 30 * 24 * time.Hour

// Store is rooted at a single directory (default ./accounts, see spec.md
// §6) and lays out artifacts per-FQDN, per-environment beneath it.
type Store struct {
	root   string
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-FQDN locks, spec.md §5
}

// New creates a Store rooted at root. root is created lazily by writes.
func New(root string, logger *slog.Logger) *Store {
	if root == "" {
		root = "./accounts"
	}
	return &Store{
		root:   root,
		logger: logger.With("component", "certstore"),
		locks:  make(map[string]*sync.Mutex),
	}
}

func (s *Store) lockFor(fqdn string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[fqdn]
	if !ok {
		l = &sync.Mutex{}
		s.locks[fqdn] = l
	}
	return l
}

func (s *Store) domainDir(fqdn string) string {
	return filepath.Join(s.root, fqdn)
}

func (s *Store) envDir(fqdn, env string) string {
	return filepath.Join(s.domainDir(fqdn), env)
}

// Paths is the set of on-disk artifact paths for one (fqdn, environment)
// pair, per spec.md §4.7.
type Paths struct {
	CsrPEM        string
	PrivateKeyPEM string
	RenewalLog    string
	CertificatePEM string
	ChainPEM      string
	FullchainPEM  string
	ConvenienceCrt string
	ConvenienceKey string
}

// PathsFor returns the artifact paths for fqdn/env without touching disk.
func (s *Store) PathsFor(fqdn, env string) Paths {
	dd := s.domainDir(fqdn)
	ed := s.envDir(fqdn, env)
	return Paths{
		CsrPEM:         filepath.Join(dd, "csr.pem"),
		PrivateKeyPEM:  filepath.Join(dd, "private_key.pem"),
		RenewalLog:     filepath.Join(dd, "renewal.log"),
		CertificatePEM: filepath.Join(ed, "certificate.pem"),
		ChainPEM:       filepath.Join(ed, "chain.pem"),
		FullchainPEM:   filepath.Join(ed, "fullchain.pem"),
		ConvenienceCrt: filepath.Join(ed, fqdn+".crt"),
		ConvenienceKey: filepath.Join(ed, fqdn+".key"),
	}
}

// writeAtomic writes data to path via a tempfile-then-rename, matching
// restinpieces/queue/handlers/TlsCertRenewal.go's saveCertificateResource.
func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("certstore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("certstore: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("certstore: write temp for %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("certstore: chmod temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("certstore: close temp for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("certstore: rename temp to %s: %w", path, err)
	}
	return nil
}

// SaveCSR persists the CSR (and, if present, its private key) for fqdn.
func (s *Store) SaveCSR(fqdn string, csrPEM, keyPEM []byte) error {
	l := s.lockFor(fqdn)
	l.Lock()
	defer l.Unlock()

	paths := s.PathsFor(fqdn, "")
	if err := writeAtomic(paths.CsrPEM, csrPEM, 0644); err != nil {
		return err
	}
	if len(keyPEM) > 0 {
		if err := writeAtomic(paths.PrivateKeyPEM, keyPEM, 0600); err != nil {
			return err
		}
	}
	return s.appendLog(fqdn, "CSR saved")
}

// LoadCSR returns a previously persisted CSR for fqdn, or (nil, false, nil)
// if none exists.
func (s *Store) LoadCSR(fqdn string) ([]byte, bool, error) {
	l := s.lockFor(fqdn)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.PathsFor(fqdn, "").CsrPEM)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("certstore: read csr for %s: %w", fqdn, err)
	}
	return data, true, nil
}

// LoadFullchain returns the previously persisted fullchain.pem for
// fqdn/env, for the orchestrator to re-install a reused certificate
// (spec.md §8 testable property 6) without repeating ACME/DNS work.
func (s *Store) LoadFullchain(fqdn, env string) ([]byte, error) {
	l := s.lockFor(fqdn)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.PathsFor(fqdn, env).FullchainPEM)
	if err != nil {
		return nil, fmt.Errorf("certstore: read fullchain for %s/%s: %w", fqdn, env, err)
	}
	return data, nil
}

// SaveCertificate persists the issued leaf, chain and fullchain for
// fqdn/env. When writeConvenience is set (general connections), a
// <fqdn>.crt copy is written alongside; <fqdn>.key is written only when
// convenienceKeyPEM is non-nil, since a general connection's custom CSR
// may have carried no private key for the store to copy (spec.md §3).
func (s *Store) SaveCertificate(fqdn, env string, leafPEM, chainPEM, fullchainPEM []byte, writeConvenience bool, convenienceKeyPEM []byte) error {
	l := s.lockFor(fqdn)
	l.Lock()
	defer l.Unlock()

	paths := s.PathsFor(fqdn, env)
	if err := writeAtomic(paths.CertificatePEM, leafPEM, 0644); err != nil {
		return err
	}
	if err := writeAtomic(paths.ChainPEM, chainPEM, 0644); err != nil {
		return err
	}
	if err := writeAtomic(paths.FullchainPEM, fullchainPEM, 0644); err != nil {
		return err
	}
	if writeConvenience {
		if err := writeAtomic(paths.ConvenienceCrt, fullchainPEM, 0644); err != nil {
			return err
		}
		if convenienceKeyPEM != nil {
			if err := writeAtomic(paths.ConvenienceKey, convenienceKeyPEM, 0600); err != nil {
				return err
			}
		}
	}
	return s.appendLog(fqdn, fmt.Sprintf("certificate saved for environment %s", env))
}

// appendLog appends a timestamped line to <fqdn>/renewal.log. Callers must
// hold the per-fqdn lock.
func (s *Store) appendLog(fqdn, message string) error {
	path := s.PathsFor(fqdn, "").RenewalLog
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("certstore: mkdir for log %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("certstore: open renewal log %s: %w", path, err)
	}
	defer f.Close()
	line := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), message)
	_, err = f.WriteString(line)
	return err
}

// AppendLog is the exported, locked entrypoint for orchestrator-driven log
// lines (as opposed to store-internal bookkeeping).
func (s *Store) AppendLog(fqdn, message string) error {
	l := s.lockFor(fqdn)
	l.Lock()
	defer l.Unlock()
	return s.appendLog(fqdn, message)
}

// Reusable reports whether fqdn/env already has a certificate valid for
// more than the 30-day reusability window (spec.md §3, §4.7). Any
// parsing or I/O error is reported as "not reusable", never as an error,
// matching the teacher's certificateNeedsRenewal policy inverted.
func (s *Store) Reusable(fqdn, env string) (*x509.Certificate, bool) {
	l := s.lockFor(fqdn)
	l.Lock()
	defer l.Unlock()

	paths := s.PathsFor(fqdn, env)
	data, err := os.ReadFile(paths.FullchainPEM)
	if err != nil {
		data, err = os.ReadFile(paths.CertificatePEM)
		if err != nil {
			return nil, false
		}
	}

	block, _ := pem.Decode(data)
	if block == nil {
		s.logger.Warn("reusability check: no PEM block found", "fqdn", fqdn, "env", env)
		return nil, false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		s.logger.Warn("reusability check: parse failure", "fqdn", fqdn, "env", env, "error", err)
		return nil, false
	}
	if time.Now().Add(reusabilityWindow).After(cert.NotAfter) {
		return cert, false
	}
	return cert, true
}

// Root returns the filesystem root this store is rooted at.
func (s *Store) Root() string { return s.root }
