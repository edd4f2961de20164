package certstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// AccountPaths locates the per-domain, per-environment ACME account
// material (spec.md §3 AcmeAccount, §4.2).
type AccountPaths struct {
	AccountURL string
	KeyPEM     string
}

func (s *Store) accountPaths(fqdn, env string) AccountPaths {
	ed := s.envDir(fqdn, env)
	return AccountPaths{
		AccountURL: filepath.Join(ed, "account.url"),
		KeyPEM:     filepath.Join(ed, "account_key.pem"),
	}
}

// SaveAccount persists an ACME account's url and signing key for
// (fqdn, env), so it is created once and reused (spec.md §3 AcmeAccount).
func (s *Store) SaveAccount(fqdn, env, accountURL string, keyPEM []byte) error {
	l := s.lockFor(fqdn)
	l.Lock()
	defer l.Unlock()

	paths := s.accountPaths(fqdn, env)
	if err := writeAtomic(paths.KeyPEM, keyPEM, 0600); err != nil {
		return err
	}
	return writeAtomic(paths.AccountURL, []byte(accountURL), 0644)
}

// LoadAccount returns a previously persisted account's url and key for
// (fqdn, env), or ok=false if none exists yet.
func (s *Store) LoadAccount(fqdn, env string) (accountURL string, keyPEM []byte, ok bool, err error) {
	l := s.lockFor(fqdn)
	l.Lock()
	defer l.Unlock()

	paths := s.accountPaths(fqdn, env)
	urlBytes, err := os.ReadFile(paths.AccountURL)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil, false, nil
	}
	if err != nil {
		return "", nil, false, fmt.Errorf("certstore: read account url for %s/%s: %w", fqdn, env, err)
	}
	keyPEM, err = os.ReadFile(paths.KeyPEM)
	if err != nil {
		return "", nil, false, fmt.Errorf("certstore: read account key for %s/%s: %w", fqdn, env, err)
	}
	return string(urlBytes), keyPEM, true, nil
}
