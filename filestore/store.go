// Package filestore implements a TOML-file-backed fleetcert.ConfigStore
// for the cmd/renew CLI entrypoint, in place of the teacher's SQLite-backed
// db.Db: connections and provider settings are read from one TOML file,
// and renewal status records are read/written as a second TOML file,
// using the same tempfile-then-rename discipline as certstore.Store.
package filestore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/caasmo/fleetcert"
)

// ConnectionRecord is one connection's on-disk representation.
type ConnectionRecord struct {
	ID                 int64     `toml:"id"`
	Name               string    `toml:"name"`
	AppType            string    `toml:"app_type"`
	Hostname           string    `toml:"hostname"`
	Domain             string    `toml:"domain"`
	AltNames           []string  `toml:"alt_names,omitempty"`
	Username           string    `toml:"username,omitempty"`
	Password           string    `toml:"password,omitempty"`
	SslProvider        string    `toml:"ssl_provider"`
	DnsProvider        string    `toml:"dns_provider"`
	CustomCsr          string    `toml:"custom_csr,omitempty"`
	EnableSSH          bool      `toml:"enable_ssh"`
	AutoRestartService bool      `toml:"auto_restart_service"`
	LastCertIssued     time.Time `toml:"last_cert_issued,omitzero"`
	CertCountThisWeek  int       `toml:"cert_count_this_week,omitempty"`
	CertCountResetDate time.Time `toml:"cert_count_reset_date,omitzero"`
}

// SettingRecord is one provider-scoped credential tuple.
type SettingRecord struct {
	Provider string `toml:"provider"`
	Key      string `toml:"key"`
	Value    string `toml:"value"`
}

type configFile struct {
	Connections []ConnectionRecord `toml:"connections"`
	Settings    []SettingRecord    `toml:"settings"`
}

type logLineRecord struct {
	Time    time.Time `toml:"time"`
	Message string    `toml:"message"`
}

type manualDnsRecord struct {
	RecordName   string `toml:"record_name"`
	RecordValue  string `toml:"record_value"`
	Instructions string `toml:"instructions"`
}

type statusRecord struct {
	ID           string           `toml:"id"`
	ConnectionID int64            `toml:"connection_id"`
	State        string           `toml:"state"`
	Message      string           `toml:"message,omitempty"`
	Progress     int              `toml:"progress"`
	StartTime    time.Time        `toml:"start_time"`
	EndTime      *time.Time       `toml:"end_time,omitempty"`
	Error        string           `toml:"error,omitempty"`
	Logs         []logLineRecord  `toml:"logs,omitempty"`
	ManualDns    *manualDnsRecord `toml:"manual_dns,omitempty"`
}

type statusFile struct {
	Statuses []statusRecord `toml:"statuses"`
}

// Store is a fleetcert.ConfigStore backed by two TOML files: configPath
// (connections + settings, read once at Open) and statusPath (renewal
// status records, read-modify-written whole on every save).
type Store struct {
	mu sync.Mutex

	configPath string
	statusPath string

	connections map[int64]*fleetcert.Connection
	settings    map[string][]fleetcert.Setting
}

// Open loads configPath. statusPath is created lazily on first
// SaveRenewalStatus if it does not yet exist.
func Open(configPath, statusPath string) (*Store, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("filestore: read config %s: %w", configPath, err)
	}
	var cf configFile
	if err := toml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("filestore: parse config %s: %w", configPath, err)
	}

	s := &Store{
		configPath:  configPath,
		statusPath:  statusPath,
		connections: make(map[int64]*fleetcert.Connection),
		settings:    make(map[string][]fleetcert.Setting),
	}
	for _, cr := range cf.Connections {
		s.connections[cr.ID] = connectionFromRecord(cr)
	}
	for _, sr := range cf.Settings {
		s.settings[sr.Provider] = append(s.settings[sr.Provider], fleetcert.Setting{
			Provider: sr.Provider, Key: sr.Key, Value: sr.Value,
		})
	}
	return s, nil
}

func connectionFromRecord(cr ConnectionRecord) *fleetcert.Connection {
	return &fleetcert.Connection{
		ID:                 cr.ID,
		Name:               cr.Name,
		AppType:            fleetcert.ApplicationType(cr.AppType),
		Hostname:           cr.Hostname,
		Domain:             cr.Domain,
		AltNames:           cr.AltNames,
		Username:           cr.Username,
		Password:           cr.Password,
		SslProvider:        fleetcert.SslProvider(cr.SslProvider),
		DnsProvider:        fleetcert.DnsProviderKind(cr.DnsProvider),
		CustomCsr:          cr.CustomCsr,
		EnableSSH:          cr.EnableSSH,
		AutoRestartService: cr.AutoRestartService,
		LastCertIssued:     cr.LastCertIssued,
		CertCountThisWeek:  cr.CertCountThisWeek,
		CertCountResetDate: cr.CertCountResetDate,
	}
}

func recordFromConnection(c *fleetcert.Connection) ConnectionRecord {
	return ConnectionRecord{
		ID:                 c.ID,
		Name:               c.Name,
		AppType:            string(c.AppType),
		Hostname:           c.Hostname,
		Domain:             c.Domain,
		AltNames:           c.AltNames,
		Username:           c.Username,
		Password:           c.Password,
		SslProvider:        string(c.SslProvider),
		DnsProvider:        string(c.DnsProvider),
		CustomCsr:          c.CustomCsr,
		EnableSSH:          c.EnableSSH,
		AutoRestartService: c.AutoRestartService,
		LastCertIssued:     c.LastCertIssued,
		CertCountThisWeek:  c.CertCountThisWeek,
		CertCountResetDate: c.CertCountResetDate,
	}
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("filestore: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("filestore: create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("filestore: write temp for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("filestore: close temp for %s: %w", path, err)
	}
	return os.Rename(tmpName, path)
}

// GetConnectionByID implements fleetcert.ConfigStore.
func (s *Store) GetConnectionByID(ctx context.Context, id int64) (*fleetcert.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.connections[id]
	if !ok {
		return nil, nil
	}
	clone := *c
	return &clone, nil
}

// UpdateConnection implements fleetcert.ConfigStore, persisting the
// updated accounting fields back to configPath.
func (s *Store) UpdateConnection(ctx context.Context, id int64, fields fleetcert.ConnectionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.connections[id]
	if !ok {
		return fleetcert.ErrNotFound
	}
	if fields.LastCertIssued != nil {
		c.LastCertIssued = *fields.LastCertIssued
	}
	if fields.CertCountThisWeek != nil {
		c.CertCountThisWeek = *fields.CertCountThisWeek
	}
	if fields.CertCountResetDate != nil {
		c.CertCountResetDate = *fields.CertCountResetDate
	}
	return s.writeConfigLocked()
}

func (s *Store) writeConfigLocked() error {
	cf := configFile{}
	for _, c := range s.connections {
		cf.Connections = append(cf.Connections, recordFromConnection(c))
	}
	for _, rows := range s.settings {
		for _, row := range rows {
			cf.Settings = append(cf.Settings, SettingRecord{Provider: row.Provider, Key: row.Key, Value: row.Value})
		}
	}
	data, err := toml.Marshal(cf)
	if err != nil {
		return fmt.Errorf("filestore: marshal config: %w", err)
	}
	return writeAtomic(s.configPath, data)
}

// GetSettingsByProvider implements fleetcert.ConfigStore.
func (s *Store) GetSettingsByProvider(ctx context.Context, provider string) ([]fleetcert.Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]fleetcert.Setting(nil), s.settings[provider]...), nil
}

func (s *Store) loadStatusFileLocked() (statusFile, error) {
	data, err := os.ReadFile(s.statusPath)
	if os.IsNotExist(err) {
		return statusFile{}, nil
	}
	if err != nil {
		return statusFile{}, fmt.Errorf("filestore: read status file %s: %w", s.statusPath, err)
	}
	var sf statusFile
	if err := toml.Unmarshal(data, &sf); err != nil {
		return statusFile{}, fmt.Errorf("filestore: parse status file %s: %w", s.statusPath, err)
	}
	return sf, nil
}

// SaveRenewalStatus implements fleetcert.ConfigStore, upserting status
// into statusPath by id.
func (s *Store) SaveRenewalStatus(ctx context.Context, status *fleetcert.RenewalStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadStatusFileLocked()
	if err != nil {
		return err
	}
	rec := recordFromStatus(status)
	replaced := false
	for i, existing := range sf.Statuses {
		if existing.ID == rec.ID {
			sf.Statuses[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		sf.Statuses = append(sf.Statuses, rec)
	}

	data, err := toml.Marshal(sf)
	if err != nil {
		return fmt.Errorf("filestore: marshal status file: %w", err)
	}
	return writeAtomic(s.statusPath, data)
}

// GetRenewalStatus implements fleetcert.ConfigStore.
func (s *Store) GetRenewalStatus(ctx context.Context, id string) (*fleetcert.RenewalStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadStatusFileLocked()
	if err != nil {
		return nil, err
	}
	for _, rec := range sf.Statuses {
		if rec.ID == id {
			return statusFromRecord(rec), nil
		}
	}
	return nil, nil
}

// ListNonTerminalRenewalStatuses implements fleetcert.ConfigStore.
func (s *Store) ListNonTerminalRenewalStatuses(ctx context.Context) ([]*fleetcert.RenewalStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadStatusFileLocked()
	if err != nil {
		return nil, err
	}
	var out []*fleetcert.RenewalStatus
	for _, rec := range sf.Statuses {
		st := statusFromRecord(rec)
		if !st.State.IsTerminal() {
			out = append(out, st)
		}
	}
	return out, nil
}

func recordFromStatus(s *fleetcert.RenewalStatus) statusRecord {
	rec := statusRecord{
		ID:           s.ID,
		ConnectionID: s.ConnectionID,
		State:        string(s.State),
		Message:      s.Message,
		Progress:     s.Progress,
		StartTime:    s.StartTime,
		EndTime:      s.EndTime,
		Error:        s.Error,
	}
	for _, l := range s.Logs {
		rec.Logs = append(rec.Logs, logLineRecord{Time: l.Time, Message: l.Message})
	}
	if s.ManualDns != nil {
		rec.ManualDns = &manualDnsRecord{
			RecordName:   s.ManualDns.RecordName,
			RecordValue:  s.ManualDns.RecordValue,
			Instructions: s.ManualDns.Instructions,
		}
	}
	return rec
}

func statusFromRecord(rec statusRecord) *fleetcert.RenewalStatus {
	st := &fleetcert.RenewalStatus{
		ID:           rec.ID,
		ConnectionID: rec.ConnectionID,
		State:        fleetcert.RenewalState(rec.State),
		Message:      rec.Message,
		Progress:     rec.Progress,
		StartTime:    rec.StartTime,
		EndTime:      rec.EndTime,
		Error:        rec.Error,
	}
	for _, l := range rec.Logs {
		st.Logs = append(st.Logs, fleetcert.LogLine{Time: l.Time, Message: l.Message})
	}
	if rec.ManualDns != nil {
		st.ManualDns = &fleetcert.ManualDnsEntry{
			RecordName:   rec.ManualDns.RecordName,
			RecordValue:  rec.ManualDns.RecordValue,
			Instructions: rec.ManualDns.Instructions,
		}
	}
	return st
}
