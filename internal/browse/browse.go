// Package browse manages interactive sessions against a single share: plain
// directory listing straight through the SMB session, and keyword search
// through the share index cache.
package browse

import (
	"context"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/index"
	"github.com/anstrom/sharescan/internal/logging"
	"github.com/anstrom/sharescan/internal/scanning"
	"github.com/anstrom/sharescan/internal/smbclient"
	"github.com/anstrom/sharescan/internal/transport"
)

var validate = validator.New()

// OpenRequest describes the share a session connects to.
type OpenRequest struct {
	Host        string                     `json:"host" yaml:"host" validate:"required,ip|hostname"`
	Port        int                        `json:"port,omitempty" yaml:"port,omitempty" validate:"omitempty,min=1,max=65535"`
	Share       string                     `json:"share" yaml:"share" validate:"required"`
	Credentials smbclient.Credentials      `json:"credentials" yaml:"credentials"`
	Proxy       *transport.ProxyDescriptor `json:"proxy,omitempty" yaml:"proxy,omitempty"`
}

// Info describes an open session.
type Info struct {
	ID          string       `json:"id"`
	Host        string       `json:"host"`
	Share       string       `json:"share"`
	OpenedAt    time.Time    `json:"opened_at"`
	IndexStatus index.Status `json:"index_status"`
}

// Manager owns every open browse session.
type Manager struct {
	scanning     config.ScanningConfig
	maxSessions  int
	cache        *index.Cache
	newSubstrate scanning.SubstrateFactory
	newClient    scanning.ClientFactory
	logger       *logging.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// Option configures a Manager.
type Option func(*Manager)

// WithSubstrateFactory replaces the default direct/SOCKS5 substrates.
func WithSubstrateFactory(f scanning.SubstrateFactory) Option {
	return func(m *Manager) { m.newSubstrate = f }
}

// WithClientFactory replaces the default SMB2 client.
func WithClientFactory(f scanning.ClientFactory) Option {
	return func(m *Manager) { m.newClient = f }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a manager whose sessions are indexed by cache.
func NewManager(cfg *config.Config, cache *index.Cache, opts ...Option) *Manager {
	m := &Manager{
		scanning:     cfg.Scanning,
		maxSessions:  cfg.Browse.MaxSessions,
		cache:        cache,
		newSubstrate: transport.New,
		newClient: func(s transport.Substrate, timeout time.Duration) smbclient.Client {
			return smbclient.NewSMB2Client(s, timeout)
		},
		logger:   logging.Default(),
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.WithComponent("browse")
	return m
}

// Open connects to the requested share and registers the new session with
// the index cache.
func (m *Manager) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if err := validate.Struct(req); err != nil {
		return nil, errors.WrapScanError(errors.CodeValidation, "Invalid browse request", err)
	}
	if req.Port == 0 {
		req.Port = m.scanning.Port
	}

	m.mu.Lock()
	full := m.maxSessions > 0 && len(m.sessions) >= m.maxSessions
	m.mu.Unlock()
	if full {
		return nil, errors.NewScanError(errors.CodeRateLimited, "Too many open browse sessions")
	}

	substrate, err := m.newSubstrate(req.Proxy)
	if err != nil {
		return nil, err
	}
	client := m.newClient(substrate, m.scanning.OperationTimeout)
	conn, err := client.Connect(ctx, req.Host, req.Port, req.Credentials)
	if err != nil {
		return nil, err
	}

	// Fail early on a share the credentials cannot open.
	if _, err := conn.ListDirectory(ctx, req.Share, ""); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s := &Session{
		ID:       uuid.New().String(),
		Host:     req.Host,
		Share:    req.Share,
		OpenedAt: time.Now().UTC(),
		conn:     conn,
		cache:    m.cache,
	}

	m.mu.Lock()
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		m.mu.Unlock()
		_ = conn.Close()
		return nil, errors.NewScanError(errors.CodeRateLimited, "Too many open browse sessions")
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.cache.Register(s.ID, s.Share, conn)
	m.logger.WithSession(s.ID).Info("Browse session opened", "host", s.Host, "share", s.Share)
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.ErrSessionNotFound(id)
	}
	return s, nil
}

// List describes the open sessions, oldest first.
func (m *Manager) List() []Info {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].OpenedAt.Before(sessions[j].OpenedAt) })
	infos := make([]Info, len(sessions))
	for i, s := range sessions {
		infos[i] = s.Info()
	}
	return infos
}

// Close disconnects a session and discards its index.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return errors.ErrSessionNotFound(id)
	}
	err := s.close()
	m.logger.WithSession(id).Info("Browse session closed", "host", s.Host, "share", s.Share)
	return err
}

// CloseAll disconnects every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		if err := m.Close(id); err != nil {
			m.logger.WithSession(id).Debug("Session close failed", "error", err)
		}
	}
}

// Session is one connected share.
type Session struct {
	ID       string
	Host     string
	Share    string
	OpenedAt time.Time

	conn  smbclient.Session
	cache *index.Cache
}

// Info describes the session.
func (s *Session) Info() Info {
	status, err := s.cache.Status(s.ID)
	if err != nil {
		status = index.StatusUnbuilt
	}
	return Info{ID: s.ID, Host: s.Host, Share: s.Share, OpenedAt: s.OpenedAt, IndexStatus: status}
}

// ListDirectory lists dir, directories first, each group sorted by name
// ignoring case. "", "/" and "." all name the share root.
func (s *Session) ListDirectory(ctx context.Context, dir string) ([]smbclient.Entry, error) {
	entries, err := s.conn.ListDirectory(ctx, s.Share, CleanPath(dir))
	if err != nil {
		return nil, err
	}
	SortEntries(entries)
	return entries, nil
}

// Search finds entries whose path contains keyword, building the share
// index on first use.
func (s *Session) Search(ctx context.Context, keyword string) ([]index.Entry, error) {
	return s.cache.Search(ctx, s.ID, keyword)
}

// TrySearch searches without waiting for an index build.
func (s *Session) TrySearch(keyword string) index.SearchResult {
	return s.cache.TrySearch(s.ID, keyword)
}

func (s *Session) close() error {
	s.cache.Discard(s.ID)
	return s.conn.Close()
}

// CleanPath turns a user-supplied path into the slash-separated,
// root-relative form used by the client.
func CleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(path.Clean("/"+p), "/")
}

// SortEntries orders directories before files, each by name ignoring case.
func SortEntries(entries []smbclient.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return strings.ToLower(entries[i].Name) < strings.ToLower(entries[j].Name)
	})
}
