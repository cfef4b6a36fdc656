package smbclient

import (
	"context"
	stderrors "errors"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hirochachacha/go-smb2"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/transport"
)

// NT status codes that mean the credentials were refused.
const (
	statusAccessDenied       uint32 = 0xC0000022
	statusLogonFailure       uint32 = 0xC000006D
	statusAccountRestriction uint32 = 0xC000006E
	statusPasswordExpired    uint32 = 0xC0000071
	statusAccountDisabled    uint32 = 0xC0000072
	statusAccountLockedOut   uint32 = 0xC0000234
)

// markerPrefix names the directories created by the write probe.
const markerPrefix = "temp_check_"

// SMB2Client implements Client with hirochachacha/go-smb2 over a substrate.
type SMB2Client struct {
	substrate transport.Substrate
	timeout   time.Duration
}

// NewSMB2Client returns a client that dials through substrate and bounds
// every protocol operation by timeout.
func NewSMB2Client(substrate transport.Substrate, timeout time.Duration) *SMB2Client {
	return &SMB2Client{substrate: substrate, timeout: timeout}
}

// Connect opens a stream and negotiates an NTLM session.
func (c *SMB2Client) Connect(ctx context.Context, host string, port int, creds Credentials) (Session, error) {
	conn, err := c.substrate.Open(ctx, host, port, c.timeout)
	if err != nil {
		if transport.IsUnavailable(err) {
			return nil, err
		}
		return nil, errors.WrapEnumerationError(errors.CodeHostUnreachable, "Connection failed", host, err)
	}

	d := &smb2.Dialer{
		Initiator: &smb2.NTLMInitiator{
			User:     creds.Username,
			Password: creds.Password,
			Domain:   creds.Domain,
		},
	}

	opCtx, cancel := c.opContext(ctx)
	defer cancel()

	s, err := d.DialContext(opCtx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, classifyDialError(host, err)
	}

	return &smb2Session{host: host, conn: conn, session: s, timeout: c.timeout}, nil
}

func (c *SMB2Client) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func classifyDialError(host string, err error) error {
	var respErr *smb2.ResponseError
	if stderrors.As(err, &respErr) {
		switch respErr.Code {
		case statusAccessDenied, statusLogonFailure, statusAccountRestriction,
			statusPasswordExpired, statusAccountDisabled, statusAccountLockedOut:
			return errors.ErrAuthFailed(host, err)
		}
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.WrapEnumerationError(errors.CodeTimeout, "Session negotiation timed out", host, err)
	}
	return errors.ErrNegotiationFailed(host, err)
}

type smb2Session struct {
	host    string
	conn    net.Conn
	session *smb2.Session
	timeout time.Duration
}

func (s *smb2Session) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *smb2Session) ListShares(ctx context.Context) ([]string, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	names, err := s.session.WithContext(ctx).ListSharenames()
	if err != nil {
		return nil, errors.WrapEnumerationError(errors.CodeEnumerationFailed, "Share listing failed", s.host, err)
	}
	return names, nil
}

func (s *smb2Session) mount(ctx context.Context, share string) (*smb2.Share, error) {
	fs, err := s.session.WithContext(ctx).Mount(share)
	if err != nil {
		return nil, errors.WrapEnumerationError(errors.CodeShareUnavailable, "Mount failed", s.host, err).WithShare(share)
	}
	return fs.WithContext(ctx), nil
}

func (s *smb2Session) ListDirectory(ctx context.Context, share, path string) ([]Entry, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	fs, err := s.mount(ctx, share)
	if err != nil {
		return nil, err
	}
	defer func() { _ = fs.Umount() }()

	infos, err := fs.ReadDir(toSMBPath(path))
	if err != nil {
		return nil, errors.WrapEnumerationError(errors.CodeEnumerationFailed, "Directory listing failed", s.host, err).WithShare(share)
	}

	entries := make([]Entry, 0, len(infos))
	for _, fi := range infos {
		if fi.Name() == "." || fi.Name() == ".." {
			continue
		}
		entries = append(entries, Entry{
			Name:    fi.Name(),
			IsDir:   fi.IsDir(),
			Size:    fi.Size(),
			ModTime: fi.ModTime(),
		})
	}
	return entries, nil
}

func (s *smb2Session) ProbePermissions(ctx context.Context, share string) (Permissions, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	fs, err := s.mount(ctx, share)
	if err != nil {
		return Permissions{}, err
	}
	defer func() { _ = fs.Umount() }()

	var perms Permissions
	if _, err := fs.ReadDir(""); err == nil {
		perms.Read = true
	}

	// Side effect on the target: a uniquely named directory is created at
	// the share root and removed again.
	marker := markerPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if err := fs.Mkdir(marker, 0o755); err == nil {
		perms.Write = true
		_ = fs.Remove(marker)
	}

	return perms, nil
}

func (s *smb2Session) Close() error {
	err := s.session.Logoff()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// toSMBPath converts a slash-separated relative path into the backslash form
// the server expects. The share root is the empty string.
func toSMBPath(p string) string {
	p = strings.Trim(p, "/")
	if p == "." {
		return ""
	}
	return strings.ReplaceAll(p, "/", `\`)
}
