// Package transport provides the connectivity substrate used by the scanner
// and the SMB client: a way to open a stream to host:port, either directly or
// through a SOCKS5 proxy.
package transport

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/proxy"

	"github.com/anstrom/sharescan/internal/errors"
)

// Substrate opens streams to remote hosts.
type Substrate interface {
	// Open connects to address:port. Ordinary refusal or timeout is returned
	// as a plain error; a failure of the substrate itself is returned as an
	// error for which IsUnavailable reports true.
	Open(ctx context.Context, address string, port int, timeout time.Duration) (net.Conn, error)

	// Check verifies that the substrate itself is usable.
	Check(ctx context.Context) error

	// String describes the substrate for logs.
	String() string
}

// ProxyDescriptor identifies a SOCKS5 endpoint. A nil descriptor means direct.
type ProxyDescriptor struct {
	Host     string `json:"host" yaml:"host" validate:"required,hostname|ip"`
	Port     int    `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
}

// Address returns host:port.
func (p ProxyDescriptor) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// New returns a direct substrate for a nil descriptor and a SOCKS5 substrate
// otherwise.
func New(desc *ProxyDescriptor) (Substrate, error) {
	if desc == nil {
		return NewDirect(), nil
	}
	return NewSOCKS5(*desc)
}

// IsUnavailable reports whether err means the substrate itself cannot be used.
func IsUnavailable(err error) bool {
	return errors.IsCode(err, errors.CodeSubstrateUnavailable)
}

// Direct dials targets without any intermediary.
type Direct struct {
	dialer net.Dialer
}

// NewDirect creates a direct substrate.
func NewDirect() *Direct {
	return &Direct{}
}

// Open dials address:port over TCP.
func (d *Direct) Open(ctx context.Context, address string, port int, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return d.dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
}

// Check always succeeds for direct connections.
func (d *Direct) Check(context.Context) error {
	return nil
}

func (d *Direct) String() string {
	return "direct"
}

// SOCKS5 tunnels every stream through a SOCKS5 proxy.
type SOCKS5 struct {
	desc    ProxyDescriptor
	forward *forwardDialer
	dialer  proxy.ContextDialer
}

// NewSOCKS5 creates a SOCKS5 substrate for desc.
func NewSOCKS5(desc ProxyDescriptor) (*SOCKS5, error) {
	var auth *proxy.Auth
	if desc.Username != "" {
		auth = &proxy.Auth{User: desc.Username, Password: desc.Password}
	}

	fwd := &forwardDialer{proxy: desc.Address()}
	d, err := proxy.SOCKS5("tcp", desc.Address(), auth, fwd)
	if err != nil {
		return nil, errors.ErrSubstrateUnavailable(fwd.name(), err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, errors.ErrSubstrateUnavailable(fwd.name(), fmt.Errorf("SOCKS5 dialer does not support contexts"))
	}

	return &SOCKS5{desc: desc, forward: fwd, dialer: cd}, nil
}

// Open connects to address:port through the proxy.
func (s *SOCKS5) Open(ctx context.Context, address string, port int, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := withTimeout(ctx, timeout)
	defer cancel()
	return s.dialer.DialContext(ctx, "tcp", net.JoinHostPort(address, strconv.Itoa(port)))
}

// Check opens and closes a TCP connection to the proxy itself.
func (s *SOCKS5) Check(ctx context.Context) error {
	conn, err := s.forward.DialContext(ctx, "tcp", s.desc.Address())
	if err != nil {
		return err
	}
	return conn.Close()
}

func (s *SOCKS5) String() string {
	return s.forward.name()
}

// forwardDialer connects to the proxy and marks its own failures as
// substrate failures, so they stay distinguishable from target-side refusals
// once x/net/proxy wraps them.
type forwardDialer struct {
	proxy  string
	dialer net.Dialer
}

func (f *forwardDialer) name() string {
	return "socks5://" + f.proxy
}

func (f *forwardDialer) Dial(network, addr string) (net.Conn, error) {
	return f.DialContext(context.Background(), network, addr)
}

func (f *forwardDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := f.dialer.DialContext(ctx, network, addr)
	if err != nil {
		// A deadline or cancel from the caller says nothing about the proxy.
		if ctx.Err() != nil || stderrors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, errors.ErrSubstrateUnavailable(f.name(), err)
	}
	return conn, nil
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
