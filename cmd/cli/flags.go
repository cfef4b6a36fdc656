package cli

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/pflag"

	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/scanning"
	"github.com/anstrom/sharescan/internal/smbclient"
	"github.com/anstrom/sharescan/internal/transport"
)

// modeValue is a pflag.Value accepting quick or deep.
type modeValue scanning.ScanMode

var _ pflag.Value = (*modeValue)(nil)

func newModeValue(def scanning.ScanMode) *modeValue {
	m := modeValue(def)
	return &m
}

func (m *modeValue) String() string { return string(*m) }

func (m *modeValue) Set(s string) error {
	switch mode := scanning.ScanMode(strings.ToLower(s)); mode {
	case scanning.ModeQuick, scanning.ModeDeep:
		*m = modeValue(mode)
		return nil
	default:
		return fmt.Errorf("must be %q or %q", scanning.ModeQuick, scanning.ModeDeep)
	}
}

func (m *modeValue) Type() string { return "mode" }

// proxyValue is a pflag.Value naming a configured proxy or giving a
// host:port SOCKS5 endpoint. Names are resolved against the configuration
// once it is loaded.
type proxyValue struct {
	raw string
}

var _ pflag.Value = (*proxyValue)(nil)

func (p *proxyValue) String() string { return p.raw }

func (p *proxyValue) Set(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("proxy must not be empty")
	}
	if strings.Contains(s, ":") {
		if _, err := parseHostPort(s); err != nil {
			return err
		}
	}
	p.raw = s
	return nil
}

func (p *proxyValue) Type() string { return "proxy" }

// Resolve returns the descriptor for the flag value, or nil when unset.
func (p *proxyValue) Resolve(cfg *config.Config) (*transport.ProxyDescriptor, error) {
	if p.raw == "" {
		return nil, nil
	}
	if named, ok := cfg.Proxy(p.raw); ok {
		return &transport.ProxyDescriptor{
			Host:     named.Host,
			Port:     named.Port,
			Username: named.Username,
			Password: named.Password,
		}, nil
	}
	if !strings.Contains(p.raw, ":") {
		return nil, fmt.Errorf("unknown proxy %q (configured: %s)", p.raw, strings.Join(cfg.ProxyNames(), ", "))
	}
	return parseHostPort(p.raw)
}

func parseHostPort(s string) (*transport.ProxyDescriptor, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("invalid proxy port %q", portStr)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return &transport.ProxyDescriptor{Host: host, Port: port}, nil
}

// credentialFlags registers the SMB authentication flags shared by scan and
// browse.
type credentialFlags struct {
	username string
	password string
	domain   string
}

func (c *credentialFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&c.username, "username", "u", "", "SMB username (empty for a null session)")
	fs.StringVarP(&c.password, "password", "p", "", "SMB password (or SHARESCAN_PASSWORD)")
	fs.StringVarP(&c.domain, "domain", "d", "", "SMB domain")
}

func (c *credentialFlags) credentials() smbclient.Credentials {
	creds := smbclient.Credentials{
		Username: c.username,
		Password: c.password,
		Domain:   c.domain,
	}
	if creds.Password == "" {
		creds.Password = envString("password")
	}
	return creds
}
