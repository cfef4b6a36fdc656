// Package smbclient defines the share-protocol capability used by the scanner
// and the browser, and implements it on top of SMB2/3.
package smbclient

//go:generate mockgen -destination=mocks/mock_smbclient.go -package=mocks github.com/anstrom/sharescan/internal/smbclient Client,Session

import (
	"context"
	"time"
)

// Credentials authenticate an SMB session. Empty values mean a null session.
type Credentials struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Domain   string `json:"domain,omitempty" yaml:"domain,omitempty"`
}

// Entry is one item of a directory listing.
type Entry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"is_dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Permissions is the outcome of probing a share.
type Permissions struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
}

// Client negotiates sessions with SMB hosts.
type Client interface {
	Connect(ctx context.Context, host string, port int, creds Credentials) (Session, error)
}

// Session is an authenticated connection to one host.
type Session interface {
	// ListShares returns share names in server order.
	ListShares(ctx context.Context) ([]string, error)

	// ListDirectory lists path (slash-separated, relative to the share root;
	// "" is the root).
	ListDirectory(ctx context.Context, share, path string) ([]Entry, error)

	// ProbePermissions tests read access by listing the share root and write
	// access by creating and removing a transient directory. This writes to
	// the target. An error means the share could not be opened at all.
	ProbePermissions(ctx context.Context, share string) (Permissions, error)

	Close() error
}
