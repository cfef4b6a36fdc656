package scanning

import (
	"time"

	"github.com/anstrom/sharescan/internal/smbclient"
)

// ScanMode selects how much work the enumerator does per share.
type ScanMode string

const (
	// ModeQuick lists shares without touching them.
	ModeQuick ScanMode = "quick"
	// ModeDeep additionally probes read and write access on every share.
	ModeDeep ScanMode = "deep"
)

// Permission is the access level determined for a share.
type Permission string

const (
	PermissionUnknown      Permission = "unknown"
	PermissionReadOnly     Permission = "read_only"
	PermissionReadWrite    Permission = "read_write"
	PermissionInaccessible Permission = "inaccessible"
)

// Label returns the human readable form used in line output.
func (p Permission) Label() string {
	switch p {
	case PermissionReadOnly:
		return "READ"
	case PermissionReadWrite:
		return "READ, WRITE"
	case PermissionInaccessible:
		return "NO_ACCESS"
	default:
		return "N/A (Quick Scan)"
	}
}

// PermissionFromProbe maps a probe outcome onto a Permission. A share that
// accepts writes but refuses listing is still reported as read_write.
func PermissionFromProbe(p smbclient.Permissions) Permission {
	switch {
	case p.Write:
		return PermissionReadWrite
	case p.Read:
		return PermissionReadOnly
	default:
		return PermissionInaccessible
	}
}

// Liveness is the outcome of a single connectivity probe.
type Liveness string

const (
	Alive Liveness = "alive"
	Dead  Liveness = "dead"
)

// HostResult records a host that answered on the SMB port.
type HostResult struct {
	Address  string    `json:"address"`
	Alive    bool      `json:"alive"`
	ProbedAt time.Time `json:"probed_at"`
}

// ShareResult records one share exposed by an alive host.
type ShareResult struct {
	Host       string     `json:"host"`
	Share      string     `json:"share"`
	Permission Permission `json:"permission"`
}

// Stage names a phase of the scan pipeline.
type Stage string

const (
	StagePortScanning Stage = "port_scanning"
	StageEnumerating  Stage = "enumerating"
)

// JobState is the lifecycle state of a scan job.
type JobState string

const (
	StatePending      JobState = "pending"
	StatePortScanning JobState = "port_scanning"
	StateEnumerating  JobState = "enumerating"
	StateCompleted    JobState = "completed"
	StateCancelled    JobState = "cancelled"
	StateFailed       JobState = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateFailed
}

// Summary totals a job. It accompanies every terminal message.
type Summary struct {
	HostsProbed     int   `json:"hosts_probed"`
	HostsAlive      int   `json:"hosts_alive"`
	HostsEnumerated int   `json:"hosts_enumerated"`
	SharesFound     int   `json:"shares_found"`
	DurationMS      int64 `json:"duration_ms"`
}

// Duration returns the elapsed job time.
func (s Summary) Duration() time.Duration {
	return time.Duration(s.DurationMS) * time.Millisecond
}
