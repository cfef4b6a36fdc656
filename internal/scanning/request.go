package scanning

import (
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/anstrom/sharescan/internal/config"
	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/netrange"
	"github.com/anstrom/sharescan/internal/smbclient"
	"github.com/anstrom/sharescan/internal/transport"
)

// ScanRequest is everything a controller sends to start a job. Zero tuning
// values are filled from configuration by WithDefaults.
type ScanRequest struct {
	Range       string                     `json:"range" yaml:"range" validate:"required,cidr|ip"`
	Exclude     []string                   `json:"exclude,omitempty" yaml:"exclude,omitempty" validate:"dive,cidr|ip"`
	Mode        ScanMode                   `json:"mode" yaml:"mode" validate:"required,oneof=quick deep"`
	Proxy       *transport.ProxyDescriptor `json:"proxy,omitempty" yaml:"proxy,omitempty"`
	Credentials smbclient.Credentials      `json:"credentials" yaml:"credentials"`

	ProbeTimeoutMS      int  `json:"probe_timeout_ms" yaml:"probe_timeout_ms" validate:"required,min=1,max=60000"`
	PortScanConcurrency int  `json:"port_scan_concurrency" yaml:"port_scan_concurrency" validate:"required,min=1,max=4096"`
	EnumConcurrency     int  `json:"enum_concurrency" yaml:"enum_concurrency" validate:"required,min=1,max=512"`
	Port                int  `json:"port" yaml:"port" validate:"required,min=1,max=65535"`
	IncludeHidden       bool `json:"include_hidden" yaml:"include_hidden"`
}

var validate = validator.New()

// WithDefaults returns a copy of r with unset fields taken from cfg.
func (r ScanRequest) WithDefaults(cfg config.ScanningConfig) ScanRequest {
	if r.Mode == "" {
		r.Mode = ModeQuick
	}
	if r.ProbeTimeoutMS == 0 {
		r.ProbeTimeoutMS = int(cfg.ProbeTimeout / time.Millisecond)
	}
	if r.PortScanConcurrency == 0 {
		r.PortScanConcurrency = cfg.PortScanConcurrency
	}
	if r.EnumConcurrency == 0 {
		r.EnumConcurrency = cfg.EnumConcurrency
	}
	if r.Port == 0 {
		r.Port = cfg.Port
	}
	if cfg.IncludeHidden {
		r.IncludeHidden = true
	}
	return r
}

// Validate checks field constraints. Call it after WithDefaults.
func (r ScanRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return errors.WrapScanErrorWithTarget(errors.CodeValidation, "Invalid scan request", r.Range, err)
	}
	return nil
}

// ProbeTimeout returns the per-probe timeout.
func (r ScanRequest) ProbeTimeout() time.Duration {
	return time.Duration(r.ProbeTimeoutMS) * time.Millisecond
}

// NetworkRange parses the range and exclusions and enforces maxSize
// addresses. A zero maxSize disables the limit.
func (r ScanRequest) NetworkRange(maxSize uint64) (netrange.NetworkRange, uint64, error) {
	rng, err := netrange.Parse(r.Range, r.Exclude...)
	if err != nil {
		return netrange.NetworkRange{}, 0, err
	}
	limit := maxSize
	if limit == 0 {
		limit = ^uint64(0)
	}
	size, ok := rng.SizeWithin(limit)
	if !ok {
		return netrange.NetworkRange{}, 0, errors.ErrRangeTooLarge(rng.String(), size, maxSize)
	}
	return rng, size, nil
}
