package scanning

import (
	"encoding/json"
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/smbclient"
)

func TestPermissionFromProbe(t *testing.T) {
	tests := []struct {
		probe smbclient.Permissions
		want  Permission
	}{
		{smbclient.Permissions{Read: true, Write: true}, PermissionReadWrite},
		{smbclient.Permissions{Read: true}, PermissionReadOnly},
		{smbclient.Permissions{Write: true}, PermissionReadWrite},
		{smbclient.Permissions{}, PermissionInaccessible},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, PermissionFromProbe(tt.probe), "%+v", tt.probe)
	}
}

func TestPermissionLabel(t *testing.T) {
	assert.Equal(t, "READ", PermissionReadOnly.Label())
	assert.Equal(t, "READ, WRITE", PermissionReadWrite.Label())
	assert.Equal(t, "NO_ACCESS", PermissionInaccessible.Label())
	assert.Equal(t, "N/A (Quick Scan)", PermissionUnknown.Label())
}

func TestIsHiddenShare(t *testing.T) {
	assert.True(t, IsHiddenShare("ADMIN$"))
	assert.True(t, IsHiddenShare("IPC$"))
	assert.False(t, IsHiddenShare("public"))
	assert.False(t, IsHiddenShare("$weird"))
}

func TestProgressMessageTerminal(t *testing.T) {
	assert.False(t, HostFoundMessage(HostResult{}).IsTerminal())
	assert.False(t, StageChangedMessage(StageEnumerating).IsTerminal())
	assert.False(t, HostEnumeratedMessage("h", 1, 2).IsTerminal())
	assert.True(t, JobDoneMessage(Summary{}).IsTerminal())
	assert.True(t, JobCancelledMessage(Summary{}).IsTerminal())
	assert.True(t, JobFailedMessage(stderrors.New("boom"), Summary{}).IsTerminal())
}

func TestJobFailedMessageCarriesCode(t *testing.T) {
	m := JobFailedMessage(errors.ErrTransportLost(stderrors.New("worker exited")), Summary{HostsProbed: 3})
	require.NotNil(t, m.Error)
	assert.Equal(t, errors.CodeTransportLost, m.Error.Code)
	assert.Contains(t, m.Error.Message, "worker exited")
	assert.Equal(t, 3, m.Summary.HostsProbed)

	m = JobFailedMessage(stderrors.New("plain"), Summary{})
	assert.Equal(t, errors.CodeUnknown, m.Error.Code)
}

func TestProgressMessageJSONShape(t *testing.T) {
	m := ShareFoundMessage(ShareResult{Host: "10.0.0.2", Share: "public", Permission: PermissionReadOnly})
	m.JobID = "job-1"
	m.Seq = 7

	data, err := json.Marshal(m)
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "share_found", raw["type"])
	assert.Equal(t, "job-1", raw["job_id"])
	assert.Equal(t, float64(7), raw["seq"])
	assert.Equal(t, map[string]any{"host": "10.0.0.2", "share": "public", "permission": "read_only"}, raw["share"])
	assert.NotContains(t, raw, "host")
	assert.NotContains(t, raw, "error")
}

func TestScanRequestWithDefaults(t *testing.T) {
	cfg := newTestOrchestrator(t, newFakeSubstrate(), nil, nil).config
	cfg.IncludeHidden = true

	req := ScanRequest{Range: "10.0.0.0/24", Port: 1445, EnumConcurrency: 4}.WithDefaults(cfg)
	assert.Equal(t, ModeQuick, req.Mode)
	assert.Equal(t, 1445, req.Port)
	assert.Equal(t, 4, req.EnumConcurrency)
	assert.Equal(t, cfg.PortScanConcurrency, req.PortScanConcurrency)
	assert.Equal(t, 2000, req.ProbeTimeoutMS)
	assert.True(t, req.IncludeHidden)
	assert.NoError(t, req.Validate())
}
