package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/sharescan/internal/errors"
	"github.com/anstrom/sharescan/internal/netrange"
)

func TestJobTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []JobState
		ok   bool
	}{
		{"full run", []JobState{StatePortScanning, StateEnumerating, StateCompleted}, true},
		{"no alive hosts", []JobState{StatePortScanning, StateCompleted}, true},
		{"cancel while pending", []JobState{StateCancelled}, true},
		{"fail during preflight", []JobState{StatePortScanning, StateFailed}, true},
		{"cancel while enumerating", []JobState{StatePortScanning, StateEnumerating, StateCancelled}, true},
		{"skip port scanning", []JobState{StateEnumerating}, false},
		{"complete from pending", []JobState{StateCompleted}, false},
		{"back to port scanning", []JobState{StatePortScanning, StateEnumerating, StatePortScanning}, false},
		{"leave completed", []JobState{StatePortScanning, StateCompleted, StateFailed}, false},
		{"leave cancelled", []JobState{StateCancelled, StatePortScanning}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newJob(ScanRequest{Range: "10.0.0.0/30"}, netrange.MustParse("10.0.0.0/30"))
			var err error
			for _, to := range tt.path {
				if err = job.transition(to); err != nil {
					break
				}
			}
			if tt.ok {
				assert.NoError(t, err)
				assert.Equal(t, tt.path[len(tt.path)-1], job.State())
			} else {
				require.Error(t, err)
				assert.True(t, errors.IsCode(err, errors.CodeInvalidTransition))
			}
		})
	}
}

func TestJobRecord(t *testing.T) {
	job := newJob(ScanRequest{}, netrange.MustParse("10.0.0.0/30"))

	job.record(HostFoundMessage(HostResult{Address: "10.0.0.1", Alive: true}))
	job.record(HostFoundMessage(HostResult{Address: "10.0.0.2"}))
	job.record(ShareFoundMessage(ShareResult{Host: "10.0.0.1", Share: "a"}))
	job.record(ShareFoundMessage(ShareResult{Host: "10.0.0.1", Share: "b"}))
	job.record(HostEnumeratedMessage("10.0.0.1", 1, 1))

	s := job.Summary()
	assert.Equal(t, 2, s.HostsProbed)
	assert.Equal(t, 1, s.HostsAlive)
	assert.Equal(t, 1, s.HostsEnumerated)
	assert.Equal(t, 2, s.SharesFound)

	results := job.Results()
	require.Len(t, results, 2)
	results[0].Share = "mutated"
	assert.Equal(t, "a", job.Results()[0].Share, "Results returns a copy")
}

func TestJobIDsAreUnique(t *testing.T) {
	rng := netrange.MustParse("10.0.0.0/30")
	a := newJob(ScanRequest{}, rng)
	b := newJob(ScanRequest{}, rng)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Len(t, a.ID, 36)
}
