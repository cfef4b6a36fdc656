// Package scanning provides the share scanning engine for sharescan.
//
// A scan runs in two stages. The liveness scanner opens a stream to the SMB
// port of every address in a range and reports each address as alive or
// dead. The share enumerator then negotiates a session with every alive
// host, lists its shares and, in deep mode, probes read and write access.
// The orchestrator sequences the stages and owns the job state.
//
// # Jobs
//
// A Job moves through the states
//
//	pending -> port_scanning -> enumerating -> completed
//
// and may end in cancelled or failed from any non-terminal state. A range
// without alive hosts completes straight from port_scanning. Only a fatal
// error (the connectivity substrate became unusable) fails a job; a host
// that rejects credentials or cannot negotiate a session contributes no
// shares and the job continues.
//
// # Progress messages
//
// Everything a job does is reported as a ProgressMessage:
//
//	host_found       one per probed address, in completion order
//	stage_changed    port_scanning, enumerating
//	share_found      one per share, in listing order within a host
//	host_enumerated  n of total alive hosts done
//	job_done         summary
//	job_failed       error code and message
//	job_cancelled    partial summary
//
// Every stream ends with exactly one of the last three. Nothing is emitted
// after it.
//
// # Usage
//
//	orch := scanning.NewOrchestrator(cfg.Scanning)
//	job, err := orch.NewJob(scanning.ScanRequest{
//		Range: "10.0.0.0/24",
//		Mode:  scanning.ModeDeep,
//	})
//	if err != nil {
//		return err
//	}
//	orch.Run(ctx, job, func(m scanning.ProgressMessage) {
//		fmt.Println(m.Type)
//	})
//
// # Side effects
//
// The deep-mode write probe creates a directory named temp_check_<hex> at
// the root of every share it tests and removes it again. Quick mode never
// writes to a target.
package scanning
