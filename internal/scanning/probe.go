package scanning

import (
	"context"
	"time"

	"github.com/anstrom/sharescan/internal/transport"
)

// Probe attempts a stream connection to address:port. Refusals and timeouts
// are reported as Dead with a nil error; only a substrate failure, which
// means no host in the range can be reached, is returned as an error.
// The stream is closed as soon as it opens.
func Probe(ctx context.Context, substrate transport.Substrate, address string, port int, timeout time.Duration) (Liveness, error) {
	conn, err := substrate.Open(ctx, address, port, timeout)
	if err != nil {
		if transport.IsUnavailable(err) {
			return Dead, err
		}
		return Dead, nil
	}
	_ = conn.Close()
	return Alive, nil
}
