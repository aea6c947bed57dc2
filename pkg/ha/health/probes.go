package health

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"net/http"
	"os/exec"
	"time"
)

// TCPProbe returns a ProbeFunc that succeeds if a TCP connection to address
// can be established before ctx is done. Adapted from the teacher's
// pkg/health/tcp.go TCPChecker.
func TCPProbe(address string) ProbeFunc {
	return func(ctx context.Context) error {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return fmt.Errorf("tcp probe %s: %w", address, err)
		}
		return conn.Close()
	}
}

// HTTPProbeOption customizes an HTTPProbe.
type HTTPProbeOption func(*http.Request)

// WithHeader adds a header to the probe's request.
func WithHeader(key, value string) HTTPProbeOption {
	return func(r *http.Request) { r.Header.Set(key, value) }
}

// HTTPProbe returns a ProbeFunc that succeeds if an HTTP GET to url returns
// a 2xx/3xx status before ctx is done. Adapted from the teacher's
// pkg/health/http.go HTTPChecker.
func HTTPProbe(url string, opts ...HTTPProbeOption) ProbeFunc {
	client := &http.Client{}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("http probe %s: build request: %w", url, err)
		}
		for _, opt := range opts {
			opt(req)
		}
		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("http probe %s: %w", url, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode > 399 {
			return fmt.Errorf("http probe %s: unexpected status %d", url, resp.StatusCode)
		}
		return nil
	}
}

// ExecProbe returns a ProbeFunc that succeeds if command exits 0 before ctx
// is done. Useful for checking a CLI-only dependency (e.g. an aria2 RPC
// client binary, a disk-quota script) that has no TCP/HTTP surface of its
// own. Adapted from the teacher's pkg/health/exec.go ExecChecker, dropping
// its container-exec path since this process never execs inside a
// container.
func ExecProbe(command ...string) ProbeFunc {
	return func(ctx context.Context) error {
		if len(command) == 0 {
			return fmt.Errorf("exec probe: no command specified")
		}
		cmd := exec.CommandContext(ctx, command[0], command[1:]...)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Run(); err != nil {
			if stderr.Len() > 0 {
				return fmt.Errorf("exec probe %v: %w: %s", command, err, stderr.String())
			}
			return fmt.Errorf("exec probe %v: %w", command, err)
		}
		return nil
	}
}

// AlwaysHealthy is a trivial probe useful for components whose liveness is
// implied by the process being up (e.g. "lock service liveness" once the
// DistributedStateManager itself is constructed).
func AlwaysHealthy(_ context.Context) error { return nil }

// WithTimeout wraps probe so its own internal deadline never exceeds d,
// independent of the Check's configured Timeout; a slow downstream probe
// with its own shorter budget returns promptly instead of tying up the
// scheduler slot for the full Check.Timeout.
func WithTimeout(probe ProbeFunc, d time.Duration) ProbeFunc {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, d)
		defer cancel()
		return probe(ctx)
	}
}
