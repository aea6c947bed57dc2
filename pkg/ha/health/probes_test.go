package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPProbeHealthyEndpoint(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, HTTPProbe(server.URL)(context.Background()))
}

func TestHTTPProbeUnhealthyStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	require.Error(t, HTTPProbe(server.URL)(context.Background()))
}

func TestHTTPProbeCustomHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Probe") != "beacon" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	require.NoError(t, HTTPProbe(server.URL, WithHeader("X-Probe", "beacon"))(context.Background()))
}

func TestHTTPProbeRespectsContextDeadline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(100 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	probe := WithTimeout(HTTPProbe(server.URL), 10*time.Millisecond)
	require.Error(t, probe(context.Background()))
}

func TestTCPProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	require.NoError(t, TCPProbe(ln.Addr().String())(context.Background()))
}

func TestTCPProbeUnreachable(t *testing.T) {
	require.Error(t, TCPProbe("127.0.0.1:1")(context.Background()))
}

func TestExecProbeSuccess(t *testing.T) {
	require.NoError(t, ExecProbe("true")(context.Background()))
}

func TestExecProbeFailureCapturesStderr(t *testing.T) {
	err := ExecProbe("sh", "-c", "echo boom 1>&2; exit 1")(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestExecProbeEmptyCommand(t *testing.T) {
	require.Error(t, ExecProbe()(context.Background()))
}

func TestAlwaysHealthy(t *testing.T) {
	require.NoError(t, AlwaysHealthy(context.Background()))
}
