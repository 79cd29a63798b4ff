// ABOUTME: Tests for gateway composition and lifecycle
// ABOUTME: Covers construction validation, serve/shutdown, and end-to-end requests

package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/saga-sync/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(addr string) *config.Config {
	cfg := &config.Config{}
	cfg.Server.HTTPAddr = addr
	cfg.Auth.TokenSecret = "test-secret"
	return cfg
}

// freeAddr reserves a port so Run has a concrete address to bind.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func TestNewRequiresTokenSecret(t *testing.T) {
	cfg := testConfig("127.0.0.1:0")
	cfg.Auth.TokenSecret = ""

	_, err := New(cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_secret")
}

func TestRunServesAndShutsDown(t *testing.T) {
	addr := freeAddr(t)
	gw, err := New(testConfig(addr), testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	base := fmt.Sprintf("http://%s", addr)
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, base+"/v1/sessions/boot", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shut down")
	}
}

func TestRunFailsOnUnusableAddress(t *testing.T) {
	gw, err := New(testConfig("256.0.0.1:99999"), testLogger())
	require.NoError(t, err)

	err = gw.Run(t.Context())
	require.Error(t, err)
}
