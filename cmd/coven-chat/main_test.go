// ABOUTME: Tests for client-side config resolution in the coven-chat CLI
// ABOUTME: Checks that a client-only config is honored and broken configs surface errors

package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeClientConfig(t *testing.T, content string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("COVEN_CHAT_CONFIG", path)
}

func TestLoadClientConfig_HonorsChatSettings(t *testing.T) {
	writeClientConfig(t, `
server:
  grpc_addr: "chat.example:6000"
  http_addr: "chat.example:7000"
chat:
  request_timeout: "4s"
  reconnect_min: "50ms"
  reconnect_max: "1s"
`)

	cfg, err := loadClientConfig()
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, cfg.Chat.RequestTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Chat.ReconnectMin)
	assert.Equal(t, time.Second, cfg.Chat.ReconnectMax)

	addrs := resolveAddrs(cfg, "", "")
	assert.Equal(t, "http://chat.example:7000", addrs.httpURL())
	assert.Equal(t, "chat.example:6000", addrs.grpc)

	addrs = resolveAddrs(cfg, "https://other:443", "other:1")
	assert.Equal(t, "https://other:443", addrs.httpURL())
	assert.Equal(t, "other:1", addrs.grpc)
}

func TestLoadClientConfig_Missing(t *testing.T) {
	t.Setenv("COVEN_CHAT_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := loadClientConfig()
	require.NoError(t, err)
	addrs := resolveAddrs(cfg, "", "")
	assert.Equal(t, "http://"+defaultHTTPAddr, addrs.httpURL())
	assert.Equal(t, defaultGRPCAddr, addrs.grpc)
}

func TestLoadClientConfig_Broken(t *testing.T) {
	writeClientConfig(t, "chat: [")

	_, err := loadClientConfig()
	assert.Error(t, err)
}
