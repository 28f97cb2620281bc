package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "mydms_session", cfg.Server.SessionCookie)
	assert.Equal(t, 30*time.Second, cfg.Server.Timeout)
	assert.Equal(t, int64(1), cfg.Server.RootFolder)
	assert.Equal(t, ":8081", cfg.Web.ListenAddr)
	assert.Equal(t, 12*time.Hour, cfg.Web.SessionTTL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 2*time.Second, cfg.Hot.Debounce)
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "docbox.yaml")
	require.NoError(t, os.WriteFile(file, []byte(`
server:
  url: https://dms.example.com/restapi/index.php
  timeout: 5s
  root_folder: 7
web:
  allowed_origins: [https://a.example.com]
content:
  max_bytes: 1024
`), 0644))

	t.Setenv("DOCBOX_SERVER_TIMEOUT", "9s")
	t.Setenv("DOCBOX_LOG_LEVEL", "debug")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "https://dms.example.com/restapi/index.php", cfg.Server.URL)
	assert.Equal(t, 9*time.Second, cfg.Server.Timeout)
	assert.Equal(t, int64(7), cfg.Server.RootFolder)
	assert.Equal(t, []string{"https://a.example.com"}, cfg.Web.AllowedOrigins)
	assert.Equal(t, int64(1024), cfg.Content.MaxBytes)
	assert.Equal(t, "debug", cfg.Log.Level)

	cc := cfg.ClientConfig()
	assert.Equal(t, cfg.Server.URL, cc.BaseURL)
	assert.Equal(t, 3, cc.RetryConfig.MaxAttempts)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_Invalid(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	t.Setenv("DOCBOX_SERVER_URL", "not a url")
	_, err := Load("")
	assert.ErrorContains(t, err, "server.url")
}
