package cmd

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	require.NoError(t, run([]string{"version"}, &out, &errOut))
	assert.Equal(t, "plexrelay dev\n", out.String())
	assert.Empty(t, errOut.String())
}

func TestServeMissingConfigFile(t *testing.T) {
	var out, errOut bytes.Buffer
	err := run([]string{"serve", "--config", filepath.Join(t.TempDir(), "missing.yaml")}, &out, &errOut)
	require.Error(t, err)
	assert.Contains(t, errOut.String(), "load config")
}

func TestLoadConfigHonorsPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
endpoints:
  - name: main
    url: https://discord.example/api/webhooks/1/token
`), 0o600))

	t.Setenv("PORT", "9191")
	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 9191, cfg.Server.Port)

	t.Setenv("PORT", "nope")
	_, err = loadConfig(path)
	require.Error(t, err)
}

func TestUnknownCommand(t *testing.T) {
	var out, errOut bytes.Buffer
	require.Error(t, run([]string{"crawl"}, &out, &errOut))
}

type fakeRelay struct {
	runErr error
	closed int
}

func (f *fakeRelay) Run(context.Context) error { return f.runErr }

func (f *fakeRelay) Close(context.Context) error {
	f.closed++
	return nil
}

func TestRunRelayClosesWhenRunFails(t *testing.T) {
	r := &fakeRelay{runErr: errors.New("listen :8080: address already in use")}
	err := runRelay(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run relay")
	assert.Equal(t, 1, r.closed)
}

func TestRunRelayTreatsCancelAsCleanExit(t *testing.T) {
	r := &fakeRelay{runErr: context.Canceled}
	require.NoError(t, runRelay(context.Background(), r))
	assert.Equal(t, 1, r.closed)
}

func TestServeReleasesResourcesWhenPortIsTaken(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  development: false
  level: error
endpoints:
  - name: main
    url: https://discord.example/api/webhooks/1/token
`), 0o600))
	t.Setenv("PORT", strconv.Itoa(port))

	var out, errOut bytes.Buffer
	err = run([]string{"serve", "--config", path}, &out, &errOut)
	require.Error(t, err)
	assert.Contains(t, errOut.String(), "run relay")
}
