package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ansible-api/internal/config"
	"github.com/mattjoyce/ansible-api/internal/history"
	"github.com/mattjoyce/ansible-api/internal/lock"
	"github.com/mattjoyce/ansible-api/internal/log"
	"github.com/mattjoyce/ansible-api/internal/signature"
	"github.com/mattjoyce/ansible-api/internal/storage"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

// writeConfig creates script and playbook dirs under a temp root and a
// config file pointing at them. extra is appended verbatim.
func writeConfig(t *testing.T, extra string) (path, root string) {
	t.Helper()
	root = t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "scripts"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "playbooks"), 0o755))

	body := "auth:\n  sign_key: secret\n" +
		"dirs:\n" +
		"  script: " + filepath.Join(root, "scripts") + "\n" +
		"  playbook: " + filepath.Join(root, "playbooks") + "\n" +
		extra
	path = filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path, root
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv(configEnv, "")
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "ansible-api version "+version+"\n", out)
}

func TestSignCommand(t *testing.T) {
	want := signature.New("k1", signature.MD5).Sign("ping-all", "ping", "all")

	out, err := execute(t, "sign", "--key", "k1", "ping-all", "ping", "all")
	require.NoError(t, err)
	assert.Equal(t, want+"\n", out)

	out, err = execute(t, "sign", "--key", "k1", "--algorithm", "sha256", "ping-all", "ping", "all")
	require.NoError(t, err)
	assert.Equal(t, signature.New("k1", signature.SHA256).Sign("ping-all", "ping", "all")+"\n", out)
	assert.NotEqual(t, want+"\n", out)
}

func TestSignCommandUsesConfigKey(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := execute(t, "--config", path, "sign", "events")
	require.NoError(t, err)
	assert.Equal(t, signature.New("secret", signature.MD5).Sign("events")+"\n", out)
}

func TestSignCommandRejectsUnknownAlgorithm(t *testing.T) {
	_, err := execute(t, "sign", "--key", "k1", "--algorithm", "crc32", "x")
	require.Error(t, err)
}

func TestVarsCommand(t *testing.T) {
	path, root := writeConfig(t, "")
	playbook := "- hosts: \"{{ hosts }}\"\n  tasks:\n    - debug: msg=\"{{ greeting }}\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "playbooks", "hello.yml"), []byte(playbook), 0o644))

	out, err := execute(t, "--config", path, "vars", "hello.yml")
	require.NoError(t, err)
	assert.Equal(t, "greeting\nhosts\n", out)

	out, err = execute(t, "vars", "--dir", filepath.Join(root, "playbooks"), "hello.yml")
	require.NoError(t, err)
	assert.Equal(t, "greeting\nhosts\n", out)

	_, err = execute(t, "vars", "--dir", filepath.Join(root, "playbooks"), "missing.yml")
	require.Error(t, err)
}

func TestConfigCheck(t *testing.T) {
	path, _ := writeConfig(t, "dispatch:\n  async_pool_size: 3\n")
	hash, err := config.ComputeBlake3Hash(path)
	require.NoError(t, err)

	out, err := execute(t, "--config", path, "config", "check")
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration OK")
	assert.Contains(t, out, hash)
	assert.Contains(t, out, "async=3 sync=10")
	assert.Contains(t, out, "history:     disabled")

	_, err = execute(t, "--config", path, "config", "check", "--expect-hash", hash)
	require.NoError(t, err)

	_, err = execute(t, "--config", path, "config", "check", "--expect-hash", "deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestConfigCheckInvalid(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("service:\n  log_level: info\n"), 0o600))

	_, err := execute(t, "--config", path, "config", "check")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestConfigShowRedactsKey(t *testing.T) {
	path, _ := writeConfig(t, "")

	out, err := execute(t, "--config", path, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, "sign_key: "+redacted)
	assert.NotContains(t, out, "secret")
	assert.Contains(t, out, "listen: 127.0.0.1:8765")
}

func TestConfigDoctor(t *testing.T) {
	path, _ := writeConfig(t, "runner:\n  ansible_bin: /nonexistent/ansible\n")

	out, err := execute(t, "--config", path, "config", "doctor")
	require.Error(t, err)
	assert.Contains(t, out, "ERROR [runner] runner.ansible_bin")
	assert.Contains(t, out, "WARN  [auth] auth.sign_key")

	out, err = execute(t, "--config", path, "config", "doctor", "--json")
	require.Error(t, err)
	assert.Contains(t, out, `"valid": false`)
}

func TestJobCommands(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "history.db")
	path, _ := writeConfig(t, "state:\n  path: "+dbPath+"\n")

	db, err := storage.OpenSQLite(ctx, dbPath)
	require.NoError(t, err)
	store := history.NewStore(db)
	require.NoError(t, store.MarkFinished(ctx, "job-42", "async", "playbook", "site.yml", time.Second, nil))
	require.NoError(t, db.Close())

	out, err := execute(t, "--config", path, "job", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "job-42")

	out, err = execute(t, "--config", path, "job", "show", "job-42")
	require.NoError(t, err)
	assert.Contains(t, out, "Status      : succeeded")

	out, err = execute(t, "--config", path, "job", "show", "--json", "job-42")
	require.NoError(t, err)
	assert.Contains(t, out, `"id": "job-42"`)

	_, err = execute(t, "--config", path, "job", "show", "nope")
	require.Error(t, err)
}

func TestJobCommandsWithoutHistory(t *testing.T) {
	path, _ := writeConfig(t, "")
	_, err := execute(t, "--config", path, "job", "list")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disabled")
}

func TestBaseURL(t *testing.T) {
	tests := map[string]string{
		"127.0.0.1:8765": "http://127.0.0.1:8765",
		":8765":          "http://127.0.0.1:8765",
		"0.0.0.0:80":     "http://127.0.0.1:80",
		"[::]:8765":      "http://127.0.0.1:8765",
		"[::1]:8765":     "http://[::1]:8765",
		"ansible.local":  "http://ansible.local",
	}
	for listen, want := range tests {
		assert.Equal(t, want, baseURL(listen), listen)
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.Auth.SignKey = "secret"
	cfg.Dirs.Script = filepath.Join(root, "scripts")
	cfg.Dirs.Playbook = filepath.Join(root, "playbooks")
	cfg.State.Path = filepath.Join(root, "state", "history.db")
	cfg.API.AllowIP = []string{"192.0.2.0/24"}
	require.NoError(t, os.MkdirAll(cfg.Dirs.Script, 0o755))
	require.NoError(t, os.MkdirAll(cfg.Dirs.Playbook, 0o755))
	return cfg
}

func TestNewAppWiresServer(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, a.dispatcher.Close(ctx))
		a.close()
	})
	require.NotNil(t, a.history)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4000"
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "Hello, I am Ansible Api", body["message"])

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.1:4000"
	rec = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.10:4000"
	rec = httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ansible_api_")

	_, err = os.Stat(lock.PathFor(cfg.State.Path))
	assert.NoError(t, err)
}

func TestNewAppRefusesSecondInstance(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	first, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer func() {
		_ = first.dispatcher.Close(ctx)
		first.close()
	}()

	_, err = newApp(ctx, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLocked)
}

func TestNewAppWithoutHistory(t *testing.T) {
	cfg := testConfig(t)
	cfg.State.Path = ""
	cfg.Metrics.Enabled = false
	ctx := context.Background()

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.close()
	assert.Nil(t, a.history)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.0.2.10:4000"
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, a.dispatcher.Close(drainCtx))
}

func TestAPIConfigWriteTimeout(t *testing.T) {
	cfg := testConfig(t)
	out, err := apiConfig(cfg)
	require.NoError(t, err)
	assert.Zero(t, out.WriteTimeout)
	require.Len(t, out.AllowIP, 1)

	cfg.Dispatch.JobTimeout = 5 * time.Minute
	out, err = apiConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Minute, out.WriteTimeout)

	cfg.API.TrustedProxies = []string{"192.0.2.10"}
	out, err = apiConfig(cfg)
	require.NoError(t, err)
	require.Len(t, out.TrustedProxies, 1)
	assert.Equal(t, "192.0.2.10/32", out.TrustedProxies[0].String())

	cfg.API.AllowIP = []string{"not-an-ip"}
	_, err = apiConfig(cfg)
	require.Error(t, err)
}
