package runner

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/ansible-api/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("failed to write script: %v", err)
	}
	return path
}

func TestCommandArgs(t *testing.T) {
	a := NewAnsible(Config{})
	args := a.commandArgs(CommandJob{
		Name:   "t1",
		Hosts:  []string{"h1", "h2"},
		Module: "shell",
		Args:   "uptime -p",
		Become: true,
		Forks:  50,
	})
	assert.Equal(t, []string{"h1,h2", "-i", "h1,h2,", "-m", "shell", "-f", "50", "-a", "uptime -p", "--become"}, args)

	a = NewAnsible(Config{Inventory: "/etc/ansible/hosts", ExtraArgs: []string{"-v"}})
	args = a.commandArgs(CommandJob{Hosts: []string{"web"}, Module: "ping", Forks: 5})
	assert.Equal(t, []string{"web", "-i", "/etc/ansible/hosts", "-m", "ping", "-f", "5", "-v"}, args)
}

func TestPlaybookArgs(t *testing.T) {
	a := NewAnsible(Config{})
	args, err := a.playbookArgs(PlaybookJob{
		Playbook: "/srv/playbooks/site.yml",
		Hosts:    "h1,h2",
		Forks:    10,
		Vars:     map[string]string{"hosts": "h1,h2", "version": "1.2"},
	})
	require.NoError(t, err)
	require.Len(t, args, 7)
	assert.Equal(t, []string{"-i", "h1,h2,", "-f", "10", "-e"}, args[:5])
	assert.Equal(t, "/srv/playbooks/site.yml", args[6])

	var vars map[string]string
	require.NoError(t, json.Unmarshal([]byte(args[5]), &vars))
	assert.Equal(t, "1.2", vars["version"])
}

func TestRunCommand_JSONOutput(t *testing.T) {
	bin := writeScript(t, "ansible", `echo "$ANSIBLE_STDOUT_CALLBACK $MY_VAR $@" >&2
echo '{"plays":[],"stats":{"h1":{"ok":1}}}'
`)
	a := NewAnsible(Config{AnsibleBin: bin, Env: map[string]string{"MY_VAR": "set"}})

	out, err := a.RunCommand(context.Background(), CommandJob{Name: "t1", Hosts: []string{"h1"}, Module: "ping", Forks: 1})
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, "t1", res.Name)
	assert.Equal(t, 0, res.RC)
	assert.JSONEq(t, `{"plays":[],"stats":{"h1":{"ok":1}}}`, string(res.Result))
	assert.True(t, strings.HasPrefix(res.Stderr, "json set h1 -i h1, -m ping"), res.Stderr)
}

func TestRunPlaybook_NonZeroExitIsAResult(t *testing.T) {
	bin := writeScript(t, "ansible-playbook", `echo "host unreachable"
exit 4
`)
	a := NewAnsible(Config{PlaybookBin: bin})

	out, err := a.RunPlaybook(context.Background(), PlaybookJob{Name: "deploy", Playbook: "/tmp/x.yml", Hosts: "h1", Forks: 1})
	require.NoError(t, err)

	var res Result
	require.NoError(t, json.Unmarshal(out, &res))
	assert.Equal(t, 4, res.RC)
	assert.Equal(t, "host unreachable\n", res.Stdout)
	assert.Empty(t, res.Result)
}

func TestRun_MissingBinary(t *testing.T) {
	a := NewAnsible(Config{AnsibleBin: filepath.Join(t.TempDir(), "nope")})
	_, err := a.RunCommand(context.Background(), CommandJob{Hosts: []string{"h1"}, Module: "ping"})
	assert.Error(t, err)
}

func TestRun_NoHosts(t *testing.T) {
	_, err := NewAnsible(Config{}).RunCommand(context.Background(), CommandJob{Module: "ping"})
	assert.Error(t, err)
}

func TestRun_ContextCancelled(t *testing.T) {
	bin := writeScript(t, "ansible", "sleep 5\n")
	a := NewAnsible(Config{AnsibleBin: bin})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := a.RunCommand(ctx, CommandJob{Hosts: []string{"h1"}, Module: "ping"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 4*time.Second)
}

func TestTruncateStderr(t *testing.T) {
	long := strings.Repeat("x", maxStderrBytes+10)
	assert.Len(t, truncateStderr(long), maxStderrBytes)
	assert.Equal(t, "short", truncateStderr("short"))
}
