package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mattjoyce/ansible-api/internal/log"
)

const (
	// maxStderrBytes caps the amount of stderr kept in a result.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Config locates the ansible binaries and shared arguments.
type Config struct {
	AnsibleBin  string
	PlaybookBin string
	// Inventory is passed with -i when set; otherwise hosts are given inline.
	Inventory string
	ExtraArgs []string
	Env       map[string]string
}

// Result is the JSON document returned for every completed run.
type Result struct {
	Name     string          `json:"name"`
	RC       int             `json:"rc"`
	Result   json.RawMessage `json:"result,omitempty"`
	Stdout   string          `json:"stdout,omitempty"`
	Stderr   string          `json:"stderr,omitempty"`
	Duration float64         `json:"duration_s"`
}

// Ansible runs jobs through the ansible and ansible-playbook CLIs with the
// json stdout callback.
type Ansible struct {
	cfg    Config
	logger *slog.Logger
}

var _ Runner = (*Ansible)(nil)

// NewAnsible returns a CLI-backed Runner.
func NewAnsible(cfg Config) *Ansible {
	if cfg.AnsibleBin == "" {
		cfg.AnsibleBin = "ansible"
	}
	if cfg.PlaybookBin == "" {
		cfg.PlaybookBin = "ansible-playbook"
	}
	return &Ansible{cfg: cfg, logger: log.WithComponent("runner")}
}

// RunCommand runs an ad-hoc module against job.Hosts.
func (a *Ansible) RunCommand(ctx context.Context, job CommandJob) (json.RawMessage, error) {
	if len(job.Hosts) == 0 {
		return nil, errors.New("no target hosts")
	}
	return a.run(ctx, job.Name, a.cfg.AnsibleBin, a.commandArgs(job))
}

// RunPlaybook runs job.Playbook with job.Vars as extra vars.
func (a *Ansible) RunPlaybook(ctx context.Context, job PlaybookJob) (json.RawMessage, error) {
	args, err := a.playbookArgs(job)
	if err != nil {
		return nil, err
	}
	return a.run(ctx, job.Name, a.cfg.PlaybookBin, args)
}

func (a *Ansible) commandArgs(job CommandJob) []string {
	pattern := strings.Join(job.Hosts, ",")
	args := []string{pattern, "-i", a.inventory(pattern), "-m", job.Module, "-f", strconv.Itoa(job.Forks)}
	if job.Args != "" {
		args = append(args, "-a", job.Args)
	}
	if job.Become {
		args = append(args, "--become")
	}
	return append(args, a.cfg.ExtraArgs...)
}

func (a *Ansible) playbookArgs(job PlaybookJob) ([]string, error) {
	vars, err := json.Marshal(job.Vars)
	if err != nil {
		return nil, fmt.Errorf("encode extra vars: %w", err)
	}
	args := []string{"-i", a.inventory(job.Hosts), "-f", strconv.Itoa(job.Forks), "-e", string(vars)}
	args = append(args, a.cfg.ExtraArgs...)
	return append(args, job.Playbook), nil
}

// inventory returns the configured inventory, or an inline host list. The
// trailing comma tells ansible the value is a list rather than a path.
func (a *Ansible) inventory(hosts string) string {
	if a.cfg.Inventory != "" {
		return a.cfg.Inventory
	}
	if strings.HasSuffix(hosts, ",") {
		return hosts
	}
	return hosts + ","
}

func (a *Ansible) environ() []string {
	env := append(os.Environ(),
		"ANSIBLE_STDOUT_CALLBACK=json",
		"ANSIBLE_LOAD_CALLBACK_PLUGINS=1",
	)
	keys := make([]string, 0, len(a.cfg.Env))
	for k := range a.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+a.cfg.Env[k])
	}
	return env
}

func (a *Ansible) run(ctx context.Context, name, bin string, args []string) (json.RawMessage, error) {
	logger := a.logger.With("job", name, "bin", bin)

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = a.environ()
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = terminationGracePeriod

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logger.Debug("spawning ansible", "args", args)
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctxErr := ctx.Err(); ctxErr != nil {
		logger.Warn("ansible run interrupted", "error", ctxErr)
		return nil, fmt.Errorf("ansible run interrupted: %w", ctxErr)
	}

	rc := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("run %s: %w", bin, err)
		}
		rc = exitErr.ExitCode()
		logger.Warn("ansible exited with non-zero status", "rc", rc)
	}

	res := Result{
		Name:     name,
		RC:       rc,
		Stderr:   truncateStderr(stderr.String()),
		Duration: elapsed.Seconds(),
	}
	if out := bytes.TrimSpace(stdout.Bytes()); json.Valid(out) && len(out) > 0 {
		res.Result = json.RawMessage(out)
	} else {
		res.Stdout = stdout.String()
	}

	logger.Info("ansible run finished", "rc", rc, "duration_ms", elapsed.Milliseconds())

	b, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return b, nil
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
