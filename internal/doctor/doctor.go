// Package doctor checks an ansible-api deployment beyond what config
// validation covers: directories, binaries, playbooks and risky settings.
package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/ansible-api/internal/config"
	"github.com/mattjoyce/ansible-api/internal/filestore"
	"github.com/mattjoyce/ansible-api/internal/playbook"
	"github.com/mattjoyce/ansible-api/internal/signature"
)

// minKeyLength is the shortest sign key accepted without a warning.
const minKeyLength = 16

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a loaded configuration against the host it runs on.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate(ctx context.Context) *Result {
	r := &Result{Valid: true}

	d.validateDirs(r)
	d.validateRunner(r)
	d.validatePlaybooks(ctx, r)
	d.warnWeakAuth(r)
	d.warnOpenListener(r)
	d.warnSafetyDisabled(r)
	d.warnUnbounded(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateDirs checks that both roots exist and are directories.
func (d *Doctor) validateDirs(r *Result) {
	for field, dir := range map[string]string{
		"dirs.script":   d.cfg.Dirs.Script,
		"dirs.playbook": d.cfg.Dirs.Playbook,
	} {
		info, err := os.Stat(dir)
		switch {
		case errors.Is(err, os.ErrNotExist):
			d.addError(r, "dirs", field, fmt.Sprintf("directory %q does not exist", dir))
		case err != nil:
			d.addError(r, "dirs", field, fmt.Sprintf("cannot stat %q: %v", dir, err))
		case !info.IsDir():
			d.addError(r, "dirs", field, fmt.Sprintf("%q is not a directory", dir))
		}
	}
}

// validateRunner checks that the ansible binaries and inventory can be found.
func (d *Doctor) validateRunner(r *Result) {
	for field, bin := range map[string]string{
		"runner.ansible_bin":  d.cfg.Runner.AnsibleBin,
		"runner.playbook_bin": d.cfg.Runner.PlaybookBin,
	} {
		if _, err := d.lookPath(bin); err != nil {
			d.addError(r, "runner", field, fmt.Sprintf("%q not found: %v", bin, err))
		}
	}

	inv := d.cfg.Runner.Inventory
	if inv == "" || strings.Contains(inv, ",") {
		return
	}
	if _, err := os.Stat(inv); err != nil {
		d.addWarning(r, "runner", "runner.inventory", fmt.Sprintf("inventory %q is not readable: %v", inv, err))
	}
}

// validatePlaybooks resolves every top-level playbook so syntax errors show
// up before a client asks for their variables.
func (d *Doctor) validatePlaybooks(ctx context.Context, r *Result) {
	store, err := filestore.NewFSStore(d.cfg.Dirs.Script, d.cfg.Dirs.Playbook)
	if err != nil {
		return
	}
	names, err := store.List(ctx, filestore.TypePlaybook)
	if err != nil {
		return
	}

	resolver := playbook.NewResolver(d.cfg.Dirs.Playbook)
	for _, name := range names {
		if ext := filepath.Ext(name); ext != ".yml" && ext != ".yaml" {
			continue
		}
		if ok, _ := store.Exists(ctx, filestore.TypePlaybook, name); !ok {
			continue
		}
		if _, err := resolver.Resolve(ctx, name); err != nil {
			d.addWarning(r, "playbooks", name, err.Error())
		}
	}
}

func (d *Doctor) warnWeakAuth(r *Result) {
	if len(d.cfg.Auth.SignKey) < minKeyLength {
		d.addWarning(r, "auth", "auth.sign_key",
			fmt.Sprintf("sign key is shorter than %d characters", minKeyLength))
	}
	if alg, err := signature.ParseAlgorithm(d.cfg.Auth.Algorithm); err == nil && alg == signature.MD5 {
		d.addWarning(r, "auth", "auth.algorithm", "md5 signatures are weak; use sha256 or blake3 once clients support it")
	}
}

// warnOpenListener flags a non-loopback listener without an allow-list.
func (d *Doctor) warnOpenListener(r *Result) {
	for _, origin := range d.cfg.API.CORSOrigins {
		if origin == "*" {
			d.addWarning(r, "api", "api.cors_origins", "any origin may call the API from a browser")
			break
		}
	}
	if len(d.cfg.API.AllowIP) > 0 {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		return
	}
	if addr, err := netip.ParseAddr(host); err == nil && addr.IsLoopback() {
		return
	}
	if host == "localhost" {
		return
	}
	d.addWarning(r, "api", "api.allow_ip",
		fmt.Sprintf("listening on %q with no allow_ip; any host that can reach it may call the API", d.cfg.API.Listen))
}

// warnSafetyDisabled flags explicitly emptied safety lists.
func (d *Doctor) warnSafetyDisabled(r *Result) {
	s := d.cfg.Safety
	if s.DeniedCommands != nil && len(s.DeniedCommands) == 0 {
		d.addWarning(r, "safety", "safety.denied_commands", "command filter disabled: no commands are denied")
	}
	if s.ShellModules != nil && len(s.ShellModules) == 0 {
		d.addWarning(r, "safety", "safety.shell_modules", "command filter disabled: no modules are inspected")
	}
}

func (d *Doctor) warnUnbounded(r *Result) {
	if d.cfg.Dispatch.JobTimeout == 0 {
		d.addWarning(r, "dispatch", "dispatch.job_timeout", "jobs may run forever and hold a worker")
	}
	if d.cfg.State.Path != "" && d.cfg.State.Retention == 0 {
		d.addWarning(r, "state", "state.retention", "job history is never pruned")
	}
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Deployment healthy.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Deployment healthy")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Deployment broken (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
