// Package runner is the boundary to the automation engine that actually
// reaches remote hosts.
package runner

import (
	"context"
	"encoding/json"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/ansible-api/internal/runner Runner

// Runner executes jobs against remote hosts. Results are opaque JSON
// documents handed back to the caller unchanged.
type Runner interface {
	RunCommand(ctx context.Context, job CommandJob) (json.RawMessage, error)
	RunPlaybook(ctx context.Context, job PlaybookJob) (json.RawMessage, error)
}

// CommandJob is an ad-hoc module invocation.
type CommandJob struct {
	Name   string
	Hosts  []string
	Module string
	Args   string
	Become bool
	Forks  int
}

// PlaybookJob is a playbook run. Playbook is an absolute path.
type PlaybookJob struct {
	Name     string
	Playbook string
	Hosts    string
	Forks    int
	Vars     map[string]string
}
