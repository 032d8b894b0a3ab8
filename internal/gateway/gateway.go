// Package gateway applies authentication, the command filter and pool
// selection to every API operation.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/mattjoyce/ansible-api/internal/dispatch"
	"github.com/mattjoyce/ansible-api/internal/filestore"
	"github.com/mattjoyce/ansible-api/internal/history"
	"github.com/mattjoyce/ansible-api/internal/log"
	"github.com/mattjoyce/ansible-api/internal/playbook"
	"github.com/mattjoyce/ansible-api/internal/runner"
	"github.com/mattjoyce/ansible-api/internal/safety"
	"github.com/mattjoyce/ansible-api/internal/signature"
)

// DefaultForks is used when a request carries no usable fork count.
const DefaultForks = 50

// Job kinds recorded by observers.
const (
	KindCommand  = "command"
	KindPlaybook = "playbook"
	KindFile     = "file"
	KindVars     = "vars"
)

// EventsSignField is the signed field for the event stream.
const EventsSignField = "events"

// Dispatcher runs jobs on the sync or async pool.
type Dispatcher interface {
	Sync(ctx context.Context, job dispatch.Job) (any, error)
	Async(job dispatch.Job) (string, error)
}

// VarsResolver lists the variables a playbook still needs.
type VarsResolver interface {
	Resolve(ctx context.Context, name string) ([]string, error)
}

// JobStore looks up recorded jobs.
type JobStore interface {
	Get(ctx context.Context, id string) (*history.Record, error)
}

// CommandRequest is an ad-hoc module run. Targets is the comma-separated
// host list exactly as signed.
type CommandRequest struct {
	Name      string
	Targets   string
	Module    string
	Args      string
	Become    bool
	Forks     int
	Async     bool
	Signature string
}

// PlaybookRequest is a playbook run. Vars holds extra variables with the
// wire prefix already removed.
type PlaybookRequest struct {
	Name      string
	Hosts     string
	File      string
	Forks     int
	Async     bool
	Vars      map[string]string
	Signature string
}

// Result is either an async acknowledgement or a sync outcome.
type Result struct {
	Async   bool
	JobID   string
	Outcome json.RawMessage
}

// Options wires a Gateway. Jobs may be nil when history is disabled.
type Options struct {
	Signer     *signature.Signer
	Filter     *safety.Filter
	Dispatcher Dispatcher
	Runner     runner.Runner
	Files      filestore.Store
	Vars       VarsResolver
	Jobs       JobStore
}

// Gateway orchestrates every API operation.
type Gateway struct {
	signer     *signature.Signer
	filter     *safety.Filter
	dispatcher Dispatcher
	runner     runner.Runner
	files      filestore.Store
	vars       VarsResolver
	jobs       JobStore
	logger     *slog.Logger
}

func New(opts Options) *Gateway {
	return &Gateway{
		signer:     opts.Signer,
		filter:     opts.Filter,
		dispatcher: opts.Dispatcher,
		runner:     opts.Runner,
		files:      opts.Files,
		vars:       opts.Vars,
		jobs:       opts.Jobs,
		logger:     log.WithComponent("gateway"),
	}
}

// RunCommand verifies, filters and dispatches an ad-hoc command.
func (g *Gateway) RunCommand(ctx context.Context, req CommandRequest) (*Result, error) {
	g.logger.Info("command requested",
		"job", req.Name, "targets", req.Targets, "module", req.Module,
		"args", req.Args, "become", req.Become, "forks", req.Forks, "async", req.Async)

	if err := g.verify(req.Signature, req.Name, req.Module, req.Targets); err != nil {
		return nil, err
	}
	if err := g.filter.Check(req.Module, req.Args); err != nil {
		var forbidden *safety.ForbiddenError
		if errors.As(err, &forbidden) {
			g.logger.Warn("forbidden command refused", "job", req.Name, "command", forbidden.Command)
		}
		return nil, newError(KindForbiddenCommand, err.Error(), err)
	}

	hosts := SplitTargets(req.Targets)
	if req.Module == "" || len(hosts) == 0 {
		return nil, MissingParams()
	}

	job := runner.CommandJob{
		Name:   req.Name,
		Hosts:  hosts,
		Module: req.Module,
		Args:   req.Args,
		Become: req.Become,
		Forks:  normalizeForks(req.Forks),
	}
	return g.dispatch(ctx, KindCommand, req.Name, req.Async, func(ctx context.Context) (any, error) {
		return g.runner.RunCommand(ctx, job)
	})
}

// RunPlaybook verifies and dispatches a playbook run.
func (g *Gateway) RunPlaybook(ctx context.Context, req PlaybookRequest) (*Result, error) {
	if req.Hosts == "" || req.File == "" || req.Signature == "" {
		return nil, MissingParams()
	}
	if err := g.verify(req.Signature, req.Name, req.Hosts, req.File); err != nil {
		return nil, err
	}

	path, err := g.files.Resolve(filestore.TypePlaybook, req.File)
	if err == nil {
		var ok bool
		ok, err = g.files.Exists(ctx, filestore.TypePlaybook, req.File)
		if err == nil && !ok {
			err = filestore.ErrNotFile
		}
	}
	if err != nil {
		return nil, newError(KindFileNotFound, fmt.Sprintf("yml file(%s) is not existed", req.File), err)
	}

	vars := map[string]string{"hosts": req.Hosts}
	maps.Copy(vars, req.Vars)

	job := runner.PlaybookJob{
		Name:     req.Name,
		Playbook: path,
		Hosts:    req.Hosts,
		Forks:    normalizeForks(req.Forks),
		Vars:     vars,
	}
	g.logger.Info("playbook requested",
		"job", req.Name, "playbook", req.File, "hosts", req.Hosts, "forks", job.Forks, "async", req.Async)

	return g.dispatch(ctx, KindPlaybook, req.Name, req.Async, func(ctx context.Context) (any, error) {
		return g.runner.RunPlaybook(ctx, job)
	})
}

// ListFiles lists the script or playbook directory.
func (g *Gateway) ListFiles(ctx context.Context, typ, sig string) ([]string, error) {
	typ = defaultType(typ)
	if !validType(typ) {
		return nil, newError(KindWrongType, MsgWrongType, nil)
	}
	if err := g.verify(sig, typ); err != nil {
		return nil, err
	}

	v, err := g.syncFile(ctx, "list "+typ, func(ctx context.Context) (any, error) {
		return g.files.List(ctx, typ)
	})
	if err != nil {
		if errors.Is(err, filestore.ErrRootMissing) {
			return nil, newError(KindPathNotFound, MsgPathNotFound, err)
		}
		return nil, AsError(err)
	}
	names, _ := v.([]string)
	g.logger.Info("read file list", "type", typ, "count", len(names))
	return names, nil
}

// ReadFile returns a script or playbook's content.
func (g *Gateway) ReadFile(ctx context.Context, typ, name, sig string) (string, error) {
	typ = defaultType(typ)
	if !validType(typ) {
		return "", newError(KindWrongType, MsgWrongType, nil)
	}
	if name == "" {
		return "", MissingParams()
	}
	if err := g.verify(sig, typ, name); err != nil {
		return "", err
	}

	v, err := g.syncFile(ctx, "read "+name, func(ctx context.Context) (any, error) {
		return g.files.Read(ctx, typ, name)
	})
	switch {
	case errors.Is(err, filestore.ErrNotFile), errors.Is(err, filestore.ErrOutsideRoot):
		return "", newError(KindNoSuchFile, MsgNoSuchFile, err)
	case err != nil:
		var ge *Error
		if errors.As(err, &ge) {
			return "", ge
		}
		// Unreadable files read as empty.
		g.logger.Error("failed in reading from file", "type", typ, "file", name, "error", err)
		return "", nil
	}
	content, _ := v.(string)
	return content, nil
}

// WriteFile stores content and reports whether the write succeeded.
func (g *Gateway) WriteFile(ctx context.Context, typ, name, content, sig string) (bool, error) {
	if name == "" || content == "" || sig == "" || !validType(typ) {
		return false, MissingParams()
	}
	if err := g.verify(sig, typ, name); err != nil {
		return false, err
	}

	_, err := g.syncFile(ctx, "write "+name, func(ctx context.Context) (any, error) {
		return nil, g.files.Write(ctx, typ, name, content)
	})
	if err != nil {
		var ge *Error
		if errors.As(err, &ge) {
			return false, ge
		}
		g.logger.Error("failed in writing to file", "type", typ, "file", name, "error", err)
		return false, nil
	}
	g.logger.Info("write to file", "type", typ, "file", name)
	return true, nil
}

// FileExists reports whether name is a regular file.
func (g *Gateway) FileExists(ctx context.Context, typ, name, sig string) (bool, error) {
	typ = defaultType(typ)
	if !validType(typ) {
		return false, newError(KindWrongType, MsgWrongType, nil)
	}
	if name == "" {
		return false, MissingParams()
	}
	if err := g.verify(sig, typ, name); err != nil {
		return false, err
	}

	v, err := g.syncFile(ctx, "exists "+name, func(ctx context.Context) (any, error) {
		ok, err := g.files.Exists(ctx, typ, name)
		if errors.Is(err, filestore.ErrOutsideRoot) {
			return false, nil
		}
		return ok, err
	})
	if err != nil {
		return false, AsError(err)
	}
	ok, _ := v.(bool)
	return ok, nil
}

// ParseVars lists the variables a playbook expects from its caller.
func (g *Gateway) ParseVars(ctx context.Context, name, sig string) ([]string, error) {
	if name == "" {
		return nil, MissingParams()
	}
	if err := g.verify(sig, name); err != nil {
		return nil, err
	}

	v, err := g.dispatcher.Sync(ctx, dispatch.Job{Kind: KindVars, Name: name, Fn: func(ctx context.Context) (any, error) {
		return g.vars.Resolve(ctx, name)
	}})
	switch {
	case errors.Is(err, filestore.ErrNotFile), errors.Is(err, filestore.ErrOutsideRoot):
		return nil, newError(KindFileNotFound, MsgNoSuchFile, err)
	case errors.Is(err, playbook.ErrParse):
		return nil, newError(KindParseFailed, err.Error(), err)
	case err != nil:
		return nil, poolError(err)
	}
	vars, _ := v.([]string)
	return vars, nil
}

// JobStatus returns the recorded state of a dispatched job.
func (g *Gateway) JobStatus(ctx context.Context, id, sig string) (*history.Record, error) {
	if id == "" {
		return nil, MissingParams()
	}
	if err := g.verify(sig, id); err != nil {
		return nil, err
	}
	if g.jobs == nil {
		return nil, newError(KindJobNotFound, "Job history is disabled", nil)
	}
	rec, err := g.jobs.Get(ctx, id)
	if errors.Is(err, history.ErrNotFound) {
		return nil, newError(KindJobNotFound, "No such job", err)
	}
	if err != nil {
		return nil, newError(KindJobNotFound, err.Error(), err)
	}
	return rec, nil
}

// VerifyEvents authenticates an event stream subscription.
func (g *Gateway) VerifyEvents(sig string) error {
	return g.verify(sig, EventsSignField)
}

func (g *Gateway) verify(sig string, fields ...string) error {
	if err := g.signer.Verify(sig, fields...); err != nil {
		g.logger.Warn("signature rejected", "fields", len(fields))
		return newError(KindInvalidSignature, MsgInvalidSignature, err)
	}
	return nil
}

func (g *Gateway) dispatch(ctx context.Context, kind, name string, async bool, fn dispatch.Func) (*Result, error) {
	job := dispatch.Job{Kind: kind, Name: name, Fn: fn}
	if async {
		id, err := g.dispatcher.Async(job)
		if err != nil {
			return nil, poolError(err)
		}
		return &Result{Async: true, JobID: id}, nil
	}

	v, err := g.dispatcher.Sync(ctx, job)
	if err != nil {
		g.logger.Error("job failed", "kind", kind, "job", name, "error", err)
		return nil, poolError(err)
	}
	out, _ := v.(json.RawMessage)
	return &Result{Outcome: out}, nil
}

func (g *Gateway) syncFile(ctx context.Context, name string, fn dispatch.Func) (any, error) {
	v, err := g.dispatcher.Sync(ctx, dispatch.Job{Kind: KindFile, Name: name, Fn: fn})
	if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrPoolClosed) {
		return nil, poolError(err)
	}
	return v, err
}

func poolError(err error) *Error {
	if errors.Is(err, dispatch.ErrQueueFull) || errors.Is(err, dispatch.ErrPoolClosed) {
		return newError(KindQueueFull, "Server is busy, try again later", err)
	}
	return newError(KindJobFailed, err.Error(), err)
}

// SplitTargets splits a comma-separated host list, dropping blanks.
func SplitTargets(targets string) []string {
	var hosts []string
	for _, h := range strings.Split(targets, ",") {
		if h = strings.TrimSpace(h); h != "" {
			hosts = append(hosts, h)
		}
	}
	return hosts
}

func normalizeForks(n int) int {
	if n < 1 {
		return DefaultForks
	}
	return n
}

func defaultType(typ string) string {
	if typ == "" {
		return filestore.TypeScript
	}
	return typ
}

func validType(typ string) bool {
	return typ == filestore.TypeScript || typ == filestore.TypePlaybook
}
