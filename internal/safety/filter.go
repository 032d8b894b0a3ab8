// Package safety rejects raw shell lines whose leading command is denied.
package safety

import (
	"fmt"
	"strings"
)

// DefaultDenied lists commands refused for raw shell modules.
var DefaultDenied = []string{"reboot", "su", "sudo", "dd", "mkfs", "shutdown", "halt", "top"}

// DefaultShellModules lists modules that execute their argument as a raw line.
var DefaultShellModules = []string{"shell", "command"}

// ForbiddenError reports the denied leading command.
type ForbiddenError struct {
	Command string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("This is danger shell: %s", e.Command)
}

// Filter checks ad-hoc command requests before dispatch.
type Filter struct {
	denied       map[string]struct{}
	shellModules map[string]struct{}
}

// New builds a Filter. Nil slices select the defaults; an empty non-nil
// denylist disables filtering.
func New(denied, shellModules []string) *Filter {
	if denied == nil {
		denied = DefaultDenied
	}
	if shellModules == nil {
		shellModules = DefaultShellModules
	}
	return &Filter{
		denied:       toSet(denied),
		shellModules: toSet(shellModules),
	}
}

// Check returns a *ForbiddenError when module runs raw shell lines and the
// first token of args is denied. Other modules always pass.
func (f *Filter) Check(module, args string) error {
	if _, ok := f.shellModules[module]; !ok {
		return nil
	}
	cmd := LeadingCommand(args)
	if _, ok := f.denied[cmd]; ok {
		return &ForbiddenError{Command: cmd}
	}
	return nil
}

// LeadingCommand returns the text before the first whitespace of args.
func LeadingCommand(args string) string {
	args = strings.TrimLeft(args, " \t\r\n")
	if i := strings.IndexAny(args, " \t\r\n"); i >= 0 {
		return args[:i]
	}
	return args
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, s := range items {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
	}
	return out
}
