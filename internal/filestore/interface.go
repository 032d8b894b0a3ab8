package filestore

import (
	"context"
	"errors"
)

// Directory types accepted by the file endpoints.
const (
	TypeScript   = "script"
	TypePlaybook = "playbook"
)

var (
	// ErrWrongType is returned for a directory type other than script or playbook.
	ErrWrongType = errors.New("unknown directory type")
	// ErrOutsideRoot is returned when a name would resolve outside its root.
	ErrOutsideRoot = errors.New("path escapes root directory")
	// ErrRootMissing is returned when the configured root directory does not exist.
	ErrRootMissing = errors.New("root directory does not exist")
	// ErrNotFile is returned when a name does not resolve to a regular file.
	ErrNotFile = errors.New("no such file")
)

// Store governs the script and playbook directories. Names are always
// relative to the root of their type.
type Store interface {
	// List returns the entry names directly under the root of typ.
	List(ctx context.Context, typ string) ([]string, error)

	// Read returns the content of a regular file.
	Read(ctx context.Context, typ, name string) (string, error)

	// Write creates or truncates a file with content.
	Write(ctx context.Context, typ, name, content string) error

	// Exists reports whether name is a regular file.
	Exists(ctx context.Context, typ, name string) (bool, error)

	// Resolve returns the absolute path of name, refusing paths outside the root.
	Resolve(typ, name string) (string, error)
}
