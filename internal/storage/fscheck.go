package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// errProbeUnsupported means the platform cannot report a filesystem type;
// the local-disk check is skipped.
var errProbeUnsupported = errors.New("filesystem probe unsupported on this platform")

// remoteFilesystems are the filesystem names on which SQLite file locking
// cannot be trusted.
var remoteFilesystems = map[string]bool{
	"9p":     true,
	"afpfs":  true,
	"afs":    true,
	"ceph":   true,
	"cifs":   true,
	"lustre": true,
	"nfs":    true,
	"smb2":   true,
	"smbfs":  true,
	"webdav": true,
}

type fsProbe func(path string) (string, error)

// requireLocalDisk refuses a database path that lives on a remote filesystem.
func requireLocalDisk(path string, probe fsProbe) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return fmt.Errorf("resolve history database path %q: %w", path, err)
	}

	fsName, err := probe(dir)
	switch {
	case errors.Is(err, errProbeUnsupported):
		return nil
	case err != nil:
		return fmt.Errorf("probe filesystem of %q: %w", dir, err)
	case isRemote(fsName):
		return fmt.Errorf("history database %q is on %s, a network filesystem; "+
			"point state.path at local disk or leave it empty to run without history", path, fsName)
	}
	return nil
}

// existingAncestor returns path, or its closest parent that exists.
func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		dir = parent
	}
}

func isRemote(fsName string) bool {
	return remoteFilesystems[strings.ToLower(strings.TrimSpace(fsName))]
}
