package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrRemoteFilesystem is returned when the state database would live on a
// network mount, where sqlite and flock locking are unreliable.
var ErrRemoteFilesystem = errors.New("state path is on a network filesystem")

var remoteFilesystems = map[string]bool{
	"nfs":    true,
	"cifs":   true,
	"smbfs":  true,
	"smb2":   true,
	"afpfs":  true,
	"webdav": true,
}

// filesystemProbe names the filesystem holding an existing path.
type filesystemProbe func(path string) (string, error)

// requireLocalDisk rejects paths on a known network filesystem. A probe
// that cannot tell is not an error.
func requireLocalDisk(path string, probe filesystemProbe) error {
	dir, err := existingAncestor(path)
	if err != nil {
		return err
	}
	fs, err := probe(dir)
	if err != nil {
		return nil
	}
	if remoteFilesystems[fs] {
		return fmt.Errorf("%w: %s is on %s, use a local state.path", ErrRemoteFilesystem, path, fs)
	}
	return nil
}

func existingAncestor(path string) (string, error) {
	p, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	for {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat %q: %w", p, err)
		}
		parent := filepath.Dir(p)
		if parent == p {
			return "", fmt.Errorf("no existing directory above %q", path)
		}
		p = parent
	}
}
