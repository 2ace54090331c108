// Package layout resolves the project root and the per-project data
// directory that holds everything the daemon reads and writes.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
)

// DirName is the name of the project data directory.
const DirName = ".procsi"

// Well-known file names inside the data directory.
const (
	caKeyFile         = "ca-key.pem"
	caCertFile        = "ca.pem"
	dbFile            = "requests.db"
	socketFile        = "control.sock"
	portFile          = "proxy.port"
	pidFile           = "daemon.pid"
	preferredPortFile = "preferred.port"
	interceptorsDir   = "interceptors"
	exportsDir        = "exports"
	logFile           = "procsi.log"
	configFile        = "config.json"
)

// Layout holds the resolved project root and derived paths.
type Layout struct {
	// Root is the project root directory.
	Root string
	// Dir is the project data directory (<Root>/.procsi).
	Dir string
}

// Discover resolves the project layout starting from start.
//
// If override is non-empty it is used as the data directory without any
// search. Otherwise ancestors of start are walked looking first for an
// existing data directory, then for a version-control marker (.git).
// When neither is found the start directory itself becomes the root.
// Discovery performs no I/O beyond stat.
func Discover(start, override string) (*Layout, error) {
	if override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve override path: %w", err)
		}
		return &Layout{Root: filepath.Dir(abs), Dir: abs}, nil
	}

	abs, err := filepath.Abs(start)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve start path: %w", err)
	}

	if root, ok := findAncestor(abs, DirName); ok {
		return &Layout{Root: root, Dir: filepath.Join(root, DirName)}, nil
	}
	if root, ok := findAncestor(abs, ".git"); ok {
		return &Layout{Root: root, Dir: filepath.Join(root, DirName)}, nil
	}

	return &Layout{Root: abs, Dir: filepath.Join(abs, DirName)}, nil
}

// findAncestor walks dir and its ancestors looking for a child named
// marker, returning the first directory that contains it.
func findAncestor(dir, marker string) (string, bool) {
	for {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return dir, true
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", false
		}
		dir = parent
	}
}

// EnsureDirs creates the data directory tree with owner-only permissions.
func (l *Layout) EnsureDirs() error {
	for _, dir := range []string{l.Dir, l.InterceptorsDir(), l.ExportsDir()} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// CAKeyPath returns the path of the CA private key.
func (l *Layout) CAKeyPath() string { return filepath.Join(l.Dir, caKeyFile) }

// CACertPath returns the path of the CA certificate.
func (l *Layout) CACertPath() string { return filepath.Join(l.Dir, caCertFile) }

// DBPath returns the path of the request store.
func (l *Layout) DBPath() string { return filepath.Join(l.Dir, dbFile) }

// SocketPath returns the path of the control endpoint.
func (l *Layout) SocketPath() string { return filepath.Join(l.Dir, socketFile) }

// PortPath returns the path of the proxy port file.
func (l *Layout) PortPath() string { return filepath.Join(l.Dir, portFile) }

// PIDPath returns the path of the daemon PID file.
func (l *Layout) PIDPath() string { return filepath.Join(l.Dir, pidFile) }

// PreferredPortPath returns the path of the preferred-port file.
func (l *Layout) PreferredPortPath() string { return filepath.Join(l.Dir, preferredPortFile) }

// InterceptorsDir returns the directory holding interceptor plugins.
func (l *Layout) InterceptorsDir() string { return filepath.Join(l.Dir, interceptorsDir) }

// ExportsDir returns the directory external viewers save body dumps to.
func (l *Layout) ExportsDir() string { return filepath.Join(l.Dir, exportsDir) }

// LogPath returns the path of the daemon log file.
func (l *Layout) LogPath() string { return filepath.Join(l.Dir, logFile) }

// ConfigPath returns the path of the configuration file.
func (l *Layout) ConfigPath() string { return filepath.Join(l.Dir, configFile) }
