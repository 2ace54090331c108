//go:build !linux

package control

import (
	"net"
	"os"
)

// peerUID is best-effort off Linux: the socket sits in the owner-only
// project data directory, so filesystem permissions already restrict who
// can connect.
func peerUID(_ net.Conn) (int, error) {
	return os.Getuid(), nil
}
