//go:build linux

package identity

import (
	"net"
	"syscall"
)

// peerUID reads SO_PEERCRED off the raw file descriptor, which the kernel
// populates from the credentials the peer process held at connect() time —
// a client cannot spoof it.
func peerUID(conn *net.UnixConn) (uint64, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var ucred *syscall.Ucred
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		ucred, sockErr = syscall.GetsockoptUcred(int(fd), syscall.SOL_SOCKET, syscall.SO_PEERCRED)
	})
	if err != nil {
		return 0, err
	}
	if sockErr != nil {
		return 0, sockErr
	}
	return uint64(ucred.Uid), nil
}
