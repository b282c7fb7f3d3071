//go:build darwin

package identity

import (
	"net"

	"golang.org/x/sys/unix"
)

// peerUID reads the peer UID via getpeereid's BSD socket-option
// equivalent (LOCAL_PEERCRED); unlike Linux's SO_PEERCRED, no pid is
// available, which is fine since only the UID is part of the
// authorization contract.
func peerUID(conn *net.UnixConn) (uint64, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var uid uint64
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		var cred *unix.Xucred
		cred, sockErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if sockErr == nil {
			uid = uint64(cred.Uid)
		}
	})
	if err != nil {
		return 0, err
	}
	return uid, sockErr
}
