package multicast

import (
	"net"

	"golang.org/x/sys/unix"
)

// receiveBufferSize reads back SO_RCVBUF so we can log what the kernel
// actually granted (it silently caps at net.core.rmem_max).
func receiveBufferSize(conn *net.UDPConn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return 0, err
	}

	var size int
	var serr error
	if err := raw.Control(func(fd uintptr) {
		size, serr = unix.GetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF)
	}); err != nil {
		return 0, err
	}
	return size, serr
}
