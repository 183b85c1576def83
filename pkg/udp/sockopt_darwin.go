//go:build darwin

package udp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// SO_BINDTODEVICE на macOS нет, привязка делается через адрес интерфейса
func applySocketOptions(fd uintptr, config Config) error {
	s := int(fd)
	if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_RCVBUF, config.SocketBuffer); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", config.SocketBuffer, err)
	}
	if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_SNDBUF, config.SocketBuffer); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", config.SocketBuffer, err)
	}
	if config.ReusePort {
		if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
			return fmt.Errorf("SO_REUSEADDR: %w", err)
		}
		_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	}
	if config.DSCP > 0 {
		_ = unix.SetsockoptInt(s, unix.IPPROTO_IP, unix.IP_TOS, config.DSCP<<2)
		_ = unix.SetsockoptInt(s, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, config.DSCP<<2)
	}
	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
	return nil
}
