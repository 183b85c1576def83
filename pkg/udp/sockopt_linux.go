//go:build linux

package udp

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// приоритет интерактивного трафика для SO_PRIORITY
const socketPriority = 6

func applySocketOptions(fd uintptr, config Config) error {
	s := int(fd)
	if err := setBuffers(s, config.SocketBuffer); err != nil {
		return err
	}
	if config.ReusePort {
		if err := unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
			return fmt.Errorf("SO_REUSEPORT: %w", err)
		}
	}
	if config.BindToDevice != "" {
		if err := unix.SetsockoptString(s, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, config.BindToDevice); err != nil {
			return fmt.Errorf("SO_BINDTODEVICE %s: %w", config.BindToDevice, err)
		}
	}
	if config.DSCP > 0 {
		setDSCP(s, config.DSCP)
	}
	// в контейнерах может быть запрещено
	_ = unix.SetsockoptInt(s, unix.SOL_SOCKET, unix.SO_PRIORITY, socketPriority)
	return nil
}

func setBuffers(fd, size int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size); err != nil {
		return fmt.Errorf("SO_RCVBUF (%d): %w", size, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size); err != nil {
		return fmt.Errorf("SO_SNDBUF (%d): %w", size, err)
	}
	return nil
}

// setDSCP DSCP в старших 6 битах TOS. Сокет может быть только IPv4 или
// только IPv6, ошибки одного из вызовов не важны.
func setDSCP(fd, dscp int) {
	tos := dscp << 2
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TOS, tos)
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_TCLASS, tos)
}
