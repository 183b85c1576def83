//go:build !linux && !darwin

package udp

func applySocketOptions(fd uintptr, config Config) error {
	return nil
}
