//go:build !linux

package dataplane

import "errors"

// Raw AF_PACKET ports are only available on Linux hosts; other systems fall
// back to the libpcap backend.
func newRawPort(ifaceName string, device, port int, cfg *Config) (Port, error) {
	return nil, errors.New("raw packet sockets are supported on linux only")
}
