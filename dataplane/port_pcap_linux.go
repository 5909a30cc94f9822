//go:build linux

package dataplane

import "errors"

// Linux hosts use the raw AF_PACKET backend; the libpcap fallback is not
// compiled in so the engine carries no cgo dependency there.
func newLibpcapPort(ifaceName string, device, port int, cfg *Config) (Port, error) {
	return nil, errors.New("libpcap backend not built on linux")
}
