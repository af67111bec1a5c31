package netutil

import (
	"net"

	"github.com/pkg/errors"
)

// GetAvailablePortForAddress asks the OS for a free TCP port on address. The
// port is released before returning, so callers race anyone else binding.
func GetAvailablePortForAddress(address string) (int32, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(address, "0"))
	if err != nil {
		return 0, errors.Wrapf(err, "error listening on %s", address)
	}
	defer lis.Close()

	addr, ok := lis.Addr().(*net.TCPAddr)
	if !ok {
		return 0, errors.Errorf("unexpected listener address %T", lis.Addr())
	}
	return int32(addr.Port), nil
}
