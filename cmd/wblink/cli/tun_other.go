//go:build !linux

package cli

import "errors"

func openTun(name, cidr string, mtu int) (tunDevice, error) {
	return nil, errors.New("TUN bridging requires linux")
}
