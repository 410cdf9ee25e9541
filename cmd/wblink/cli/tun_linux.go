package cli

import (
	"fmt"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// openTun creates or attaches to the TUN device name, sets its MTU,
// optionally assigns cidr, and brings it up.
func openTun(name, cidr string, mtu int) (tunDevice, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("create TUN %s: %w", name, err)
	}
	l, err := netlink.LinkByName(iface.Name())
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("find TUN %s: %w", iface.Name(), err)
	}
	if err := netlink.LinkSetMTU(l, mtu); err != nil {
		iface.Close()
		return nil, fmt.Errorf("set TUN mtu: %w", err)
	}
	if cidr != "" {
		addr, err := netlink.ParseAddr(cidr)
		if err != nil {
			iface.Close()
			return nil, fmt.Errorf("parse TUN address: %w", err)
		}
		if err := netlink.AddrReplace(l, addr); err != nil {
			iface.Close()
			return nil, fmt.Errorf("assign TUN address: %w", err)
		}
	}
	if err := netlink.LinkSetUp(l); err != nil {
		iface.Close()
		return nil, fmt.Errorf("bring TUN up: %w", err)
	}
	return iface, nil
}
