package card

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/frobware/go-wblink"
)

// Selection narrows discovery.
type Selection struct {
	// Names, when set, selects exactly these interfaces in order.
	Names []string
	// HotspotName names a card to keep out of monitor mode for a local
	// access point.
	HotspotName string
	// AllowUnknown accepts wireless interfaces whose driver is not
	// recognised.
	AllowUnknown bool
}

// Discovered is the result of a discovery pass.
type Discovered struct {
	Cards   []wblink.WifiCard
	Hotspot *wblink.WifiCard
}

// Discoverer finds wireless interfaces through the link list and
// sysfs.
type Discoverer struct {
	// SysfsRoot defaults to /sys.
	SysfsRoot string
	// ListLinks returns interface names; defaults to netlink.
	ListLinks func() ([]string, error)

	logger *slog.Logger
}

// NewDiscoverer returns a Discoverer for the running system.
func NewDiscoverer(logger *slog.Logger) *Discoverer {
	return &Discoverer{
		SysfsRoot: "/sys",
		ListLinks: listLinks,
		logger:    logger.With("component", "discovery"),
	}
}

// ErrNoCards is returned when no usable card was found.
var ErrNoCards = errors.New("no monitor-mode capable card found")

// Discover returns the wireless cards matching sel. Interfaces without
// a phy80211 entry are not wireless and are ignored.
func (d *Discoverer) Discover(sel Selection) (Discovered, error) {
	names, err := d.ListLinks()
	if err != nil {
		return Discovered{}, fmt.Errorf("list links: %w", err)
	}
	slices.Sort(names)

	var out Discovered
	for _, name := range names {
		if !d.isWireless(name) {
			continue
		}
		driver := d.driver(name)
		c := wblink.WifiCard{DeviceName: name, Type: wblink.ParseCardType(driver)}

		if name == sel.HotspotName {
			hc := c
			out.Hotspot = &hc
			continue
		}
		if len(sel.Names) > 0 && !slices.Contains(sel.Names, name) {
			continue
		}
		if c.Type == wblink.CardTypeUnknown && !sel.AllowUnknown && len(sel.Names) == 0 {
			d.logger.Info("skipping card with unsupported driver", "card", name, "driver", driver)
			continue
		}
		d.logger.Debug("found card", "card", name, "driver", driver, "type", c.Type)
		out.Cards = append(out.Cards, c)
	}

	if len(sel.Names) > 0 {
		ordered := make([]wblink.WifiCard, 0, len(sel.Names))
		for _, want := range sel.Names {
			i := slices.IndexFunc(out.Cards, func(c wblink.WifiCard) bool { return c.DeviceName == want })
			if i < 0 {
				return Discovered{}, &wblink.ConfigError{Field: "card", Value: want, Reason: "not a wireless interface"}
			}
			ordered = append(ordered, out.Cards[i])
		}
		out.Cards = ordered
	}
	if len(out.Cards) == 0 {
		return out, ErrNoCards
	}
	return out, nil
}

func (d *Discoverer) netDir(name string) string {
	return filepath.Join(d.SysfsRoot, "class", "net", name)
}

func (d *Discoverer) isWireless(name string) bool {
	_, err := os.Stat(filepath.Join(d.netDir(name), "phy80211"))
	return err == nil
}

// driver reads DRIVER= from the device uevent file.
func (d *Discoverer) driver(name string) string {
	b, err := os.ReadFile(filepath.Join(d.netDir(name), "device", "uevent"))
	if err != nil {
		return ""
	}
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		if v, ok := strings.CutPrefix(sc.Text(), "DRIVER="); ok {
			return v
		}
	}
	return ""
}

// arphrdRadiotap is the link type of an interface in monitor mode.
const arphrdRadiotap = "803"

// InMonitorMode reports whether the interface currently captures with
// radiotap headers.
func (d *Discoverer) InMonitorMode(name string) bool {
	b, err := os.ReadFile(filepath.Join(d.netDir(name), "type"))
	return err == nil && strings.TrimSpace(string(b)) == arphrdRadiotap
}
