// Package camera describes the cameras a video producer can feed into
// the link. The link core never consumes these types; they exist for
// the stream layers and tools built on top of it.
package camera

import (
	"fmt"
	"regexp"
	"strconv"
)

// Family is a closed set of camera kinds. Each family carries its own
// resolution table.
type Family uint8

const (
	// FamilyDummySW is a software test pattern.
	FamilyDummySW Family = iota
	// FamilyExternal is a stream supplied by another process.
	FamilyExternal
	// FamilyExternalIP is an external stream received over IP.
	FamilyExternalIP
	FamilyRPiV1OV5647
	FamilyRPiV2IMX219
	FamilyRPiV3IMX708
	FamilyRPiHQIMX477
	// FamilyDisabled is only valid for a secondary camera.
	FamilyDisabled
)

var familyNames = map[Family]string{
	FamilyDummySW:     "DUMMY_SW",
	FamilyExternal:    "EXTERNAL",
	FamilyExternalIP:  "EXTERNAL_IP",
	FamilyRPiV1OV5647: "RPIF_V1_OV5647",
	FamilyRPiV2IMX219: "RPIF_V2_IMX219",
	FamilyRPiV3IMX708: "RPIF_V3_IMX708",
	FamilyRPiHQIMX477: "RPIF_HQ_IMX477",
	FamilyDisabled:    "DISABLED",
}

func (f Family) String() string {
	if s, ok := familyNames[f]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN (%d)", uint8(f))
}

// ParseFamily maps a name produced by String back to a Family.
func ParseFamily(s string) (Family, error) {
	for f, name := range familyNames {
		if name == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown camera family %q", s)
}

// RequiresLibcamera reports whether the family is a Raspberry Pi CSI
// sensor driven through libcamera.
func (f Family) RequiresLibcamera() bool {
	switch f {
	case FamilyRPiV1OV5647, FamilyRPiV2IMX219, FamilyRPiV3IMX708, FamilyRPiHQIMX477:
		return true
	}
	return false
}

// ValidPrimary reports whether f may be used as the primary camera.
func (f Family) ValidPrimary() bool {
	_, known := familyNames[f]
	return known && f != FamilyDisabled
}

// ResolutionFramerate is a video mode. The zero value means "let the
// pipeline choose".
type ResolutionFramerate struct {
	Width  int
	Height int
	FPS    int
}

func (r ResolutionFramerate) String() string {
	return fmt.Sprintf("%dx%d@%d", r.Width, r.Height, r.FPS)
}

// IsAuto reports whether r is the 0x0@0 sentinel.
func (r ResolutionFramerate) IsAuto() bool { return r == ResolutionFramerate{} }

var resolutions = map[Family][]ResolutionFramerate{
	FamilyRPiHQIMX477: {{640, 480, 50}, {896, 504, 50}, {1280, 720, 50}, {1920, 1080, 30}},
	FamilyRPiV2IMX219: {{640, 480, 47}, {896, 504, 47}, {1280, 720, 47}, {1920, 1080, 30}},
	FamilyRPiV3IMX708: {{640, 480, 60}, {896, 504, 60}, {1280, 720, 60}, {1920, 1080, 30}},
	FamilyRPiV1OV5647: {{1280, 720, 30}, {1920, 1080, 30}},
}

// SupportedResolutions lists known modes in ascending order. It always
// returns at least one mode.
func (f Family) SupportedResolutions() []ResolutionFramerate {
	if r, ok := resolutions[f]; ok {
		return append([]ResolutionFramerate(nil), r...)
	}
	return []ResolutionFramerate{{640, 480, 30}}
}

// DefaultResolution is the highest supported mode.
func (f Family) DefaultResolution() ResolutionFramerate {
	r := f.SupportedResolutions()
	return r[len(r)-1]
}

// Camera is one discovered camera.
type Camera struct {
	Family Family
	// Index is 0 for the primary camera and 1 for the secondary.
	Index int
	// USBDevice is the V4L2 device number; only meaningful for USB
	// cameras.
	USBDevice int
}

// V4L2Device returns the device node of a USB camera.
func (c Camera) V4L2Device() string {
	return fmt.Sprintf("/dev/video%d", c.USBDevice)
}

func (c Camera) String() string {
	return fmt.Sprintf("camera%d(%s)", c.Index, c.Family)
}

// Enumerator discovers the cameras attached to the system.
type Enumerator interface {
	Cameras() ([]Camera, error)
}

// Static is an Enumerator returning a fixed list.
type Static []Camera

// Cameras implements Enumerator.
func (s Static) Cameras() ([]Camera, error) {
	return append([]Camera(nil), s...), nil
}

var videoFormatRE = regexp.MustCompile(`(\d*)x(\d*)@(\d*)`)

// ParseVideoFormat parses "{width}x{height}@{fps}", for example
// "1280x720@30". The literal "0x0@0" yields the auto sentinel; any
// other input of five characters or fewer is rejected. Empty numeric
// fields parse as zero.
func ParseVideoFormat(s string) (ResolutionFramerate, bool) {
	if s == "0x0@0" {
		return ResolutionFramerate{}, true
	}
	if len(s) <= 5 {
		return ResolutionFramerate{}, false
	}
	m := videoFormatRE.FindStringSubmatch(s)
	if m == nil {
		return ResolutionFramerate{}, false
	}
	var vals [3]int
	for i, field := range m[1:] {
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(field)
		if err != nil {
			return ResolutionFramerate{}, false
		}
		vals[i] = n
	}
	return ResolutionFramerate{Width: vals[0], Height: vals[1], FPS: vals[2]}, true
}

var verboseNames = map[[2]int]string{
	{640, 480}:   "VGA 4:3",
	{848, 480}:   "VGA 16:9",
	{896, 504}:   "SD 16:9",
	{1280, 720}:  "HD 16:9",
	{1920, 1080}: "FHD 16:9",
	{2560, 1440}: "2K 16:9",
}

// VerboseString renders r for display, e.g. "HD 16:9\n30fps".
func VerboseString(r ResolutionFramerate) string {
	if r.IsAuto() {
		return "AUTO"
	}
	name, ok := verboseNames[[2]int{r.Width, r.Height}]
	if !ok {
		name = fmt.Sprintf("%dx%d", r.Width, r.Height)
	}
	return fmt.Sprintf("%s\n%dfps", name, r.FPS)
}
