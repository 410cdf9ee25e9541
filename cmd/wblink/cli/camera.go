package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/camera"
)

// CameraCmd groups camera helpers.
type CameraCmd struct {
	Parse CameraParseCmd `cmd:"" help:"Parse a WIDTHxHEIGHT@FPS video format."`
	Modes CameraModesCmd `cmd:"" help:"List the video modes of a camera family."`
}

// CameraParseCmd parses video format strings.
type CameraParseCmd struct {
	Formats []string `arg:"" name:"format" help:"Video format, e.g. 1280x720@30."`
}

// Run executes camera parse.
func (c *CameraParseCmd) Run() error {
	return parseFormats(os.Stdout, c.Formats)
}

func parseFormats(w io.Writer, formats []string) error {
	var bad []string
	for _, s := range formats {
		r, ok := camera.ParseVideoFormat(s)
		if !ok {
			bad = append(bad, s)
			fmt.Fprintf(w, "%s\tinvalid\n", s)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", s, r, strings.ReplaceAll(camera.VerboseString(r), "\n", " "))
	}
	if len(bad) > 0 {
		return &wblink.ConfigError{Field: "video format", Value: strings.Join(bad, ","), Reason: "expected WIDTHxHEIGHT@FPS"}
	}
	return nil
}

// CameraModesCmd lists the modes of a family.
type CameraModesCmd struct {
	Family string `arg:"" help:"Camera family, e.g. RPIF_V2_IMX219."`
}

// Run executes camera modes.
func (c *CameraModesCmd) Run() error {
	f, err := camera.ParseFamily(c.Family)
	if err != nil {
		return &wblink.ConfigError{Field: "camera family", Value: c.Family, Reason: err.Error()}
	}
	def := f.DefaultResolution()
	for _, r := range f.SupportedResolutions() {
		mark := ""
		if r == def {
			mark = "\tdefault"
		}
		fmt.Fprintf(os.Stdout, "%s%s\n", r, mark)
	}
	return nil
}
