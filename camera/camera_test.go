package camera_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-wblink/camera"
)

func TestParseVideoFormat(t *testing.T) {
	tests := []struct {
		in     string
		want   camera.ResolutionFramerate
		wantOK bool
	}{
		{in: "1280x720@30", want: camera.ResolutionFramerate{Width: 1280, Height: 720, FPS: 30}, wantOK: true},
		{in: "1920x1080@60", want: camera.ResolutionFramerate{Width: 1920, Height: 1080, FPS: 60}, wantOK: true},
		{in: "0x0@0", want: camera.ResolutionFramerate{}, wantOK: true},
		{in: "bogus", wantOK: false},
		{in: "1x1@1", wantOK: false},
		{in: "", wantOK: false},
		{in: "640x480", wantOK: false},
		{in: "no format here", wantOK: false},
		{in: "mode=640x480@25;", want: camera.ResolutionFramerate{Width: 640, Height: 480, FPS: 25}, wantOK: true},
		{in: "640x@30 ", want: camera.ResolutionFramerate{Width: 640, FPS: 30}, wantOK: true},
		{in: "99999999999999999999x1@1", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := camera.ParseVideoFormat(tt.in)
			require.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSupportedResolutions(t *testing.T) {
	tests := []struct {
		family      camera.Family
		count       int
		wantDefault camera.ResolutionFramerate
	}{
		{camera.FamilyRPiHQIMX477, 4, camera.ResolutionFramerate{Width: 1920, Height: 1080, FPS: 30}},
		{camera.FamilyRPiV3IMX708, 4, camera.ResolutionFramerate{Width: 1920, Height: 1080, FPS: 30}},
		{camera.FamilyRPiV1OV5647, 2, camera.ResolutionFramerate{Width: 1920, Height: 1080, FPS: 30}},
		{camera.FamilyDummySW, 1, camera.ResolutionFramerate{Width: 640, Height: 480, FPS: 30}},
		{camera.FamilyExternalIP, 1, camera.ResolutionFramerate{Width: 640, Height: 480, FPS: 30}},
	}
	for _, tt := range tests {
		t.Run(tt.family.String(), func(t *testing.T) {
			res := tt.family.SupportedResolutions()
			assert.Len(t, res, tt.count)
			assert.Equal(t, tt.wantDefault, tt.family.DefaultResolution())
			for i := 1; i < len(res); i++ {
				assert.LessOrEqual(t, res[i-1].Width, res[i].Width, "ascending order")
			}
		})
	}
}

func TestFamily(t *testing.T) {
	assert.True(t, camera.FamilyRPiV2IMX219.RequiresLibcamera())
	assert.False(t, camera.FamilyExternal.RequiresLibcamera())
	assert.True(t, camera.FamilyDummySW.ValidPrimary())
	assert.False(t, camera.FamilyDisabled.ValidPrimary())
	assert.False(t, camera.Family(200).ValidPrimary())
	assert.Equal(t, "UNKNOWN (200)", camera.Family(200).String())

	f, err := camera.ParseFamily("RPIF_HQ_IMX477")
	require.NoError(t, err)
	assert.Equal(t, camera.FamilyRPiHQIMX477, f)
	_, err = camera.ParseFamily("nope")
	assert.Error(t, err)
}

func TestVerboseString(t *testing.T) {
	assert.Equal(t, "AUTO", camera.VerboseString(camera.ResolutionFramerate{}))
	assert.Equal(t, "HD 16:9\n30fps", camera.VerboseString(camera.ResolutionFramerate{Width: 1280, Height: 720, FPS: 30}))
	assert.Equal(t, "1024x768\n15fps", camera.VerboseString(camera.ResolutionFramerate{Width: 1024, Height: 768, FPS: 15}))
}

func TestStaticEnumerator(t *testing.T) {
	var e camera.Enumerator = camera.Static{{Family: camera.FamilyExternal, USBDevice: 2}}
	cams, err := e.Cameras()
	require.NoError(t, err)
	require.Len(t, cams, 1)
	assert.Equal(t, "/dev/video2", cams[0].V4L2Device())
	assert.Equal(t, "camera0(EXTERNAL)", cams[0].String())
}
