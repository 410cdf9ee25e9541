package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/config"
	"github.com/frobware/go-wblink/control"
	"github.com/frobware/go-wblink/stats/sqlite"
)

func TestLinkFlagsApply(t *testing.T) {
	tests := []struct {
		name     string
		flags    LinkFlags
		fallback wblink.Role
		check    func(t *testing.T, cfg config.Config)
	}{
		{
			name:  "zero flags keep config",
			flags: LinkFlags{MCS: -1},
			check: func(t *testing.T, cfg config.Config) {
				def := config.DefaultConfig()
				assert.Equal(t, def, cfg)
			},
		},
		{
			name:     "fallback role",
			flags:    LinkFlags{MCS: -1},
			fallback: wblink.RoleGround,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "ground", cfg.Link.Role)
			},
		},
		{
			name:     "explicit role beats fallback",
			flags:    LinkFlags{MCS: -1, Air: true},
			fallback: wblink.RoleGround,
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, "air", cfg.Link.Role)
			},
		},
		{
			name: "radio overrides",
			flags: LinkFlags{
				Freq: 5805, BW: 40, MCS: 0, Card: []string{"wlan1"}, UnitID: 7,
				Diversity: "first-arrival", KeyFile: "/tmp/k", BindPhrase: "pw",
				ControlSocket: "-", StatsDB: "/tmp/s.db",
			},
			check: func(t *testing.T, cfg config.Config) {
				assert.Equal(t, 5805, cfg.Link.FreqMHz)
				assert.Equal(t, 40, cfg.Link.BandwidthMHz)
				assert.Equal(t, 0, cfg.Link.MCS, "MCS 0 is a valid override")
				assert.Equal(t, []string{"wlan1"}, cfg.Link.Cards)
				assert.Equal(t, uint32(7), cfg.Link.UnitID)
				assert.Equal(t, "first-arrival", cfg.Link.Diversity)
				assert.Equal(t, "/tmp/k", cfg.Keys.KeypairFile)
				assert.Equal(t, "pw", cfg.Keys.BindPhrase)
				assert.Equal(t, runtimeDefault, cfg.Control.Socket)
				assert.Equal(t, "/tmp/s.db", cfg.Stats.DB)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultConfig()
			tt.flags.apply(&cfg, tt.fallback)
			tt.check(t, cfg)
		})
	}
}

func TestParseFormats(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, parseFormats(&buf, []string{"1280x720@30"}))
	assert.Contains(t, buf.String(), "1280x720@30\t")

	buf.Reset()
	err := parseFormats(&buf, []string{"1920x1080@60", "hd"})
	require.Error(t, err)
	assert.True(t, wblink.IsConfig(err))
	assert.Contains(t, buf.String(), "hd\tinvalid")
}

func TestCopyPackets(t *testing.T) {
	ch := make(chan []byte, 3)
	ch <- []byte("ab")
	ch <- []byte("cd")
	close(ch)
	var buf bytes.Buffer
	require.NoError(t, copyPackets(context.Background(), ch, &buf))
	assert.Equal(t, "abcd", buf.String())
}

func TestFirstBytes(t *testing.T) {
	assert.Equal(t, "", firstBytes(nil))
	assert.Equal(t, "0 ff 10", firstBytes([]byte{0x00, 0xff, 0x10}))
	assert.Equal(t, "1 2 3 4 5 6 7 8", firstBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8, 9}))
}

// TestEmulatedSession runs a full session against the in-process peer:
// payloads cross the medium, the control socket adjusts the radio and
// shutdown leaves a finished run in the stats database.
func TestEmulatedSession(t *testing.T) {
	// Unix socket paths are length limited, so avoid the long test
	// temp dir names.
	dir, err := os.MkdirTemp("", "wbl")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	c := &CLI{
		Config:     filepath.Join(dir, "missing.toml"),
		Log:        "error",
		RuntimeDir: filepath.Join(dir, "run"),
	}
	socket := filepath.Join(dir, "ctl.sock")
	db := filepath.Join(dir, "stats.db")
	flags := LinkFlags{Emulate: true, MCS: -1, ControlSocket: socket, StatsDB: db}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s, err := c.startLink(ctx, flags, wblink.RoleAir)
	require.NoError(t, err)
	require.NotNil(t, s.Engine)
	require.NotNil(t, s.Peer())
	assert.Equal(t, wblink.RoleAir, s.Engine.Role())
	assert.Equal(t, wblink.RoleGround, s.Peer().Role())

	rx := s.Peer().Receiver(wblink.PortVideoPrimary)
	require.Eventually(t, func() bool {
		_ = s.Engine.Inject(wblink.PortVideoPrimary, []byte("frame"), s.Engine.Radiotap().Snapshot(), false)
		select {
		case p := <-rx.C():
			return string(p) == "frame"
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond, "peer never received a payload")

	client, err := control.Dial(socket)
	require.NoError(t, err)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer callCancel()
	p, err := client.GetRadiotap(callCtx)
	require.NoError(t, err)
	assert.Equal(t, 3, p.MCSIndex)

	p, err = client.SetRadiotap(callCtx, map[string]any{control.FieldMCS: int64(5)})
	require.NoError(t, err)
	assert.Equal(t, 5, p.MCSIndex)
	assert.Equal(t, 5, s.Engine.Radiotap().Get().MCSIndex)

	_, err = client.SetRadiotap(callCtx, map[string]any{control.FieldMCS: int64(40)})
	assert.Error(t, err, "out of range MCS is rejected")
	assert.Equal(t, 5, s.Engine.Radiotap().Get().MCSIndex)

	require.NoError(t, s.Close(context.Background(), "test done"))

	afterCtx, afterCancel := context.WithTimeout(context.Background(), time.Second)
	defer afterCancel()
	_, err = client.GetRadiotap(afterCtx)
	assert.Error(t, err, "control socket is closed with the session")

	rec, err := sqlite.New(context.Background(), db, s.Logger)
	require.NoError(t, err)
	defer rec.Close()
	runs, err := rec.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, s.Engine.ID(), runs[0].InstanceID)
	assert.Equal(t, "air", runs[0].Role)
	assert.False(t, runs[0].StoppedAt.IsZero())
}
