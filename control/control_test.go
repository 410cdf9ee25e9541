package control_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/frobware/go-wblink/control"
	"github.com/frobware/go-wblink/lifecycle"
	"github.com/frobware/go-wblink/link"
	"github.com/frobware/go-wblink/radiotap"
)

type fakeLink struct {
	holder   *radiotap.Holder
	rotated  int
	stats    link.Stats
	rotateFn func() error
}

func (f *fakeLink) Radiotap() *radiotap.Holder { return f.holder }
func (f *fakeLink) Stats() link.Stats          { return f.stats }
func (f *fakeLink) Rotate() error {
	f.rotated++
	if f.rotateFn != nil {
		return f.rotateFn()
	}
	return nil
}

func newFakeLink(t *testing.T) *fakeLink {
	t.Helper()
	h, err := radiotap.NewHolder(radiotap.DefaultParams(), radiotap.Capabilities{MaxMCS: 7})
	require.NoError(t, err)
	return &fakeLink{
		holder: h,
		stats: link.Stats{
			InstanceID: "abc",
			Role:       "air",
			Cards:      []link.CardStats{{Name: "wlan0", Packets: 12, RSSI: -55}},
		},
	}
}

// startServer serves on an in-memory listener and returns a client.
func startServer(t *testing.T, b control.Backend) (*control.Client, *lifecycle.Callables) {
	t.Helper()
	callables := lifecycle.NewCallables()
	srv := control.NewServer(b, callables, slog.New(slog.NewTextHandler(io.Discard, nil)))

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.ServeListener(ctx, lis)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	c, err := control.Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, callables
}

func TestRadiotapGetSet(t *testing.T) {
	fl := newFakeLink(t)
	c, _ := startServer(t, fl)
	ctx := context.Background()

	p, err := c.GetRadiotap(ctx)
	require.NoError(t, err)
	assert.Equal(t, radiotap.DefaultParams(), p)

	p, err = c.SetRadiotap(ctx, map[string]any{control.FieldMCS: 5, control.FieldShortGI: true})
	require.NoError(t, err)
	assert.Equal(t, 5, p.MCSIndex)
	assert.True(t, p.ShortGuardInterval)
	assert.Equal(t, 20, p.ChannelWidthMHz, "absent fields unchanged")
	assert.Equal(t, p, fl.holder.Get())
}

func TestSetRadiotapRejects(t *testing.T) {
	fl := newFakeLink(t)
	c, _ := startServer(t, fl)
	ctx := context.Background()

	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"out of range", map[string]any{control.FieldMCS: 12}},
		{"not an integer", map[string]any{control.FieldMCS: 2.5}},
		{"wrong type", map[string]any{control.FieldSTBC: "yes"}},
		{"unknown field", map[string]any{"power": 20}},
		{"unsupported ldpc", map[string]any{control.FieldLDPC: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.SetRadiotap(ctx, tt.fields)
			assert.Equal(t, codes.InvalidArgument, status.Code(err))
			assert.Equal(t, radiotap.DefaultParams(), fl.holder.Get(), "previous value retained")
		})
	}
}

func TestStatsAndRotate(t *testing.T) {
	fl := newFakeLink(t)
	c, _ := startServer(t, fl)
	ctx := context.Background()

	s, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", s["instance_id"])
	cards := s["cards"].([]any)
	require.Len(t, cards, 1)
	card := cards[0].(map[string]any)
	assert.Equal(t, "wlan0", card["name"])
	assert.Equal(t, float64(12), card["packets"])
	assert.Equal(t, float64(-55), card["rssi"])

	require.NoError(t, c.RotateKey(ctx))
	assert.Equal(t, 1, fl.rotated)
}

func TestDisabledCallables(t *testing.T) {
	c, callables := startServer(t, newFakeLink(t))
	callables.DisableAll()
	_, err := c.GetRadiotap(context.Background())
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestNoLink(t *testing.T) {
	c, _ := startServer(t, nil)
	_, err := c.Stats(context.Background())
	assert.Equal(t, codes.FailedPrecondition, status.Code(err))
}
