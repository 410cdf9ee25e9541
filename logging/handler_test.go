package logging_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-wblink/logging"
)

func newBuffered(t *testing.T, spec string, format logging.Format) (*slog.Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	logger, err := logging.New(logging.Options{CLISpec: spec, Format: format, Output: &buf})
	require.NoError(t, err)
	return logger, &buf
}

func TestFilteringHandlerComponents(t *testing.T) {
	logger, buf := newBuffered(t, "warn,link=debug,fec=trace", logging.FormatText)

	tests := []struct {
		name      string
		component string
		level     logging.Level
		logged    bool
	}{
		{"root debug filtered", "", logging.LevelDebug, false},
		{"root warn logged", "", logging.LevelWarn, true},
		{"link debug logged", "link", logging.LevelDebug, true},
		{"link trace filtered", "link", logging.LevelTrace, false},
		{"fec trace logged", "fec", logging.LevelTrace, true},
		{"unknown component falls back", "takeover", logging.LevelInfo, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := logger
			if tt.component != "" {
				l = l.With("component", tt.component)
			}
			buf.Reset()
			l.Log(context.Background(), tt.level.ToSlog(), "message")
			assert.Equal(t, tt.logged, buf.Len() > 0)
		})
	}
}

func TestFilteringHandlerGroupKeepsComponent(t *testing.T) {
	logger, buf := newBuffered(t, "info,link=debug", logging.FormatText)
	logger.With("component", "link").WithGroup("card").Debug("grouped", "name", "wlan0")
	assert.Contains(t, buf.String(), "card.name=wlan0")
}

func TestOpIDAttribute(t *testing.T) {
	logger, buf := newBuffered(t, "info", logging.FormatJSON)
	ctx := logging.WithOpID(context.Background(), "op-123")

	logger.InfoContext(ctx, "handled")
	assert.Contains(t, buf.String(), `"op_id":"op-123"`)

	buf.Reset()
	logger.InfoContext(context.Background(), "plain")
	assert.NotContains(t, buf.String(), "op_id")

	id, ok := logging.OpID(ctx)
	assert.True(t, ok)
	assert.Equal(t, "op-123", id)
}

func TestNewPrecedence(t *testing.T) {
	tests := []struct {
		name string
		opts logging.Options
		want logging.Level
	}{
		{"cli over env", logging.Options{CLISpec: "error", EnvSpec: "debug", ConfigSpec: "info"}, logging.LevelError},
		{"env over config", logging.Options{EnvSpec: "debug", ConfigSpec: "warn"}, logging.LevelDebug},
		{"config", logging.Options{ConfigSpec: "warn"}, logging.LevelWarn},
		{"default info", logging.Options{}, logging.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.opts.Output = &buf
			logger, err := logging.New(tt.opts)
			require.NoError(t, err)

			logger.Log(context.Background(), tt.want.ToSlog(), "at level")
			assert.NotEmpty(t, buf.String())

			buf.Reset()
			logger.Log(context.Background(), (tt.want - 4).ToSlog(), "below level")
			assert.Empty(t, buf.String())
		})
	}
}

func TestNewRejectsInvalidSpec(t *testing.T) {
	_, err := logging.New(logging.Options{CLISpec: "loud"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log spec")
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]logging.Format{"": logging.FormatText, "TEXT": logging.FormatText, "json": logging.FormatJSON} {
		got, err := logging.ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := logging.ParseFormat("xml")
	assert.Error(t, err)
}

func TestJSONFormat(t *testing.T) {
	logger, buf := newBuffered(t, "info", logging.FormatJSON)
	logger.Info("test message", "key", "value")
	out := buf.String()
	assert.True(t, strings.HasPrefix(out, "{"))
	assert.Contains(t, out, `"msg":"test message"`)
	assert.Contains(t, out, `"key":"value"`)
}
