package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantBase   Level
		wantComps  map[string]Level
		errContain string
	}{
		{name: "empty is info", input: "", wantBase: LevelInfo},
		{name: "base only", input: "debug", wantBase: LevelDebug},
		{
			name:      "overrides",
			input:     "warn,link=debug,fec=trace",
			wantBase:  LevelWarn,
			wantComps: map[string]Level{"link": LevelDebug, "fec": LevelTrace},
		},
		{
			name:      "whitespace and empty parts",
			input:     "  info , link = debug ,, ",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"link": LevelDebug},
		},
		{
			name:      "override without base",
			input:     "keys=debug",
			wantBase:  LevelInfo,
			wantComps: map[string]Level{"keys": LevelDebug},
		},
		{name: "bad base", input: "loud", errContain: "unknown log level"},
		{name: "bad override", input: "info,link=loud", errContain: "invalid level for component"},
		{name: "base not first", input: "link=debug,info", errContain: "must be first"},
		{name: "empty component", input: "info,=debug", errContain: "empty component name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSpec(tt.input)
			if tt.errContain != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContain)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantBase, got.BaseLevel)
			if tt.wantComps == nil {
				assert.Empty(t, got.Components)
			} else {
				assert.Equal(t, tt.wantComps, got.Components)
			}
		})
	}
}

func TestSpecLevelForAndString(t *testing.T) {
	spec := Spec{
		BaseLevel:  LevelWarn,
		Components: map[string]Level{"link": LevelDebug, "fec": LevelTrace},
	}
	assert.Equal(t, LevelDebug, spec.LevelFor("link"))
	assert.Equal(t, LevelTrace, spec.LevelFor("fec"))
	assert.Equal(t, LevelWarn, spec.LevelFor("takeover"))
	assert.Equal(t, LevelWarn, spec.LevelFor(""))

	assert.Equal(t, "warn,fec=trace,link=debug", spec.String())
	again, err := ParseSpec(spec.String())
	require.NoError(t, err)
	assert.Equal(t, spec, again)
}
