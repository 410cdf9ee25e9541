// Package config loads wblink configuration.
//
// Configuration is layered:
//
//  1. Built-in defaults embedded from default.toml
//  2. The configuration file, if present
//  3. Command line flags and environment, applied by the CLI
//
// The TOML decoder only sets keys present in the file, so every
// unspecified key keeps its default. A file that exists but does not
// parse is an error, never a silent fallback.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/fec"
	"github.com/frobware/go-wblink/link"
	"github.com/frobware/go-wblink/radiotap"
)

//go:embed default.toml
var defaultConfigTOML string

// DefaultConfigPath is read when no path is given.
const DefaultConfigPath = "/etc/wblink/wblink.toml"

// Duration is a time.Duration written as a Go duration string.
type Duration time.Duration

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the whole configuration.
type Config struct {
	Logging LoggingConfig `toml:"logging"`
	Link    LinkConfig    `toml:"link"`
	FEC     FECConfig     `toml:"fec"`
	Keys    KeysConfig    `toml:"keys"`
	Control ControlConfig `toml:"control"`
	Stats   StatsConfig   `toml:"stats"`
}

// LoggingConfig holds the log spec and format.
type LoggingConfig struct {
	// Level is a log spec, e.g. "info,link=debug".
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// Components is an alternative to overrides in Level.
	Components map[string]string `toml:"components"`
}

// ToSpec renders the logging section as a log spec.
func (c *LoggingConfig) ToSpec() string {
	parts := []string{}
	if c.Level != "" {
		parts = append(parts, c.Level)
	} else if len(c.Components) > 0 {
		parts = append(parts, "info")
	}
	for _, comp := range slices.Sorted(maps.Keys(c.Components)) {
		parts = append(parts, comp+"="+c.Components[comp])
	}
	return strings.Join(parts, ",")
}

// LinkConfig selects the radio and link engine behaviour.
type LinkConfig struct {
	Role   string `toml:"role"`
	UnitID uint32 `toml:"unit_id"`
	// Cards names the cards to use; empty means every supported card.
	Cards        []string `toml:"cards"`
	FreqMHz      int      `toml:"freq_mhz"`
	BandwidthMHz int      `toml:"bandwidth_mhz"`
	MCS          int      `toml:"mcs"`
	ShortGI      bool     `toml:"short_gi"`
	STBC         bool     `toml:"stbc"`
	LDPC         bool     `toml:"ldpc"`
	NoAck        bool     `toml:"no_ack"`

	SessionKeyInterval   Duration `toml:"session_key_interval"`
	MaxSaneInjectionTime Duration `toml:"max_sane_injection_time"`
	Diversity            string   `toml:"diversity"`
	DiversityWindow      Duration `toml:"diversity_window"`
	KernelFilter         bool     `toml:"kernel_filter"`
	QdiscBypass          bool     `toml:"qdisc_bypass"`
	TxWithoutPcap        bool     `toml:"tx_without_pcap"`
	RotateInterval       Duration `toml:"rotate_interval"`
	DebugRSSI            int      `toml:"debug_rssi"`
}

// FECConfig tunes the block stream codec.
type FECConfig struct {
	OverheadPercent    int      `toml:"overhead_percent"`
	BlockQueueDepth    int      `toml:"block_queue_depth"`
	MaxFragmentPayload int      `toml:"max_fragment_payload"`
	MaxBlockAge        Duration `toml:"max_block_age"`
	MaxPendingBlocks   int      `toml:"max_pending_blocks"`
}

// KeysConfig locates the long-term keypair.
type KeysConfig struct {
	KeypairFile string `toml:"keypair_file"`
	BindPhrase  string `toml:"bind_phrase"`
}

// ControlConfig configures the gRPC control socket. An empty Socket
// disables the control server.
type ControlConfig struct {
	Socket string `toml:"socket"`
}

// StatsConfig configures the link statistics recorder. An empty DB
// disables recording.
type StatsConfig struct {
	DB       string   `toml:"db"`
	Interval Duration `toml:"interval"`
}

// DefaultConfig decodes the embedded defaults.
func DefaultConfig() Config {
	var cfg Config
	if _, err := toml.Decode(defaultConfigTOML, &cfg); err != nil {
		panic(fmt.Sprintf("embedded default.toml: %v", err))
	}
	return cfg
}

// Load overlays the file at path onto the defaults. A missing file
// yields the defaults. An empty path reads DefaultConfigPath.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config file: %w", err)
	}
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("config file %s: unknown keys %v", path, undecoded)
	}
	return cfg, nil
}

// Validate checks values that cannot be checked by decoding alone.
func (c *Config) Validate() error {
	if _, err := wblink.ParseRole(c.Link.Role); err != nil {
		return err
	}
	if _, err := link.ParseDiversityPolicy(c.Link.Diversity); err != nil {
		return err
	}
	if c.Link.FreqMHz <= 0 {
		return &wblink.ConfigError{Field: "link.freq_mhz", Value: c.Link.FreqMHz, Reason: "must be positive"}
	}
	if c.Link.UnitID > 0xffffff {
		return &wblink.ConfigError{Field: "link.unit_id", Value: c.Link.UnitID, Reason: "must fit in 24 bits"}
	}
	if err := (radiotap.Capabilities{MaxMCS: 31, LDPC: true, STBC: true}).Validate(c.Link.RadiotapParams()); err != nil {
		return err
	}
	if c.FEC.OverheadPercent < 0 {
		return &wblink.ConfigError{Field: "fec.overhead_percent", Value: c.FEC.OverheadPercent, Reason: "must not be negative"}
	}
	return nil
}

// RadiotapParams returns the transmit parameters of the link section.
func (c LinkConfig) RadiotapParams() radiotap.Params {
	return radiotap.Params{
		ChannelWidthMHz:    c.BandwidthMHz,
		MCSIndex:           c.MCS,
		ShortGuardInterval: c.ShortGI,
		STBC:               c.STBC,
		LDPC:               c.LDPC,
		NoAck:              c.NoAck,
	}
}

// LinkOptions returns engine options for the link section. The
// section must have passed Validate.
func (c LinkConfig) LinkOptions() link.Options {
	role, _ := wblink.ParseRole(c.Role)
	diversity, _ := link.ParseDiversityPolicy(c.Diversity)
	opts := link.DefaultOptions()
	opts.UseGndIdentifier = role == wblink.RoleGround
	opts.UnitID = c.UnitID
	opts.SetTxSockQdiscBypass = c.QdiscBypass
	opts.TxWithoutPcap = c.TxWithoutPcap
	opts.KernelFilter = c.KernelFilter
	opts.SessionKeyPacketInterval = time.Duration(c.SessionKeyInterval)
	opts.MaxSaneInjectionTime = time.Duration(c.MaxSaneInjectionTime)
	opts.Diversity = diversity
	opts.DiversityWindow = time.Duration(c.DiversityWindow)
	opts.RotateInterval = time.Duration(c.RotateInterval)
	opts.DebugRSSI = c.DebugRSSI
	return opts
}

// Encoder returns the FEC encoder for the fec section.
func (c FECConfig) Encoder() fec.Encoder {
	return fec.Encoder{MaxFragmentPayload: c.MaxFragmentPayload, OverheadPercent: c.OverheadPercent}
}

// DecoderOptions returns the FEC decoder options for the fec section.
func (c FECConfig) DecoderOptions() fec.DecoderOptions {
	return fec.DecoderOptions{MaxBlockAge: time.Duration(c.MaxBlockAge), MaxPendingBlocks: c.MaxPendingBlocks}
}
