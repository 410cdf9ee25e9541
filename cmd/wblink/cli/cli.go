package cli

import (
	"log/slog"
	"os"
	"reflect"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/config"
	"github.com/frobware/go-wblink/logging"
)

// CLI is the root command structure for wblink.
type CLI struct {
	Config     string `name:"config" help:"Config file path." default:"${default_config_path}"`
	Log        string `name:"log" help:"Log spec (e.g., 'info,link=debug')." env:"WBLINK_LOG"`
	RuntimeDir string `name:"runtime-dir" help:"Base directory for locks, sockets and databases." default:"${default_runtime_dir}"`

	Tx        TxCmd        `cmd:"" help:"Transmit payloads on a radio port."`
	Rx        RxCmd        `cmd:"" help:"Receive payloads from a radio port."`
	Telemetry TelemetryCmd `cmd:"" help:"Bridge a serial port to the telemetry radio ports."`
	Keygen    KeygenCmd    `cmd:"" help:"Write the link keypair file."`
	Ctl       CtlCmd       `cmd:"" help:"Query or adjust a running link."`
	Stats     StatsCmd     `cmd:"" help:"Inspect recorded link statistics."`
	Camera    CameraCmd    `cmd:"" help:"Camera format helpers."`
}

// KongOptions returns the Kong configuration options for the CLI.
func KongOptions() []kong.Option {
	return []kong.Option{
		kong.Name("wblink"),
		kong.Description("Broadcast link over monitor-mode WiFi cards."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.TypeMapper(reflect.TypeOf(KeyValue{}), keyValueMapper()),
		kong.TypeMapper(reflect.TypeOf(wblink.RadioPort(0)), portMapper()),
		kong.Vars{
			"default_config_path": config.DefaultConfigPath,
			"default_runtime_dir": config.DefaultRuntimeDirs().Base(),
		},
	}
}

// LoadConfig loads the configuration from the config file path.
func (c *CLI) LoadConfig() (config.Config, error) {
	return config.Load(c.Config)
}

// RuntimeDirs returns the runtime directory layout under --runtime-dir.
func (c *CLI) RuntimeDirs() (config.RuntimeDirs, error) {
	return config.NewRuntimeDirs(c.RuntimeDir)
}

// Logger creates a logger for short-lived commands. They default to
// warn unless --log is given.
func (c *CLI) Logger() (*slog.Logger, error) {
	cfg, err := c.LoadConfig()
	if err != nil {
		return nil, err
	}
	spec := c.Log
	if spec == "" {
		spec = "warn"
	}
	return c.newLogger(cfg, spec)
}

// LoggerFromConfig creates a logger for the link commands, using the
// config file level unless --log or WBLINK_LOG overrides it. Output
// goes to stderr because stdout may carry payloads.
func (c *CLI) LoggerFromConfig(cfg config.Config) (*slog.Logger, error) {
	return c.newLogger(cfg, c.Log)
}

func (c *CLI) newLogger(cfg config.Config, spec string) (*slog.Logger, error) {
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(logging.Options{
		CLISpec:    spec,
		ConfigSpec: cfg.Logging.ToSpec(),
		Format:     format,
		Output:     os.Stderr,
	})
}
