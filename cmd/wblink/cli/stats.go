package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/frobware/go-wblink/stats/sqlite"
)

// StatsCmd reads the link-stats database written by --stats-db.
type StatsCmd struct {
	DB string `name:"db" help:"Stats database (default from config, then the runtime directory)."`

	Runs StatsRunsCmd `cmd:"" help:"List recorded runs."`
	Show StatsShowCmd `cmd:"" help:"Show the latest sample of a run."`
}

func (c *StatsCmd) open(cli *CLI) (*sqlite.Recorder, error) {
	path := c.DB
	if path == "" {
		cfg, err := cli.LoadConfig()
		if err != nil {
			return nil, err
		}
		path = cfg.Stats.DB
	}
	if path == "" || path == runtimeDefault {
		dirs, err := cli.RuntimeDirs()
		if err != nil {
			return nil, err
		}
		path = dirs.DBPath()
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("stats database: %w", err)
	}
	logger, err := cli.Logger()
	if err != nil {
		return nil, err
	}
	return sqlite.New(context.Background(), path, logger)
}

// StatsRunsCmd lists runs.
type StatsRunsCmd struct{}

// Run executes stats runs.
func (r *StatsRunsCmd) Run(cli *CLI, st *StatsCmd) error {
	rec, err := st.open(cli)
	if err != nil {
		return err
	}
	defer rec.Close()
	runs, err := rec.Runs(context.Background())
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN\tROLE\tCARDS\tSTARTED\tSTOPPED")
	for _, run := range runs {
		stopped := "-"
		if !run.StoppedAt.IsZero() {
			stopped = run.StoppedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", run.ID, run.Role, len(run.Cards), run.StartedAt.Local().Format(time.DateTime), stopped)
	}
	return w.Flush()
}

// StatsShowCmd prints the latest sample of a run as JSON.
type StatsShowCmd struct {
	RunID string `arg:"" name:"run" optional:"" help:"Run id (default: the most recent run)."`
}

// Run executes stats show.
func (s *StatsShowCmd) Run(cli *CLI, st *StatsCmd) error {
	rec, err := st.open(cli)
	if err != nil {
		return err
	}
	defer rec.Close()
	ctx := context.Background()
	id := s.RunID
	if id == "" {
		runs, err := rec.Runs(ctx)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			return fmt.Errorf("no runs recorded")
		}
		id = runs[len(runs)-1].ID
	}
	sample, at, err := rec.Latest(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(struct {
		Run   string    `json:"run"`
		Taken time.Time `json:"taken"`
		Stats any       `json:"stats"`
	}{id, at, sample})
}
