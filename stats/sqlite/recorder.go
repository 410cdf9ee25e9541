// Package sqlite records link statistics to a SQLite database.
//
// A Recorder writes one run row per engine instance and then a sample
// row per interval, with child rows for every card and every radio
// port seen so far. Counters are stored as the engine reports them
// (monotonic since the engine started), so throughput and loss over a
// window are the difference between two samples of the same run.
//
// The database is opened in WAL mode so that readers such as
// `wblink stats show` do not block the recorder.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/frobware/go-wblink"
	"github.com/frobware/go-wblink/link"
	"github.com/frobware/go-wblink/logging"
)

//go:embed schema.sql
var schemaSQL string

// ErrNoSamples is returned by Latest when a run has no samples yet.
var ErrNoSamples = errors.New("no samples recorded")

// Source returns the statistics to record.
type Source func() link.Stats

// Run describes one recorded engine run.
type Run struct {
	ID         string
	InstanceID string
	Role       string
	Cards      []string
	StartedAt  time.Time
	StoppedAt  time.Time
}

// Recorder persists link.Stats samples.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
	runID  string

	stmtInsertRun        *sql.Stmt
	stmtStopRun          *sql.Stmt
	stmtInsertSample     *sql.Stmt
	stmtInsertCardSample *sql.Stmt
	stmtInsertPortSample *sql.Stmt
	stmtListRuns         *sql.Stmt
	stmtLatestSample     *sql.Stmt
	stmtCardSamples      *sql.Stmt
	stmtPortSamples      *sql.Stmt
}

// New opens or creates the database at dbPath.
func New(ctx context.Context, dbPath string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stats", "db", dbPath)

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := sql.Open(driverName, dsn(dbPath, [][2]string{{"journal_mode", "WAL"}, {"foreign_keys", "1"}, {"busy_timeout", "5000"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	r, err := open(ctx, db, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("opened database", "path", dbPath)
	return r, nil
}

// NewInMemory creates a recorder backed by an in-memory database.
func NewInMemory(ctx context.Context, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stats", "db", ":memory:")

	db, err := sql.Open(driverName, dsn(":memory:", [][2]string{{"foreign_keys", "1"}}))
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)
	return open(ctx, db, logger)
}

func open(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Recorder, error) {
	r := &Recorder{db: db, logger: logger}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	if err := r.prepareStatements(ctx); err != nil {
		r.closeStatements()
		db.Close()
		return nil, fmt.Errorf("failed to prepare statements: %w", err)
	}
	return r, nil
}

func (r *Recorder) prepareStatements(ctx context.Context) error {
	var err error

	const sqlInsertRun = `
		INSERT INTO runs (run_id, instance_id, role, cards, started_at)
		VALUES (?, ?, ?, ?, ?)`
	if r.stmtInsertRun, err = r.db.PrepareContext(ctx, sqlInsertRun); err != nil {
		return fmt.Errorf("prepare InsertRun: %w", err)
	}

	const sqlStopRun = "UPDATE runs SET stopped_at = ? WHERE run_id = ?"
	if r.stmtStopRun, err = r.db.PrepareContext(ctx, sqlStopRun); err != nil {
		return fmt.Errorf("prepare StopRun: %w", err)
	}

	const sqlInsertSample = `
		INSERT INTO samples
		(run_id, taken_at, key_state, merge_drops, app_drops, no_key_drops,
		 low_priority_drops, key_packets, key_changes, key_errors)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if r.stmtInsertSample, err = r.db.PrepareContext(ctx, sqlInsertSample); err != nil {
		return fmt.Errorf("prepare InsertSample: %w", err)
	}

	const sqlInsertCardSample = `
		INSERT INTO card_samples
		(sample_id, card, packets, bytes, delivered, auth_failures, duplicates,
		 replays, bad_fcs, read_errors, rssi, injected, inject_errors, slow_injection)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if r.stmtInsertCardSample, err = r.db.PrepareContext(ctx, sqlInsertCardSample); err != nil {
		return fmt.Errorf("prepare InsertCardSample: %w", err)
	}

	const sqlInsertPortSample = `
		INSERT INTO port_samples (sample_id, port, sent, delivered, lost)
		VALUES (?, ?, ?, ?, ?)`
	if r.stmtInsertPortSample, err = r.db.PrepareContext(ctx, sqlInsertPortSample); err != nil {
		return fmt.Errorf("prepare InsertPortSample: %w", err)
	}

	const sqlListRuns = `
		SELECT run_id, instance_id, role, cards, started_at, COALESCE(stopped_at, '')
		FROM runs ORDER BY started_at`
	if r.stmtListRuns, err = r.db.PrepareContext(ctx, sqlListRuns); err != nil {
		return fmt.Errorf("prepare ListRuns: %w", err)
	}

	const sqlLatestSample = `
		SELECT s.sample_id, s.taken_at, s.key_state, s.merge_drops, s.app_drops,
		       s.no_key_drops, s.low_priority_drops, s.key_packets, s.key_changes,
		       s.key_errors, r.instance_id, r.role
		FROM samples s JOIN runs r ON r.run_id = s.run_id
		WHERE s.run_id = ?
		ORDER BY s.sample_id DESC LIMIT 1`
	if r.stmtLatestSample, err = r.db.PrepareContext(ctx, sqlLatestSample); err != nil {
		return fmt.Errorf("prepare LatestSample: %w", err)
	}

	const sqlCardSamples = `
		SELECT card, packets, bytes, delivered, auth_failures, duplicates, replays,
		       bad_fcs, read_errors, rssi, injected, inject_errors, slow_injection
		FROM card_samples WHERE sample_id = ? ORDER BY rowid`
	if r.stmtCardSamples, err = r.db.PrepareContext(ctx, sqlCardSamples); err != nil {
		return fmt.Errorf("prepare CardSamples: %w", err)
	}

	const sqlPortSamples = `
		SELECT port, sent, delivered, lost
		FROM port_samples WHERE sample_id = ? ORDER BY port`
	if r.stmtPortSamples, err = r.db.PrepareContext(ctx, sqlPortSamples); err != nil {
		return fmt.Errorf("prepare PortSamples: %w", err)
	}

	return nil
}

// Close closes all prepared statements and the database connection.
func (r *Recorder) Close() error {
	r.closeStatements()
	return r.db.Close()
}

func (r *Recorder) closeStatements() {
	stmts := []*sql.Stmt{
		r.stmtInsertRun,
		r.stmtStopRun,
		r.stmtInsertSample,
		r.stmtInsertCardSample,
		r.stmtInsertPortSample,
		r.stmtListRuns,
		r.stmtLatestSample,
		r.stmtCardSamples,
		r.stmtPortSamples,
	}
	for _, stmt := range stmts {
		if stmt != nil {
			stmt.Close()
		}
	}
}

// RunID returns the id of the run opened by Start, or "".
func (r *Recorder) RunID() string { return r.runID }

// Start opens a new run for the engine described by st and returns
// its id. Samples recorded afterwards belong to this run.
func (r *Recorder) Start(ctx context.Context, st link.Stats) (string, error) {
	id := uuid.NewString()
	names := make([]string, len(st.Cards))
	for i, c := range st.Cards {
		names[i] = c.Name
	}
	_, err := r.stmtInsertRun.ExecContext(ctx, id, st.InstanceID, st.Role, strings.Join(names, ","), formatTime(time.Now()))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	r.runID = id
	r.logger.Info("recording link stats", "run_id", id, "instance_id", st.InstanceID)
	return id, nil
}

// Stop marks the current run as finished.
func (r *Recorder) Stop(ctx context.Context) error {
	if r.runID == "" {
		return nil
	}
	if _, err := r.stmtStopRun.ExecContext(ctx, formatTime(time.Now()), r.runID); err != nil {
		return fmt.Errorf("stop run: %w", err)
	}
	return nil
}

// Record writes one sample of st to the current run.
func (r *Recorder) Record(ctx context.Context, st link.Stats) error {
	if r.runID == "" {
		return errors.New("record: no run started")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.StmtContext(ctx, r.stmtInsertSample).ExecContext(ctx,
		r.runID, formatTime(time.Now()), st.KeyState,
		st.MergeDrops, st.AppDrops, st.NoKeyDrops, st.LowPriorityDrops,
		st.KeyPackets, st.KeyChanges, st.KeyErrors)
	if err != nil {
		return fmt.Errorf("insert sample: %w", err)
	}
	sampleID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("sample id: %w", err)
	}

	cardStmt := tx.StmtContext(ctx, r.stmtInsertCardSample)
	for _, c := range st.Cards {
		_, err := cardStmt.ExecContext(ctx, sampleID, c.Name,
			c.Packets, c.Bytes, c.Delivered, c.AuthFailures, c.Duplicates,
			c.Replays, c.BadFCS, c.ReadErrors, c.RSSI,
			c.Injected, c.InjectErrors, c.SlowInjection)
		if err != nil {
			return fmt.Errorf("insert card sample %s: %w", c.Name, err)
		}
	}
	portStmt := tx.StmtContext(ctx, r.stmtInsertPortSample)
	for _, p := range st.Ports {
		if _, err := portStmt.ExecContext(ctx, sampleID, int(p.Port), p.Sent, p.Delivered, p.Lost); err != nil {
			return fmt.Errorf("insert port sample %d: %w", p.Port, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sample: %w", err)
	}
	r.logger.Log(ctx, logging.LevelTrace.ToSlog(), "sample recorded", "sample_id", sampleID, "cards", len(st.Cards), "ports", len(st.Ports))
	return nil
}

// Run starts a run and records src every interval until ctx is done.
// A final sample is written on the way out.
func (r *Recorder) Run(ctx context.Context, src Source, interval time.Duration) error {
	if _, err := r.Start(ctx, src()); err != nil {
		return err
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			// ctx is already cancelled; the final writes get their own.
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			defer cancel()
			if err := r.Record(final, src()); err != nil {
				r.logger.Warn("final sample failed", "error", err)
			}
			return r.Stop(final)
		case <-t.C:
			if err := r.Record(ctx, src()); err != nil {
				if ctx.Err() != nil {
					continue
				}
				r.logger.Warn("sample failed", "error", err)
			}
		}
	}
}

// Runs lists recorded runs, oldest first.
func (r *Recorder) Runs(ctx context.Context) ([]Run, error) {
	rows, err := r.stmtListRuns.QueryContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var cards, started, stopped string
		if err := rows.Scan(&run.ID, &run.InstanceID, &run.Role, &cards, &started, &stopped); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if cards != "" {
			run.Cards = strings.Split(cards, ",")
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if stopped != "" {
			if run.StoppedAt, err = parseTime(stopped); err != nil {
				return nil, err
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Latest returns the most recent sample of runID.
func (r *Recorder) Latest(ctx context.Context, runID string) (link.Stats, time.Time, error) {
	var (
		st       link.Stats
		sampleID int64
		taken    string
	)
	err := r.stmtLatestSample.QueryRowContext(ctx, runID).Scan(&sampleID, &taken, &st.KeyState,
		&st.MergeDrops, &st.AppDrops, &st.NoKeyDrops, &st.LowPriorityDrops,
		&st.KeyPackets, &st.KeyChanges, &st.KeyErrors, &st.InstanceID, &st.Role)
	if errors.Is(err, sql.ErrNoRows) {
		return link.Stats{}, time.Time{}, fmt.Errorf("run %s: %w", runID, ErrNoSamples)
	}
	if err != nil {
		return link.Stats{}, time.Time{}, fmt.Errorf("latest sample: %w", err)
	}
	at, err := parseTime(taken)
	if err != nil {
		return link.Stats{}, time.Time{}, err
	}

	rows, err := r.stmtCardSamples.QueryContext(ctx, sampleID)
	if err != nil {
		return link.Stats{}, time.Time{}, fmt.Errorf("card samples: %w", err)
	}
	for rows.Next() {
		var c link.CardStats
		if err := rows.Scan(&c.Name, &c.Packets, &c.Bytes, &c.Delivered, &c.AuthFailures,
			&c.Duplicates, &c.Replays, &c.BadFCS, &c.ReadErrors, &c.RSSI,
			&c.Injected, &c.InjectErrors, &c.SlowInjection); err != nil {
			rows.Close()
			return link.Stats{}, time.Time{}, fmt.Errorf("scan card sample: %w", err)
		}
		st.Cards = append(st.Cards, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return link.Stats{}, time.Time{}, err
	}

	rows, err = r.stmtPortSamples.QueryContext(ctx, sampleID)
	if err != nil {
		return link.Stats{}, time.Time{}, fmt.Errorf("port samples: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p link.PortStats
		var port int
		if err := rows.Scan(&port, &p.Sent, &p.Delivered, &p.Lost); err != nil {
			return link.Stats{}, time.Time{}, fmt.Errorf("scan port sample: %w", err)
		}
		p.Port = wblink.RadioPort(port)
		st.Ports = append(st.Ports, p)
	}
	return st, at, rows.Err()
}

// timeLayout keeps a fixed width so that timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}
