// main.go - Admin control tool for tally
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"tally/internal"
	"tally/internal/config"
	"tally/internal/events"
	"tally/internal/rollup"
	"tally/internal/seeder"
)

const (
	defaultShutdownTimeout = 30 * time.Second
)

// Command defines the interface for all command implementations
type Command interface {
	// Name returns the command name
	Name() string
	// Description returns the command description
	Description() string
	// Execute runs the command with the given app and args
	Execute(ctx context.Context, app *internal.Application, args []string) error
}

// The set of available commands
var commands = []Command{
	&MigrateCommand{},
	&BackfillCommand{},
	&SeedCommand{},
	&StatusCommand{out: os.Stdout},
	&HelpCommand{},
}

func main() {
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()

	cmdName, args := parseArgs()

	cmd := findCommand(cmdName)
	if cmd == nil {
		showUsageAndExit()
	}
	if _, ok := cmd.(*HelpCommand); ok {
		_ = cmd.Execute(ctx, nil, args)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	app, err := internal.NewApp(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize app: %v", err)
	}

	err = cmd.Execute(ctx, app, args)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if shutdownErr := app.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Printf("Warning: Cleanup error: %v", shutdownErr)
	}

	if err != nil {
		log.Fatalf("Command failed: %v", err)
	}
	log.Printf("Command %s completed successfully", cmd.Name())
}

// MigrateCommand runs database migrations
type MigrateCommand struct{}

func (c *MigrateCommand) Name() string        { return "migrate" }
func (c *MigrateCommand) Description() string { return "Runs database migrations" }

func (c *MigrateCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	log.Println("Running database migrations...")
	if err := app.DBManager.MigrateDatabase(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}
	log.Println("Migrations completed successfully")
	return nil
}

// BackfillCommand recomputes every tier over a time range
type BackfillCommand struct{}

func (c *BackfillCommand) Name() string { return "backfill" }
func (c *BackfillCommand) Description() string {
	return "Recomputes 1m, 5m and 1h buckets: backfill -from RFC3339 -to RFC3339"
}

func (c *BackfillCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("backfill", flag.ContinueOnError)
	from := fs.String("from", "", "start of the range (RFC3339)")
	to := fs.String("to", "", "end of the range (RFC3339), defaults to now")
	if err := fs.Parse(args); err != nil {
		return err
	}

	start, end, err := parseRange(*from, *to, time.Now().UTC())
	if err != nil {
		return err
	}

	log.Printf("Backfilling %s to %s...", start.Format(time.RFC3339), end.Format(time.RFC3339))
	result, err := app.Aggregator.Backfill(ctx, start, end)
	if err != nil {
		return fmt.Errorf("backfill failed: %w", err)
	}
	for _, res := range rollup.Resolutions {
		log.Printf("- %s: %d windows, %d rows", res, result.Windows[res], result.Rows[res])
	}
	return nil
}

func parseRange(from, to string, now time.Time) (time.Time, time.Time, error) {
	if from == "" {
		return time.Time{}, time.Time{}, fmt.Errorf("usage: backfill -from <RFC3339> [-to <RFC3339>]")
	}
	start, err := time.Parse(time.RFC3339, from)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid -from: %w", err)
	}
	end := now
	if to != "" {
		if end, err = time.Parse(time.RFC3339, to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid -to: %w", err)
		}
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("-from must be before -to")
	}
	return start, end, nil
}

// SeedCommand populates the DB with synthetic traffic
type SeedCommand struct{}

func (c *SeedCommand) Name() string        { return "seed" }
func (c *SeedCommand) Description() string { return "Ingests synthetic events and backfills their buckets" }

func (c *SeedCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	count := fs.Int("events", 10000, "number of events to generate")
	days := fs.Int("days", 7, "how many days back events may start")
	seed := fs.Uint64("seed", uint64(time.Now().UnixNano()), "random seed")
	if err := fs.Parse(args); err != nil {
		return err
	}

	now := time.Now().UTC()
	se := seeder.NewSeeder(app.Ingester, app.Logger, *count, *days, *seed)
	result, err := se.Run(ctx, now)
	if err != nil {
		return err
	}
	log.Printf("Seeded %d sessions: %d accepted, %d rejected", result.Sessions, result.Accepted, result.Rejected)

	from := now.Add(-time.Duration(*days+1) * 24 * time.Hour)
	if _, err := app.Aggregator.Backfill(ctx, from, now); err != nil {
		return fmt.Errorf("backfill after seeding failed: %w", err)
	}
	return nil
}

// StatusCommand implements a command to check the system status
type StatusCommand struct {
	out io.Writer
}

func (c *StatusCommand) Name() string        { return "status" }
func (c *StatusCommand) Description() string { return "Shows storage and rollup progress" }

// TierStatus is the progress of one resolution.
type TierStatus struct {
	Resolution   string     `yaml:"resolution"`
	LastBucket   *time.Time `yaml:"last_bucket"`
	Rows         int        `yaml:"rows"`
	CompletedAt  *time.Time `yaml:"completed_at"`
	TotalBuckets int64      `yaml:"total_buckets"`
}

// Status is the report printed by the status command.
type Status struct {
	Database        string       `yaml:"database"`
	Events          int64        `yaml:"events"`
	Tiers           []TierStatus `yaml:"tiers"`
	MaxOpenConns    int          `yaml:"max_open_conns"`
	OpenConnections int          `yaml:"open_connections"`
}

func (c *StatusCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	status, err := collectStatus(ctx, app)
	if err != nil {
		return err
	}

	if f, ok := c.out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		return writeTable(c.out, status)
	}
	return yaml.NewEncoder(c.out).Encode(status)
}

func collectStatus(ctx context.Context, app *internal.Application) (*Status, error) {
	db := app.DBManager.GetConnection().WithContext(ctx)

	status := &Status{Database: app.Config.DatabaseName}
	if err := db.Model(&events.Event{}).Count(&status.Events).Error; err != nil {
		return nil, fmt.Errorf("database error: %w", err)
	}

	for _, res := range rollup.Resolutions {
		tier := TierStatus{Resolution: string(res)}
		if err := db.Table(res.Table()).Count(&tier.TotalBuckets).Error; err != nil {
			return nil, fmt.Errorf("database error: %w", err)
		}
		cp, err := app.Aggregator.LastCheckpoint(ctx, res)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			bucket, completed := cp.Time(), cp.CompletedAt.UTC()
			tier.LastBucket, tier.CompletedAt, tier.Rows = &bucket, &completed, cp.Rows
		}
		status.Tiers = append(status.Tiers, tier)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get SQL DB: %w", err)
	}
	stats := sqlDB.Stats()
	status.MaxOpenConns, status.OpenConnections = stats.MaxOpenConnections, stats.OpenConnections
	return status, nil
}

func writeTable(out io.Writer, s *Status) error {
	fmt.Fprintf(out, "Database: %s\nEvents:   %d\nPool:     %d open / %d max\n\n",
		s.Database, s.Events, s.OpenConnections, s.MaxOpenConns)

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TIER\tLAST BUCKET\tROWS\tCOMPLETED\tBUCKETS")
	for _, t := range s.Tiers {
		last, completed := "-", "-"
		if t.LastBucket != nil {
			last = t.LastBucket.Format(time.RFC3339)
			completed = t.CompletedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n", t.Resolution, last, t.Rows, completed, t.TotalBuckets)
	}
	return w.Flush()
}

// HelpCommand implements a command to show usage information
type HelpCommand struct{}

func (c *HelpCommand) Name() string        { return "help" }
func (c *HelpCommand) Description() string { return "Shows usage information" }

func (c *HelpCommand) Execute(ctx context.Context, app *internal.Application, args []string) error {
	printUsage(os.Stdout)
	return nil
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "Usage: tallyctl [command] [args...]")
	fmt.Fprintln(out, "Available commands:")
	for _, cmd := range commands {
		fmt.Fprintf(out, "  %s: %s\n", cmd.Name(), cmd.Description())
	}
}

// parseArgs parses the command name and arguments
func parseArgs() (string, []string) {
	args := flag.Args()
	if len(args) == 0 {
		return "help", []string{}
	}
	return args[0], args[1:]
}

// findCommand finds a command by name
func findCommand(name string) Command {
	for _, cmd := range commands {
		if cmd.Name() == name {
			return cmd
		}
	}
	return nil
}

// showUsageAndExit shows usage information and exits
func showUsageAndExit() {
	printUsage(os.Stdout)
	os.Exit(1)
}
