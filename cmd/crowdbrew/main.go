// Command crowdbrew finds local events for a date, scores them and drafts a
// themed café menu with a social media post for each.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/talgya/crowdbrew/internal/config"
	"github.com/talgya/crowdbrew/internal/ics"
	"github.com/talgya/crowdbrew/internal/llm"
	"github.com/talgya/crowdbrew/internal/persistence"
	"github.com/talgya/crowdbrew/internal/pipeline"
	"github.com/talgya/crowdbrew/internal/web"
)

// newGenerator builds the model client; replaced in tests.
var newGenerator = llm.New

func main() {
	// Load .env first; a missing file is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		slog.Error("crowdbrew failed", "error", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "crowdbrew",
		Usage: "Promotional menu assistant for a café: events, menus, posts.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "crowdbrew.yaml",
				Usage:   "path to the YAML config (created on first run)",
				EnvVars: []string{"CROWDBREW_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			runCommand(),
			serveCommand(),
			eventsCommand(),
			exportCommand(),
			evaluateCommand(),
		},
	}
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.SetDefault(setupLogger(cfg.LogLevel))
	return cfg, nil
}

func openStore(cfg *config.Config) (*persistence.DB, error) {
	db, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBPath, err)
	}
	slog.Info("database opened", "path", cfg.DBPath)
	return db, nil
}

func newPipeline(ctx context.Context, cfg *config.Config, db *persistence.DB) (*pipeline.Pipeline, error) {
	gen, err := newGenerator(ctx, cfg.LLMOptions())
	if err != nil {
		return nil, fmt.Errorf("create generator: %w", err)
	}
	return pipeline.New(gen, db, pipeline.WithCity(cfg.City), pipeline.WithSearch(cfg.Search)), nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:      "run",
		Usage:     "Research events for a date and save menus and posts.",
		ArgsUsage: "[date query]",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			query := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if query == "" {
				query, err = prompt(c.App.Reader, c.App.Writer, "📅 Podaj zapytanie z datą: ")
				if err != nil {
					return err
				}
			}
			if query == "" {
				return errors.New("no date query given")
			}

			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := newPipeline(c.Context, cfg, db)
			if err != nil {
				return err
			}

			fmt.Fprintf(c.App.Writer, "\n🤖 CrowdBrew: %s\n", query)
			results, err := p.Run(c.Context, query)
			if errors.Is(err, pipeline.ErrExtraction) {
				fmt.Fprintf(c.App.Writer, "\n❌ %v\n", err)
			} else if err != nil {
				return err
			}
			for _, r := range results {
				fmt.Fprintf(c.App.Writer, "   ➕ [%s] %s (id %d, %s)\n", r.EventDate, r.EventName, r.EventID, r.Saved.Outcome)
			}
			fmt.Fprintf(c.App.Writer, "\n✅ Completed. %d elements saved.\n", len(results))
			return nil
		},
	}
}

func prompt(r io.Reader, w io.Writer, label string) (string, error) {
	fmt.Fprint(w, label)
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read query: %w", err)
	}
	return strings.TrimSpace(line), nil
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the web form, JSON API and calendar feed.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Usage: "address to listen on (overrides config)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if c.IsSet("listen") {
				cfg.Listen = c.String("listen")
			}

			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := newPipeline(c.Context, cfg, db)
			if err != nil {
				return err
			}

			srv := web.NewServer(cfg, p, db)
			defer srv.Close()

			if cfg.Schedule != "" {
				sched, err := srv.StartScheduler(cfg.Schedule, cfg.ScheduleQuery)
				if err != nil {
					return err
				}
				defer func() { <-sched.Stop().Done() }()
			}

			return srv.ListenAndServe(c.Context)
		},
	}
}

func eventsCommand() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "List stored events with their menus and posts.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Usage: "only events on this date (YYYY-MM-DD)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			events, err := db.LoadBundles(c.String("date"))
			if err != nil {
				return fmt.Errorf("load events: %w", err)
			}
			printEvents(c.App.Writer, events, time.Now())
			return nil
		},
	}
}

func printEvents(w io.Writer, events []persistence.EventBundle, now time.Time) {
	if len(events) == 0 {
		fmt.Fprintln(w, "No events stored.")
		return
	}
	for _, e := range events {
		fmt.Fprintf(w, "#%d  %s  %s\n", e.ID, e.Date, e.Name)
		if e.Location != "" {
			fmt.Fprintf(w, "    📍 %s\n", e.Location)
		}
		for _, m := range e.Menu {
			fmt.Fprintf(w, "    • %s [%s] %s\n", m.Name, m.Type, m.Description)
		}
		if e.Post != nil {
			fmt.Fprintf(w, "    ✍ %s (%s)\n", e.Post.Content, since(e.Post.CreatedAt, now))
		}
	}
	fmt.Fprintf(w, "\n%s events\n", humanize.Comma(int64(len(events))))
}

func since(stamp string, now time.Time) string {
	t, err := time.ParseInLocation(persistence.DateLayout, stamp, time.Local)
	if err != nil {
		return stamp
	}
	return humanize.RelTime(t, now, "ago", "from now")
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Write stored events as an iCalendar file.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Value: "-", Usage: "output file, - for stdout"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			events, err := db.LoadBundles("")
			if err != nil {
				return fmt.Errorf("load events: %w", err)
			}

			out := c.App.Writer
			if path := c.String("out"); path != "-" {
				f, err := os.Create(path)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			skipped, err := ics.Encode(out, events, time.Now())
			if err != nil {
				return err
			}
			slog.Info("calendar exported", "events", len(events)-skipped, "skipped", skipped)
			return nil
		},
	}
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
}

const evaluationQuery = "27 września 2025"

func evaluateCommand() *cli.Command {
	return &cli.Command{
		Name:  "evaluate",
		Usage: "Run a fixed query and check the shape of the first result.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "query", Value: evaluationQuery, Usage: "date query to evaluate"},
			&cli.StringFlag{Name: "log", Usage: "also write the report to this file"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}

			out := c.App.Writer
			if path := c.String("log"); path != "" {
				f, err := createLog(path)
				if err != nil {
					return err
				}
				defer f.Close()
				out = io.MultiWriter(out, f)
			}

			db, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			p, err := newPipeline(c.Context, cfg, db)
			if err != nil {
				return err
			}

			query := c.String("query")
			fmt.Fprintf(out, "🧪 Evaluating query %q\n", query)
			results, err := p.Run(c.Context, query)
			if err != nil && !errors.Is(err, pipeline.ErrExtraction) {
				return err
			}
			return evaluate(out, results)
		},
	}
}

func createLog(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return os.Create(path)
}

// evaluate reports whether the run produced at least one result whose first
// item names an event and carries a menu and a post.
func evaluate(w io.Writer, results []pipeline.Result) error {
	if len(results) == 0 {
		fmt.Fprintln(w, "❌ no events returned")
		return errors.New("evaluation failed: no events")
	}
	fmt.Fprintf(w, "✅ %d processed events\n", len(results))

	first := results[0]
	var missing []string
	if first.EventName == "" || first.EventName == pipeline.DefaultName {
		missing = append(missing, "event_name")
	}
	if len(first.Items) == 0 {
		missing = append(missing, "menu_items")
	}
	if first.Post == "" {
		missing = append(missing, "facebook_post")
	}
	if len(missing) > 0 {
		fmt.Fprintf(w, "❌ missing fields: %s\n", strings.Join(missing, ", "))
		return fmt.Errorf("evaluation failed: missing %s", strings.Join(missing, ", "))
	}

	fmt.Fprintf(w, "✅ structure valid, sample menu item: %s\n", first.Items[0].Name)
	return nil
}
