package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/textcal/textcal/internal/api"
	"github.com/textcal/textcal/internal/config"
	"github.com/textcal/textcal/internal/guest"
	"github.com/textcal/textcal/internal/ics"
	"github.com/textcal/textcal/internal/model"
	"github.com/textcal/textcal/internal/notify"
	"github.com/textcal/textcal/internal/reconcile"
	"github.com/textcal/textcal/internal/session"
	"github.com/textcal/textcal/internal/storage"
	"github.com/textcal/textcal/internal/watch"
)

func main() {
	// Load .env first, but don't error if it doesn't exist.
	_ = godotenv.Load()

	app := &cli.App{
		Name:  "textcal",
		Usage: "Turn unstructured text into calendar events and keep them in sync.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "Path to the config file."},
		},
		Commands: []*cli.Command{
			submitCommand(),
			statusCommand(),
			editCommand(),
			rmCommand(),
			reviseCommand(),
			pushCommand(),
			agendaCommand(),
			exportCommand(),
			migrateCommand(),
			watchCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Application failed", "error", err)
		os.Exit(1)
	}
}

// env bundles everything a command needs, wired once per invocation.
type env struct {
	cfg         *config.Config
	logger      *slog.Logger
	client      *api.Client
	store       storage.Adapter
	guests      *guest.Manager
	coordinator *session.Coordinator
	queue       *notify.Queue
}

func setup(c *cli.Context) (*env, error) {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}
	logger := setupLogger(logLevel)

	configPath := strings.TrimSpace(c.String("config"))
	if configPath == "" {
		var err error
		configPath, err = config.DefaultPath()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path: %w", err)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	applyEnvOverrides(cfg)

	dsn := cfg.StorageDSN
	if dsn == "" {
		dsn = filepath.Join(filepath.Dir(configPath), "state.json")
	}
	store, err := storage.BuildFromDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open local state: %w", err)
	}

	client := api.NewClient(api.ClientOptions{BaseURL: cfg.BaseURL, Token: cfg.Token})
	guests := guest.NewManager(store)
	coordinator, err := session.NewCoordinator(session.CoordinatorOptions{
		Backend: client,
		Guests:  guests,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	return &env{
		cfg:         cfg,
		logger:      logger,
		client:      client,
		store:       store,
		guests:      guests,
		coordinator: coordinator,
		queue:       notify.NewQueue(),
	}, nil
}

// engineFor builds a reconciliation engine over the session's current
// events, fetched from the backend (or restored from the local snapshot
// when the backend has nothing newer to offer). Opening a session view
// also pulls provider-side changes back in, once per view.
func (e *env) engineFor(ctx context.Context, sessionID string) (*reconcile.Engine, error) {
	eventStore := reconcile.NewStore(sessionID)
	token := ""
	if !e.client.Authenticated() {
		token = e.guests.AccessToken(sessionID)
	}
	events, err := e.client.SessionEvents(ctx, sessionID, token)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, loadErr := eventStore.Load(e.store); loadErr != nil {
			e.logger.Warn("local snapshot unreadable", "error", loadErr)
		}
	} else {
		eventStore.Replace(events)
	}
	engine, err := reconcile.NewEngine(reconcile.EngineOptions{
		Backend:        e.client,
		Store:          eventStore,
		Notifier:       e.queue,
		ActiveProvider: e.cfg.Provider,
		Debounce:       time.Duration(e.cfg.DebounceSeconds) * time.Second,
		Logger:         e.logger,
		OnAuthRequired: func() {
			fmt.Fprintln(os.Stderr, "Your session has expired. Set TEXTCAL_TOKEN or update the config to sign in again.")
		},
	})
	if err != nil {
		return nil, err
	}
	// Best effort: a failed inbound sync is reported through the engine's
	// notifier and must not block the command itself.
	_, _ = engine.SyncInbound(ctx)
	return engine, nil
}

func (e *env) close() {
	if err := storage.Close(e.store); err != nil {
		e.logger.Warn("failed to close local state", "error", err)
	}
}

// drainNotifications prints and dismisses everything the queue collected
// during a command, preserving order.
func (e *env) drainNotifications() {
	for {
		current, ok := e.queue.Current()
		if !ok {
			return
		}
		fmt.Fprintf(os.Stderr, "[%s] %s\n", current.Kind, current.Message)
		if _, more := e.queue.Dismiss(); !more {
			return
		}
	}
}

func (e *env) saveSnapshot(engine *reconcile.Engine) {
	if err := engine.Store().Save(e.store); err != nil {
		e.logger.Warn("failed to save local snapshot", "error", err)
	}
}

func submitCommand() *cli.Command {
	return &cli.Command{
		Name:      "submit",
		Usage:     "Submit text (or a file) as a new extraction session.",
		ArgsUsage: "[text]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Usage: "Read the input from a file instead of the arguments."},
			&cli.BoolFlag{Name: "wait", Value: true, Usage: "Poll until extraction finishes and print the events."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			input := strings.TrimSpace(strings.Join(c.Args().Slice(), " "))
			if path := strings.TrimSpace(c.String("file")); path != "" {
				data, readErr := os.ReadFile(path)
				if readErr != nil {
					return fmt.Errorf("failed to read input file: %w", readErr)
				}
				input = strings.TrimSpace(string(data))
			}

			sess, err := e.coordinator.Create(c.Context, input)
			if err != nil {
				return err
			}
			fmt.Printf("session %s created\n", sess.ID)
			if !c.Bool("wait") {
				return nil
			}

			final, err := e.coordinator.Poll(c.Context, sess.ID, session.PollOptions{
				Interval: time.Duration(e.cfg.PollSeconds) * time.Second,
				Guest:    !e.client.Authenticated(),
				OnUpdate: func(s model.Session) {
					e.logger.Info("session update", "id", s.ID, "status", s.Status)
				},
			})
			if err != nil {
				return err
			}
			fmt.Printf("session %s processed: %d events\n", final.ID, len(final.EventIDs))
			return e.printSessionEvents(c.Context, final.ID)
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show a session's state and its events with sync status.",
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			sessionID := c.Args().First()
			token := ""
			if !e.client.Authenticated() {
				token = e.guests.AccessToken(sessionID)
			}
			sess, err := e.client.GetSession(c.Context, sessionID, token)
			if err != nil {
				return err
			}
			fmt.Printf("session %s: %s\n", sess.ID, sess.Status)
			if sess.ErrorMessage != "" {
				fmt.Printf("error: %s\n", sess.ErrorMessage)
			}
			if sess.Status != model.SessionProcessed {
				return nil
			}
			return e.printSessionEvents(c.Context, sess.ID)
		},
	}
}

func editCommand() *cli.Command {
	return &cli.Command{
		Name:      "edit",
		Usage:     "Edit one event's fields; the change is pushed after the quiet window.",
		ArgsUsage: "<session-id> <event-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "summary"},
			&cli.StringFlag{Name: "start", Usage: "YYYY-MM-DD for all-day, or an RFC3339-style date-time."},
			&cli.StringFlag{Name: "end"},
			&cli.StringFlag{Name: "location"},
			&cli.StringFlag{Name: "description"},
			&cli.StringFlag{Name: "calendar"},
			&cli.StringFlag{Name: "recurrence", Usage: "RRULE for the event."},
			&cli.StringFlag{Name: "timezone", Usage: "IANA timezone for --start/--end date-times."},
			&cli.BoolFlag{Name: "wait", Value: true, Usage: "Wait for the debounced push to land before exiting."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			sessionID, eventID := c.Args().Get(0), c.Args().Get(1)
			patch, err := buildPatch(patchFields{
				Summary:     c.String("summary"),
				Start:       c.String("start"),
				End:         c.String("end"),
				Location:    c.String("location"),
				Description: c.String("description"),
				Calendar:    c.String("calendar"),
				Recurrence:  c.String("recurrence"),
				TimeZone:    c.String("timezone"),
			})
			if err != nil {
				return err
			}

			engine, err := e.engineFor(c.Context, sessionID)
			if err != nil {
				return err
			}
			defer engine.Close()

			updated, err := engine.CommitEdit(c.Context, eventID, patch)
			e.drainNotifications()
			if err != nil {
				return err
			}
			if c.Bool("wait") {
				timeout := time.Duration(e.cfg.DebounceSeconds)*time.Second + 10*time.Second
				if waitForApplied(engine, eventID, e.cfg.Provider, timeout) {
					updated, _ = engine.Store().Get(eventID)
				}
				e.drainNotifications()
			}
			fmt.Println(formatEventLine(updated, e.cfg.Provider))
			e.saveSnapshot(engine)
			return nil
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Remove events from a session (and from the backend).",
		ArgsUsage: "<session-id> <event-id>...",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			sessionID := c.Args().First()
			ids := c.Args().Tail()
			if len(ids) == 0 {
				return fmt.Errorf("at least one event id is required")
			}
			engine, err := e.engineFor(c.Context, sessionID)
			if err != nil {
				return err
			}
			defer engine.Close()

			for _, id := range ids {
				if err := engine.DeleteEvent(c.Context, id); err != nil {
					e.drainNotifications()
					return err
				}
				fmt.Printf("removed %s\n", id)
			}
			e.drainNotifications()
			e.saveSnapshot(engine)
			return nil
		},
	}
}

func reviseCommand() *cli.Command {
	return &cli.Command{
		Name:      "revise",
		Usage:     "Apply a natural-language instruction to a session's events.",
		ArgsUsage: "<session-id> <instruction>",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			sessionID := c.Args().First()
			instruction := strings.TrimSpace(strings.Join(c.Args().Tail(), " "))
			if instruction == "" {
				return fmt.Errorf("an instruction is required")
			}
			engine, err := e.engineFor(c.Context, sessionID)
			if err != nil {
				return err
			}
			defer engine.Close()

			message, err := engine.EditByInstruction(c.Context, instruction)
			e.drainNotifications()
			if err != nil {
				return err
			}
			if message != "" {
				fmt.Println(message)
			}
			for _, event := range engine.Store().Events() {
				fmt.Println(formatEventLine(event, e.cfg.Provider))
			}
			e.saveSnapshot(engine)
			return nil
		},
	}
}

func pushCommand() *cli.Command {
	return &cli.Command{
		Name:      "push",
		Usage:     "Add a session's events to your external calendar.",
		ArgsUsage: "<session-id>",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{Name: "event", Usage: "Push only the given event ids."},
			&cli.BoolFlag{Name: "check-conflicts", Value: true, Usage: "Fetch conflict warnings before pushing."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			engine, err := e.engineFor(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer engine.Close()

			if c.Bool("check-conflicts") {
				if err := engine.CheckConflicts(c.Context); err == nil {
					for _, event := range engine.Store().Events() {
						for _, conflict := range engine.Store().Conflicts(event.ID) {
							fmt.Printf("conflict: %q overlaps %q (%s - %s)\n", event.Summary, conflict.Summary, conflict.StartTime, conflict.EndTime)
						}
					}
				}
			}

			result, err := engine.Push(c.Context, c.StringSlice("event")...)
			e.drainNotifications()
			if err != nil {
				return err
			}
			fmt.Printf("created %d, updated %d, skipped %d\n", len(result.Created), len(result.Updated), len(result.Skipped))
			e.saveSnapshot(engine)
			return nil
		},
	}
}

func agendaCommand() *cli.Command {
	return &cli.Command{
		Name:      "agenda",
		Usage:     "List concrete occurrences in a date range, expanding recurrence rules.",
		ArgsUsage: "<session-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "from", Usage: "First day, YYYY-MM-DD. Defaults to today."},
			&cli.StringFlag{Name: "to", Usage: "Last day, YYYY-MM-DD, inclusive."},
			&cli.IntFlag{Name: "days", Value: 7, Usage: "Range length when --to is not given."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			from, err := parseDayFlag(c.String("from"), time.Now())
			if err != nil {
				return err
			}
			to := from.AddDate(0, 0, c.Int("days"))
			if v := strings.TrimSpace(c.String("to")); v != "" {
				day, dayErr := parseDayFlag(v, time.Now())
				if dayErr != nil {
					return dayErr
				}
				to = day.AddDate(0, 0, 1)
			}

			sessionID := c.Args().First()
			token := ""
			if !e.client.Authenticated() {
				token = e.guests.AccessToken(sessionID)
			}
			events, err := e.client.SessionEvents(c.Context, sessionID, token)
			if err != nil {
				return err
			}
			occurrences, err := ics.Expand(events, ics.ExpandOptions{RangeStart: from, RangeEnd: to})
			if err != nil {
				return err
			}
			for _, occ := range occurrences {
				fmt.Println(formatOccurrenceLine(occ))
			}
			return nil
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "Export a session's events as an iCalendar file.",
		ArgsUsage: "<session-id>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "out", Usage: "Write to a file instead of stdout."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			sessionID := c.Args().First()
			token := ""
			if !e.client.Authenticated() {
				token = e.guests.AccessToken(sessionID)
			}
			events, err := e.client.SessionEvents(c.Context, sessionID, token)
			if err != nil {
				return err
			}
			serialized, err := ics.Export(events)
			if err != nil {
				return err
			}
			if out := strings.TrimSpace(c.String("out")); out != "" {
				if err := os.WriteFile(out, []byte(serialized), 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %d events to %s\n", len(events), out)
				return nil
			}
			fmt.Print(serialized)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Move guest sessions into the signed-in account.",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			if !e.client.Authenticated() {
				return fmt.Errorf("migration needs an account token; set TEXTCAL_TOKEN or the config token")
			}
			count := len(e.guests.SessionIDs())
			if err := e.coordinator.Migrate(c.Context); err != nil {
				return err
			}
			fmt.Printf("migrated %d guest sessions\n", count)
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Watch an inbox directory and submit each new file.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Usage: "Inbox directory. Defaults to watch_dir from the config."},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			defer e.close()

			dir := strings.TrimSpace(c.String("dir"))
			if dir == "" {
				dir = e.cfg.WatchDir
			}
			watcher, err := watch.New(&inboxSubmitter{env: e}, watch.Options{Dir: dir, Logger: e.logger})
			if err != nil {
				return err
			}
			return watcher.Run(c.Context)
		},
	}
}

// inboxSubmitter runs each inbox file through the full session lifecycle
// so watch mode logs a final outcome per file.
type inboxSubmitter struct {
	env *env
}

func (s *inboxSubmitter) Submit(ctx context.Context, input string) error {
	sess, err := s.env.coordinator.Create(ctx, input)
	if err != nil {
		return err
	}
	final, err := s.env.coordinator.Poll(ctx, sess.ID, session.PollOptions{
		Interval: time.Duration(s.env.cfg.PollSeconds) * time.Second,
		Guest:    !s.env.client.Authenticated(),
	})
	if err != nil {
		return err
	}
	s.env.logger.Info("extraction finished", "id", final.ID, "events", len(final.EventIDs))
	return nil
}

func (e *env) printSessionEvents(ctx context.Context, sessionID string) error {
	token := ""
	if !e.client.Authenticated() {
		token = e.guests.AccessToken(sessionID)
	}
	events, err := e.client.SessionEvents(ctx, sessionID, token)
	if err != nil {
		return err
	}
	for _, event := range events {
		fmt.Println(formatEventLine(event, e.cfg.Provider))
	}
	return nil
}

// formatEventLine renders one event as "summary  start  [status]".
func formatEventLine(event model.CalendarEvent, provider string) string {
	start := model.EffectiveDateTime(event.Start)
	if start == "" {
		start = "unscheduled"
	}
	status := string(model.SyncStatusFor(event, provider))
	return fmt.Sprintf("%-40s  %-25s  [%s]", event.Summary, start, status)
}

// patchFields are the raw flag values of the edit command.
type patchFields struct {
	Summary     string
	Start       string
	End         string
	Location    string
	Description string
	Calendar    string
	Recurrence  string
	TimeZone    string
}

// buildPatch turns set flags into an edit patch; unset flags leave the
// corresponding field untouched.
func buildPatch(f patchFields) (api.EventPatch, error) {
	var patch api.EventPatch
	if f.Summary != "" {
		patch.Summary = &f.Summary
	}
	if f.Start != "" {
		start := dateTimeArg(f.Start, f.TimeZone)
		patch.Start = &start
	}
	if f.End != "" {
		end := dateTimeArg(f.End, f.TimeZone)
		patch.End = &end
	}
	if f.Location != "" {
		patch.Location = &f.Location
	}
	if f.Description != "" {
		patch.Description = &f.Description
	}
	if f.Calendar != "" {
		patch.Calendar = &f.Calendar
	}
	if f.Recurrence != "" {
		patch.Recurrence = &f.Recurrence
	}
	if patch.Empty() {
		return api.EventPatch{}, fmt.Errorf("nothing to change; pass at least one field flag")
	}
	return patch, nil
}

// dateTimeArg reads a bare date as an all-day endpoint and anything with a
// time part as a timed one.
func dateTimeArg(value, timeZone string) model.EventDateTime {
	if !strings.Contains(value, "T") {
		return model.EventDateTime{Date: value}
	}
	return model.EventDateTime{DateTime: value, TimeZone: timeZone}
}

// waitForApplied blocks until the event's sync badge flips to applied or
// the deadline passes. The auto-push is silent on success, so the badge is
// the signal.
func waitForApplied(engine *reconcile.Engine, eventID, provider string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		event, ok := engine.Store().Get(eventID)
		if !ok {
			return false
		}
		if model.SyncStatusFor(event, provider) == model.SyncApplied {
			return true
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// parseDayFlag reads a "2006-01-02" flag in the local timezone; empty
// yields the fallback's date at midnight.
func parseDayFlag(value string, fallback time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Date(fallback.Year(), fallback.Month(), fallback.Day(), 0, 0, 0, 0, fallback.Location()), nil
	}
	day, err := time.ParseInLocation("2006-01-02", value, time.Local)
	if err != nil {
		return time.Time{}, fmt.Errorf("bad date %q: use YYYY-MM-DD", value)
	}
	return day, nil
}

// formatOccurrenceLine renders one expanded occurrence for the agenda.
func formatOccurrenceLine(occ ics.Occurrence) string {
	if occ.AllDay {
		return fmt.Sprintf("%s  %-40s  all day", occ.Start.Format("2006-01-02"), occ.Summary)
	}
	return fmt.Sprintf("%s  %-40s  %s - %s", occ.Start.Format("2006-01-02"), occ.Summary, occ.Start.Format("15:04"), occ.End.Format("15:04"))
}

// applyEnvOverrides lets the environment win over the config file.
func applyEnvOverrides(cfg *config.Config) {
	if v := strings.TrimSpace(os.Getenv("TEXTCAL_BASE_URL")); v != "" {
		cfg.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TEXTCAL_TOKEN")); v != "" {
		cfg.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("TEXTCAL_STORAGE_DSN")); v != "" {
		cfg.StorageDSN = v
	}
	if v := strings.TrimSpace(os.Getenv("TEXTCAL_PROVIDER")); v != "" {
		cfg.Provider = v
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
