package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/dandantas/dcm/internal/backend"
	"github.com/dandantas/dcm/internal/config"
	"github.com/dandantas/dcm/internal/layout"
	"github.com/dandantas/dcm/internal/model"
	"github.com/dandantas/dcm/internal/monitor"
	"github.com/dandantas/dcm/internal/scheduler"
	"github.com/dandantas/dcm/internal/store"
	"github.com/dandantas/dcm/internal/tui"
	"github.com/dandantas/dcm/internal/widget"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	cfg := config.Load()

	switch os.Args[1] {
	case "submit":
		runSubmit(cfg, os.Args[2:])
	case "monitor":
		runMonitor(cfg, os.Args[2:])
	case "abort":
		runAbort(cfg, os.Args[2:])
	case "watch":
		runWatch(cfg, os.Args[2:])
	case "layout":
		runLayout(cfg, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dcmctl <submit|monitor|abort|watch|layout> [...]")
}

// connOptions holds the backend connection flags shared by every subcommand
type connOptions struct {
	url     string
	token   string
	timeout time.Duration
}

func addConnFlags(fs *flag.FlagSet, cfg *config.Config, o *connOptions) {
	fs.StringVar(&o.url, "url", cfg.BackendURL, "DCM backend URL")
	fs.StringVar(&o.token, "token", cfg.BackendToken, "bearer token for the backend")
	fs.DurationVar(&o.timeout, "timeout", cfg.BackendTimeout, "per request timeout")
}

func (o connOptions) client(cfg *config.Config) *backend.Client {
	return backend.NewClient(backend.Options{
		BaseURL: o.url,
		Timeout: o.timeout,
		Auth: backend.Auth{
			Token:    o.token,
			User:     cfg.BackendUser,
			Password: cfg.BackendPassword,
		},
	})
}

func newFlagSet(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

// mustParse exits on a parse error; -h exits cleanly
func mustParse[T any](opts T, err error) T {
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fatalf("%v", err)
	}
	return opts
}

type submitOptions struct {
	conn     connOptions
	configID string
	monitor  bool
}

func parseSubmit(cfg *config.Config, args []string, out io.Writer) (submitOptions, error) {
	var o submitOptions
	fs := newFlagSet("submit", out)
	addConnFlags(fs, cfg, &o.conn)
	fs.StringVar(&o.configID, "config", "", "job configuration id")
	fs.BoolVar(&o.monitor, "monitor", false, "open the terminal monitor after submitting")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	o.configID = strings.TrimSpace(o.configID)
	if o.configID == "" {
		return o, errors.New("--config is required")
	}
	return o, nil
}

func runSubmit(cfg *config.Config, args []string) {
	o := mustParse(parseSubmit(cfg, args, os.Stderr))
	config.InitLoggerTo(cfg, os.Stderr)
	client := o.conn.client(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), o.conn.timeout)
	token, err := client.SubmitJob(ctx, o.configID)
	cancel()
	if err != nil {
		fatalf("submit job: %v", err)
	}
	fmt.Println(token)

	if o.monitor {
		monitorToken(cfg, client, token, "")
	}
}

type monitorOptions struct {
	conn    connOptions
	logFile string
	token   string
}

func parseMonitor(cfg *config.Config, args []string, out io.Writer) (monitorOptions, error) {
	var o monitorOptions
	fs := newFlagSet("monitor", out)
	addConnFlags(fs, cfg, &o.conn)
	fs.StringVar(&o.logFile, "log-file", "", "write logs to this file while the monitor runs")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 1 {
		return o, errors.New("usage: dcmctl monitor [flags] <token>")
	}
	o.token = fs.Arg(0)
	return o, nil
}

func runMonitor(cfg *config.Config, args []string) {
	o := mustParse(parseMonitor(cfg, args, os.Stderr))
	monitorToken(cfg, o.conn.client(cfg), o.token, o.logFile)
}

// monitorToken runs the terminal monitor. The screen belongs to the
// program, so logs go to logFile or nowhere.
func monitorToken(cfg *config.Config, client *backend.Client, token, logFile string) {
	var out io.Writer = io.Discard
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			fatalf("open log file: %v", err)
		}
		defer f.Close()
		out = f
	}
	config.InitLoggerTo(cfg, out)

	ctrl := monitor.New(monitor.Deps{
		Jobs:    store.NewJobStore(client),
		Aborter: client,
	}, monitor.Options{
		Interval:     cfg.PollInterval,
		MaxErrors:    cfg.PollMaxErrors,
		FetchTimeout: cfg.BackendTimeout,
	})
	if err := tui.Run(ctrl, token); err != nil {
		fatalf("%v", err)
	}
}

type abortOptions struct {
	conn  connOptions
	token string
}

func parseAbort(cfg *config.Config, args []string, out io.Writer) (abortOptions, error) {
	var o abortOptions
	fs := newFlagSet("abort", out)
	addConnFlags(fs, cfg, &o.conn)
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() != 1 {
		return o, errors.New("usage: dcmctl abort [flags] <token>")
	}
	o.token = fs.Arg(0)
	if len(o.token) != model.TokenLength {
		return o, fmt.Errorf("malformed job token %q", o.token)
	}
	return o, nil
}

func runAbort(cfg *config.Config, args []string) {
	o := mustParse(parseAbort(cfg, args, os.Stderr))
	config.InitLoggerTo(cfg, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), o.conn.timeout)
	defer cancel()
	if err := o.conn.client(cfg).AbortJob(ctx, o.token); err != nil {
		fatalf("abort job: %v", err)
	}
	fmt.Printf("abort requested for %s\n", o.token)
}

type watchOptions struct {
	conn     connOptions
	schedule string
	ids      []string
}

func parseWatch(cfg *config.Config, args []string, out io.Writer) (watchOptions, error) {
	var o watchOptions
	fs := newFlagSet("watch", out)
	addConnFlags(fs, cfg, &o.conn)
	fs.StringVar(&o.schedule, "schedule", cfg.JobConfigPollSchedule, "poll schedule (cron expression or @every)")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	if fs.NArg() == 0 {
		return o, errors.New("usage: dcmctl watch [flags] <job-config-id>...")
	}
	if _, err := scheduler.ParseSchedule(o.schedule); err != nil {
		return o, err
	}
	o.ids = fs.Args()
	return o, nil
}

func runWatch(cfg *config.Config, args []string) {
	o := mustParse(parseWatch(cfg, args, os.Stderr))
	config.InitLoggerTo(cfg, os.Stderr)

	client := o.conn.client(cfg)
	jobs := store.NewJobStore(client)
	poller, err := scheduler.NewJobConfigPoller(client, jobs, scheduler.Options{
		Schedule:    o.schedule,
		Concurrency: cfg.PollerConcurrency,
		Timeout:     o.conn.timeout,
		WatchTTL:    cfg.PollerWatchTTL,
		MaxFailures: cfg.PollerMaxFailures,
	})
	if err != nil {
		fatalf("create poller: %v", err)
	}
	for _, id := range o.ids {
		poller.Watch(id)
	}

	var mu sync.Mutex
	last := make(map[string]model.JobStatus)
	unsubscribe := jobs.Subscribe(func(token string) {
		info, ok := jobs.JobInfo(token)
		if !ok {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if last[token] == info.Status {
			return
		}
		last[token] = info.Status
		fmt.Printf("%s\t%s\t%s\n", info.JobConfigID, token, info.Status)
	})
	defer unsubscribe()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	poller.Start(ctx)

	// Reading a watch renews it; watches dropped after failures stay dropped.
	renew := time.NewTicker(max(cfg.PollerWatchTTL/2, time.Second))
	defer renew.Stop()
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-renew.C:
			for _, id := range o.ids {
				poller.Latest(id)
			}
			if len(poller.Watched()) == 0 {
				slog.Error("No job configuration left to watch")
				stop()
			}
		}
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	poller.Stop(stopCtx)
}

func runLayout(cfg *config.Config, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: dcmctl layout <show|resolve|types> [...]")
		os.Exit(1)
	}
	switch args[0] {
	case "show":
		runLayoutShow(cfg, args[1:])
	case "resolve":
		runLayoutResolve(cfg, args[1:])
	case "types":
		printJSON(widget.DefaultCatalog().Creatable())
	default:
		fmt.Fprintln(os.Stderr, "usage: dcmctl layout <show|resolve|types> [...]")
		os.Exit(1)
	}
}

func parseLayoutShow(cfg *config.Config, args []string, out io.Writer) (connOptions, error) {
	var o connOptions
	fs := newFlagSet("layout show", out)
	addConnFlags(fs, cfg, &o)
	return o, fs.Parse(args)
}

func runLayoutShow(cfg *config.Config, args []string) {
	o := mustParse(parseLayoutShow(cfg, args, os.Stderr))
	config.InitLoggerTo(cfg, os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()
	widgets, err := o.client(cfg).FetchWidgetLayout(ctx)
	if err != nil {
		fatalf("fetch layout: %v", err)
	}

	ctrl := layout.NewController(widget.DefaultCatalog(), widgets, nil, nil, layout.Options{})
	printJSON(ctrl.Render())
}

type resolveOptions struct {
	conn   connOptions
	file   string
	locked []string
	save   bool
}

func parseLayoutResolve(cfg *config.Config, args []string, out io.Writer) (resolveOptions, error) {
	var o resolveOptions
	var locked string
	fs := newFlagSet("layout resolve", out)
	addConnFlags(fs, cfg, &o.conn)
	fs.StringVar(&o.file, "file", "", "read the layout from a JSON file instead of the backend")
	fs.StringVar(&locked, "locked", "", "comma separated keys that must not move")
	fs.BoolVar(&o.save, "save", false, "persist the resolved layout to the backend")
	if err := fs.Parse(args); err != nil {
		return o, err
	}
	for _, k := range strings.Split(locked, ",") {
		if k = strings.TrimSpace(k); k != "" {
			o.locked = append(o.locked, k)
		}
	}
	return o, nil
}

// runLayoutResolve reads the backend layout (or a JSON file), resolves
// overlaps and prints the result. With --save the result is written back.
func runLayoutResolve(cfg *config.Config, args []string) {
	o := mustParse(parseLayoutResolve(cfg, args, os.Stderr))
	config.InitLoggerTo(cfg, os.Stderr)

	client := o.conn.client(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), o.conn.timeout)
	defer cancel()

	var widgets model.Layout
	if o.file != "" {
		data, err := os.ReadFile(o.file)
		if err != nil {
			fatalf("read layout: %v", err)
		}
		if err := json.Unmarshal(data, &widgets); err != nil {
			fatalf("parse layout: %v", err)
		}
	} else {
		var err error
		widgets, err = client.FetchWidgetLayout(ctx)
		if err != nil {
			fatalf("fetch layout: %v", err)
		}
	}

	catalog := widget.DefaultCatalog()
	before := layout.Conflicts(widgets, catalog)
	resolved := layout.Resolve(widgets, catalog, o.locked)
	slog.Info("Layout resolved", "widgets", len(resolved), "conflicts_before", before, "conflicts_after", layout.Conflicts(resolved, catalog))

	if o.save {
		if err := client.PersistWidgetLayout(ctx, resolved); err != nil {
			fatalf("persist layout: %v", err)
		}
	}
	printJSON(resolved)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatalf("encode output: %v", err)
	}
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "dcmctl: "+format+"\n", args...)
	os.Exit(1)
}
