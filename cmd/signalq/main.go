package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"signalq/internal/config"
	"signalq/internal/dispatch"
	"signalq/internal/ingest"
	"signalq/internal/limiter"
	"signalq/internal/logging"
	"signalq/internal/metrics"
	"signalq/internal/model"
	"signalq/internal/source"
	"signalq/internal/store"
)

func main() {
	cmd := ""
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}
	switch cmd {
	case "init":
		cmdInit()
	case "ingest":
		cmdIngest()
	case "dispatch":
		cmdDispatch()
	case "status":
		cmdStatus()
	case "sweep":
		cmdSweep()
	default:
		printHelp()
	}
}

func printHelp() {
	fmt.Println("Usage: signalq <command> [options]")
	fmt.Println("Commands:")
	fmt.Println("  init        Create a config file at ./signalq.yaml")
	fmt.Println("  ingest      Fetch new mentions into the queue")
	fmt.Println("  dispatch    Claim and reply to queued mentions")
	fmt.Println("  status      Show queue depth, checkpoint, and remaining quota")
	fmt.Println("  sweep       Reclaim expired processing claims")
}

func cmdInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := fs.String("path", "./signalq.yaml", "path to write config")
	_ = fs.Parse(os.Args[2:])
	cfg := config.Default()
	if err := config.Save(*path, cfg); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	abs, _ := filepath.Abs(*path)
	fmt.Println("Config written to:", abs)
}

func loadAll(cfgPath string) (config.Config, *store.DB) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	db, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	metrics.StartServer(cfg.Metrics.Addr)
	return cfg, db
}

func newSource(cfg config.Config) *source.HTTPSource {
	if cfg.Credentials.BearerToken == "" {
		fmt.Println("warning: missing X_BEARER_TOKEN; API calls will fail")
	}
	return source.NewHTTPSource(cfg.Credentials.BearerToken, cfg.Account.Username)
}

func cmdIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	cfgPath := fs.String("config", "./signalq.yaml", "config path")
	loop := fs.Bool("loop", false, "keep fetching on an interval")
	interval := fs.Duration("interval", 2*time.Minute, "fetch interval when looping")
	_ = fs.Parse(os.Args[2:])
	cfg, db := loadAll(*cfgPath)
	defer db.Close()
	log := logging.New()
	defer log.Sync()
	src := newSource(cfg)
	ctx := signalContext()
	if *loop {
		if err := ingest.RunLoop(ctx, db, src, cfg.Queue.FetchLimit, *interval, log); err != nil && ctx.Err() == nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		return
	}
	n, err := ingest.RunOnce(ctx, db, src, cfg.Queue.FetchLimit, log)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	fmt.Printf("Ingested %d mentions\n", n)
}

func cmdDispatch() {
	fs := flag.NewFlagSet("dispatch", flag.ExitOnError)
	cfgPath := fs.String("config", "./signalq.yaml", "config path")
	worker := fs.String("worker", "worker-1", "logical caller id")
	reply := fs.String("reply", "Thanks for the mention, @%s!", "reply template; %s is the author handle")
	loop := fs.Bool("loop", false, "keep dispatching on an interval")
	interval := fs.Duration("interval", 30*time.Second, "dispatch interval when looping")
	_ = fs.Parse(os.Args[2:])
	cfg, db := loadAll(*cfgPath)
	defer db.Close()
	log := logging.New()
	defer log.Sync()

	src := newSource(cfg)
	tmpl := *reply
	src.Compose = func(m model.Mention) string { return fmt.Sprintf(tmpl, m.Handle) }

	lim := &limiter.Limiter{
		Store:          db,
		Limits:         limiter.FromConfig(cfg.Limits),
		Workers:        cfg.Queue.Workers,
		DriftTolerance: cfg.Queue.DriftTolerance,
		Log:            log,
	}
	d := &dispatch.Dispatcher{
		DB:         db,
		Limiter:    lim,
		Exec:       src,
		Endpoint:   "reply",
		CallerID:   *worker,
		Priority:   1,
		BatchSize:  cfg.Queue.BatchSize,
		MaxRetries: cfg.Queue.MaxRetries,
		ClaimTTL:   cfg.Queue.ClaimTTL.Std(),
		Log:        log,
	}
	ctx := signalContext()
	if *loop {
		if err := d.Run(ctx, *interval); err != nil && ctx.Err() == nil {
			fmt.Println("error:", err)
			os.Exit(1)
		}
		return
	}
	backoff, err := d.RunOnce(ctx)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	if backoff > 0 {
		fmt.Println("Rate limited; retry after", backoff)
	}
}

func cmdStatus() {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cfgPath := fs.String("config", "./signalq.yaml", "config path")
	_ = fs.Parse(os.Args[2:])
	cfg, db := loadAll(*cfgPath)
	defer db.Close()
	ctx := context.Background()
	counts, err := db.CountByStatus(ctx)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	fmt.Println("Queue:")
	for _, s := range []string{"pending", "processing", "completed", "failed"} {
		fmt.Printf("  %-11s %d\n", s, counts[model.Status(s)])
	}
	if id, ok, err := db.Checkpoint(ctx, ingest.SourceMentions); err == nil && ok {
		fmt.Println("Checkpoint:", id)
	}
	lim := &limiter.Limiter{Store: db, Limits: limiter.FromConfig(cfg.Limits)}
	for name := range cfg.Limits {
		rem, err := lim.Remaining(ctx, name)
		if err != nil {
			continue
		}
		fmt.Printf("Remaining %-10s %d\n", name, rem)
	}
}

func cmdSweep() {
	fs := flag.NewFlagSet("sweep", flag.ExitOnError)
	cfgPath := fs.String("config", "./signalq.yaml", "config path")
	_ = fs.Parse(os.Args[2:])
	cfg, db := loadAll(*cfgPath)
	defer db.Close()
	cutoff := time.Now().UTC().Add(-cfg.Queue.ClaimTTL.Std())
	n, err := db.SweepExpiredClaims(context.Background(), cutoff, cfg.Queue.MaxRetries)
	if err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
	fmt.Printf("Reclaimed %d expired claims\n", n)
}

func signalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() { <-ch; cancel() }()
	return ctx
}
