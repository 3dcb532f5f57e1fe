package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"buildreplay.ai/internal/batch"
	"buildreplay.ai/internal/config"
	"buildreplay.ai/internal/events"
	"buildreplay.ai/internal/persistence/gamelog"
	"buildreplay.ai/internal/persistence/indexdb"
	persistlog "buildreplay.ai/internal/persistence/log"
	"buildreplay.ai/internal/plan"
	"buildreplay.ai/internal/replay"
	"buildreplay.ai/internal/transport/progress"
)

const usage = `usage: analysis <command> [flags] [args]

commands:
  game ID...            analyze the given games
  range -from A -to B   analyze games with ids in [A,B]
  scenario NAME         analyze every game of a scenario
  architect NAME        analyze every game of an architect
  all                   analyze every game
  serve                 like all (honours -scenario/-architect/-from/-to) and
                        streams results on the progress feed until interrupted`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	switch cmd := os.Args[1]; cmd {
	case "game", "range", "scenario", "architect", "all", "serve":
		if err := run(cmd, os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, "analysis:", err)
			os.Exit(1)
		}
	case "help", "-h", "-help", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintln(os.Stderr, "unknown command:", cmd)
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

// gameSource is a batch source that can also enumerate its games.
type gameSource interface {
	batch.Source
	Games(ctx context.Context, f gamelog.Filter) ([]events.Game, error)
}

type flags struct {
	configPath     string
	logDB          string
	eventsDir      string
	resultsDB      string
	outDir         string
	workers        int
	countDestroyed bool
	requireSuccess bool
	addr           string
	quiet          bool

	scenario  string
	architect string
	from      int64
	to        int64
}

func run(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	var f flags
	fs.StringVar(&f.configPath, "config", "./configs/config.yaml", "config file (optional)")
	fs.StringVar(&f.logDB, "db", "", "event-log sqlite db (overrides log_db)")
	fs.StringVar(&f.eventsDir, "events", "", "directory of game-<id>.jsonl.zst session files; read instead of the db when set")
	fs.StringVar(&f.resultsDB, "results", "", "results index sqlite db (overrides results_db)")
	fs.StringVar(&f.outDir, "out", "", "output directory for results/run-<id>.jsonl.zst (overrides out_dir)")
	fs.IntVar(&f.workers, "workers", 0, "sessions analyzed in parallel (overrides workers)")
	fs.BoolVar(&f.countDestroyed, "count_destroyed", true, "count wrongly destroyed blocks as mistakes")
	fs.BoolVar(&f.requireSuccess, "require_success", true, "skip HLO replay for sessions that never succeeded")
	fs.StringVar(&f.addr, "addr", "", "progress feed listen address (serve; overrides progress_addr)")
	fs.BoolVar(&f.quiet, "quiet", false, "do not print results to stdout")
	fs.StringVar(&f.scenario, "scenario", "", "scenario filter")
	fs.StringVar(&f.architect, "architect", "", "architect filter")
	fs.Int64Var(&f.from, "from", 0, "lowest game id (inclusive)")
	fs.Int64Var(&f.to, "to", 0, "highest game id (inclusive)")
	_ = fs.Parse(args)

	set := map[string]bool{}
	fs.Visit(func(fl *flag.Flag) { set[fl.Name] = true })

	cfg, err := config.Load(f.configPath, set["config"])
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	applyFlags(&cfg, f, set)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	sel, err := selection(cmd, fs.Args(), f)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		fs.Usage()
		os.Exit(2)
	}

	logger := log.New(os.Stdout, "[analysis] ", log.LstdFlags|log.Lmicroseconds)
	if !f.quiet {
		// Results own stdout.
		logger.SetOutput(os.Stderr)
	}

	reg, err := plan.LoadRegistry(cfg.ConfigDir)
	if err != nil {
		return fmt.Errorf("load scenarios: %w", err)
	}
	markers, err := cfg.MarkerTable()
	if err != nil {
		return err
	}
	analyzer := replay.NewAnalyzer(reg, events.NewIngester(markers, logger), cfg.Options(), logger)

	src, closeSrc, err := openSource(cfg)
	if err != nil {
		return err
	}
	defer closeSrc()

	ctx, cancel := signalContext()
	defer cancel()

	ids, err := sel.resolve(ctx, src)
	if err != nil {
		return fmt.Errorf("select games: %w", err)
	}
	logger.Printf("%s: %d sessions, %d workers", sel, len(ids), cfg.Workers)

	idx, err := indexdb.OpenSQLite(cfg.ResultsDB)
	if err != nil {
		return fmt.Errorf("open results index: %w", err)
	}
	defer func() {
		if err := idx.Close(); err != nil {
			logger.Printf("close results index: %v", err)
		}
	}()
	if err := idx.UpsertScenarios(ctx, reg); err != nil {
		return fmt.Errorf("record scenarios: %w", err)
	}
	runID, err := idx.BeginRun(ctx, indexdb.RunInfo{
		Selector:                sel.String(),
		Workers:                 cfg.Workers,
		CountDestroyedAsMistake: cfg.CountDestroyedAsMistake,
	})
	if err != nil {
		return err
	}

	resultLog, err := persistlog.CreateRunLog(cfg.OutDir, persistlog.RunHeader{RunID: runID, Selector: sel.String()})
	if err != nil {
		return fmt.Errorf("create result log: %w", err)
	}
	defer func() {
		if err := resultLog.Close(); err != nil {
			logger.Printf("close result log: %v", err)
		}
	}()

	sinks := []batch.Sink{
		batch.SinkFunc(resultLog.WriteResult),
		indexSink{idx: idx, runID: runID},
	}
	if !f.quiet {
		sinks = append(sinks, newJSONLines(os.Stdout))
	}

	var (
		feed *progress.Server
		srv  *http.Server
	)
	if cmd == "serve" {
		feed = progress.NewServer(logger)
		feed.BeginRun(runID, sel.String(), len(ids))
		sinks = append(sinks, feed)
		srv = &http.Server{
			Addr:              cfg.ProgressAddr,
			Handler:           feed.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel2()
			_ = srv.Shutdown(ctx2)
		}()
		go func() {
			logger.Printf("progress feed on %s", cfg.ProgressAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("progress feed: %v", err)
				cancel()
			}
		}()
	}

	runner := &batch.Runner{
		Source:   src,
		Analyzer: analyzer,
		Workers:  cfg.Workers,
		Sinks:    sinks,
		Logger:   logger,
	}
	start := time.Now()
	rep, runErr := runner.Run(ctx, ids)
	idx.FinishRun(runID, indexdb.RunTotals{Sessions: rep.Sessions, Failed: rep.Failed})
	logger.Printf("run %s: %d sessions, %d failed, %s, results in %s", runID, rep.Sessions, rep.Failed, time.Since(start).Round(time.Millisecond), resultLog.Path())
	if st := idx.Stats(); st.DropResultTotal > 0 {
		logger.Printf("results index dropped %d results (queue %d)", st.DropResultTotal, st.QueueCapacity)
	}
	if runErr != nil {
		return runErr
	}

	if feed != nil {
		feed.Finish()
		logger.Printf("run finished; serving progress until interrupted")
		<-ctx.Done()
	}
	return nil
}

func applyFlags(cfg *config.Config, f flags, set map[string]bool) {
	if set["db"] {
		cfg.LogDB = f.logDB
	}
	if set["events"] {
		cfg.EventsDir = f.eventsDir
	}
	if set["results"] {
		cfg.ResultsDB = f.resultsDB
	}
	if set["out"] {
		cfg.OutDir = f.outDir
	}
	if set["workers"] {
		cfg.Workers = f.workers
	}
	if set["count_destroyed"] {
		cfg.CountDestroyedAsMistake = f.countDestroyed
	}
	if set["require_success"] {
		cfg.RequireSuccess = f.requireSuccess
	}
	if set["addr"] {
		cfg.ProgressAddr = f.addr
	}
}

func openSource(cfg config.Config) (gameSource, func(), error) {
	if strings.TrimSpace(cfg.EventsDir) != "" {
		return persistlog.Dir{Path: cfg.EventsDir}, func() {}, nil
	}
	st, err := gamelog.Open(cfg.LogDB)
	if err != nil {
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	return st, func() { _ = st.Close() }, nil
}

// gameSelection is what a command asks for: explicit ids or a filter.
type gameSelection struct {
	cmd    string
	ids    []int64
	filter gamelog.Filter
}

func selection(cmd string, args []string, f flags) (gameSelection, error) {
	sel := gameSelection{cmd: cmd}
	switch cmd {
	case "game":
		if len(args) == 0 {
			return sel, errors.New("missing game id")
		}
		for _, a := range args {
			id, err := strconv.ParseInt(a, 10, 64)
			if err != nil || id <= 0 {
				return sel, fmt.Errorf("bad game id %q", a)
			}
			sel.ids = append(sel.ids, id)
		}
		return sel, nil
	case "range":
		if f.from <= 0 || f.to < f.from {
			return sel, fmt.Errorf("need 0 < -from <= -to, got %d..%d", f.from, f.to)
		}
	case "scenario":
		if f.scenario == "" && len(args) > 0 {
			f.scenario = args[0]
		}
		if f.scenario == "" {
			return sel, errors.New("missing scenario name")
		}
	case "architect":
		if f.architect == "" && len(args) > 0 {
			f.architect = args[0]
		}
		if f.architect == "" {
			return sel, errors.New("missing architect name")
		}
	}
	sel.filter = gamelog.Filter{Scenario: f.scenario, Architect: f.architect, MinID: f.from, MaxID: f.to}
	return sel, nil
}

func (s gameSelection) resolve(ctx context.Context, src gameSource) ([]int64, error) {
	if s.ids != nil {
		return s.ids, nil
	}
	games, err := src.Games(ctx, s.filter)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(games))
	for _, g := range games {
		ids = append(ids, g.ID)
	}
	return ids, nil
}

func (s gameSelection) String() string {
	if s.ids != nil {
		parts := make([]string, len(s.ids))
		for i, id := range s.ids {
			parts[i] = strconv.FormatInt(id, 10)
		}
		return "game " + strings.Join(parts, ",")
	}
	parts := []string{s.cmd}
	if s.filter.Scenario != "" {
		parts = append(parts, "scenario="+s.filter.Scenario)
	}
	if s.filter.Architect != "" {
		parts = append(parts, "architect="+s.filter.Architect)
	}
	if s.filter.MinID > 0 || s.filter.MaxID > 0 {
		parts = append(parts, fmt.Sprintf("ids=%d..%d", s.filter.MinID, s.filter.MaxID))
	}
	return strings.Join(parts, " ")
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
