package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"buildreplay.ai/internal/persistence/gamelog"
	persistlog "buildreplay.ai/internal/persistence/log"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "import":
			importCmd(os.Args[2:])
			return
		case "export":
			exportCmd(os.Args[2:])
			return
		case "questionnaire":
			questionnaireCmd(os.Args[2:])
			return
		case "architects":
			architectsCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "runlog":
			runLogCmd(os.Args[2:])
			return
		case "progress":
			progressCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "[admin] ", log.LstdFlags|log.Lmicroseconds)
}

func openStore(path string) *gamelog.Store {
	st, err := gamelog.Open(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	return st
}

func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dbPath := fs.String("db", "./data/games.sqlite", "event-log sqlite db")
	scenario := fs.String("scenario", "", "scenario filter")
	architect := fs.String("architect", "", "architect filter")
	from := fs.Int64("from", 0, "lowest game id (inclusive)")
	to := fs.Int64("to", 0, "highest game id (inclusive)")
	_ = fs.Parse(args)

	st := openStore(*dbPath)
	defer st.Close()

	games, err := st.Games(context.Background(), gamelog.Filter{
		Scenario:  strings.TrimSpace(*scenario),
		Architect: strings.TrimSpace(*architect),
		MinID:     *from,
		MaxID:     *to,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, g := range games {
		printJSON(g)
	}
}

// importCmd loads exported session files into the event-log db. Arguments
// are files; with -events every game-*.jsonl.zst in that dir is imported.
func importCmd(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	dbPath := fs.String("db", "./data/games.sqlite", "event-log sqlite db")
	eventsDir := fs.String("events", "", "directory of session files (optional)")
	_ = fs.Parse(args)

	files := fs.Args()
	if *eventsDir != "" {
		found, err := persistlog.ListFiles(*eventsDir, "game-")
		if err != nil {
			fmt.Fprintln(os.Stderr, "list:", err)
			os.Exit(1)
		}
		files = append(files, found...)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "usage: admin import [-db PATH] [-events DIR] [FILE...]")
		os.Exit(2)
	}

	logger := newLogger()
	st := openStore(*dbPath)
	defer st.Close()

	ctx := context.Background()
	var imported, records int
	for _, path := range files {
		sf, err := persistlog.ReadSession(path)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		if err := st.ImportGame(ctx, sf.Game, sf.Records, sf.Answers); err != nil {
			fmt.Fprintln(os.Stderr, "import:", err)
			os.Exit(1)
		}
		imported++
		records += len(sf.Records)
		logger.Printf("imported game %d (%s): %d records", sf.Game.ID, sf.Game.Scenario, len(sf.Records))
	}
	fmt.Printf("import ok: games=%d records=%d\n", imported, records)
}

// exportCmd writes games from the event-log db as session files. Arguments
// are game ids; without any every game matching the filter is exported.
func exportCmd(args []string) {
	fs := flag.NewFlagSet("export", flag.ExitOnError)
	dbPath := fs.String("db", "./data/games.sqlite", "event-log sqlite db")
	outDir := fs.String("out", "./data/events", "output directory")
	scenario := fs.String("scenario", "", "scenario filter")
	architect := fs.String("architect", "", "architect filter")
	_ = fs.Parse(args)

	ctx := context.Background()
	st := openStore(*dbPath)
	defer st.Close()

	var ids []int64
	for _, a := range fs.Args() {
		id, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			fmt.Fprintln(os.Stderr, "bad game id:", a)
			os.Exit(2)
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		games, err := st.Games(ctx, gamelog.Filter{Scenario: *scenario, Architect: *architect})
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, g := range games {
			ids = append(ids, g.ID)
		}
	}

	for _, id := range ids {
		sf, err := loadSession(ctx, st, id)
		if err != nil {
			fmt.Fprintln(os.Stderr, "export:", err)
			os.Exit(1)
		}
		path := persistlog.SessionPath(*outDir, id)
		if err := persistlog.WriteSession(path, sf); err != nil {
			fmt.Fprintln(os.Stderr, "write:", err)
			os.Exit(1)
		}
		fmt.Println(path)
	}
}

func loadSession(ctx context.Context, st *gamelog.Store, id int64) (persistlog.SessionFile, error) {
	g, recs, err := st.Load(ctx, id)
	if err != nil {
		return persistlog.SessionFile{}, err
	}
	answers, err := st.Questionnaire(ctx, id)
	if err != nil {
		return persistlog.SessionFile{}, fmt.Errorf("game %d questionnaire: %w", id, err)
	}
	return persistlog.SessionFile{Game: g, Records: recs, Answers: answers}, nil
}

func questionnaireCmd(args []string) {
	fs := flag.NewFlagSet("questionnaire", flag.ExitOnError)
	dbPath := fs.String("db", "./data/games.sqlite", "event-log sqlite db")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin questionnaire [-db PATH] GAME_ID")
		os.Exit(2)
	}
	id, err := strconv.ParseInt(fs.Arg(0), 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad game id:", fs.Arg(0))
		os.Exit(2)
	}

	st := openStore(*dbPath)
	defer st.Close()
	ctx := context.Background()
	if _, err := st.Game(ctx, id); err != nil {
		fmt.Fprintln(os.Stderr, "game:", err)
		if errors.Is(err, gamelog.ErrGameNotFound) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	answers, err := st.Questionnaire(ctx, id)
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, a := range answers {
		row := struct {
			gamelog.Answer
			Numeric *int `json:"numeric,omitempty"`
		}{Answer: a}
		if n, ok := a.Numeric(); ok {
			row.Numeric = &n
		}
		printJSON(row)
	}
}

// runLogCmd prints a run's result file: the header, each result ordered by
// game id and the totals when the run finished.
func runLogCmd(args []string) {
	fs := flag.NewFlagSet("runlog", flag.ExitOnError)
	outDir := fs.String("out", "./data/out", "analysis output directory")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin runlog [-out DIR] RUN_ID|FILE")
		os.Exit(2)
	}
	path := fs.Arg(0)
	if !strings.HasSuffix(path, ".jsonl.zst") {
		path = persistlog.RunLogPath(*outDir, path)
	}
	rf, err := persistlog.ReadRunLog(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read:", err)
		os.Exit(1)
	}
	printJSON(rf.Header)
	for _, r := range rf.Results {
		printJSON(r)
	}
	if rf.Totals != nil {
		printJSON(rf.Totals)
	} else {
		fmt.Fprintln(os.Stderr, "run has no totals (interrupted?)")
	}
}

func architectsCmd(args []string) {
	fs := flag.NewFlagSet("architects", flag.ExitOnError)
	dbPath := fs.String("db", "./data/games.sqlite", "event-log sqlite db")
	_ = fs.Parse(args)

	st := openStore(*dbPath)
	defer st.Close()
	archs, err := st.Architects(context.Background())
	if err != nil {
		fmt.Fprintln(os.Stderr, "query:", err)
		os.Exit(1)
	}
	for _, a := range archs {
		fmt.Println(a)
	}
}
