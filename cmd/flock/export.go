package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/flockd/flock/internal/config"
	"github.com/flockd/flock/internal/store"
	"github.com/klauspost/compress/zstd"
)

// exportRecord is one line of the archive: a record type plus its body.
type exportRecord struct {
	Record string `json:"record"`
	Body   any    `json:"body"`
}

func runExport(args []string) error {
	var outputPath string
	limit := 10000

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		case "-limit":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -limit")
			}
			i++
			if _, err := fmt.Sscanf(args[i], "%d", &limit); err != nil {
				return fmt.Errorf("invalid -limit: %w", err)
			}
		}
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: flock export -f <output.jsonl.zst> [-limit <n>]\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	f, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	n, err := writeArchive(f, db, limit)
	if err != nil {
		return err
	}

	fmt.Printf("exported %d records to %s\n", n, outputPath)
	return nil
}

// writeArchive streams history as zstd-compressed JSON lines.
func writeArchive(w io.Writer, db *store.Store, limit int) (int, error) {
	zw, err := zstd.NewWriter(w)
	if err != nil {
		return 0, fmt.Errorf("zstd writer: %w", err)
	}
	defer zw.Close()

	enc := json.NewEncoder(zw)
	count := 0

	results, err := db.ListResults(limit)
	if err != nil {
		return count, fmt.Errorf("export results: %w", err)
	}
	for _, r := range results {
		if err := enc.Encode(exportRecord{Record: "result", Body: r}); err != nil {
			return count, fmt.Errorf("encode result: %w", err)
		}
		count++
	}

	events, err := db.ListStatusEvents(limit)
	if err != nil {
		return count, fmt.Errorf("export status events: %w", err)
	}
	for _, ev := range events {
		if err := enc.Encode(exportRecord{Record: "status_event", Body: ev}); err != nil {
			return count, fmt.Errorf("encode status event: %w", err)
		}
		count++
	}

	dead, err := db.ListDeadTasks(limit)
	if err != nil {
		return count, fmt.Errorf("export dead tasks: %w", err)
	}
	for _, t := range dead {
		if err := enc.Encode(exportRecord{Record: "dead_task", Body: t}); err != nil {
			return count, fmt.Errorf("encode dead task: %w", err)
		}
		count++
	}

	if err := zw.Flush(); err != nil {
		return count, fmt.Errorf("flush archive: %w", err)
	}
	return count, nil
}
