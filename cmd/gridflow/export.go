package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mtzanidakis/gridflow/internal/config"
	"github.com/mtzanidakis/gridflow/internal/store"
)

func runExport(args []string) error {
	var outputPath, listPath string

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-f":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -f")
			}
			i++
			outputPath = args[i]
		case "-list":
			if i+1 >= len(args) {
				return fmt.Errorf("missing value for -list")
			}
			i++
			listPath = args[i]
		}
	}

	if listPath != "" {
		f, err := os.Open(listPath)
		if err != nil {
			return fmt.Errorf("open export: %w", err)
		}
		defer f.Close()
		return listExport(os.Stdout, f)
	}

	if outputPath == "" {
		fmt.Fprintf(os.Stderr, "Usage: gridflow export -f <output.jsonl.zst>\n       gridflow export -list <input.jsonl.zst>\n")
		return fmt.Errorf("missing -f flag")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	db, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	stats, size, err := exportTo(db, outputPath)
	if err != nil {
		return err
	}
	fmt.Printf("Export complete: %d items, %d events, %d ticks, %d verdicts, %s\n",
		stats.Items, stats.Events, stats.Ticks, stats.Verdicts, formatSize(size))
	return nil
}

func exportTo(db *store.Store, path string) (store.ExportStats, int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return store.ExportStats{}, 0, fmt.Errorf("create output file: %w", err)
	}
	defer f.Close()

	stats, err := db.Export(f)
	if err != nil {
		return stats, 0, err
	}
	// Close explicitly to catch write errors
	if err := f.Close(); err != nil {
		return stats, 0, fmt.Errorf("close file: %w", err)
	}

	size := int64(0)
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}
	return stats, size, nil
}

// listExport prints one line per record.
func listExport(w io.Writer, r io.Reader) error {
	var counts store.ExportStats
	err := store.ReadExport(r, func(rec store.ExportRecord) error {
		switch rec.Type {
		case "item":
			counts.Items++
			fmt.Fprintf(w, "item     %s  %-11s %s\n", rec.Item.ID, rec.Item.Status, rec.Item.Kind)
		case "event":
			counts.Events++
			fmt.Fprintf(w, "event    %s  %s -> %s  tick %d\n", rec.Event.ItemID, displayStatus(string(rec.Event.From)), rec.Event.To, rec.Event.Tick)
		case "tick":
			counts.Ticks++
			fmt.Fprintf(w, "tick     %d  actions %d  delivered %d  rejected %d\n", rec.Tick.Tick, rec.Tick.Actions, rec.Tick.Delivered, rec.Tick.Rejected)
		case "verdict":
			counts.Verdicts++
			fmt.Fprintf(w, "verdict  %s  %s  %.2f\n", rec.Verdict.ItemID, rec.Verdict.Verdict, rec.Verdict.Mean)
		}
		return nil
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\n%d items, %d events, %d ticks, %d verdicts\n", counts.Items, counts.Events, counts.Ticks, counts.Verdicts)
	return nil
}

func displayStatus(s string) string {
	if s == "" {
		return "new"
	}
	return s
}

func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
