package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hive/internal/state"
	"github.com/ShayCichocki/hive/internal/trace"
)

var (
	traceKinds []string
	traceRaw   bool
)

var traceCmd = &cobra.Command{
	Use:   "trace",
	Short: "Inspect recorded traces",
}

var traceShowCmd = &cobra.Command{
	Use:   "show <trace-file | run-id>",
	Short: "Print a trace's records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}
		t, err := loadTrace(cmd.Context(), cfg, cwd, args[0])
		if err != nil {
			return err
		}

		records := t.Records
		if len(traceKinds) > 0 {
			kinds := make([]trace.Kind, len(traceKinds))
			for i, k := range traceKinds {
				kinds[i] = trace.Kind(k)
			}
			records = t.Of(kinds...)
		}
		if traceRaw {
			return trace.Encode(os.Stdout, records)
		}

		kindStyle := color.New(color.FgCyan)
		for _, rec := range records {
			fmt.Printf("%6d  %s  %s\n", rec.Ordinal, kindStyle.Sprintf("%-16s", rec.Kind), truncate(string(rec.Payload), 100))
		}
		fmt.Printf("\n%d records\n", len(records))
		return nil
	},
}

var traceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs with a recorded trace",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("get working directory: %w", err)
		}

		seen := map[string]string{}
		if dir := traceDir(cfg, cwd); dir != "" {
			ids, err := trace.NewFileRepository(dir).List()
			if err != nil {
				return err
			}
			for _, id := range ids {
				seen[id] = "file"
			}
		}
		if path := stateDBPath(cfg, cwd); fileExists(path) {
			db, err := state.Open(path)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.Migrate(); err != nil {
				return err
			}
			ids, err := db.TraceRuns(cmd.Context())
			if err != nil {
				return err
			}
			for _, id := range ids {
				if seen[id] != "" {
					seen[id] += ", db"
				} else {
					seen[id] = "db"
				}
			}
		}

		if len(seen) == 0 {
			fmt.Println("No traces recorded. Run 'hive run <goal>' to record one.")
			return nil
		}
		ids := make([]string, 0, len(seen))
		for id := range seen {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("%s  %s\n", id, color.HiBlackString(strings.TrimSpace(seen[id])))
		}
		return nil
	},
}

func init() {
	traceShowCmd.Flags().StringSliceVar(&traceKinds, "kind", nil, "Only show records of these kinds")
	traceShowCmd.Flags().BoolVar(&traceRaw, "raw", false, "Print JSON Lines")
	traceCmd.AddCommand(traceShowCmd)
	traceCmd.AddCommand(traceListCmd)
}
