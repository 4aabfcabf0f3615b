package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kalambet/firmscrape/internal/config"
	"github.com/kalambet/firmscrape/internal/naming"
	"github.com/kalambet/firmscrape/internal/pipeline"
	"github.com/kalambet/firmscrape/internal/storage"
)

// --- run / scrape ---

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Scrape and extract a range of stored subpages",
	Long: `Scrape and extract subpage rows start..end (1-based, inclusive).

Examples:
  firmscrape run --start 1 --end 50
  firmscrape run --start 10 --end 10 --fields "company overview,team/leadership" --refresh`,
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetInt("start")
		end, _ := cmd.Flags().GetInt("end")
		if start == 0 || end == 0 {
			return fmt.Errorf("--start and --end are required")
		}
		return runBatch(cmd, func(ctx context.Context, a *app, fields []string, model string, opts pipeline.RunOptions) (pipeline.BatchResult, error) {
			return a.orch.RunRange(ctx, start, end, fields, model, opts)
		})
	},
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape <url>...",
	Short: "Scrape and extract the given URLs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd, func(ctx context.Context, a *app, fields []string, model string, opts pipeline.RunOptions) (pipeline.BatchResult, error) {
			return a.orch.Run(ctx, args, fields, model, opts)
		})
	},
}

func init() {
	runCmd.Flags().Int("start", 0, "first subpage row (1-based)")
	runCmd.Flags().Int("end", 0, "last subpage row (inclusive)")
	for _, c := range []*cobra.Command{runCmd, scrapeCmd} {
		c.Flags().String("model", "", "LLM model (default from llm.model)")
		c.Flags().String("fields", "", "comma-separated fields to extract (default: the six VC fields)")
		c.Flags().Bool("refresh", false, "re-extract pages that already have structured data")
		c.Flags().Bool("json", false, "print the batch result as JSON on stdout")
	}
}

type batchFunc func(ctx context.Context, a *app, fields []string, model string, opts pipeline.RunOptions) (pipeline.BatchResult, error)

func runBatch(cmd *cobra.Command, fn batchFunc) error {
	modelFlag, _ := cmd.Flags().GetString("model")
	fieldsFlag, _ := cmd.Flags().GetString("fields")
	refresh, _ := cmd.Flags().GetBool("refresh")
	asJSON, _ := cmd.Flags().GetBool("json")

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	model := modelFlag
	if model == "" {
		model = cfg.LLM.Model
	}
	fields := parseFields(fieldsFlag)

	printStep("Running with model %s", model)
	res, runErr := fn(ctx, a, fields, model, pipeline.RunOptions{
		Force:    refresh,
		Progress: printProgress,
	})
	if errors.Is(runErr, pipeline.ErrInvalidRange) {
		return runErr
	}
	if res.RunID != "" {
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
		} else {
			writeSummary(os.Stderr, res)
		}
		stats := a.fetcher.Stats()
		logger.Debug("fetch stats", "fetches", stats.Fetches, "attempts", stats.Attempts, "retries", stats.Retries, "failures", stats.Failures)
	}
	if runErr != nil {
		return runErr
	}
	if res.Totals.Failed > 0 {
		return fmt.Errorf("%d of %d URLs failed", res.Totals.Failed, len(res.URLs))
	}
	return nil
}

// parseFields splits a comma-separated list. Empty input selects the defaults.
func parseFields(s string) []string {
	var fields []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return pipeline.DefaultFields
	}
	return fields
}

// --- subpages ---

var subpagesCmd = &cobra.Command{
	Use:   "subpages",
	Short: "Manage the subpage URL list",
}

var subpagesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import URLs, one per line (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("opening %s: %w", args[0], err)
			}
			defer f.Close()
			r = f
		}
		urls, err := readURLs(r)
		if err != nil {
			return err
		}

		return withStore(func(ctx context.Context, store *storage.Store) error {
			added, err := store.AddSubpages(ctx, urls)
			if err != nil {
				return err
			}
			printSuccess("Imported %d new URLs (%d read)", added, len(urls))
			return nil
		})
	},
}

var subpagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List subpages with their row numbers",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		return withStore(func(ctx context.Context, store *storage.Store) error {
			pages, err := store.ListSubpages(ctx, limit, offset)
			if err != nil {
				return err
			}
			if len(pages) == 0 {
				fmt.Println("No subpages.")
				return nil
			}
			for i, p := range pages {
				fmt.Printf("%6d  %s\n", offset+i+1, p.FullURL)
			}
			return nil
		})
	},
}

var subpagesCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of subpages",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(func(ctx context.Context, store *storage.Store) error {
			n, err := store.CountSubpages(ctx)
			if err != nil {
				return err
			}
			fmt.Println(n)
			return nil
		})
	},
}

func init() {
	subpagesListCmd.Flags().Int("limit", 50, "maximum number of rows")
	subpagesListCmd.Flags().Int("offset", 0, "rows to skip")

	subpagesCmd.AddCommand(subpagesImportCmd)
	subpagesCmd.AddCommand(subpagesListCmd)
	subpagesCmd.AddCommand(subpagesCountCmd)
}

// readURLs returns the non-blank lines of r, skipping # comments.
func readURLs(r io.Reader) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading URLs: %w", err)
	}
	return urls, nil
}

func withStore(fn func(ctx context.Context, store *storage.Store) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			printWarning("closing storage: %v", err)
		}
	}()
	return fn(context.Background(), store)
}

// --- records ---

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect stored scrape results",
}

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored records",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		return withStore(func(ctx context.Context, store *storage.Store) error {
			recs, err := store.ListRecords(ctx, limit, offset)
			if err != nil {
				return err
			}
			if len(recs) == 0 {
				fmt.Println("No records found.")
				return nil
			}
			for _, r := range recs {
				state := colorize(colorYellow, "raw")
				if r.FormattedData != nil {
					state = colorize(colorGreen, "extracted")
				}
				fmt.Printf("%s  %s  %s  %d chars  %s\n",
					r.CreatedAt.Local().Format("2006-01-02 15:04"),
					colorize(colorBold, r.UniqueName),
					state,
					r.ContentLength,
					r.URL,
				)
			}
			return nil
		})
	},
}

var recordsShowCmd = &cobra.Command{
	Use:   "show <name|url>",
	Short: "Show the structured data of a record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, _ := cmd.Flags().GetBool("raw")
		name := recordName(args[0])

		return withStore(func(ctx context.Context, store *storage.Store) error {
			rec, err := store.GetRecord(ctx, name)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no record named %s", name)
			}
			if err != nil {
				return err
			}
			if raw {
				fmt.Println(rec.RawData)
				return nil
			}
			if rec.FormattedData == nil {
				printWarning("%s has raw content but no structured data yet", name)
				return nil
			}
			return printIndented(os.Stdout, rec.FormattedData)
		})
	},
}

func init() {
	recordsListCmd.Flags().Int("limit", 20, "maximum number of records")
	recordsListCmd.Flags().Int("offset", 0, "records to skip")
	recordsShowCmd.Flags().Bool("raw", false, "print the stored markdown instead")

	recordsCmd.AddCommand(recordsListCmd)
	recordsCmd.AddCommand(recordsShowCmd)
}

// recordName maps a URL to its unique name and passes names through.
func recordName(s string) string {
	if strings.Contains(s, "://") {
		return naming.GenerateUniqueName(s)
	}
	return s
}

func printIndented(w io.Writer, data json.RawMessage) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("decoding stored data: %w", err)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- batches (remote) ---

var batchesCmd = &cobra.Command{
	Use:   "batches",
	Short: "Submit and inspect batches on a running server",
}

type remoteBatch struct {
	ID     string                `json:"id"`
	Status string                `json:"status"`
	Done   int                   `json:"done"`
	Total  int                   `json:"total"`
	Error  string                `json:"error"`
	Result *pipeline.BatchResult `json:"result"`
}

var batchesSubmitCmd = &cobra.Command{
	Use:   "submit [url...]",
	Short: "Start a batch by URLs or by --start/--end row range",
	RunE: func(cmd *cobra.Command, args []string) error {
		start, _ := cmd.Flags().GetInt("start")
		end, _ := cmd.Flags().GetInt("end")
		fieldsFlag, _ := cmd.Flags().GetString("fields")
		model, _ := cmd.Flags().GetString("model")
		refresh, _ := cmd.Flags().GetBool("refresh")

		if len(args) == 0 && (start == 0 || end == 0) {
			return fmt.Errorf("either URLs or --start and --end are required")
		}

		req := map[string]any{"refresh": refresh}
		if len(args) > 0 {
			req["urls"] = args
		} else {
			req["start"] = start
			req["end"] = end
		}
		if fieldsFlag != "" {
			req["fields"] = parseFields(fieldsFlag)
		}
		if model != "" {
			req["model"] = model
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/batches", req)
		if err != nil {
			return err
		}
		var job remoteBatch
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		printSuccess("Batch %s %s", job.ID, job.Status)
		return nil
	},
}

var batchesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show batch progress and totals",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/batches/"+args[0])
		if err != nil {
			return err
		}
		var job remoteBatch
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printStatus("Batch", "%s", job.ID)
		printStatus("Status", "%s (%d/%d)", job.Status, job.Done, job.Total)
		if job.Error != "" {
			printStatus("Error", "%s", job.Error)
		}
		if job.Result != nil {
			writeSummary(os.Stderr, *job.Result)
		}
		return nil
	},
}

func init() {
	batchesSubmitCmd.Flags().Int("start", 0, "first subpage row (1-based)")
	batchesSubmitCmd.Flags().Int("end", 0, "last subpage row (inclusive)")
	batchesSubmitCmd.Flags().String("fields", "", "comma-separated fields to extract")
	batchesSubmitCmd.Flags().String("model", "", "LLM model")
	batchesSubmitCmd.Flags().Bool("refresh", false, "re-extract pages that already have structured data")

	batchesCmd.AddCommand(batchesSubmitCmd)
	batchesCmd.AddCommand(batchesShowCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
