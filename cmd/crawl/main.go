package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/xanadu/internal/app"
	"github.com/ryandielhenn/xanadu/internal/config"
	"github.com/ryandielhenn/xanadu/internal/logging"
	"github.com/ryandielhenn/xanadu/pkg/graph"
	"github.com/ryandielhenn/xanadu/pkg/loader"
	"github.com/ryandielhenn/xanadu/pkg/nostr"
)

var (
	authors   []string
	seedIDs   []string
	relays    []string
	limit     int
	maxDepth  int
	maxNodes  int
	timeout   time.Duration
	asJSON    bool
	useCache  bool
	cachePath string

	rootCmd = &cobra.Command{
		Use:   "crawl",
		Short: "Discover the reply and quote graph around a set of seed notes",
		Long: `crawl fetches seed notes from Nostr relays, walks their reply and
quote references breadth first until the depth or node bound is hit, and
prints what it found.`,
		SilenceUsage: true,
		RunE:         runCrawl,
	}
)

func init() {
	f := rootCmd.Flags()
	f.StringSliceVarP(&authors, "author", "a", nil, "seed from the latest notes of these pubkeys (hex)")
	f.StringSliceVar(&seedIDs, "id", nil, "seed from these event ids (hex)")
	f.StringSliceVarP(&relays, "relay", "r", nil, "relay urls, overriding config")
	f.IntVarP(&limit, "limit", "n", 20, "number of seed notes per author query")
	f.IntVar(&maxDepth, "max-depth", 0, "maximum traversal depth")
	f.IntVar(&maxNodes, "max-nodes", 0, "maximum node count")
	f.DurationVarP(&timeout, "timeout", "t", 2*time.Minute, "give up after this long")
	f.BoolVar(&asJSON, "json", false, "print the full graph snapshot as JSON")
	f.BoolVar(&useCache, "cache", false, "cache fetched events in badger")
	f.StringVar(&cachePath, "cache-path", "", "on-disk cache directory (empty keeps it in memory)")
}

func main() {
	ctx, stop := interruptContext(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// interruptContext is cancelled on Ctrl-C or SIGTERM.
func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	if len(authors) == 0 && len(seedIDs) == 0 {
		return errors.New("need at least one --author or --id")
	}

	if wd, err := os.Getwd(); err == nil {
		_ = config.LoadDotEnv(wd)
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, "console")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	seeds, err := fetchSeeds(ctx, a.Fetcher)
	if err != nil {
		return fmt.Errorf("fetch seeds: %w", err)
	}
	logger.Info("seeds fetched", zap.Int("count", len(seeds)))

	start := time.Now()
	a.Loader.LoadInitial(ctx, seeds)
	if err := a.Loader.Wait(ctx); err != nil {
		logger.Warn("traversal cut short", zap.Error(err))
	}

	out := cmd.OutOrStdout()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(a.Store.Snapshot())
	}
	return printSummary(out, a.Store.Snapshot(), a.Loader.Stats(), time.Since(start))
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	if len(relays) > 0 {
		cfg.Relays = relays
	}
	if cmd.Flags().Changed("max-depth") {
		cfg.MaxDepth = maxDepth
	}
	if cmd.Flags().Changed("max-nodes") {
		cfg.MaxNodes = maxNodes
	}
	if cmd.Flags().Changed("cache") {
		cfg.CacheEnabled = useCache
	}
	if cachePath != "" {
		cfg.CachePath = cachePath
	}
}

func fetchSeeds(ctx context.Context, f loader.Fetcher) ([]*nostr.Event, error) {
	if len(seedIDs) > 0 {
		return f.FetchByIDs(ctx, seedIDs)
	}
	return f.FetchByFilter(ctx, nostr.Filter{
		Authors: authors,
		Kinds:   []int{nostr.KindTextNote},
		Limit:   limit,
	})
}

func printSummary(w io.Writer, snap graph.Snapshot, st loader.Stats, took time.Duration) error {
	byDepth := make(map[int]int)
	processed := 0
	for _, n := range snap.Nodes {
		byDepth[n.Depth]++
		if n.Processed {
			processed++
		}
	}
	var replies, quotes int
	for _, e := range snap.Edges {
		if e.Type == graph.EdgeQuote {
			quotes++
		} else {
			replies++
		}
	}

	fmt.Fprintf(w, "Discovered %d nodes (%d processed) and %d edges (%d reply, %d quote) in %s\n",
		len(snap.Nodes), processed, len(snap.Edges), replies, quotes, took.Round(time.Millisecond))
	for _, d := range slices.Sorted(maps.Keys(byDepth)) {
		fmt.Fprintf(w, "  depth %d: %d\n", d, byDepth[d])
	}
	_, err := fmt.Fprintf(w, "Batches: %d, still queued: %d, unresolved references: %d\n",
		st.Batches, st.Queued, st.Missing)
	return err
}
