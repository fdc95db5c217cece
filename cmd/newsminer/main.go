// Command newsminer mines business problems out of newsletters.
//
// Usage:
//
//	newsminer serve --config config.yaml
//	newsminer ingest issue-042.html
//	newsminer analyze --all
//	newsminer cluster
//	newsminer status
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/paul-nallet/newsletter-mining/pkg/analyzer"
	"github.com/paul-nallet/newsletter-mining/pkg/clustering"
	"github.com/paul-nallet/newsletter-mining/pkg/config"
	"github.com/paul-nallet/newsletter-mining/pkg/credits"
	"github.com/paul-nallet/newsletter-mining/pkg/embedder"
	"github.com/paul-nallet/newsletter-mining/pkg/events"
	"github.com/paul-nallet/newsletter-mining/pkg/ingest"
	"github.com/paul-nallet/newsletter-mining/pkg/llm"
	"github.com/paul-nallet/newsletter-mining/pkg/logger"
	"github.com/paul-nallet/newsletter-mining/pkg/pipeline"
	"github.com/paul-nallet/newsletter-mining/pkg/search"
	"github.com/paul-nallet/newsletter-mining/pkg/server"
	"github.com/paul-nallet/newsletter-mining/pkg/store"
)

// CLI defines the command-line interface.
type CLI struct {
	Version VersionCmd `cmd:"" help:"Show version information."`
	Serve   ServeCmd   `cmd:"" help:"Start the API server."`
	Ingest  IngestCmd  `cmd:"" help:"Ingest newsletter files."`
	Analyze AnalyzeCmd `cmd:"" help:"Analyze stored newsletters (consumes credits)."`
	Cluster ClusterCmd `cmd:"" help:"Regenerate problem clusters."`
	Status  StatusCmd  `cmd:"" help:"Show credit balance and corpus stats."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
	LogFile   string `help:"Log file path (empty = stderr)."`
	LogFormat string `help:"Log format (simple or verbose)." default:"simple"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

func (c *VersionCmd) Run() error {
	version := "dev"
	if info, ok := debug.ReadBuildInfo(); ok {
		if info.Main.Version != "(devel)" && info.Main.Version != "" {
			version = info.Main.Version
		}
	}
	fmt.Printf("newsminer version %s\n", version)
	return nil
}

// app holds the wired components shared by commands.
type app struct {
	cfg     *config.Config
	dbPool  *config.DBPool
	store   *store.Store
	credits *credits.Service
	bus     *events.Bus
}

func newApp(cli *CLI) (*app, error) {
	var (
		cfg *config.Config
		err error
	)
	if cli.Config != "" {
		cfg, err = config.Load(cli.Config)
		if err != nil {
			return nil, err
		}
	} else {
		_ = config.LoadEnvFiles()
		cfg = config.Default()
	}

	dbPool := config.NewDBPool()
	db, err := dbPool.Get(&cfg.Database)
	if err != nil {
		dbPool.Close()
		return nil, err
	}

	st, err := store.New(db, cfg.Database.Dialect())
	if err != nil {
		dbPool.Close()
		return nil, err
	}

	bus := events.NewBus()

	limits := credits.PlanLimits(cfg.Credits.PlanLimits, cfg.Credits.DefaultLimit)
	creditSvc, err := credits.NewService(db, cfg.Database.Dialect(), limits,
		credits.WithTTL(cfg.Credits.ReservationTTL),
		credits.WithNotifier(&events.CreditsNotifier{Bus: bus}))
	if err != nil {
		bus.Close()
		dbPool.Close()
		return nil, err
	}

	return &app{cfg: cfg, dbPool: dbPool, store: st, credits: creditSvc, bus: bus}, nil
}

func (a *app) close() {
	a.bus.Close()
	_ = a.dbPool.Close()
}

// buildPipeline wires the LLM-backed components. Only commands that analyze
// or cluster need an API key.
func (a *app) buildPipeline() (*pipeline.Pipeline, *search.Index, error) {
	client, err := llm.NewOpenAIClient(a.cfg.LLM)
	if err != nil {
		return nil, nil, fmt.Errorf("llm: %w", err)
	}

	an, err := analyzer.New(client, a.cfg.LLM)
	if err != nil {
		return nil, nil, err
	}

	emb, err := embedder.NewOpenAIEmbedder(a.cfg.Embedder)
	if err != nil {
		return nil, nil, fmt.Errorf("embedder: %w", err)
	}

	idx, err := search.NewIndex(emb)
	if err != nil {
		return nil, nil, err
	}

	pl, err := pipeline.New(a.store, a.credits, an, emb, idx, a.bus,
		clustering.Config{
			SimilarityThreshold: a.cfg.Clustering.SimilarityThreshold,
			MinClusterSize:      a.cfg.Clustering.MinClusterSize,
		},
		pipeline.WithClusterEnrichment(a.cfg.Clustering.EnrichSummaries))
	if err != nil {
		return nil, nil, err
	}
	return pl, idx, nil
}

// ServeCmd starts the API server.
type ServeCmd struct {
	Port int `help:"Port to listen on (overrides config)." default:"0"`
}

func (c *ServeCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.close()

	if c.Port != 0 {
		a.cfg.Server.Port = c.Port
	}

	pl, idx, err := a.buildPipeline()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := pl.RebuildIndex(ctx); err != nil {
		logger.GetLogger().Warn("failed to warm the vector index", "error", err)
	}

	opts := []server.Option{server.WithIndex(idx)}
	if a.cfg.Ingest.MailgunSigningKey != "" {
		verifier, err := ingest.NewVerifier(a.cfg.Ingest)
		if err != nil {
			return err
		}
		opts = append(opts, server.WithVerifier(verifier, a.cfg.Ingest.DefaultSubject))
	}

	srv, err := server.New(a.cfg.Server, a.store, a.credits, pl, a.bus, opts...)
	if err != nil {
		return err
	}

	go func() {
		<-sigCh
		logger.GetLogger().Info("shutting down")
		if err := srv.Shutdown(context.Background()); err != nil {
			logger.GetLogger().Error("shutdown failed", "error", err)
		}
		cancel()
	}()

	fmt.Printf("newsminer API listening on %s:%d\n", a.cfg.Server.Host, a.cfg.Server.Port)
	fmt.Printf("  Health:  http://%s:%d/health\n", a.cfg.Server.Host, a.cfg.Server.Port)
	fmt.Printf("  Metrics: http://%s:%d/metrics\n", a.cfg.Server.Host, a.cfg.Server.Port)
	fmt.Println("\nPress Ctrl+C to stop")

	return srv.Start()
}

// IngestCmd stores newsletter files without analyzing them.
type IngestCmd struct {
	Paths []string `arg:"" type:"existingfile" help:"Newsletter files (.html or plain text)."`
}

func (c *IngestCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	for _, path := range c.Paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		n := &store.Newsletter{
			Subject:    strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			SourceType: store.SourceTypeFile,
		}
		if strings.EqualFold(filepath.Ext(path), ".html") {
			n.HTMLBody = string(data)
			n.TextBody = ingest.ExtractText(string(data))
		} else {
			n.TextBody = string(data)
		}

		if err := a.store.InsertNewsletter(ctx, n); err != nil {
			return fmt.Errorf("failed to ingest %s: %w", path, err)
		}
		fmt.Printf("ingested %s (%s)\n", path, n.ID)
	}
	return nil
}

// AnalyzeCmd runs credit-gated analysis.
type AnalyzeCmd struct {
	ID      string `arg:"" optional:"" help:"Newsletter id to analyze."`
	All     bool   `help:"Analyze every pending newsletter."`
	Subject string `help:"Billing subject to charge." default:"default"`
}

func (c *AnalyzeCmd) Run(cli *CLI) error {
	if c.ID == "" && !c.All {
		return fmt.Errorf("pass a newsletter id or --all")
	}

	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.close()

	pl, _, err := a.buildPipeline()
	if err != nil {
		return err
	}

	ctx := context.Background()
	if c.All {
		outcome, err := pl.AnalyzeAll(ctx, c.Subject, credits.SourceBatch)
		if err != nil {
			return err
		}
		fmt.Printf("analyzed %d, failed %d, remaining %d\n",
			outcome.Analyzed, outcome.Failed, outcome.Remaining)
		if outcome.Exhausted {
			fmt.Println("monthly credit quota exhausted; remaining newsletters were skipped")
		}
		return nil
	}

	outcome, err := pl.Analyze(ctx, c.ID, c.Subject, credits.SourceManual)
	if err != nil {
		if credits.IsQuotaExhausted(err) {
			status := credits.GetQuotaStatus(err)
			return fmt.Errorf("quota exhausted: %d/%d credits used for %s",
				status.Consumed+status.Reserved, status.Limit, status.PeriodStart)
		}
		return err
	}
	fmt.Printf("extracted %d problems (credits: %d/%d used)\n",
		outcome.Problems, outcome.Credits.Consumed, outcome.Credits.Limit)
	return nil
}

// ClusterCmd regenerates problem clusters.
type ClusterCmd struct{}

func (c *ClusterCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.close()

	pl, _, err := a.buildPipeline()
	if err != nil {
		return err
	}

	clusters, err := pl.RegenerateClusters(context.Background())
	if err != nil {
		return err
	}

	if len(clusters) == 0 {
		fmt.Println("no clusters (need at least two similar embedded problems)")
		return nil
	}
	for _, cl := range clusters {
		fmt.Printf("%3d  %s\n", cl.MentionCount, cl.Name)
	}
	return nil
}

// StatusCmd shows the credit balance and corpus stats.
type StatusCmd struct {
	Subject string `help:"Billing subject to inspect." default:"default"`
}

func (c *StatusCmd) Run(cli *CLI) error {
	a, err := newApp(cli)
	if err != nil {
		return err
	}
	defer a.close()

	ctx := context.Background()
	status, err := a.credits.Status(ctx, c.Subject)
	if err != nil {
		return err
	}
	stats, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Credits (%s, period %s):\n", status.Subject, status.PeriodStart)
	fmt.Printf("  consumed:  %d\n", status.Consumed)
	fmt.Printf("  reserved:  %d\n", status.Reserved)
	fmt.Printf("  remaining: %d of %d\n", status.Remaining, status.Limit)
	fmt.Println()
	fmt.Printf("Corpus:\n")
	fmt.Printf("  newsletters: %d (%d analyzed)\n", stats.Newsletters, stats.AnalyzedNewsletters)
	fmt.Printf("  problems:    %d\n", stats.Problems)
	fmt.Printf("  clusters:    %d\n", stats.Clusters)
	return nil
}

func main() {
	cli := CLI{}
	ctx := kong.Parse(&cli,
		kong.Name("newsminer"),
		kong.Description("Mine business problems out of newsletters."),
		kong.UsageOnError(),
	)

	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	output := os.Stderr
	if cli.LogFile != "" {
		file, cleanup, err := logger.OpenLogFile(cli.LogFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer cleanup()
		output = file
	}
	logger.Init(level, output, cli.LogFormat)

	err = ctx.Run(&cli)
	if err != nil && !errors.Is(err, context.Canceled) {
		ctx.FatalIfErrorf(err)
	}
}
