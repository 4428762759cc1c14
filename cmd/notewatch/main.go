package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hanliu/notewatch/internal/archive"
	"github.com/hanliu/notewatch/internal/config"
	"github.com/hanliu/notewatch/internal/content"
	"github.com/hanliu/notewatch/internal/creators"
	"github.com/hanliu/notewatch/internal/identity"
	"github.com/hanliu/notewatch/internal/monitor"
	"github.com/hanliu/notewatch/internal/notify"
	"github.com/hanliu/notewatch/internal/server"
	"github.com/hanliu/notewatch/internal/state"
	"github.com/hanliu/notewatch/internal/summarize"
	"github.com/hanliu/notewatch/internal/xhs"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "notewatch",
	Short:   "Creator feed monitoring with AI digests",
	Long:    "Notewatch polls RedNote creators for new posts, summarizes their images with an AI backend, and delivers digests to Feishu.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if verbose {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		} else {
			log.SetFlags(log.LstdFlags)
		}

		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(testNoteCmd)
	rootCmd.AddCommand(serveCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("notewatch", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/notewatch/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it, then put XHS_COOKIE and the other secrets in your environment or a .env file.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show creator list, state, and archive status",
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir := cfg.GetDataDir()

		list, err := creators.LoadFile(creatorsPath(dataDir))
		if err != nil {
			return err
		}
		fmt.Printf("Creators configured: %d\n", len(list))
		for _, c := range list {
			fmt.Printf("  %s (ref=%s, every %ds)\n", c.Name, c.Ref, c.PollInterval)
		}

		fmt.Printf("\nCookie configured: %v\n", config.Secret(cfg.Platform.CookieEnv) != "")
		fmt.Printf("AI key configured: %v\n", config.Secret(cfg.Summarization.APIKeyEnv) != "")
		fmt.Printf("Feishu configured: %v\n",
			config.Secret(cfg.Notify.AppIDEnv) != "" && config.Secret(cfg.Notify.AppSecretEnv) != "")

		db, err := archive.Open(archivePath(dataDir))
		if err != nil {
			return err
		}
		defer db.Close()

		counts, err := db.CountsByCreator()
		if err != nil {
			return err
		}
		fmt.Println("\nArchived digests:")
		if len(counts) == 0 {
			fmt.Println("  none")
		}
		for _, c := range counts {
			fmt.Printf("  %s: %d (last %s)\n", c.CreatorName, c.Count, c.LastCreated)
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one poll pass over every creator, then exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return env.scheduler.RunOnce(ctx, env.creators)
	},
}

var resetState bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Monitor all creators until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if resetState {
			fmt.Println("Resetting monitor state (previous ledger backed up)...")
			if err := env.store.Reset(); err != nil {
				return err
			}
			if err := env.store.Save(); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		startupNotice(ctx, env)

		env.scheduler.Watch(ctx, env.creators)

		fmt.Println("Shutting down.")
		return nil
	},
}

func init() {
	watchCmd.Flags().BoolVar(&resetState, "reset", false, "Back up and clear the dedup ledger before monitoring")
}

var testNoteCmd = &cobra.Command{
	Use:   "test-note <creator-ref>",
	Short: "Resolve and summarize a creator's latest image post without notifying",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := buildEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		c := creators.Creator{Ref: args[0], Name: args[0]}
		res, err := env.scheduler.InspectLatest(ctx, c)
		if err != nil {
			return err
		}

		fmt.Printf("Creator:   %s\n", res.CreatorName)
		fmt.Printf("Post:      %s\n", res.PostID)
		fmt.Printf("Link:      %s\n", res.Link)
		fmt.Printf("Title:     %s\n", res.Title)
		fmt.Printf("Published: %s\n", res.PublishedAt)
		fmt.Printf("Images:    %d\n", len(res.ImageURLs))
		if res.Summary != "" {
			fmt.Printf("\nSummary:\n%s\n", res.Summary)
		} else {
			fmt.Println("\nNo summary produced (AI backend not configured or failed).")
		}
		return nil
	},
}

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the local digest archive viewer",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := archive.Open(archivePath(cfg.GetDataDir()))
		if err != nil {
			return err
		}
		defer db.Close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		fmt.Printf("Starting server at http://localhost:%d\n", port)
		fmt.Println("Press Ctrl+C to stop")
		return server.Serve(db, port)
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to run server on (overrides config)")
}

// --- wiring ---

// env holds the assembled collaborators for the monitoring commands.
type env struct {
	scheduler *monitor.Scheduler
	store     *state.Store
	creators  []creators.Creator
	notifier  notify.Notifier
	db        *archive.DB
}

func (e *env) Close() {
	if e.db != nil {
		e.db.Close()
	}
}

func creatorsPath(dataDir string) string { return filepath.Join(dataDir, "creators.json") }
func statePath(dataDir string) string    { return filepath.Join(dataDir, "state.json") }
func archivePath(dataDir string) string  { return filepath.Join(dataDir, "digests.db") }

// buildEnv assembles the engine from config: platform client, resolvers,
// summarization pipeline, notifier, ledger, and archive.
func buildEnv() (*env, error) {
	dataDir := cfg.GetDataDir()

	cookie := config.Secret(cfg.Platform.CookieEnv)
	if cookie == "" {
		log.Printf("warning: %s not set; platform reads will fail", cfg.Platform.CookieEnv)
	}

	list, err := creators.LoadFile(creatorsPath(dataDir))
	if err != nil {
		return nil, err
	}

	store, err := state.Load(statePath(dataDir))
	if err != nil {
		return nil, err
	}

	db, err := archive.Open(archivePath(dataDir))
	if err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.Platform.TimeoutSeconds) * time.Second
	client := xhs.NewClient(cookie, xhs.NewCommandSigner(cfg.Platform.SignCommand), timeout)

	var completer summarize.Completer
	ai := summarize.NewOpenAIClient(cfg.Summarization.BaseURL, cfg.Summarization.Model,
		config.Secret(cfg.Summarization.APIKeyEnv))
	if ai.IsConfigured() {
		completer = ai
	} else {
		log.Printf("warning: %s not set; digests will have no AI summary", cfg.Summarization.APIKeyEnv)
		completer = unconfiguredCompleter{}
	}

	var notifier notify.Notifier
	appID := config.Secret(cfg.Notify.AppIDEnv)
	appSecret := config.Secret(cfg.Notify.AppSecretEnv)
	receiveID := config.Secret(cfg.Notify.ReceiveIDEnv)
	if appID != "" && appSecret != "" && receiveID != "" {
		notifier = notify.NewFeishuBot(appID, appSecret, receiveID)
	} else {
		log.Println("warning: Feishu not configured; digests will be archived but not delivered")
		notifier = notify.Discard{}
	}

	pipeline := summarize.NewPipeline(completer, cfg.Summarization.Prompt,
		cfg.Summarization.BatchSize, cfg.Summarization.MaxTokens, cfg.Summarization.Temperature)

	sched := monitor.New(
		monitor.Config{
			InitialSample:  cfg.Monitor.InitialSample,
			TextHintMaxLen: cfg.Summarization.TextHintMaxLen,
			Backoff:        time.Duration(cfg.Monitor.BackoffSeconds) * time.Second,
			SourceLabel:    cfg.Monitor.SourceLabel,
		},
		identity.NewResolver(client),
		content.NewResolver(client),
		content.NewImageFetcher(timeout),
		pipeline,
		notifier,
		store,
		db,
	)

	return &env{
		scheduler: sched,
		store:     store,
		creators:  list,
		notifier:  notifier,
		db:        db,
	}, nil
}

// unconfiguredCompleter fails every call so the pipeline degrades to
// digests without summaries.
type unconfiguredCompleter struct{}

func (unconfiguredCompleter) Complete(context.Context, string, string, []summarize.Image, float64, int) (string, error) {
	return "", fmt.Errorf("AI backend not configured")
}

// startupNotice tells the operator channel which creators are monitored.
func startupNotice(ctx context.Context, e *env) {
	names := ""
	for i, c := range e.creators {
		if i == 3 {
			names += fmt.Sprintf(" and %d more", len(e.creators)-3)
			break
		}
		if i > 0 {
			names += ", "
		}
		names += c.Name
	}
	if names == "" {
		names = "none"
	}
	content := fmt.Sprintf("Monitoring started\n\n**Creators:** %s", names)
	if err := e.notifier.SendSystemNotice(ctx, notify.LevelInfo, "notewatch started", content); err != nil {
		log.Printf("warning: startup notice failed: %v", err)
	}
}
