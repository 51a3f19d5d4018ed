package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/HuanCheng65/mio/pkg/config"
	"github.com/HuanCheng65/mio/pkg/embedding"
	"github.com/HuanCheng65/mio/pkg/memory"
	"github.com/HuanCheng65/mio/pkg/model"
)

var (
	configPath string
	verbose    bool
)

func main() {
	root := &cobra.Command{
		Use:          "mio",
		Short:        "Tiered memory subsystem for a group-chat persona",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "path to config file")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(serveCmd(), distillCmd(), flushCmd(), recallCmd(), statsCmd(), initCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "mio.json"
	}
	return home + "/.mio/config.json"
}

func newLogger() *log.Logger {
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Prefix:          "mio",
	})
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}
	return logger
}

// openService builds the full subsystem from config. Callers own Close.
func openService(logger *log.Logger) (*memory.Service, *config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	store, err := memory.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open memory store: %w", err)
	}

	var embedder embedding.Embedder
	if cfg.Embedding.Local || cfg.Embedding.APIKey == "" {
		embedder = embedding.NewLocalEmbedder()
	} else {
		embedder = embedding.NewOpenAIEmbedder(cfg.Embedding.APIKey, cfg.Embedding.APIBase, cfg.Embedding.Model)
	}
	client := model.NewOpenAIClient(cfg.Model.APIKey, cfg.Model.APIBase, cfg.Model.Model, cfg.Model.Temperature)

	svc := memory.NewService(store, client, embedder, logger, serviceOptions(cfg))
	return svc, cfg, nil
}

func serviceOptions(cfg *config.Config) memory.ServiceOptions {
	m := cfg.Memory
	return memory.ServiceOptions{
		PersonaID:      cfg.Persona.ID,
		PersonaName:    cfg.Persona.Name,
		FlushInterval:  time.Duration(m.FlushIntervalSeconds) * time.Second,
		RetrieveTopK:   m.RetrieveTopK,
		DistillCron:    m.DistillCron,
		DedupThreshold: m.DedupThreshold,
		ConfidenceBump: m.ConfidenceBump,
		FlushThreshold: m.FlushThreshold,
		VibeTTL:        time.Duration(m.VibeTTLHours) * time.Hour,
		VibeCacheSize:  m.VibeCacheSize,
		Extractor: memory.ExtractorConfig{
			MaxChunkSize:   m.ChunkMaxSize,
			IdleGap:        time.Duration(m.ChunkIdleGapMinutes) * time.Minute,
			SampleRate:     m.SampleRate,
			KeywordDensity: m.KeywordDensity,
			TopicKeywords:  m.TopicKeywords,
		},
		Retriever: memory.RetrieverConfig{
			SimilarityWeight: m.SimilarityWeight,
			DecayWeight:      m.DecayWeight,
			ImportanceWeight: m.ImportanceWeight,
			TagBoost:         m.TagBoost,
			HalfLife:         daysToDuration(m.RetrievalHalfLifeDays),
		},
		Distiller: memory.DistillerConfig{
			SemanticWindow:   time.Duration(m.SemanticWindowDays) * 24 * time.Hour,
			SilenceThreshold: time.Duration(m.SilenceThresholdDays) * 24 * time.Hour,
			CoreStale:        time.Duration(m.CoreStaleDays) * 24 * time.Hour,
			Retention: memory.RetentionConfig{
				Window:            time.Duration(m.RetentionWindowDays) * 24 * time.Hour,
				HalfLife:          daysToDuration(m.RetentionHalfLifeDays),
				Floor:             m.RetentionFloor,
				CommunityCapacity: m.CommunityCapacity,
			},
		},
	}
}

func daysToDuration(days float64) time.Duration {
	return time.Duration(days * 24 * float64(time.Hour))
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the memory service with background flush and distillation",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			svc, _, err := openService(logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			svc.Start()
			logger.Info("memory service running", "config", configPath)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig
			logger.Info("shutting down")
			return nil
		},
	}
}

func distillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "distill",
		Short: "Run one distillation cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			svc, _, err := openService(logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.RunDistillation(context.Background())
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Flush working memory to the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			svc, _, err := openService(logger)
			if err != nil {
				return err
			}
			defer svc.Close()
			svc.FlushWorkingMemory(context.Background())
			return nil
		},
	}
}

func recallCmd() *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "recall <community-id> <query>",
		Short: "Retrieve episodic memories for a query",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			svc, _, err := openService(logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			episodes, err := svc.Retrieve(context.Background(), args[0], args[1], topK)
			if err != nil {
				return err
			}
			if len(episodes) == 0 {
				fmt.Println("nothing recalled")
				return nil
			}
			for _, ep := range episodes {
				fmt.Printf("[%s] (importance %.2f) %s\n",
					time.UnixMilli(ep.EventAtMS).Format("2006-01-02"), ep.Importance, ep.Summary)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&topK, "top", "k", 0, "number of memories (0 = configured default)")
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats <community-id>",
		Short: "Show stored memory counts for a community",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			svc, _, err := openService(logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			stats, err := svc.Stats(context.Background(), args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(stats, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil {
				return fmt.Errorf("config already exists at %s", configPath)
			}
			if err := config.SaveConfig(configPath, config.DefaultConfig()); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", configPath)
			return nil
		},
	}
}
