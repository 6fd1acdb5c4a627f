package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"atlas/internal/chat"
	"atlas/internal/config"
	"atlas/internal/llm"
	"atlas/internal/logging"
	"atlas/internal/pipeline"
	"atlas/internal/server"
	"atlas/internal/sqlengine"
	"atlas/internal/store"
	"atlas/internal/tasks"
	"atlas/internal/tools"
	"atlas/internal/transport"
	"atlas/internal/tree"
)

const chatSystemPrompt = `You are the assistant for a context-document platform. You help users inspect
pipeline runs and read the generated reference documents. Use the available
tools to answer from real data; never invent run ids or document content.`

func main() {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:   "atlas-server",
		Short: "Context-document platform server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logging.SetLevel(logging.LevelDebug)
			}
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	root.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.NewComponentLogger("server")

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}

	apiKey := cfg.AnthropicAPIKey
	if cfg.DefaultProvider == "openai" {
		apiKey = cfg.OpenAIAPIKey
	}
	gateway := llm.NewGateway()
	client, err := gateway.Client(cfg.DefaultProvider, cfg.DefaultModel, llm.ProviderConfig{
		APIKey:     apiKey,
		Timeout:    cfg.HTTPTimeout,
		MaxRetries: 2,
	})
	if err != nil {
		return err
	}

	var engine sqlengine.Engine
	if cfg.SQLEngineURL != "" {
		engine = sqlengine.NewRemoteEngine(cfg.SQLEngineURL, cfg.HTTPTimeout)
	} else {
		logger.Warn("no sql_engine_url configured, using the built-in static engine")
		engine = sqlengine.NewStaticEngine()
	}

	hub := transport.NewHub(logging.NewComponentLogger("hub"))
	registry := tasks.NewRegistry(logging.NewComponentLogger("tasks"))

	toolReg := tools.NewRegistry(logging.NewComponentLogger("tools"))
	if err := tools.RegisterBuiltin(toolReg); err != nil {
		return err
	}

	deps := pipeline.Deps{
		Store:     st,
		Tasks:     registry,
		Emitter:   hub,
		LLM:       client,
		SQLEngine: engine,
		Config:    cfg,
		Logger:    logger,
	}

	chatOrch := chat.New(client, st, toolReg, nil, hub,
		map[string]any{tools.DepStore: st}, chatSystemPrompt, cfg.ChatTokenCap,
		logging.NewComponentLogger("chat"))

	srv := server.New(server.Options{
		Config:     cfg,
		Store:      st,
		Hub:        hub,
		Tasks:      registry,
		SQLPipe:    pipeline.NewSQLPipeline(deps),
		ConfigPipe: pipeline.NewConfigPipeline(deps),
		TreePipe:   pipeline.NewTreePipeline(deps),
		Proposer:   tree.NewProposer(client, logging.NewComponentLogger("tree")),
		Chat:       chatOrch,
		Logger:     logger,
	})
	return srv.Run(ctx)
}
