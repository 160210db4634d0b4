package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/scheduler"
	httpserver "github.com/m-mizutani/memoire/pkg/server/http"
	"github.com/m-mizutani/memoire/pkg/server/mcp"
	"github.com/m-mizutani/memoire/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

func serveCommand() *cli.Command {
	var (
		cfg        config
		ecfg       engineConfig
		addr       string
		interval   time.Duration
		runOnStart bool
		mcpPath    string
	)

	flags := flagSet(
		[]cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "Listen address of the HTTP API",
				Value:       httpserver.DefaultAddr,
				Sources:     cli.EnvVars("MEMOIRE_ADDR"),
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "interval",
				Usage:       "Interval between consolidation ticks",
				Value:       scheduler.DefaultInterval,
				Sources:     cli.EnvVars("MEMOIRE_INTERVAL"),
				Destination: &interval,
			},
			&cli.BoolFlag{
				Name:        "run-on-start",
				Usage:       "Run a consolidation tick at startup",
				Sources:     cli.EnvVars("MEMOIRE_RUN_ON_START"),
				Destination: &runOnStart,
			},
			&cli.StringFlag{
				Name:        "mcp-path",
				Usage:       "Path serving MCP over streamable HTTP, empty to disable",
				Value:       "/mcp",
				Sources:     cli.EnvVars("MEMOIRE_MCP_PATH"),
				Destination: &mcpPath,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		llmFlags(&cfg),
		policyFlags(&cfg),
		engineFlags(&ecfg),
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the HTTP API and run consolidation periodically",
		Flags: flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			client, err := cfg.newEmbedding(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			uc, err := cfg.newMemoryUseCase(ctx, repo, client)
			if err != nil {
				return err
			}

			engine, err := cfg.newEngine(ctx, &ecfg, repo, client)
			if err != nil {
				return err
			}

			sched, err := scheduler.New(interval, func(ctx context.Context) error {
				_, err := engine.Tick(ctx)
				return err
			}, scheduler.WithRunOnStart(runOnStart))
			if err != nil {
				return goerr.Wrap(err, "failed to create scheduler")
			}
			sched.Start(ctx)
			defer sched.Stop()

			var opts []httpserver.Option
			if mcpPath != "" {
				opts = append(opts, httpserver.WithHandler(mcpPath, mcp.New(uc, Version).Handler()))
			}

			logging.From(ctx).Info("starting memoire",
				"backend", cfg.backend,
				"embedding", cfg.embeddingProvider,
				"llm", cfg.llmProvider,
				"interval", interval,
			)
			return httpserver.New(uc, addr, opts...).ListenAndServe(ctx)
		},
	}
}
