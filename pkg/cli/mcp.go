package cli

import (
	"context"

	"github.com/m-mizutani/memoire/pkg/server/mcp"
	"github.com/urfave/cli/v3"
)

func mcpCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "mcp",
		Usage: "Serve add_memory and search_memories as MCP tools over stdio",
		Flags: flagSet(globalFlags(&cfg), embeddingFlags(&cfg), policyFlags(&cfg)),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}

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

			return mcp.New(uc, Version).RunStdio(ctx)
		},
	}
}
