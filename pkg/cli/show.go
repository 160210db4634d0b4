package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

func showCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "show",
		Usage:     "Show one memory with its metadata",
		ArgsUsage: "<memory-id>",
		Flags:     globalFlags(&cfg),
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() != 1 {
				return goerr.New("memory-id is required")
			}
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}

			repo, err := cfg.newRepository(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			m, err := repo.GetMemory(ctx, model.MemoryID(c.Args().First()))
			if err != nil {
				return err
			}

			username := string(m.UserID)
			if user, err := repo.GetUser(ctx, m.UserID); err == nil {
				username = user.Username
			}

			w := c.Root().Writer
			fmt.Fprintf(w, "ID:         %s\n", m.ID)
			fmt.Fprintf(w, "User:       %s\n", username)
			fmt.Fprintf(w, "Channel:    %s\n", m.ChannelID)
			fmt.Fprintf(w, "Server:     %s\n", m.ServerID)
			fmt.Fprintf(w, "Created:    %s (%s)\n", m.CreatedAt.Format("2006-01-02 15:04:05"), humanize.Time(m.CreatedAt))
			fmt.Fprintf(w, "Dimensions: %d\n", len(m.Embedding))
			if m.SummaryID != "" {
				fmt.Fprintf(w, "Summary:    %s\n", m.SummaryID)
			}
			fmt.Fprintf(w, "\n%s\n", m.Content)

			if len(m.Metadata) > 0 {
				raw, err := yaml.Marshal(m.Metadata)
				if err != nil {
					return goerr.Wrap(err, "failed to render metadata")
				}
				fmt.Fprintf(w, "\nMetadata:\n%s", raw)
			}
			return nil
		},
	}
}
