package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/dustin/go-humanize"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/repository"
	"github.com/urfave/cli/v3"
)

func consolidateCommand() *cli.Command {
	var (
		cfg      config
		ecfg     engineConfig
		username string
	)

	flags := flagSet(
		[]cli.Flag{
			&cli.StringFlag{
				Name:        "user",
				Aliases:     []string{"u"},
				Usage:       "Consolidate only this user",
				Destination: &username,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		llmFlags(&cfg),
		engineFlags(&ecfg),
	)

	return &cli.Command{
		Name:  "consolidate",
		Usage: "Run one consolidation tick now",
		Flags: flags,
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

			engine, err := cfg.newEngine(ctx, &ecfg, repo, client)
			if err != nil {
				return err
			}

			s := spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
			s.Suffix = " consolidating memories..."
			s.Start()

			var results []*model.UserResult
			if username != "" {
				user, err := repo.GetUserByName(ctx, username)
				if err != nil {
					s.Stop()
					return err
				}
				result, err := engine.ConsolidateUser(ctx, user.ID)
				s.Stop()
				if err != nil {
					return goerr.Wrap(err, "failed to consolidate user", goerr.V("username", username))
				}
				results = append(results, result)
			} else {
				report, err := engine.Tick(ctx)
				s.Stop()
				if err != nil {
					return goerr.Wrap(err, "consolidation tick failed")
				}
				fmt.Fprintf(c.Root().Writer, "tick %s: %d eligible users\n", report.ID, report.EligibleUsers)
				results = report.Results
			}

			printResults(ctx, c.Root().Writer, repo, results)
			return nil
		},
	}
}

func printResults(ctx context.Context, w io.Writer, repo repository.Repository, results []*model.UserResult) {
	for _, res := range results {
		name := string(res.UserID)
		if user, err := repo.GetUser(ctx, res.UserID); err == nil {
			name = user.Username
		}

		fmt.Fprintf(w, "%-20s %-10s memories=%d chunks=%d", name, res.Status, res.MemoryCount, res.ChunksProcessed)
		if res.DroppedChunks > 0 {
			fmt.Fprintf(w, " dropped=%d", res.DroppedChunks)
		}
		if res.Placeholder {
			fmt.Fprint(w, " placeholder")
		}
		if res.SummaryID != "" {
			fmt.Fprintf(w, " summary=%s", res.SummaryID)
		}
		if res.Error != "" {
			fmt.Fprintf(w, " error=%q", res.Error)
		}
		fmt.Fprintf(w, " (%s)\n", humanize.FtoaWithDigits(res.Duration.Seconds(), 2)+"s")
	}
}
