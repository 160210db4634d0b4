package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

func retrieveFlags(input *memory.RetrieveInput, limit, offset *int64) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "user",
			Aliases:     []string{"u"},
			Usage:       "Only memories of this user",
			Destination: &input.Username,
		},
		&cli.StringFlag{
			Name:        "channel",
			Usage:       "Only memories of this channel",
			Destination: &input.ChannelID,
		},
		&cli.StringFlag{
			Name:        "server",
			Usage:       "Only memories of this server",
			Destination: &input.ServerID,
		},
		&cli.IntFlag{
			Name:        "limit",
			Aliases:     []string{"n"},
			Usage:       "Maximum number of memories",
			Value:       3,
			Destination: limit,
		},
		&cli.IntFlag{
			Name:        "offset",
			Usage:       "Number of memories to skip",
			Destination: offset,
		},
	}
}

func searchCommand() *cli.Command {
	var (
		cfg           config
		input         memory.RetrieveInput
		limit, offset int64
	)

	flags := flagSet(
		retrieveFlags(&input, &limit, &offset),
		globalFlags(&cfg),
		embeddingFlags(&cfg),
	)

	return &cli.Command{
		Name:      "search",
		Usage:     "Find memories by similarity, or list the newest without a query",
		ArgsUsage: "[query]",
		Flags:     flags,
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

			uc := memory.New(repo, client)

			input.Query = strings.Join(c.Args().Slice(), " ")
			input.Limit = int(limit)
			input.Offset = int(offset)

			results, err := uc.Retrieve(ctx, &input)
			if err != nil {
				return goerr.Wrap(err, "failed to search memories")
			}
			printMemories(c.Root().Writer, results)
			return nil
		},
	}
}

func printMemories(w io.Writer, results []*model.ScoredMemory) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no memories found")
		return
	}

	for _, r := range results {
		score := "     -"
		if r.Distance != nil {
			score = fmt.Sprintf("%.4f", *r.Distance)
		}

		scope := r.Username
		if r.ServerID != "" || r.ChannelID != "" {
			scope += " @" + r.ServerID + "/" + r.ChannelID
		}
		kind := ""
		if r.IsSummary() {
			kind = " [summary]"
		}

		fmt.Fprintf(w, "%s  %s  %s (%s)%s\n    %s\n",
			score, r.ID, scope, humanize.Time(r.CreatedAt), kind, truncate(r.Content, 200))
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
