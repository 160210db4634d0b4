package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// loadInputs reads memories from a YAML file holding either one memory or a list
func loadInputs(path string) ([]*memory.AddInput, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to read input file", goerr.V("path", path))
	}

	var list []*memory.AddInput
	if err := yaml.Unmarshal(data, &list); err == nil {
		return list, nil
	}

	var single memory.AddInput
	if err := yaml.Unmarshal(data, &single); err != nil {
		return nil, goerr.Wrap(err, "failed to parse input file", goerr.V("path", path))
	}
	return []*memory.AddInput{&single}, nil
}

func addCommand() *cli.Command {
	var (
		cfg       config
		input     memory.AddInput
		inputFile string
	)

	flags := flagSet(
		[]cli.Flag{
			&cli.StringFlag{
				Name:        "user",
				Aliases:     []string{"u"},
				Usage:       "Username the memory belongs to",
				Destination: &input.Username,
			},
			&cli.StringFlag{
				Name:        "channel",
				Usage:       "Channel ID",
				Destination: &input.ChannelID,
			},
			&cli.StringFlag{
				Name:        "server",
				Usage:       "Server ID",
				Destination: &input.ServerID,
			},
			&cli.StringFlag{
				Name:        "file",
				Aliases:     []string{"f"},
				Usage:       "YAML file with one memory or a list of memories",
				Destination: &inputFile,
			},
		},
		globalFlags(&cfg),
		embeddingFlags(&cfg),
		policyFlags(&cfg),
	)

	return &cli.Command{
		Name:      "add",
		Usage:     "Store memories",
		ArgsUsage: "[content]",
		Flags:     flags,
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}

			var inputs []*memory.AddInput
			if inputFile != "" {
				if inputs, err = loadInputs(inputFile); err != nil {
					return err
				}
			} else {
				input.Content = strings.Join(c.Args().Slice(), " ")
				inputs = append(inputs, &input)
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

			memories, err := uc.AddBatch(ctx, inputs)
			if err != nil {
				return goerr.Wrap(err, "failed to add memories")
			}
			for i, m := range memories {
				fmt.Fprintf(c.Root().Writer, "%s\t%s\t%s\n", m.ID, inputs[i].Username, truncate(m.Content, 60))
			}
			return nil
		},
	}
}
