package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/model"
	"github.com/m-mizutani/memoire/pkg/repository"
	"github.com/m-mizutani/memoire/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// parseAssignments turns key=value arguments into profile info. An empty value removes the key.
func parseAssignments(args []string) (map[string]any, error) {
	info := map[string]any{}
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		if !ok || key == "" {
			return nil, goerr.New("argument must be key=value", goerr.V("arg", arg))
		}
		if value == "" {
			info[key] = nil
			continue
		}
		info[key] = value
	}
	return info, nil
}

// openMemory builds the memory use case for commands that only read or edit profiles
func (cfg *config) openMemory(ctx context.Context) (*memory.UseCase, repository.Repository, error) {
	repo, err := cfg.newRepository(ctx)
	if err != nil {
		return nil, nil, err
	}
	client, err := cfg.newEmbedding(ctx)
	if err != nil {
		_ = repo.Close()
		return nil, nil, err
	}
	return memory.New(repo, client), repo, nil
}

func usersCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "users",
		Usage: "List users with their memory counts",
		Flags: flagSet(globalFlags(&cfg), embeddingFlags(&cfg)),
		Action: func(ctx context.Context, c *cli.Command) error {
			ctx, err := cfg.setupLogger(ctx)
			if err != nil {
				return err
			}
			uc, repo, err := cfg.openMemory(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			users, err := uc.ListUsers(ctx)
			if err != nil {
				return goerr.Wrap(err, "failed to list users")
			}
			for _, u := range users {
				fmt.Fprintf(c.Root().Writer, "%-24s %6s memories  since %s\n",
					u.Username, humanize.Comma(int64(u.MemoryCount)), humanize.Time(u.CreatedAt))
			}
			return nil
		},
	}
}

func profileCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:      "profile",
		Usage:     "Show a user profile, or update its custom info with key=value pairs",
		ArgsUsage: "<username> [key=value...]",
		Flags:     flagSet(globalFlags(&cfg), embeddingFlags(&cfg)),
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.Args().Len() < 1 {
				return goerr.New("username is required")
			}
			info, err := parseAssignments(c.Args().Tail())
			if err != nil {
				return err
			}

			ctx, err = cfg.setupLogger(ctx)
			if err != nil {
				return err
			}
			uc, repo, err := cfg.openMemory(ctx)
			if err != nil {
				return err
			}
			defer repo.Close()

			var user *model.UserProfile
			if len(info) > 0 {
				user, err = uc.UpdateProfile(ctx, c.Args().First(), info)
			} else {
				user, err = uc.GetProfile(ctx, c.Args().First())
			}
			if err != nil {
				return err
			}

			raw, err := yaml.Marshal(user)
			if err != nil {
				return goerr.Wrap(err, "failed to render profile")
			}
			fmt.Fprint(c.Root().Writer, string(raw))
			return nil
		},
	}
}
