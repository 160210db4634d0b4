package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/m-mizutani/goerr/v2"
	"github.com/m-mizutani/memoire/pkg/usecase/memory"
	"github.com/urfave/cli/v3"
)

const shellHelp = `Type a query to search memories. Commands:
  :user <name>       filter by username (no argument clears)
  :channel <id>      filter by channel
  :server <id>       filter by server
  :limit <n>         number of results
  :recent            list newest memories with the current filters
  :filters           show current filters
  :help              show this help
  :quit              exit
`

// shellState is the retrieval scope kept between shell queries
type shellState struct {
	input memory.RetrieveInput
}

// apply handles a ':' command. quit ends the shell and recent lists the newest memories.
func (s *shellState) apply(w io.Writer, line string) (quit bool, recent bool, err error) {
	fields := strings.Fields(strings.TrimPrefix(line, ":"))
	if len(fields) == 0 {
		return false, false, nil
	}
	arg := strings.Join(fields[1:], " ")

	switch fields[0] {
	case "quit", "exit", "q":
		return true, false, nil
	case "user":
		s.input.Username = arg
	case "channel":
		s.input.ChannelID = arg
	case "server":
		s.input.ServerID = arg
	case "limit":
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			return false, false, goerr.New("limit must be a positive number", goerr.V("limit", arg))
		}
		s.input.Limit = n
	case "recent":
		return false, true, nil
	case "filters":
		fmt.Fprintf(w, "user=%q channel=%q server=%q limit=%d\n",
			s.input.Username, s.input.ChannelID, s.input.ServerID, s.input.Limit)
	case "help":
		fmt.Fprint(w, shellHelp)
	default:
		return false, false, goerr.New("unknown command", goerr.V("command", fields[0]))
	}
	return false, false, nil
}

func shellCommand() *cli.Command {
	var cfg config

	return &cli.Command{
		Name:  "shell",
		Usage: "Interactive memory search",
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

			historyFile := ""
			if home, err := os.UserHomeDir(); err == nil {
				historyFile = filepath.Join(home, ".memoire_history")
			}

			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "memoire> ",
				HistoryFile:     historyFile,
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				Stdout:          c.Root().Writer,
			})
			if err != nil {
				return goerr.Wrap(err, "failed to start shell")
			}
			defer rl.Close()

			w := rl.Stdout()
			state := &shellState{input: memory.RetrieveInput{Limit: 3}}
			fmt.Fprint(w, shellHelp)

			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					if line == "" {
						return nil
					}
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return goerr.Wrap(err, "failed to read line")
				}

				line = strings.TrimSpace(line)
				if line == "" {
					continue
				}

				query := line
				if strings.HasPrefix(line, ":") {
					quit, recent, err := state.apply(w, line)
					if err != nil {
						fmt.Fprintf(w, "error: %v\n", err)
						continue
					}
					if quit {
						return nil
					}
					if !recent {
						continue
					}
					query = ""
				}

				input := state.input
				input.Query = query
				results, err := uc.Retrieve(ctx, &input)
				if err != nil {
					fmt.Fprintf(w, "error: %v\n", err)
					continue
				}
				printMemories(w, results)
			}
		},
	}
}
