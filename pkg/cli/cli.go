package cli

import (
	"context"

	"github.com/m-mizutani/memoire/pkg/utils/logging"
	"github.com/urfave/cli/v3"
)

// Version is reported by the command and the MCP server
const Version = "0.1.0"

type Error struct {
	Code    int
	Message string
}

func Run(ctx context.Context, argv []string) *Error {
	if err := newApp().Run(ctx, argv); err != nil {
		logging.Default().Error("command failed", "error", err)
		return &Error{
			Code:    1,
			Message: err.Error(),
		}
	}

	return nil
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:    "memoire",
		Usage:   "Long term memory store with periodic consolidation",
		Version: Version,
		Commands: []*cli.Command{
			serveCommand(),
			consolidateCommand(),
			addCommand(),
			searchCommand(),
			showCommand(),
			shellCommand(),
			usersCommand(),
			profileCommand(),
			mcpCommand(),
		},
	}
}

// flagSet concatenates flag groups
func flagSet(groups ...[]cli.Flag) []cli.Flag {
	var flags []cli.Flag
	for _, g := range groups {
		flags = append(flags, g...)
	}
	return flags
}
