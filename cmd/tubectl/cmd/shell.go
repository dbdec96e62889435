package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	"github.com/xtxerr/tubewatch/internal/broker"
	"github.com/xtxerr/tubewatch/internal/client"
	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/history"
)

var shellCmd = &cobra.Command{
	Use:   "shell",
	Short: "Interactive shell with tube completion",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		sh := newShell(api, cmd.OutOrStdout())
		if _, _, err := sh.refresh(ctx); err != nil {
			fmt.Fprintln(sh.out, "warning:", err)
		}

		p := prompt.New(
			func(line string) {
				if err := sh.execute(ctx, line); err != nil {
					fmt.Fprintln(sh.out, "error:", err)
				}
			},
			func(d prompt.Document) []prompt.Suggest {
				return sh.suggest(d.TextBeforeCursor())
			},
			prompt.OptionPrefix("tubewatch> "),
			prompt.OptionTitle("tubectl"),
			prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
				return breakline && isExit(in)
			}),
		)
		p.Run()
		return nil
	},
}

var shellCommands = []prompt.Suggest{
	{Text: "tubes", Description: "List tubes of the latest sample"},
	{Text: "stats", Description: "stats [tube]: server or tube stats"},
	{Text: "pause", Description: "pause <tube> <seconds>"},
	{Text: "bury", Description: "bury <tube> [count]"},
	{Text: "purge", Description: "purge <tube> [count]"},
	{Text: "kick", Description: "kick <tube> [count]"},
	{Text: "status", Description: "Sampler and history status"},
	{Text: "help", Description: "Show commands"},
	{Text: "exit", Description: "Leave the shell"},
}

// tubeCommands take a tube name as first argument.
var tubeCommands = map[string]bool{
	"stats":                     true,
	string(broker.ActionPause): true,
	string(broker.ActionBury):  true,
	string(broker.ActionPurge): true,
	string(broker.ActionKick):  true,
}

func isExit(line string) bool {
	switch strings.TrimSpace(line) {
	case "exit", "quit":
		return true
	}
	return false
}

// shell executes shell lines. Tube names for completion come from the
// latest sample and are refreshed after every command.
type shell struct {
	api *client.Client
	out io.Writer

	mu    sync.Mutex
	tubes []string
}

func newShell(api *client.Client, out io.Writer) *shell {
	return &shell{api: api, out: out}
}

// refresh fetches the latest sample and updates the known tubes.
func (s *shell) refresh(ctx context.Context) (history.Sample, bool, error) {
	latest, ok, err := s.api.Latest(ctx)
	if err != nil {
		return latest, false, err
	}
	if ok && latest.Connected {
		s.mu.Lock()
		s.tubes = tubeNames(latest)
		s.mu.Unlock()
	}
	return latest, ok, nil
}

// latest is refresh for commands that need a sample.
func (s *shell) latest(ctx context.Context) (history.Sample, error) {
	latest, ok, err := s.refresh(ctx)
	if err != nil {
		return latest, err
	}
	if !ok {
		return latest, errors.New("no samples yet")
	}
	return latest, nil
}

func (s *shell) execute(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 || isExit(line) {
		return nil
	}

	switch fields[0] {
	case "help":
		for _, c := range shellCommands {
			fmt.Fprintf(s.out, "  %-8s %s\n", c.Text, c.Description)
		}
		return nil

	case "tubes":
		latest, err := s.latest(ctx)
		if err != nil {
			return err
		}
		writeTubes(s.out, latest)
		return nil

	case "stats":
		latest, err := s.latest(ctx)
		if err != nil {
			return err
		}
		if !latest.Connected {
			writeTubes(s.out, latest)
			return nil
		}
		if len(fields) == 1 {
			writeStats(s.out, latest.Server)
			return nil
		}
		st, ok := latest.Tubes[fields[1]]
		if !ok {
			return fmt.Errorf("unknown tube %q", fields[1])
		}
		writeStats(s.out, st)
		return nil

	case "status":
		st, err := s.api.Status(ctx)
		if err != nil {
			return err
		}
		writeStatus(s.out, st)
		return nil

	case string(broker.ActionPause), string(broker.ActionBury),
		string(broker.ActionPurge), string(broker.ActionKick):
		act, err := parseAction(fields)
		if err != nil {
			return err
		}
		n, err := s.api.Action(ctx, act)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, actionResult(act, n))
		_, _, _ = s.refresh(ctx)
		return nil

	default:
		return fmt.Errorf("unknown command %q, try help", fields[0])
	}
}

// suggest completes the command name, then the tube name of commands
// that take one.
func (s *shell) suggest(before string) []prompt.Suggest {
	fields := strings.Fields(before)
	current := ""
	if len(fields) > 0 && !strings.HasSuffix(before, " ") {
		current = fields[len(fields)-1]
		fields = fields[:len(fields)-1]
	}

	switch len(fields) {
	case 0:
		return prompt.FilterHasPrefix(shellCommands, current, true)
	case 1:
		if !tubeCommands[fields[0]] {
			return nil
		}
		s.mu.Lock()
		tubes := make([]prompt.Suggest, len(s.tubes))
		for i, name := range s.tubes {
			tubes[i] = prompt.Suggest{Text: name}
		}
		s.mu.Unlock()
		return prompt.FilterHasPrefix(tubes, current, false)
	default:
		return nil
	}
}
