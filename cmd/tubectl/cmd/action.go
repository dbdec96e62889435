package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/xtxerr/tubewatch/internal/broker"
	"github.com/xtxerr/tubewatch/internal/errors"
)

var actionCmd = &cobra.Command{
	Use:   "action <pause|bury|purge|kick> <tube> [count]",
	Short: "Run an admin action against a tube",
	Long: `Runs an admin action on the broker through the server.

  pause <tube> <seconds>   pause the tube
  bury  <tube> [count]     bury ready jobs, all by default
  purge <tube> [count]     delete jobs in every state, all by default
  kick  <tube> [count]     kick buried (or delayed) jobs, all by default`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		act, err := parseAction(args)
		if err != nil {
			return err
		}
		n, err := api.Action(cmd.Context(), act)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), actionResult(act, n))
		return nil
	},
}

// parseAction builds an action from "<name> <tube> [count]".
func parseAction(args []string) (broker.Action, error) {
	if len(args) < 2 || len(args) > 3 {
		return broker.Action{}, errors.Wrap(errors.ErrInvalidAction, "usage: <action> <tube> [count]")
	}

	act := broker.Action{
		Name: broker.ActionName(strings.ToLower(args[0])),
		Tube: args[1],
	}
	switch {
	case len(args) == 3:
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return act, errors.Wrapf(errors.ErrInvalidAction, "count %q is not an integer", args[2])
		}
		act.Count = n
	case act.Name == broker.ActionPause:
		return act, errors.Wrap(errors.ErrInvalidAction, "pause needs a duration in seconds")
	case act.Name == broker.ActionKick:
		act.Count = -1
	}
	return act, act.Validate()
}

func actionResult(act broker.Action, n int) string {
	if act.Name == broker.ActionPause {
		return fmt.Sprintf("paused %s for %ds", act.Tube, act.Count)
	}
	verb := map[broker.ActionName]string{
		broker.ActionBury:  "buried",
		broker.ActionPurge: "deleted",
		broker.ActionKick:  "kicked",
	}[act.Name]
	return fmt.Sprintf("%s %d jobs in %s", verb, n, act.Tube)
}
