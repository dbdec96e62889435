package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/xtxerr/tubewatch/config"
	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/validation"
)

// =============================================================================
// Actions
// =============================================================================

// ActionName identifies an admin command.
type ActionName string

const (
	ActionPause ActionName = "pause"
	ActionBury  ActionName = "bury"
	ActionPurge ActionName = "purge"
	ActionKick  ActionName = "kick"
)

// Actions lists every supported admin command.
var Actions = []ActionName{ActionPause, ActionBury, ActionPurge, ActionKick}

// Action is one admin command against a tube.
//
// Count means:
//   - pause: seconds to pause the tube for
//   - bury, purge: maximum number of jobs, <= 0 for all
//   - kick: maximum number of jobs, < 0 for as many as the tube holds
type Action struct {
	Name  ActionName `json:"action"`
	Tube  string     `json:"tube"`
	Count int        `json:"count"`
}

// Validate checks the action before any connection is opened.
func (a Action) Validate() error {
	switch a.Name {
	case ActionPause, ActionBury, ActionPurge, ActionKick:
	case "":
		return errors.Wrap(errors.ErrInvalidAction, "action is required")
	default:
		return errors.Wrapf(errors.ErrInvalidAction, "unknown action %q", a.Name)
	}
	if err := validation.ValidateTubeName(a.Tube); err != nil {
		return errors.Mark(errors.ErrInvalidTube, err, "tube %q", a.Tube)
	}
	if a.Name == ActionPause && a.Count < 0 {
		return errors.Wrapf(errors.ErrInvalidAction, "pause needs a non-negative count, got %d", a.Count)
	}
	return nil
}

func (a Action) String() string {
	return fmt.Sprintf("%s %s %d", a.Name, a.Tube, a.Count)
}

// =============================================================================
// Admin
// =============================================================================

// Admin runs admin commands, each on its own connection.
type Admin struct {
	dialer  Dialer
	timeout time.Duration
}

// NewAdmin creates an Admin. A non-positive timeout uses
// config.DefaultActionTimeout.
func NewAdmin(d Dialer, timeout time.Duration) *Admin {
	if timeout <= 0 {
		timeout = config.DefaultActionTimeout
	}
	return &Admin{dialer: d, timeout: timeout}
}

// Execute validates and runs act. It returns the number of jobs affected.
// A dial failure wraps errors.ErrConnect.
func (a *Admin) Execute(ctx context.Context, act Action) (int, error) {
	if err := act.Validate(); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	conn, err := a.dialer.Dial(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	var n int
	switch act.Name {
	case ActionPause:
		err = pause(conn, act.Tube, act.Count)
	case ActionBury:
		n, err = bury(ctx, conn, act.Tube, act.Count)
	case ActionPurge:
		n, err = purge(ctx, conn, act.Tube, act.Count)
	case ActionKick:
		n, err = kick(conn, act.Tube, act.Count)
	}

	if err != nil {
		log.Warn("action failed", "action", act.Name, "tube", act.Tube, "done", n, "error", err)
		return n, err
	}
	log.Info("action done", "action", act.Name, "tube", act.Tube, "count", n)
	return n, nil
}

func pause(conn AdminConn, tube string, seconds int) error {
	return conn.Pause(tube, time.Duration(seconds)*time.Second)
}

// bury buries ready, then delayed jobs of tube at their current priority.
// Each job is claimed with reserve-job by id, so delayed jobs are covered
// too. A job claimed or deleted by another client first is skipped, and
// seeing the same id twice ends the scan of that state.
func bury(ctx context.Context, conn AdminConn, tube string, limit int) (int, error) {
	var n int
	seen := make(map[uint64]bool)

	for _, state := range []JobState{StateReady, StateDelayed} {
		for limit <= 0 || n < limit {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			id, err := conn.Peek(tube, state)
			if errors.Is(err, errors.ErrNoJob) {
				break
			}
			if err != nil {
				return n, err
			}
			if seen[id] {
				log.Debug("job resists bury, skipping state", "tube", tube, "state", state, "job", id)
				break
			}
			seen[id] = true

			err = conn.ReserveJob(id)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return n, err
			}

			pri, err := priority(conn, id)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return n, err
			}

			err = conn.Bury(id, pri)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

func priority(conn AdminConn, id uint64) (uint32, error) {
	st, err := conn.JobStats(id)
	if err != nil {
		return 0, err
	}
	pri, err := strconv.ParseUint(st["pri"], 10, 32)
	if err != nil {
		return 0, fmt.Errorf("job %d: bad priority %q: %w", id, st["pri"], err)
	}
	return uint32(pri), nil
}

// purge deletes ready, then delayed, then buried jobs of tube. A job that
// another client deletes first is skipped. Seeing the same id twice ends
// the scan of that state, since the job cannot be deleted from here.
func purge(ctx context.Context, conn AdminConn, tube string, limit int) (int, error) {
	var n int
	seen := make(map[uint64]bool)

	for _, state := range []JobState{StateReady, StateDelayed, StateBuried} {
		for limit <= 0 || n < limit {
			if err := ctx.Err(); err != nil {
				return n, err
			}
			id, err := conn.Peek(tube, state)
			if errors.Is(err, errors.ErrNoJob) {
				break
			}
			if err != nil {
				return n, err
			}
			if seen[id] {
				log.Debug("job resists delete, skipping state", "tube", tube, "state", state, "job", id)
				break
			}
			seen[id] = true

			err = conn.Delete(id)
			if errors.Is(err, errors.ErrNotFound) {
				continue
			}
			if err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// kick moves buried jobs, or delayed ones when nothing is buried, back to
// ready. A negative bound kicks as many jobs as the tube currently holds
// in that state.
func kick(conn AdminConn, tube string, bound int) (int, error) {
	if bound < 0 {
		st, err := conn.TubeStats(tube)
		if errors.Is(err, errors.ErrNotFound) {
			// An empty tube is not listed by the broker.
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		bound = IntStat(st, "current-jobs-buried")
		if bound == 0 {
			bound = IntStat(st, "current-jobs-delayed")
		}
	}
	if bound == 0 {
		return 0, nil
	}
	return conn.Kick(tube, bound)
}
