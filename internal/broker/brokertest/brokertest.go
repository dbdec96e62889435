// Package brokertest provides an in-memory broker for tests.
//
// Broker implements broker.Dialer. Every connection it hands out works on
// the same shared state, so a test can seed jobs, run a command and then
// inspect what happened:
//
//	b := brokertest.New()
//	b.Put("mail", 100, broker.StateReady)
//	n, err := broker.NewAdmin(b, 0).Execute(ctx, broker.Action{Name: "bury", Tube: "mail"})
package brokertest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/xtxerr/tubewatch/internal/broker"
	"github.com/xtxerr/tubewatch/internal/errors"
)

// Hook runs before every operation, including "dial". n counts calls of op
// starting at 1. A non-nil error is returned instead of running the
// operation; an error wrapping errors.ErrConnectionLost also kills the
// connection.
type Hook func(op string, n int) error

// Job is a job held by the fake broker.
type Job struct {
	ID    uint64
	Tube  string
	Pri   uint32
	State broker.JobState

	reservedBy *Conn
}

// Broker is an in-memory beanstalkd.
type Broker struct {
	mu      sync.Mutex
	server  map[string]string
	tubes   map[string]time.Duration // tube -> pause
	jobs    map[uint64]*Job
	nextID  uint64
	hook    Hook
	calls   map[string]int
	dials   int
	open    int
	started time.Time
}

// New creates an empty broker with a "default" tube.
func New() *Broker {
	return &Broker{
		server:  map[string]string{"version": "1.13", "hostname": "fake"},
		tubes:   map[string]time.Duration{"default": 0},
		jobs:    make(map[uint64]*Job),
		calls:   make(map[string]int),
		started: time.Now(),
	}
}

// SetHook installs h. Pass nil to remove it.
func (b *Broker) SetHook(h Hook) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = h
}

// SetServerStat sets an extra raw server stat.
func (b *Broker) SetServerStat(key, value string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.server[key] = value
}

// AddTube creates an empty tube.
func (b *Broker) AddTube(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tubes[name]; !ok {
		b.tubes[name] = 0
	}
}

// RemoveTube drops a tube and its jobs.
func (b *Broker) RemoveTube(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tubes, name)
	for id, j := range b.jobs {
		if j.Tube == name {
			delete(b.jobs, id)
		}
	}
}

// Put adds a job in the given state, creating the tube if needed.
func (b *Broker) Put(tube string, pri uint32, state broker.JobState) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tubes[tube]; !ok {
		b.tubes[tube] = 0
	}
	b.nextID++
	b.jobs[b.nextID] = &Job{ID: b.nextID, Tube: tube, Pri: pri, State: state}
	return b.nextID
}

// Count returns how many jobs of tube are in state. Reserved jobs count
// as neither ready nor buried.
func (b *Broker) Count(tube string, state broker.JobState) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.countLocked(tube, state)
}

func (b *Broker) countLocked(tube string, state broker.JobState) int {
	var n int
	for _, j := range b.jobs {
		if j.Tube == tube && j.State == state && j.reservedBy == nil {
			n++
		}
	}
	return n
}

func (b *Broker) reservedLocked(tube string) int {
	var n int
	for _, j := range b.jobs {
		if j.Tube == tube && j.reservedBy != nil {
			n++
		}
	}
	return n
}

// Job returns a copy of a job, false if it does not exist.
func (b *Broker) Job(id uint64) (Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Paused returns the pause of a tube.
func (b *Broker) Paused(tube string) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tubes[tube]
}

// Dials returns the number of Dial calls, failed ones included.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// OpenConns returns the number of connections not yet closed.
func (b *Broker) OpenConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Calls returns how often op ran or was attempted.
func (b *Broker) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

// before counts op and runs the hook outside the lock, so a hook may call
// back into the Broker.
func (b *Broker) before(op string) error {
	b.mu.Lock()
	b.calls[op]++
	h, n := b.hook, b.calls[op]
	b.mu.Unlock()
	if h == nil {
		return nil
	}
	return h(op, n)
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context) (broker.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Mark(errors.ErrConnect, err, "dial fake")
	}
	b.mu.Lock()
	b.dials++
	b.mu.Unlock()

	if err := b.before("dial"); err != nil {
		if !errors.Is(err, errors.ErrConnect) {
			err = errors.Mark(errors.ErrConnect, err, "dial fake")
		}
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.open++
	return &Conn{b: b}, nil
}

// =============================================================================
// Errors
// =============================================================================

// Lost returns an error that kills the connection it is returned on.
func Lost(op string) error {
	return errors.Mark(errors.ErrConnectionLost, fmt.Errorf("connection reset by peer"), "%s", op)
}

// NotFound returns the error the broker answers NOT_FOUND with.
func NotFound(op string) error {
	return errors.Mark(errors.ErrNotFound, fmt.Errorf("NOT_FOUND"), "%s", op)
}

// =============================================================================
// Conn
// =============================================================================

// Conn is one connection to the fake broker.
type Conn struct {
	b      *Broker
	closed bool
	dead   bool
}

var _ broker.Conn = (*Conn)(nil)

// enter runs the hook for op and locks the broker. On success the caller
// must unlock b.mu.
func (c *Conn) enter(op string) error {
	c.b.mu.Lock()
	gone := c.closed || c.dead
	c.b.mu.Unlock()
	if gone {
		return Lost(op)
	}

	if err := c.b.before(op); err != nil {
		if errors.Is(err, errors.ErrConnectionLost) {
			c.b.mu.Lock()
			c.dead = true
			c.b.mu.Unlock()
		}
		return err
	}

	c.b.mu.Lock()
	return nil
}

func (c *Conn) Stats() (map[string]string, error) {
	if err := c.enter("stats"); err != nil {
		return nil, err
	}
	defer c.b.mu.Unlock()

	out := make(map[string]string, len(c.b.server)+6)
	for k, v := range c.b.server {
		out[k] = v
	}
	var ready, delayed, buried, reserved int
	for _, j := range c.b.jobs {
		switch {
		case j.reservedBy != nil:
			reserved++
		case j.State == broker.StateReady:
			ready++
		case j.State == broker.StateDelayed:
			delayed++
		case j.State == broker.StateBuried:
			buried++
		}
	}
	out["current-jobs-ready"] = strconv.Itoa(ready)
	out["current-jobs-delayed"] = strconv.Itoa(delayed)
	out["current-jobs-buried"] = strconv.Itoa(buried)
	out["current-jobs-reserved"] = strconv.Itoa(reserved)
	out["current-tubes"] = strconv.Itoa(len(c.b.tubes))
	out["current-connections"] = strconv.Itoa(c.b.open)
	out["uptime"] = strconv.Itoa(int(time.Since(c.b.started).Seconds()))
	return out, nil
}

func (c *Conn) ListTubes() ([]string, error) {
	if err := c.enter("list-tubes"); err != nil {
		return nil, err
	}
	defer c.b.mu.Unlock()

	names := make([]string, 0, len(c.b.tubes))
	for name := range c.b.tubes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (c *Conn) TubeStats(tube string) (map[string]string, error) {
	if err := c.enter("stats-tube"); err != nil {
		return nil, err
	}
	defer c.b.mu.Unlock()

	pause, ok := c.b.tubes[tube]
	if !ok {
		return nil, NotFound("stats-tube " + tube)
	}
	return map[string]string{
		"name":                  tube,
		"current-jobs-ready":    strconv.Itoa(c.b.countLocked(tube, broker.StateReady)),
		"current-jobs-delayed":  strconv.Itoa(c.b.countLocked(tube, broker.StateDelayed)),
		"current-jobs-buried":   strconv.Itoa(c.b.countLocked(tube, broker.StateBuried)),
		"current-jobs-reserved": strconv.Itoa(c.b.reservedLocked(tube)),
		"pause":                 strconv.Itoa(int(pause / time.Second)),
	}, nil
}

func (c *Conn) Pause(tube string, d time.Duration) error {
	if err := c.enter("pause-tube"); err != nil {
		return err
	}
	defer c.b.mu.Unlock()

	if _, ok := c.b.tubes[tube]; !ok {
		return NotFound("pause-tube " + tube)
	}
	c.b.tubes[tube] = d
	return nil
}

func (c *Conn) Kick(tube string, bound int) (int, error) {
	if err := c.enter("kick"); err != nil {
		return 0, err
	}
	defer c.b.mu.Unlock()

	from := broker.StateBuried
	if c.b.countLocked(tube, broker.StateBuried) == 0 {
		from = broker.StateDelayed
	}
	var n int
	for _, j := range c.b.sortedLocked(tube, from) {
		if n >= bound {
			break
		}
		j.State = broker.StateReady
		n++
	}
	return n, nil
}

func (c *Conn) Peek(tube string, state broker.JobState) (uint64, error) {
	if err := c.enter("peek"); err != nil {
		return 0, err
	}
	defer c.b.mu.Unlock()

	jobs := c.b.sortedLocked(tube, state)
	if len(jobs) == 0 {
		return 0, errors.Wrap(errors.ErrNoJob, "peek-"+state.String())
	}
	return jobs[0].ID, nil
}

func (c *Conn) ReserveJob(id uint64) error {
	if err := c.enter("reserve-job"); err != nil {
		return err
	}
	defer c.b.mu.Unlock()

	j, ok := c.b.jobs[id]
	if !ok || j.reservedBy != nil || j.State == broker.StateBuried {
		return NotFound("reserve-job")
	}
	j.reservedBy = c
	return nil
}

func (c *Conn) JobStats(id uint64) (map[string]string, error) {
	if err := c.enter("stats-job"); err != nil {
		return nil, err
	}
	defer c.b.mu.Unlock()

	j, ok := c.b.jobs[id]
	if !ok {
		return nil, NotFound("stats-job")
	}
	state := j.State.String()
	if j.reservedBy != nil {
		state = "reserved"
	}
	return map[string]string{
		"id":    strconv.FormatUint(j.ID, 10),
		"tube":  j.Tube,
		"state": state,
		"pri":   strconv.FormatUint(uint64(j.Pri), 10),
	}, nil
}

func (c *Conn) Bury(id uint64, pri uint32) error {
	if err := c.enter("bury"); err != nil {
		return err
	}
	defer c.b.mu.Unlock()

	j, ok := c.b.jobs[id]
	if !ok || j.reservedBy != c {
		return NotFound("bury")
	}
	j.reservedBy = nil
	j.State = broker.StateBuried
	j.Pri = pri
	return nil
}

func (c *Conn) Delete(id uint64) error {
	if err := c.enter("delete"); err != nil {
		return err
	}
	defer c.b.mu.Unlock()

	j, ok := c.b.jobs[id]
	if !ok || (j.reservedBy != nil && j.reservedBy != c) {
		return NotFound("delete")
	}
	delete(c.b.jobs, id)
	return nil
}

// Close releases jobs reserved on this connection.
func (c *Conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.b.open--
	for _, j := range c.b.jobs {
		if j.reservedBy == c {
			j.reservedBy = nil
		}
	}
	return nil
}

// sortedLocked returns unreserved jobs of tube in state, in the order the
// broker would hand them out. Caller holds mu.
func (b *Broker) sortedLocked(tube string, state broker.JobState) []*Job {
	var out []*Job
	for _, j := range b.jobs {
		if j.Tube == tube && j.State == state && j.reservedBy == nil {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if state == broker.StateReady && out[i].Pri != out[k].Pri {
			return out[i].Pri < out[k].Pri
		}
		return out[i].ID < out[k].ID
	})
	return out
}
