// Package broker talks to a beanstalkd-compatible job-queue broker.
//
// The sampler keeps one long-lived Conn for stats; admin commands dial a
// fresh one per request. Errors are classified into the sentinels of
// internal/errors:
//   - errors.ErrConnect: the dial failed
//   - errors.ErrConnectionLost: I/O failed on an established connection
//   - errors.ErrNotFound: the broker answered NOT_FOUND
//   - errors.ErrNoJob: nothing to reserve or peek
package broker

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/beanstalkd/go-beanstalk"

	"github.com/xtxerr/tubewatch/config"
	"github.com/xtxerr/tubewatch/internal/errors"
	"github.com/xtxerr/tubewatch/internal/logging"
)

var log = logging.Component("broker")

// =============================================================================
// Interfaces
// =============================================================================

// StatsConn is what the sampler needs from a connection.
type StatsConn interface {
	Stats() (map[string]string, error)
	ListTubes() ([]string, error)
	TubeStats(tube string) (map[string]string, error)
	Close() error
}

// JobState selects which jobs of a tube Peek looks at.
type JobState int

const (
	StateReady JobState = iota
	StateDelayed
	StateBuried
)

func (s JobState) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateDelayed:
		return "delayed"
	case StateBuried:
		return "buried"
	default:
		return "unknown"
	}
}

// AdminConn is what admin commands need from a connection.
type AdminConn interface {
	TubeStats(tube string) (map[string]string, error)
	Pause(tube string, d time.Duration) error
	Kick(tube string, bound int) (int, error)
	Peek(tube string, state JobState) (uint64, error)
	ReserveJob(id uint64) error
	JobStats(id uint64) (map[string]string, error)
	Bury(id uint64, pri uint32) error
	Delete(id uint64) error
	Close() error
}

// Conn is a full broker connection.
type Conn interface {
	StatsConn
	AdminConn
}

// Dialer opens broker connections. Dial makes exactly one attempt.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// =============================================================================
// TCP Dialer
// =============================================================================

// TCPDialer dials a broker over TCP.
type TCPDialer struct {
	Addr        string
	DialTimeout time.Duration
	OpTimeout   time.Duration
}

// NewDialer creates a TCPDialer for host:port. Zero timeouts take the
// defaults from the config package.
func NewDialer(host string, port int, dialTimeout, opTimeout time.Duration) *TCPDialer {
	if dialTimeout <= 0 {
		dialTimeout = config.DefaultDialTimeout
	}
	if opTimeout <= 0 {
		opTimeout = config.DefaultOpTimeout
	}
	return &TCPDialer{
		Addr:        net.JoinHostPort(host, strconv.Itoa(port)),
		DialTimeout: dialTimeout,
		OpTimeout:   opTimeout,
	}
}

// Dial opens one connection. Failures wrap errors.ErrConnect.
func (d *TCPDialer) Dial(ctx context.Context) (Conn, error) {
	nd := net.Dialer{Timeout: d.DialTimeout}
	nc, err := nd.DialContext(ctx, "tcp", d.Addr)
	if err != nil {
		return nil, errors.Mark(errors.ErrConnect, err, "dial %s", d.Addr)
	}
	log.Debug("connected", "addr", d.Addr)
	return &beanstalkConn{
		bc:        beanstalk.NewConn(nc),
		nc:        nc,
		opTimeout: d.OpTimeout,
	}, nil
}

// =============================================================================
// beanstalk Connection
// =============================================================================

type beanstalkConn struct {
	bc        *beanstalk.Conn
	nc        net.Conn
	opTimeout time.Duration
}

// arm bounds the next round-trip. go-beanstalk has no timeouts of its own.
func (c *beanstalkConn) arm() {
	if c.opTimeout > 0 {
		_ = c.nc.SetDeadline(time.Now().Add(c.opTimeout))
	}
}

func (c *beanstalkConn) tube(name string) *beanstalk.Tube {
	return &beanstalk.Tube{Conn: c.bc, Name: name}
}

func (c *beanstalkConn) Stats() (map[string]string, error) {
	c.arm()
	m, err := c.bc.Stats()
	return m, classify("stats", err)
}

func (c *beanstalkConn) ListTubes() ([]string, error) {
	c.arm()
	names, err := c.bc.ListTubes()
	return names, classify("list-tubes", err)
}

func (c *beanstalkConn) TubeStats(tube string) (map[string]string, error) {
	c.arm()
	m, err := c.tube(tube).Stats()
	return m, classify("stats-tube "+tube, err)
}

func (c *beanstalkConn) Pause(tube string, d time.Duration) error {
	c.arm()
	return classify("pause-tube "+tube, c.tube(tube).Pause(d))
}

func (c *beanstalkConn) Kick(tube string, bound int) (int, error) {
	c.arm()
	n, err := c.tube(tube).Kick(bound)
	return n, classify("kick "+tube, err)
}

func (c *beanstalkConn) Peek(tube string, state JobState) (uint64, error) {
	c.arm()
	t := c.tube(tube)
	var (
		id  uint64
		err error
	)
	switch state {
	case StateReady:
		id, _, err = t.PeekReady()
	case StateDelayed:
		id, _, err = t.PeekDelayed()
	case StateBuried:
		id, _, err = t.PeekBuried()
	default:
		return 0, errors.New("unknown job state")
	}
	err = classify("peek-"+state.String()+" "+tube, err)
	if errors.Is(err, errors.ErrNotFound) {
		return 0, errors.Wrap(errors.ErrNoJob, "peek-"+state.String())
	}
	return id, err
}

// ReserveJob claims job id whatever its state, delayed included.
func (c *beanstalkConn) ReserveJob(id uint64) error {
	c.arm()
	_, err := c.bc.ReserveJob(id)
	return classify("reserve-job", err)
}

func (c *beanstalkConn) JobStats(id uint64) (map[string]string, error) {
	c.arm()
	m, err := c.bc.StatsJob(id)
	return m, classify("stats-job", err)
}

func (c *beanstalkConn) Bury(id uint64, pri uint32) error {
	c.arm()
	return classify("bury", c.bc.Bury(id, pri))
}

func (c *beanstalkConn) Delete(id uint64) error {
	c.arm()
	return classify("delete", c.bc.Delete(id))
}

func (c *beanstalkConn) Close() error {
	return c.bc.Close()
}

// classify maps a go-beanstalk error onto the broker sentinels. A reply
// from the broker leaves the connection usable; anything else means the
// stream is broken.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce beanstalk.ConnError
	if errors.As(err, &ce) {
		switch ce.Err {
		case beanstalk.ErrNotFound:
			return errors.Mark(errors.ErrNotFound, err, "%s", op)
		case beanstalk.ErrTimeout, beanstalk.ErrDeadline:
			return errors.Mark(errors.ErrNoJob, err, "%s", op)
		case beanstalk.ErrBadFormat, beanstalk.ErrBuried, beanstalk.ErrDraining,
			beanstalk.ErrInternal, beanstalk.ErrJobTooBig, beanstalk.ErrNoCRLF,
			beanstalk.ErrNotIgnored, beanstalk.ErrOOM, beanstalk.ErrUnknown:
			return errors.Wrap(err, op)
		}
	}
	return errors.Mark(errors.ErrConnectionLost, err, "%s", op)
}
