package broker

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/beanstalkd/go-beanstalk"

	"github.com/xtxerr/tubewatch/internal/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", beanstalk.ConnError{Op: "stats-tube", Err: beanstalk.ErrNotFound}, errors.ErrNotFound},
		{"reserve timeout", beanstalk.ConnError{Op: "reserve-with-timeout", Err: beanstalk.ErrTimeout}, errors.ErrNoJob},
		{"eof", beanstalk.ConnError{Op: "stats", Err: io.EOF}, errors.ErrConnectionLost},
		{"plain io", io.ErrUnexpectedEOF, errors.ErrConnectionLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify("op", tt.err)
			if !errors.Is(got, tt.want) {
				t.Errorf("classify(%v) = %v, want %v in chain", tt.err, got, tt.want)
			}
		})
	}

	reply := classify("put", beanstalk.ConnError{Op: "put", Err: beanstalk.ErrJobTooBig})
	if errors.IsBrokerError(reply) {
		t.Errorf("broker reply should not look like a connection failure: %v", reply)
	}
	if classify("op", nil) != nil {
		t.Error("classify(nil) should be nil")
	}
}

func TestNewDialerDefaults(t *testing.T) {
	d := NewDialer("::1", 11300, 0, 0)
	if d.Addr != "[::1]:11300" {
		t.Errorf("Addr = %q, want [::1]:11300", d.Addr)
	}
	if d.DialTimeout <= 0 || d.OpTimeout <= 0 {
		t.Errorf("zero timeouts should take defaults, got %v/%v", d.DialTimeout, d.OpTimeout)
	}
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	d := NewDialer("127.0.0.1", addr.Port, 500*time.Millisecond, time.Second)
	_, err = d.Dial(context.Background())
	if !errors.Is(err, errors.ErrConnect) {
		t.Errorf("Dial() error = %v, want ErrConnect", err)
	}
}

func TestStatsOverWire(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 64)
		if _, err := c.Read(buf); err != nil {
			return
		}
		body := "---\ncurrent-jobs-ready: 3\nversion: 1.13\n"
		io.WriteString(c, "OK "+strconv.Itoa(len(body))+"\r\n"+body+"\r\n")
	}()

	d := NewDialer("127.0.0.1", ln.Addr().(*net.TCPAddr).Port, time.Second, time.Second)
	conn, err := d.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	st, err := conn.Stats()
	if err != nil {
		t.Fatalf("Stats() error: %v", err)
	}
	if st["current-jobs-ready"] != "3" || st["version"] != "1.13" {
		t.Errorf("Stats() = %v", st)
	}

	// The server hung up; the next command must report a lost connection.
	if _, err := conn.ListTubes(); !errors.Is(err, errors.ErrConnectionLost) {
		t.Errorf("ListTubes() after hangup error = %v, want ErrConnectionLost", err)
	}
}
