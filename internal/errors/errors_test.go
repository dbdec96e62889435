package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestMarkKeepsSentinelAndCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Mark(ErrConnect, cause, "dial %s", "localhost:11300")

	if !Is(err, ErrConnect) {
		t.Error("expected ErrConnect in chain")
	}
	if !Is(err, cause) {
		t.Error("expected cause in chain")
	}
	if !strings.Contains(err.Error(), "localhost:11300") {
		t.Errorf("message %q should mention the address", err.Error())
	}
}

func TestIsBrokerError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connect", fmt.Errorf("x: %w", ErrConnect), true},
		{"lost", Wrap(ErrConnectionLost, "stats"), true},
		{"other", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBrokerError(tt.err); got != tt.want {
				t.Errorf("IsBrokerError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{NewBadRequest("since", "x", "not a number"), http.StatusBadRequest},
		{Wrap(ErrInvalidTube, "tube"), http.StatusBadRequest},
		{Wrap(ErrConnect, "dial"), http.StatusOK},
		{Wrap(ErrConnectionLost, "kick"), http.StatusBadGateway},
		{Wrap(ErrNotFound, "pause-tube"), http.StatusNotFound},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.HasErrors() || v.Err() != nil {
		t.Fatal("empty collector should return nil")
	}

	v.AddField("broker.port", "out of range")
	v.AddMissing("broker.host")
	v.Add(nil)

	err := v.Err()
	if err == nil || !v.HasErrors() {
		t.Fatal("expected error")
	}
	if len(v.Errors) != 2 {
		t.Errorf("got %d errors, want 2", len(v.Errors))
	}
	if !Is(err, ErrMissingField) || !Is(err, ErrInvalidConfig) {
		t.Error("expected both sentinels reachable through Unwrap")
	}
	if !strings.HasPrefix(err.Error(), "validation failed with 2 errors") {
		t.Errorf("unexpected message %q", err.Error())
	}
}
