package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"marked", Transient(errors.New("503")), true},
		{"marked and wrapped", fmt.Errorf("write: %w", Transient(errors.New("503"))), true},
		{"net error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"unexpected eof", fmt.Errorf("read: %w", io.ErrUnexpectedEOF), true},
		{"cancelled", context.Canceled, false},
		{"marked deadline", Transient(context.DeadlineExceeded), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransient_Nil(t *testing.T) {
	if Transient(nil) != nil {
		t.Error("expected nil")
	}
}

func TestTransient_Unwrap(t *testing.T) {
	cause := errors.New("cause")
	if !errors.Is(Transient(cause), cause) {
		t.Error("expected marked error to unwrap to its cause")
	}
}
