package errs

import (
	"errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{
			name: "nil error has no code",
			err:  nil,
			want: "",
		},
		{
			name: "coded error",
			err:  New(NotFound, "pool %s not found", "p1"),
			want: NotFound,
		},
		{
			name: "wrapped coded error",
			err:  fmt.Errorf("refresh failed: %w", New(Unavailable, "node offline")),
			want: Unavailable,
		},
		{
			name: "plain error defaults to internal",
			err:  errors.New("boom"),
			want: Internal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(InvalidArgument, "size must be positive, got %d", -1)
	if err.Error() != "InvalidArgument: size must be positive, got -1" {
		t.Errorf("unexpected message: %s", err.Error())
	}

	cause := errors.New("connection refused")
	wrapped := Wrap(Unavailable, cause, "dial n1")
	if !errors.Is(wrapped, cause) {
		t.Error("Wrap must preserve the cause for errors.Is")
	}
}

func TestFromGRPC(t *testing.T) {
	tests := []struct {
		name string
		code codes.Code
		want Code
	}{
		{"not found", codes.NotFound, NotFound},
		{"already exists", codes.AlreadyExists, AlreadyExists},
		{"invalid argument", codes.InvalidArgument, InvalidArgument},
		{"unavailable", codes.Unavailable, Unavailable},
		{"deadline collapses to unavailable", codes.DeadlineExceeded, Unavailable},
		{"canceled collapses to unavailable", codes.Canceled, Unavailable},
		{"unknown maps to internal", codes.Unknown, Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			grpcErr := status.Error(tt.code, "rpc failed")
			got := FromGRPC(grpcErr, "create replica")
			if got.Code != tt.want {
				t.Errorf("FromGRPC(%v) code = %v, want %v", tt.code, got.Code, tt.want)
			}
		})
	}
}

func TestPredicates(t *testing.T) {
	if !IsNotFound(New(NotFound, "gone")) {
		t.Error("IsNotFound should match")
	}
	if !IsAlreadyExists(New(AlreadyExists, "dup")) {
		t.Error("IsAlreadyExists should match")
	}
	if !IsUnavailable(New(Unavailable, "down")) {
		t.Error("IsUnavailable should match")
	}
	if IsNotFound(New(Internal, "boom")) {
		t.Error("IsNotFound should not match internal errors")
	}
}
