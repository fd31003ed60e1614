package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"google.golang.org/grpc/codes"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("start race: %w", New(CodeRaceAlreadyActive, "race already active"))
	if !stderrors.Is(err, New(CodeRaceAlreadyActive, "")) {
		t.Fatal("expected wrapped error to match by code")
	}
	if stderrors.Is(err, New(CodeRaceNotActive, "")) {
		t.Fatal("expected different code not to match")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodePersistenceFailed, "persist session", cause)
	if !stderrors.Is(err, cause) {
		t.Fatal("expected cause to be reachable")
	}
	if got := err.Error(); got != "persist session: disk full" {
		t.Fatalf("error = %q, want %q", got, "persist session: disk full")
	}
	if got := ClientMessage(err); got != "persist session" {
		t.Fatalf("client message = %q, want %q", got, "persist session")
	}
}

func TestStatusName(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{New(CodeDriverNameEmpty, "x"), "INVALID_ARGUMENT"},
		{New(CodeRaceAlreadyActive, "x"), "FAILED_PRECONDITION"},
		{New(CodeKartAlreadyAssigned, "x"), "ALREADY_EXISTS"},
		{New(CodeSessionNotFound, "x"), "NOT_FOUND"},
		{New(CodePersistenceFailed, "x"), "UNAVAILABLE"},
		{New(CodeRolePermissionRequired, "x"), "PERMISSION_DENIED"},
		{stderrors.New("plain"), "INTERNAL"},
	}
	for _, tt := range tests {
		if got := StatusName(tt.err); got != tt.want {
			t.Fatalf("status name for %v = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestGRPCCodeDefaultsToInternal(t *testing.T) {
	if got := Code("SOMETHING_ELSE").GRPCCode(); got != codes.Internal {
		t.Fatalf("grpc code = %v, want %v", got, codes.Internal)
	}
}
