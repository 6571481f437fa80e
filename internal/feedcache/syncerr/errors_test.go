package syncerr

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindMatching(t *testing.T) {
	base := errors.New("disk full")

	tests := []struct {
		name  string
		err   error
		match error
		other []error
	}{
		{"storage", Storage("db.UpsertPost", base), ErrStorage, []error{ErrRemote, ErrConflict, ErrValidation}},
		{"remote", Remote("syncer.pull", base), ErrRemote, []error{ErrStorage, ErrConflict, ErrValidation}},
		{"conflict", Conflict("syncer.React", "posts", "p1", base), ErrConflict, []error{ErrStorage, ErrRemote, ErrValidation}},
		{"validation", Validation("syncer.Vote", "choice %d out of range", 7), ErrValidation, []error{ErrStorage, ErrRemote, ErrConflict}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.match) {
				t.Errorf("errors.Is(%v, %v) = false, want true", tt.err, tt.match)
			}
			for _, o := range tt.other {
				if errors.Is(tt.err, o) {
					t.Errorf("errors.Is(%v, %v) = true, want false", tt.err, o)
				}
			}
		})
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("boom")
	err := Storage("op", fmt.Errorf("failed to upsert: %w", cause))
	if !errors.Is(err, cause) {
		t.Error("wrapped error lost its cause")
	}
}

func TestWrapNilAndExisting(t *testing.T) {
	if Storage("op", nil) != nil {
		t.Error("Storage(nil) should be nil")
	}

	inner := Validation("inner", "bad")
	outer := Remote("outer", inner)
	if k, _ := KindOf(outer); k != KindValidation {
		t.Errorf("kind = %v, want ValidationError", k)
	}
}

func TestBoundary(t *testing.T) {
	if err := Boundary("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Errorf("Boundary(Canceled) = %v", err)
	}
	if _, ok := KindOf(Boundary("op", context.Canceled)); ok {
		t.Error("cancellation should not gain a kind")
	}

	err := Boundary("op", errors.New("sql: no rows"))
	if !errors.Is(err, ErrStorage) {
		t.Errorf("Boundary(plain) = %v, want StorageError", err)
	}

	remote := Remote("op", errors.New("503"))
	if Boundary("op", remote) != remote {
		t.Error("Boundary should pass classified errors through")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{Remote("pull", errors.New("timeout")), true},
		{Storage("upsert", errors.New("locked")), false},
		{Conflict("push", "posts", "p1", nil), false},
		{Remote("pull", context.Canceled), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestErrorString(t *testing.T) {
	err := Conflict("syncer.EditPost", "posts", "p9", errors.New("push timed out"))
	want := "ConflictError: syncer.EditPost posts/p9: push timed out"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestWithEntity(t *testing.T) {
	err := WithEntity(Storage("op", errors.New("x")), "messages", "m1")
	var e *Error
	if !errors.As(err, &e) {
		t.Fatal("expected *Error")
	}
	if e.Entity != "messages" || e.ID != "m1" {
		t.Errorf("entity = %s/%s", e.Entity, e.ID)
	}

	plain := errors.New("plain")
	if WithEntity(plain, "posts", "p") != plain {
		t.Error("plain errors should be returned unchanged")
	}
}
