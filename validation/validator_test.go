package validation

import (
	"errors"
	"strings"
	"testing"
)

type signup struct {
	Name   string `json:"name" validate:"required,max=8"`
	Email  string `json:"email" validate:"required,email"`
	Secret string `json:"secret" validate:"min=6"`
	Kind   string `json:"type" validate:"omitempty,oneof=group channel"`
}

func TestStruct(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		in     signup
		fields []string
	}{
		{"valid", signup{Name: "ann", Email: "ann@example.com", Secret: "secret"}, nil},
		{"missing name", signup{Email: "ann@example.com", Secret: "secret"}, []string{"name"}},
		{"bad email and short secret", signup{Name: "ann", Email: "nope", Secret: "x"}, []string{"email", "secret"}},
		{"bad kind", signup{Name: "ann", Email: "a@b.co", Secret: "secret", Kind: "room"}, []string{"type"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := Struct(&tt.in)
			if len(tt.fields) == 0 {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var verr *Error
			if !errors.As(err, &verr) {
				t.Fatalf("expected *Error, got %v", err)
			}
			if len(verr.Fields) != len(tt.fields) {
				t.Fatalf("fields = %+v", verr.Fields)
			}
			for i, f := range tt.fields {
				if verr.Fields[i].Field != f {
					t.Errorf("field %d = %s, want %s", i, verr.Fields[i].Field, f)
				}
			}
		})
	}
}

func TestMessages(t *testing.T) {
	t.Parallel()

	err := Struct(&signup{Name: "much too long", Email: "a@b.co", Secret: "secret"})
	if err == nil || !strings.Contains(err.Error(), "name must be at most 8 characters") {
		t.Fatalf("unexpected message: %v", err)
	}
}
