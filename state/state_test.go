package state

import (
	"strings"
	"testing"
)

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"valid simple key", "mykey", nil},
		{"valid dotted key", "tasks.render.6f1c-42", nil},
		{"valid symbols", "a-b_c/d=e", nil},
		{"valid long key", strings.Repeat("a", 1024), nil},
		{"empty key", "", ErrInvalidKey},
		{"key with space", "key with space", ErrInvalidKey},
		{"leading dot", ".key", ErrInvalidKey},
		{"trailing dot", "key.", ErrInvalidKey},
		{"empty token", "a..b", ErrInvalidKey},
		{"wildcard", "tasks.*", ErrInvalidKey},
		{"too long key", strings.Repeat("a", 1025), ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateKey(tt.key)
			if err != tt.wantErr {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		parts []string
		want  string
	}{
		{[]string{"tasks", "render", "abc"}, "tasks.render.abc"},
		{[]string{"tasks", "video.render", "a b"}, "tasks.video_render.a_b"},
		{[]string{"tasks", "", "x"}, "tasks._.x"},
		{[]string{"tasks", "ünï"}, "tasks._n_"},
	}
	for _, tt := range tests {
		got := Key(tt.parts...)
		if got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.parts, got, tt.want)
		}
		if err := ValidateKey(got); err != nil {
			t.Errorf("Key(%q) produced invalid key: %v", tt.parts, err)
		}
	}
}

func TestErrorStrings(t *testing.T) {
	for _, err := range []error{ErrNotFound, ErrClosed, ErrInvalidKey} {
		if err.Error() == "" {
			t.Errorf("error %v has empty message", err)
		}
	}
}
