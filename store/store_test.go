package store

import (
	"strings"
	"testing"
	"time"
)

// ============================================================================
// Helpers shared by every backend
// ============================================================================

func TestOperation_String(t *testing.T) {
	tests := []struct {
		op   Operation
		want string
	}{
		{OpPut, "put"},
		{OpDelete, "delete"},
		{Operation(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Operation(%d).String() = %q, want %q", tt.op, got, tt.want)
		}
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		wantErr error
	}{
		{"simple", "state", nil},
		{"dotted", "app.state", nil},
		{"max length", strings.Repeat("a", 1024), nil},
		{"empty", "", ErrInvalidKey},
		{"space", "app state", ErrInvalidKey},
		{"tab", "app\tstate", ErrInvalidKey},
		{"leading dot", ".state", ErrInvalidKey},
		{"trailing dot", "state.", ErrInvalidKey},
		{"too long", strings.Repeat("a", 1025), ErrInvalidKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ValidateKey(tt.key); err != tt.wantErr {
				t.Errorf("ValidateKey(%q) = %v, want %v", tt.key, err, tt.wantErr)
			}
		})
	}
}

func TestValidateTTL(t *testing.T) {
	if err := ValidateTTL(0); err != nil {
		t.Errorf("zero TTL: %v", err)
	}
	if err := ValidateTTL(time.Hour); err != nil {
		t.Errorf("positive TTL: %v", err)
	}
	if err := ValidateTTL(-time.Second); err != ErrInvalidTTL {
		t.Errorf("negative TTL = %v, want ErrInvalidTTL", err)
	}
}

func TestMatchPattern(t *testing.T) {
	tests := []struct {
		pattern string
		key     string
		want    bool
	}{
		{"*", "anything", true},
		{"*", "", true},
		{"app.*", "app.state", true},
		{"app.*", "app.state.v2", true},
		{"app.*", "other.state", false},
		{"app.*", "appstate", false},
		{"app.state", "app.state", true},
		{"app.state", "app.statex", false},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.key, func(t *testing.T) {
			if got := MatchPattern(tt.pattern, tt.key); got != tt.want {
				t.Errorf("MatchPattern(%q, %q) = %v, want %v", tt.pattern, tt.key, got, tt.want)
			}
		})
	}
}

func TestCopyBytes(t *testing.T) {
	if copyBytes(nil) != nil {
		t.Error("copyBytes(nil) should stay nil")
	}
	src := []byte("abc")
	dst := copyBytes(src)
	src[0] = 'x'
	if string(dst) != "abc" {
		t.Errorf("copy aliased source: %s", dst)
	}
}
