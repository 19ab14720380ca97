package util

import (
	"strings"
	"testing"
)

func TestNewID(t *testing.T) {
	plain := NewID("")
	if len(plain) != 32 {
		t.Errorf("len = %d, want 32 hex chars", len(plain))
	}

	prefixed := NewID("req")
	if !strings.HasPrefix(prefixed, "req_") || len(prefixed) != len("req_")+32 {
		t.Errorf("prefixed id = %q", prefixed)
	}

	if NewID("req") == prefixed {
		t.Error("ids must not repeat")
	}
}
