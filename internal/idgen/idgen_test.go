package idgen

import (
	"strings"
	"testing"
)

func TestNew_IsUniqueUUID(t *testing.T) {
	a, b := New(), New()
	if a == b {
		t.Fatal("expected distinct ids")
	}
	if !IsUUID(a) {
		t.Errorf("expected UUID, got %q", a)
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("conn_")
	if !strings.HasPrefix(id, "conn_") {
		t.Errorf("missing prefix: %q", id)
	}
	if len(id) != len("conn_")+24 {
		t.Errorf("unexpected length %d for %q", len(id), id)
	}
}

func TestHex(t *testing.T) {
	if got := len(Hex(8)); got != 16 {
		t.Errorf("Hex(8) length = %d, want 16", got)
	}
	if IsUUID("not-a-uuid") {
		t.Error("expected IsUUID to reject garbage")
	}
}
