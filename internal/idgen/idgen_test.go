package idgen

import (
	"strings"
	"testing"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix(PrefixDispute)
	if !strings.HasPrefix(id, "dsp_") {
		t.Errorf("WithPrefix(%q) = %q, missing prefix", PrefixDispute, id)
	}
	if len(id) != len("dsp_")+24 {
		t.Errorf("len(%q) = %d, want %d", id, len(id), len("dsp_")+24)
	}
	if other := WithPrefix(PrefixDispute); other == id {
		t.Errorf("two calls returned the same id %q", id)
	}
}

func TestHex(t *testing.T) {
	if got := len(Hex(16)); got != 32 {
		t.Errorf("len(Hex(16)) = %d, want 32", got)
	}
	if got := Hex(0); got != "" {
		t.Errorf("Hex(0) = %q, want empty", got)
	}
}
