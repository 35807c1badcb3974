package mesh

import (
	"strings"
	"testing"
)

func TestReplySubject(t *testing.T) {
	prefix := "macula.market.v1.refresh.reply"

	a := ReplySubject(prefix)
	b := ReplySubject(prefix)

	if !strings.HasPrefix(a, prefix+".") {
		t.Fatalf("ReplySubject() = %q, want prefix %q", a, prefix+".")
	}
	if a == b {
		t.Fatalf("ReplySubject() repeated %q", a)
	}

	suffix := strings.TrimPrefix(a, prefix+".")
	if len(suffix) != 32 {
		t.Fatalf("suffix %q has length %d, want 32", suffix, len(suffix))
	}
	if strings.ContainsAny(suffix, ".-*>") {
		t.Fatalf("suffix %q contains subject metacharacters", suffix)
	}
}
