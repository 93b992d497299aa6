package version

import (
	"strings"
	"testing"
)

func TestFullUsesInjectedCommit(t *testing.T) {
	prev := Commit
	Commit = "abc1234"
	t.Cleanup(func() { Commit = prev })

	if got := Full(); got != "shellcache "+Version+" (abc1234)" {
		t.Fatalf("unexpected version string %q", got)
	}
}

func TestFullHasProductName(t *testing.T) {
	if !strings.HasPrefix(Full(), "shellcache ") {
		t.Fatalf("version should start with the product name: %s", Full())
	}
}
