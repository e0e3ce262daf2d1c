package version

import (
	"strings"
	"testing"
)

func TestString(t *testing.T) {
	origV, origC := Version, Commit
	t.Cleanup(func() { Version, Commit = origV, origC })

	Version, Commit = "1.4.0", "abc1234"
	if got := String(); got != "1.4.0 (abc1234)" {
		t.Fatalf("String() = %q", got)
	}

	Version, Commit = "1.4.0", ""
	if got := String(); got != "1.4.0" {
		t.Fatalf("String() = %q", got)
	}

	Version, Commit = "dev", ""
	if got := String(); got == "" || strings.Contains(got, "(") {
		t.Fatalf("String() = %q", got)
	}
}
