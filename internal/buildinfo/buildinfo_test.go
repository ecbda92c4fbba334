package buildinfo

import (
	"strings"
	"testing"
)

func TestStringContainsFields(t *testing.T) {
	s := String()
	for _, want := range []string{"version=", "commit=", "date="} {
		if !strings.Contains(s, want) {
			t.Errorf("String() = %q, missing %q", s, want)
		}
	}
}
