package supplychain

import (
	"strings"
	"testing"
)

func TestIsAtRiskNamespace(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"@ctrl/tinycolor", true},
		{"@nx/devkit", true},
		{"@ctrl", false},
		{"ctrl/tinycolor", false},
		{"lodash", false},
		{"@babel/core", false},
		{"@nxx/devkit", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsAtRiskNamespace(tt.name); got != tt.want {
				t.Errorf("IsAtRiskNamespace(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestNamespaceWarning(t *testing.T) {
	got := NamespaceWarning("@ctrl/tinycolor")
	if !strings.Contains(got, "@ctrl ") || !strings.Contains(got, "@ctrl/tinycolor") {
		t.Errorf("NamespaceWarning() = %q", got)
	}
}
