package store

import (
	"testing"

	"github.com/mcp-tool-shop/payroll-engine/internal/domain"
)

func TestIsTerminalRecoveryStatus(t *testing.T) {
	tests := []struct {
		name   string
		status domain.RecoveryStatus
		want   bool
	}{
		{"complete is terminal", domain.RecoveryComplete, true},
		{"written off is terminal", domain.RecoveryWrittenOff, true},
		{"failed is terminal", domain.RecoveryFailed, true},
		{"pending is not terminal", domain.RecoveryPending, false},
		{"in progress is not terminal", domain.RecoveryInProgress, false},
		{"partial is not terminal", domain.RecoveryPartial, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isTerminalRecoveryStatus(tt.status); got != tt.want {
				t.Errorf("isTerminalRecoveryStatus(%s) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}
