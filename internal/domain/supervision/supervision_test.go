package supervision

import (
	"errors"
	"testing"

	"github.com/wardenhq/warden/internal/domain"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusAssigned, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusTimeout, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("Terminal(%s) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestStatusCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusAssigned, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusAssigned, StatusCompleted, true},
		{StatusAssigned, StatusTimeout, true},
		{StatusAssigned, StatusFailed, true},
		{StatusAssigned, StatusPending, true}, // disconnect requeue
		{StatusCompleted, StatusAssigned, false},
		{StatusTimeout, StatusPending, false},
		{StatusFailed, StatusAssigned, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("CanTransition(%s -> %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestDecisionValid(t *testing.T) {
	for _, d := range []Decision{DecisionApprove, DecisionModify, DecisionReject, DecisionEscalate, DecisionTerminate} {
		if !d.Valid() {
			t.Errorf("expected %s to be valid", d)
		}
	}
	if Decision("allow").Valid() {
		t.Error("expected unknown decision to be invalid")
	}
}

func TestResultValidate(t *testing.T) {
	tests := []struct {
		name    string
		result  SupervisionResult
		wantErr bool
	}{
		{
			name:   "valid approve",
			result: SupervisionResult{SupervisionRequestID: "sr-1", Decision: DecisionApprove},
		},
		{
			name:    "missing request id",
			result:  SupervisionResult{Decision: DecisionApprove},
			wantErr: true,
		},
		{
			name:    "unknown decision",
			result:  SupervisionResult{SupervisionRequestID: "sr-1", Decision: "maybe"},
			wantErr: true,
		},
		{
			name:    "modify without chosen tool request",
			result:  SupervisionResult{SupervisionRequestID: "sr-1", Decision: DecisionModify},
			wantErr: true,
		},
		{
			name: "modify with chosen tool request",
			result: SupervisionResult{
				SupervisionRequestID: "sr-1",
				Decision:             DecisionModify,
				ChosenToolRequestID:  "tr-2",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.result.Validate()
			if tt.wantErr {
				if !errors.Is(err, domain.ErrValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestChainAt(t *testing.T) {
	chain := Chain{
		ID: "c1",
		Supervisors: []Supervisor{
			{ID: "s1", Type: SupervisorHuman},
			{ID: "s2", Type: SupervisorClient},
		},
	}

	if sup, ok := chain.At(1); !ok || sup.ID != "s1" {
		t.Fatalf("At(1) = %v, %v", sup, ok)
	}
	if sup, ok := chain.At(2); !ok || sup.ID != "s2" {
		t.Fatalf("At(2) = %v, %v", sup, ok)
	}
	if _, ok := chain.At(0); ok {
		t.Fatal("At(0) should be out of range")
	}
	if _, ok := chain.At(3); ok {
		t.Fatal("At(3) should be out of range")
	}
}
