package config

import "testing"

func TestValidateRejectsUnknownKeys(t *testing.T) {
	r := Raw{Fields: map[string]any{
		"workflow_name":       "demo",
		"initial_cycle_point": "1",
		"bogus_key":           "x",
	}}
	if err := Validate(r); err == nil {
		t.Fatalf("expected unknown key to be rejected")
	}
}

func TestValidateRequiresWorkflowName(t *testing.T) {
	r := Raw{Fields: map[string]any{"initial_cycle_point": "1"}}
	if err := Validate(r); err == nil {
		t.Fatalf("expected missing workflow_name to be rejected")
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	r := Raw{Fields: map[string]any{"workflow_name": "demo", "initial_cycle_point": "1"}}
	if err := Validate(r); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestDefaultPopulatesRetrySchedules(t *testing.T) {
	cfg := Default()
	if len(cfg.SubmissionRetryDelays) == 0 || len(cfg.ExecutionRetryDelays) == 0 {
		t.Fatalf("expected default retry schedules to be non-empty")
	}
}
