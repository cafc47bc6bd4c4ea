package model

import (
	"encoding/json"
	"testing"
)

func TestParsePriority(t *testing.T) {
	tests := []struct {
		in      string
		want    Priority
		wantErr bool
	}{
		{"LOW", PriorityLow, false},
		{"medium", PriorityMedium, false},
		{" High ", PriorityHigh, false},
		{"3", PriorityCritical, false},
		{"4", PriorityLow, true},
		{"urgent", PriorityLow, true},
	}
	for _, tt := range tests {
		got, err := ParsePriority(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParsePriority(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParsePriority(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPriority_Ordering(t *testing.T) {
	if !(PriorityLow < PriorityMedium && PriorityMedium < PriorityHigh && PriorityHigh < PriorityCritical) {
		t.Error("priority tiers are not ordered")
	}
}

func TestPriority_JSON(t *testing.T) {
	var spec DeploymentSpec
	if err := json.Unmarshal([]byte(`{"name":"a","priority":"CRITICAL"}`), &spec); err != nil {
		t.Fatalf("unmarshal name: %v", err)
	}
	if spec.Priority == nil || *spec.Priority != PriorityCritical {
		t.Errorf("priority = %v, want CRITICAL", spec.Priority)
	}

	if err := json.Unmarshal([]byte(`{"name":"b","priority":1}`), &spec); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if *spec.Priority != PriorityMedium {
		t.Errorf("priority = %v, want MEDIUM", *spec.Priority)
	}

	out, err := json.Marshal(struct {
		P Priority `json:"p"`
	}{PriorityHigh})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"p":"HIGH"}` {
		t.Errorf("marshal = %s", out)
	}
}
