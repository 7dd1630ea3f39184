package notification

import (
	"encoding/json"
	"testing"
)

func TestPriorityJSONNamedForm(t *testing.T) {
	for name, want := range map[string]Priority{
		`"critical"`: PriorityCritical,
		`"high"`:     PriorityHigh,
		`"normal"`:   PriorityNormal,
		`"low"`:      PriorityLow,
	} {
		var p Priority
		if err := json.Unmarshal([]byte(name), &p); err != nil {
			t.Fatalf("unmarshal %s: %v", name, err)
		}
		if p != want {
			t.Errorf("%s: got %v, want %v", name, p, want)
		}
		out, err := json.Marshal(p)
		if err != nil {
			t.Fatal(err)
		}
		if string(out) != name {
			t.Errorf("marshal %v: got %s, want %s", p, out, name)
		}
	}
}

func TestPriorityJSONNumericForm(t *testing.T) {
	var p Priority
	if err := json.Unmarshal([]byte("1"), &p); err != nil || p != PriorityHigh {
		t.Errorf("numeric form: %v %v", p, err)
	}
	if err := json.Unmarshal([]byte("9"), &p); err == nil {
		t.Error("out-of-range priority accepted")
	}
	if err := json.Unmarshal([]byte("{}"), &p); err == nil {
		t.Error("object priority accepted")
	}
}

func TestEventDecodesNamedPriority(t *testing.T) {
	raw := `{"tenant_id":"acme","event_type":"alert","priority":"high",
		"recipients":[{"id":"r1","email":"a@example.com"}],
		"preferred_channels":["email"]}`
	var evt Event
	if err := json.Unmarshal([]byte(raw), &evt); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.Priority != PriorityHigh {
		t.Errorf("priority %v", evt.Priority)
	}
}
