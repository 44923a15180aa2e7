package telemetry

import "testing"

func TestDispatchAttributes(t *testing.T) {
	attrs := DispatchAttributes("production", "acme", "email.send", "high")
	if len(attrs) != 4 {
		t.Fatalf("attribute count = %d, want 4", len(attrs))
	}
	if attrs[0].Key != AttrEnvironment || attrs[0].Value.AsString() != "production" {
		t.Fatalf("environment attribute = %v", attrs[0])
	}
	if attrs[3].Key != AttrPriority || attrs[3].Value.AsString() != "high" {
		t.Fatalf("priority attribute = %v", attrs[3])
	}
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	globalEnvironment = ""
	if got := Environment(); got != "development" {
		t.Fatalf("Environment() = %q, want development", got)
	}
	globalEnvironment = "staging"
	if got := Environment(); got != "staging" {
		t.Fatalf("Environment() = %q, want staging", got)
	}
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("http://collector:4318"); got != "collector:4318" {
		t.Fatalf("stripScheme = %q", got)
	}
	if got := stripScheme("collector:4318"); got != "collector:4318" {
		t.Fatalf("stripScheme = %q", got)
	}
}
