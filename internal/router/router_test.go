package router

import (
	"fmt"
	"testing"

	"github.com/conveyorhq/conveyor/internal/domain/work"
)

func TestNewRejectsMissingClass(t *testing.T) {
	_, err := New(map[work.Priority]int{work.PriorityCritical: 4})
	if err == nil {
		t.Fatalf("expected error for incomplete weight table")
	}
	_, err = New(map[work.Priority]int{
		work.PriorityCritical: 4,
		work.PriorityHigh:     3,
		work.PriorityNormal:   0,
		work.PriorityLow:      1,
	})
	if err == nil {
		t.Fatalf("expected error for zero partition count")
	}
}

func TestRouteIsStable(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	item := work.Item{ID: "0192f9e2-aaaa-7bbb-8ccc-000000000001", TenantID: "t1", Type: "send-email", Priority: work.PriorityHigh}
	first := r.Route(item)
	for i := 0; i < 100; i++ {
		if got := r.Route(item); got != first {
			t.Fatalf("routing not stable: %s vs %s", got, first)
		}
	}
}

func TestRouteStaysInsideClass(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	for _, priority := range work.Priorities() {
		owned := map[PartitionID]bool{}
		for _, p := range r.PartitionsFor(priority) {
			owned[p] = true
		}
		for i := 0; i < 200; i++ {
			item := work.Item{ID: fmt.Sprintf("item-%d", i), TenantID: "t1", Type: "x", Priority: priority}
			if p := r.Route(item); !owned[p] {
				t.Fatalf("item routed outside class %s: %s", priority, p)
			}
		}
	}
}

func TestDedupeKeyOverridesIDForRouting(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	a := work.Item{ID: "id-a", DedupeKey: "order-42", Priority: work.PriorityNormal}
	b := work.Item{ID: "id-b", DedupeKey: "order-42", Priority: work.PriorityNormal}
	if r.Route(a) != r.Route(b) {
		t.Fatalf("items sharing a dedupe key must share a partition")
	}
}

func TestPartitionsMatchWeights(t *testing.T) {
	weights := map[work.Priority]int{
		work.PriorityCritical: 4,
		work.PriorityHigh:     3,
		work.PriorityNormal:   2,
		work.PriorityLow:      1,
	}
	r, err := New(weights)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	if got := len(r.Partitions()); got != 10 {
		t.Fatalf("expected 10 partitions, got %d", got)
	}
	if got := len(r.PartitionsFor(work.PriorityLow)); got != 1 {
		t.Fatalf("expected 1 low partition, got %d", got)
	}
}

func TestClassSpreadsAcrossPartitions(t *testing.T) {
	r, err := New(nil)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}
	seen := map[PartitionID]int{}
	for i := 0; i < 1000; i++ {
		item := work.Item{ID: fmt.Sprintf("spread-%d", i), Priority: work.PriorityCritical}
		seen[r.Route(item)]++
	}
	if len(seen) != 4 {
		t.Fatalf("expected all 4 critical partitions used, got %d", len(seen))
	}
}
