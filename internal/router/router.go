// Package router maps work items onto priority-weighted partitions.
package router

import (
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/conveyorhq/conveyor/errs"
	"github.com/conveyorhq/conveyor/internal/domain/work"
)

// PartitionID names an addressable mailbox, e.g. "job-critical-2".
type PartitionID string

// DefaultWeights gives higher classes proportionally more dedicated capacity
// without ever reordering inside a queue (4:3:2:1).
func DefaultWeights() map[work.Priority]int {
	return map[work.Priority]int{
		work.PriorityCritical: 4,
		work.PriorityHigh:     3,
		work.PriorityNormal:   2,
		work.PriorityLow:      1,
	}
}

// Router is a pure, total function from (routing key, priority) to partition.
// Repeated routing for retries and replays of the same key always lands on
// the same partition, preserving per-partition ordering for that key.
type Router struct {
	weights map[work.Priority]int
}

// New validates the weight table and constructs a router.
func New(weights map[work.Priority]int) (*Router, error) {
	if len(weights) == 0 {
		weights = DefaultWeights()
	}
	for _, priority := range work.Priorities() {
		count, ok := weights[priority]
		if !ok || count <= 0 {
			return nil, errs.New("router", errs.CodeInvalid,
				errs.WithMessage(fmt.Sprintf("priority %s requires at least one partition", priority)))
		}
	}
	copied := make(map[work.Priority]int, len(weights))
	for priority, count := range weights {
		copied[priority] = count
	}
	return &Router{weights: copied}, nil
}

// Route resolves the partition for a work item. The routing key is the
// caller-supplied dedupe key when present so duplicates and ordered sequences
// share a mailbox, otherwise the immutable item id.
func (r *Router) Route(item work.Item) PartitionID {
	return r.RouteKey(RoutingKey(item), item.Priority)
}

// RouteKey resolves the partition for an arbitrary key within a class.
func (r *Router) RouteKey(key string, priority work.Priority) PartitionID {
	count := r.weights[priority]
	if count <= 0 {
		priority = work.PriorityNormal
		count = r.weights[priority]
		if count <= 0 {
			count = 1
		}
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return Partition(priority, int(h.Sum32())%count)
}

// Partitions enumerates every partition the weight table defines, critical
// first, stable across calls.
func (r *Router) Partitions() []PartitionID {
	out := make([]PartitionID, 0, r.total())
	for _, priority := range work.Priorities() {
		for n := 0; n < r.weights[priority]; n++ {
			out = append(out, Partition(priority, n))
		}
	}
	return out
}

// PartitionsFor enumerates the partitions owned by one class.
func (r *Router) PartitionsFor(priority work.Priority) []PartitionID {
	out := make([]PartitionID, 0, r.weights[priority])
	for n := 0; n < r.weights[priority]; n++ {
		out = append(out, Partition(priority, n))
	}
	return out
}

func (r *Router) total() int {
	total := 0
	for _, count := range r.weights {
		total += count
	}
	return total
}

// Partition builds the canonical partition name for a class slot.
func Partition(priority work.Priority, n int) PartitionID {
	return PartitionID(fmt.Sprintf("job-%s-%d", priority, n))
}

// RoutingKey returns the key an item hashes on.
func RoutingKey(item work.Item) string {
	if key := strings.TrimSpace(item.DedupeKey); key != "" {
		return key
	}
	return item.ID
}
