package loadbalance

import (
	"fmt"
	"testing"

	"mini-cache/registry"
)

var testInstances = []registry.ServiceInstance{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	// Pick 3 times, should cycle through all instances
	results := make([]string, 3)
	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		inst, err := b.Pick(nil, testInstances)
		if err != nil {
			t.Fatal(err)
		}
		results[i] = inst.Addr
		seen[inst.Addr] = true
	}
	if len(seen) != 3 {
		t.Fatalf("expect all 3 instances, got %v", results)
	}

	// Pick again, should wrap around to first
	inst, _ := b.Pick(nil, testInstances)
	if inst.Addr != results[0] {
		t.Fatalf("expect wrap around to %s, got %s", results[0], inst.Addr)
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	b := &RoundRobinBalancer{}
	_, err := b.Pick(nil, []registry.ServiceInstance{})
	if err != ErrNoInstances {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	n := 10000
	for i := 0; i < n; i++ {
		inst, err := b.Pick(nil, testInstances)
		if err != nil {
			t.Fatal(err)
		}
		counts[inst.Addr]++
	}

	// Weight ratio is 10:5:10, so :8001 and :8003 should be ~2x of :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	if ratio < 1.5 || ratio > 2.5 {
		t.Fatalf("weight ratio :8001/:8002 = %.2f, expect ~2.0", ratio)
	}
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	inst, err := b.Pick(nil, []registry.ServiceInstance{{Addr: ":9001"}})
	if err != nil || inst.Addr != ":9001" {
		t.Fatalf("expect :9001, got %v (%v)", inst, err)
	}
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testInstances {
		b.Add(&testInstances[i])
	}

	// Same key should always map to the same instance
	inst1, _ := b.Lookup([]byte("user-123"))
	inst2, _ := b.Lookup([]byte("user-123"))
	if inst1.Addr != inst2.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst1.Addr, inst2.Addr)
	}

	// Different keys should (likely) map to different instances
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		inst, _ := b.Lookup([]byte(fmt.Sprintf("key-%d", i)))
		seen[inst.Addr] = true
	}
	if len(seen) < 2 {
		t.Fatalf("expect at least 2 different instances, got %d", len(seen))
	}
}

func TestConsistentHashRemoveMovesOnlyItsKeys(t *testing.T) {
	b := NewConsistentHashBalancer()
	for i := range testInstances {
		b.Add(&testInstances[i])
	}
	before := map[string]string{}
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("key-%d", i)
		inst, _ := b.Lookup([]byte(key))
		before[key] = inst.Addr
	}

	b.Remove(":8002")
	for key, addr := range before {
		inst, _ := b.Lookup([]byte(key))
		if inst.Addr == ":8002" {
			t.Fatalf("key %s still maps to removed instance", key)
		}
		if addr != ":8002" && inst.Addr != addr {
			t.Fatalf("key %s moved from %s to %s although its server stayed", key, addr, inst.Addr)
		}
	}
}

func TestConsistentHashPickFollowsInstances(t *testing.T) {
	b := NewConsistentHashBalancer()

	inst, err := b.Pick([]byte("user-123"), testInstances)
	if err != nil {
		t.Fatal(err)
	}
	again, _ := b.Pick([]byte("user-123"), testInstances)
	if inst.Addr != again.Addr {
		t.Fatalf("same key mapped to different instances: %s vs %s", inst.Addr, again.Addr)
	}

	// Drop the owner: the key must go elsewhere.
	var rest []registry.ServiceInstance
	for _, i := range testInstances {
		if i.Addr != inst.Addr {
			rest = append(rest, i)
		}
	}
	moved, _ := b.Pick([]byte("user-123"), rest)
	if moved.Addr == inst.Addr {
		t.Fatalf("key still routed to dropped instance %s", inst.Addr)
	}

	if _, err := b.Pick([]byte("user-123"), nil); err != ErrNoInstances {
		t.Fatalf("expect ErrNoInstances, got %v", err)
	}
}

func TestAvailable(t *testing.T) {
	failed := func(addr string) bool { return addr == ":8002" }
	got := Available(testInstances, failed)
	if len(got) != 2 {
		t.Fatalf("expect 2 healthy instances, got %v", got)
	}
	for _, inst := range got {
		if inst.Addr == ":8002" {
			t.Fatal("failed instance not filtered")
		}
	}

	allFailed := func(string) bool { return true }
	if got := Available(testInstances, allFailed); len(got) != 3 {
		t.Fatalf("expect every instance when all failed, got %v", got)
	}
}

func TestNew(t *testing.T) {
	for _, name := range []string{"RoundRobin", "WeightedRandom", "ConsistentHash"} {
		if b := New(name); b == nil || b.Name() != name {
			t.Fatalf("New(%q) = %v", name, b)
		}
	}
	if New("nope") != nil {
		t.Fatal("expect nil for unknown strategy")
	}
}
