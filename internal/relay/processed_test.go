package relay_test

import (
	"fmt"
	"testing"

	"github.com/codexmonitor/relay/internal/relay"
)

func TestProcessedSet_AddContains(t *testing.T) {
	ps := relay.NewProcessedSet(1000, 500)

	if ps.Contains("cmd_a") {
		t.Error("empty set should not contain cmd_a")
	}

	ps.Add("cmd_a")
	if !ps.Contains("cmd_a") {
		t.Error("set should contain cmd_a after Add")
	}

	// Adding twice does not grow the set
	ps.Add("cmd_a")
	if ps.Len() != 1 {
		t.Errorf("Len() = %d after duplicate Add, want 1", ps.Len())
	}
}

func TestProcessedSet_Remove(t *testing.T) {
	ps := relay.NewProcessedSet(1000, 500)

	ps.Add("cmd_a")
	ps.Add("cmd_b")
	ps.Remove("cmd_a")

	if ps.Contains("cmd_a") {
		t.Error("set should not contain cmd_a after Remove")
	}
	if !ps.Contains("cmd_b") {
		t.Error("Remove must not disturb other entries")
	}
	if ps.Len() != 1 {
		t.Errorf("Len() = %d after Remove, want 1", ps.Len())
	}

	// Removing an unknown ID is harmless
	ps.Remove("cmd_x")
	if ps.Len() != 1 {
		t.Errorf("Len() = %d after removing unknown ID, want 1", ps.Len())
	}
}

func TestProcessedSet_TrimBound(t *testing.T) {
	ps := relay.NewProcessedSet(1000, 500)

	for i := 0; i < 1200; i++ {
		ps.Add(fmt.Sprintf("cmd_%04d", i))
	}

	ps.Trim()

	if ps.Len() != 500 {
		t.Errorf("Len() = %d after trim, want 500", ps.Len())
	}

	// Oldest entries evicted, newest kept
	if ps.Contains("cmd_0000") {
		t.Error("oldest entry should be evicted")
	}
	if !ps.Contains("cmd_1199") {
		t.Error("newest entry should survive trim")
	}
	if !ps.Contains("cmd_0700") {
		t.Error("entry inside keep range should survive trim")
	}
}

func TestProcessedSet_TrimNoopUnderMax(t *testing.T) {
	ps := relay.NewProcessedSet(1000, 500)

	for i := 0; i < 999; i++ {
		ps.Add(fmt.Sprintf("cmd_%04d", i))
	}

	ps.Trim()

	if ps.Len() != 999 {
		t.Errorf("Len() = %d, want 999 (trim should be a no-op under max)", ps.Len())
	}
}
