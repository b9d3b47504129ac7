package models

import (
	"sort"
	"testing"
	"time"
)

func TestSeedVersionID(t *testing.T) {
	id := SeedVersionID("device-001")
	if id != "device-001:v1.0" {
		t.Fatalf("unexpected seed id: %s", id)
	}

	dev, err := VersionDevice(id)
	if err != nil {
		t.Fatalf("VersionDevice failed: %v", err)
	}
	if dev != "device-001" {
		t.Errorf("expected device-001, got %s", dev)
	}
}

func TestNextVersionID_AdvancingClock(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	v1 := NextVersionID("device-001", SeedVersionID("device-001"), t0)
	if v1 != "device-001:v20260314T092653.589793" {
		t.Fatalf("unexpected version id: %s", v1)
	}

	v2 := NextVersionID("device-001", v1, t0.Add(time.Microsecond))
	if v2 != "device-001:v20260314T092653.589794" {
		t.Fatalf("unexpected version id: %s", v2)
	}
	if !(v2 > v1) {
		t.Errorf("ids must sort in commit order: %s !> %s", v2, v1)
	}
}

func TestNextVersionID_SameMicrosecond(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	prev := NextVersionID("device-001", SeedVersionID("device-001"), t0)
	ids := []string{prev}
	for i := 0; i < 3; i++ {
		prev = NextVersionID("device-001", prev, t0)
		ids = append(ids, prev)
	}

	want := []string{
		"device-001:v20260314T092653.589793",
		"device-001:v20260314T092653.589793-0002",
		"device-001:v20260314T092653.589793-0003",
		"device-001:v20260314T092653.589793-0004",
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("id %d: expected %s, got %s", i, want[i], ids[i])
		}
	}

	if !sort.StringsAreSorted(ids) {
		t.Errorf("collision-suffixed ids must stay sorted: %v", ids)
	}

	// Next microsecond must sort after every suffixed id
	next := NextVersionID("device-001", prev, t0.Add(time.Microsecond))
	if !(next > prev) {
		t.Errorf("expected %s > %s", next, prev)
	}
}

func TestNextVersionID_ManyCollisions(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	// Past the ninth collision the counter gains a digit; string order must
	// still match commit order
	prev := NextVersionID("device-001", SeedVersionID("device-001"), t0)
	ids := []string{prev}
	for i := 0; i < 15; i++ {
		prev = NextVersionID("device-001", prev, t0)
		ids = append(ids, prev)
	}

	if got := ids[len(ids)-1]; got != "device-001:v20260314T092653.589793-0016" {
		t.Fatalf("unexpected final id: %s", got)
	}
	if !sort.StringsAreSorted(ids) {
		t.Errorf("ids must sort in commit order: %v", ids)
	}

	next := NextVersionID("device-001", prev, t0.Add(time.Microsecond))
	if next != "device-001:v20260314T092653.589794" {
		t.Fatalf("unexpected version id: %s", next)
	}
	if !(next > prev) {
		t.Errorf("expected %s > %s", next, prev)
	}
}

func TestNextVersionID_ClockRegression(t *testing.T) {
	t0 := time.Date(2026, 3, 14, 9, 26, 53, 589793000, time.UTC)

	prev := NextVersionID("device-001", SeedVersionID("device-001"), t0)
	regressed := NextVersionID("device-001", prev, t0.Add(-time.Second))
	if !(regressed > prev) {
		t.Errorf("id issued after clock regression must still sort after %s, got %s", prev, regressed)
	}
}

func TestVersionDevice_Malformed(t *testing.T) {
	if _, err := VersionDevice("no-separator"); err == nil {
		t.Error("expected error for malformed version id")
	}
}
