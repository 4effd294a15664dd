package dockhand

import "testing"

func TestMergeSpecSpecWins(t *testing.T) {
	spec := ContainerSpec{
		Name: "desktop",
		Env:  map[string]string{"DISPLAY_NUM": "3"},
	}
	plan := DesktopPlan{
		NamePrefix: "vdesk-",
		Env: map[string]string{
			"DISPLAY_NUM": "1",
			"WIDTH":       "1024",
		},
		Labels: map[string]string{"vdesk.run": "x"},
	}
	out := MergeSpec(spec, plan)
	if out.Name != "vdesk-desktop" {
		t.Fatalf("name = %q", out.Name)
	}
	if out.Env["DISPLAY_NUM"] != "3" {
		t.Fatalf("spec env should win, got %q", out.Env["DISPLAY_NUM"])
	}
	if out.Env["WIDTH"] != "1024" {
		t.Fatalf("plan env missing, got %v", out.Env)
	}
	if out.Labels["vdesk.run"] != "x" {
		t.Fatalf("plan labels missing, got %v", out.Labels)
	}
}

func TestMergeSpecDoesNotMutateInputs(t *testing.T) {
	specEnv := map[string]string{"DISPLAY_NUM": "3"}
	specLabels := map[string]string{"keep": "me"}
	caps := &ResourceCaps{MemoryBytes: 42}
	spec := ContainerSpec{
		Name:         "desktop",
		Env:          specEnv,
		Labels:       specLabels,
		ResourceCaps: caps,
	}
	plan := DesktopPlan{
		Env:          map[string]string{"WIDTH": "1024"},
		Labels:       map[string]string{"vdesk.run": "x"},
		ResourceCaps: ResourceCaps{NanoCPUs: 2_000_000_000},
	}
	out := MergeSpec(spec, plan)
	if _, ok := specEnv["WIDTH"]; ok {
		t.Fatalf("caller env map was mutated: %v", specEnv)
	}
	if _, ok := specLabels["vdesk.run"]; ok {
		t.Fatalf("caller labels map was mutated: %v", specLabels)
	}
	if caps.NanoCPUs != 0 {
		t.Fatalf("caller resource caps were mutated: %+v", caps)
	}
	if out.Env["WIDTH"] != "1024" || out.Labels["vdesk.run"] != "x" {
		t.Fatalf("plan defaults missing: %v %v", out.Env, out.Labels)
	}
	if out.ResourceCaps.NanoCPUs != 2_000_000_000 || out.ResourceCaps.MemoryBytes != 42 {
		t.Fatalf("merged caps wrong: %+v", out.ResourceCaps)
	}
}

func TestMergeSpecResourceCaps(t *testing.T) {
	plan := DesktopPlan{ResourceCaps: ResourceCaps{MemoryBytes: 1 << 30, NanoCPUs: 2_000_000_000}}
	out := MergeSpec(ContainerSpec{Name: "a"}, plan)
	if out.ResourceCaps == nil || out.ResourceCaps.MemoryBytes != 1<<30 {
		t.Fatalf("plan caps not applied: %+v", out.ResourceCaps)
	}
	partial := &ResourceCaps{MemoryBytes: 42}
	out = MergeSpec(ContainerSpec{Name: "b", ResourceCaps: partial}, plan)
	if out.ResourceCaps.MemoryBytes != 42 {
		t.Fatalf("spec memory cap should win, got %d", out.ResourceCaps.MemoryBytes)
	}
	if out.ResourceCaps.NanoCPUs != 2_000_000_000 {
		t.Fatalf("plan cpu cap should fill gap, got %d", out.ResourceCaps.NanoCPUs)
	}
}
