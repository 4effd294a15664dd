package main

import (
	"reflect"
	"testing"
)

func TestArgv0Alias(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{base: "vdesk-entrypoint", want: "up"},
		{base: "entrypoint", want: "up"},
		{base: "vdesk", want: ""},
		{base: "something-else", want: ""},
	}
	for _, tc := range cases {
		if got := argv0Alias(tc.base); got != tc.want {
			t.Errorf("argv0Alias(%q) = %q, want %q", tc.base, got, tc.want)
		}
	}
}

func TestApplyArgv0Alias(t *testing.T) {
	cases := []struct {
		name string
		args []string
		want []string
	}{
		{
			name: "entrypoint alias injects up",
			args: []string{"/usr/local/bin/vdesk-entrypoint"},
			want: []string{"/usr/local/bin/vdesk-entrypoint", "up"},
		},
		{
			name: "alias keeps trailing args",
			args: []string{"entrypoint", "-c", "/etc/vdesk.yaml"},
			want: []string{"entrypoint", "up", "-c", "/etc/vdesk.yaml"},
		},
		{
			name: "plain binary untouched",
			args: []string{"vdesk", "doctor"},
			want: []string{"vdesk", "doctor"},
		},
		{
			name: "empty args untouched",
			args: []string{},
			want: []string{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := applyArgv0Alias(tc.args)
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("applyArgv0Alias(%v) = %v, want %v", tc.args, got, tc.want)
			}
		})
	}
}

func TestRootHasSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"up", "display", "doctor", "bootstrap", "build", "desktop", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("root is missing subcommand %q", name)
		}
	}
}

func TestBuildTags(t *testing.T) {
	tags, err := buildTags("docker.io/pktsystems/vdesk:latest", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 2 {
		t.Fatalf("want 2 tags, got %v", tags)
	}
	if tags[1] != "docker.io/pktsystems/vdesk:latest" {
		t.Errorf("second tag = %q, want latest", tags[1])
	}

	tags, err = buildTags("docker.io/pktsystems/vdesk:latest", "registry.local/vdesk:dev")
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != 1 || tags[0] != "registry.local/vdesk:dev" {
		t.Errorf("override tags = %v", tags)
	}

	if _, err := buildTags("", ""); err == nil {
		t.Error("expected error for empty image name")
	}
}

func TestStripImageTag(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{in: "docker.io/pktsystems/vdesk:latest", want: "docker.io/pktsystems/vdesk"},
		{in: "docker.io/pktsystems/vdesk", want: "docker.io/pktsystems/vdesk"},
		{in: "localhost:5000/vdesk", want: "localhost:5000/vdesk"},
		{in: "localhost:5000/vdesk:v1", want: "localhost:5000/vdesk"},
		{in: "", want: ""},
	}
	for _, tc := range cases {
		if got := stripImageTag(tc.in); got != tc.want {
			t.Errorf("stripImageTag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestParseOverrides(t *testing.T) {
	overrides, err := parseOverrides([]string{"display.number=3", "display.vnc.enabled=true"})
	if err != nil {
		t.Fatal(err)
	}
	if len(overrides) != 2 {
		t.Fatalf("want 2 overrides, got %d", len(overrides))
	}
	if overrides[0].Path != "display.number" || overrides[0].Value != "3" {
		t.Errorf("unexpected first override: %+v", overrides[0])
	}

	if _, err := parseOverrides([]string{"no-equals-sign"}); err == nil {
		t.Error("expected error for malformed --set value")
	}
}
