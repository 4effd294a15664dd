package schema

import (
	"errors"
	"testing"
)

func TestParseDisplay(t *testing.T) {
	cases := []struct {
		in      string
		want    DisplayNum
		wantErr bool
	}{
		{in: ":1", want: 1},
		{in: "1", want: 1},
		{in: ":0", want: 0},
		{in: " :99 ", want: 99},
		{in: ":1.0", want: 1},
		{in: "", wantErr: true},
		{in: ":", wantErr: true},
		{in: ":abc", wantErr: true},
		{in: ":-2", wantErr: true},
		{in: ":99999", wantErr: true},
	}
	for _, tc := range cases {
		got, err := ParseDisplay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseDisplay(%q): expected error, got %v", tc.in, got)
			} else if !errors.Is(err, ErrInvalidDisplay) {
				t.Errorf("ParseDisplay(%q): expected ErrInvalidDisplay, got %v", tc.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseDisplay(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseDisplay(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestDisplayNumString(t *testing.T) {
	if got := DisplayNum(1).String(); got != ":1" {
		t.Fatalf("expected :1, got %q", got)
	}
	if got := DisplayNum(42).SocketPath(""); got != "/tmp/.X11-unix/X42" {
		t.Fatalf("unexpected socket path %q", got)
	}
	if got := DisplayNum(3).SocketPath("/run/x11/"); got != "/run/x11/X3" {
		t.Fatalf("unexpected socket path %q", got)
	}
}

func TestGeometryValidate(t *testing.T) {
	if err := DefaultGeometry.Validate(); err != nil {
		t.Fatalf("default geometry should validate: %v", err)
	}
	bad := Geometry{Width: 0, Height: 768}
	if err := bad.Validate(); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}
	huge := Geometry{Width: 1024, Height: 99999}
	if err := huge.Validate(); !errors.Is(err, ErrInvalidGeometry) {
		t.Fatalf("expected ErrInvalidGeometry, got %v", err)
	}
}

func TestGeometryScreenSpec(t *testing.T) {
	g := Geometry{Width: 1024, Height: 768}
	if got := g.ScreenSpec(0); got != "1024x768x24" {
		t.Fatalf("unexpected screen spec %q", got)
	}
	if got := g.ScreenSpec(16); got != "1024x768x16" {
		t.Fatalf("unexpected screen spec %q", got)
	}
}
