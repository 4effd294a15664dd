package xauth

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/vdesk/schema"
)

func TestEnsureCreatesFileWithMode600(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", ".Xauthority")
	cookie, err := Ensure(path, schema.DisplayNum(1))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(cookie) != CookieLen {
		t.Fatalf("expected %d byte cookie, got %d", CookieLen, len(cookie))
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Fatalf("expected mode 600, got %o", mode)
	}
	if err := Verify(path, schema.DisplayNum(1)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestEnsureReplacesOnlyMatchingDisplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".Xauthority")
	if _, err := Ensure(path, schema.DisplayNum(1)); err != nil {
		t.Fatalf("ensure :1: %v", err)
	}
	if _, err := Ensure(path, schema.DisplayNum(2)); err != nil {
		t.Fatalf("ensure :2: %v", err)
	}
	second, err := Ensure(path, schema.DisplayNum(1))
	if err != nil {
		t.Fatalf("re-ensure :1: %v", err)
	}

	entries, err := ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	var found bool
	for _, entry := range entries {
		if entry.Number == "1" {
			found = true
			if !bytes.Equal(entry.Data, second) {
				t.Fatalf("expected refreshed cookie for :1")
			}
		}
	}
	if !found {
		t.Fatalf("expected entry for display 1, got %+v", entries)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := []Entry{
		{Family: FamilyLocal, Address: []byte("host-a"), Number: "1", Name: CookieName, Data: bytes.Repeat([]byte{0xAB}, CookieLen)},
		{Family: FamilyWild, Address: nil, Number: "0", Name: CookieName, Data: bytes.Repeat([]byte{0x01}, CookieLen)},
	}
	var buf bytes.Buffer
	if err := Encode(&buf, in); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := Decode(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("expected %d entries, got %d", len(in), len(out))
	}
	for i := range in {
		if out[i].Family != in[i].Family || out[i].Number != in[i].Number || out[i].Name != in[i].Name {
			t.Fatalf("entry %d mismatch: %+v vs %+v", i, out[i], in[i])
		}
		if !bytes.Equal(out[i].Data, in[i].Data) {
			t.Fatalf("entry %d cookie mismatch", i)
		}
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, []Entry{{Family: FamilyLocal, Address: []byte("h"), Number: "1", Name: CookieName, Data: make([]byte, CookieLen)}}); err != nil {
		t.Fatalf("encode: %v", err)
	}
	data := buf.Bytes()
	if _, err := Decode(bytes.NewReader(data[:len(data)-3])); err == nil {
		t.Fatalf("expected error for truncated input")
	}
}

func TestVerifyMissingFile(t *testing.T) {
	err := Verify(filepath.Join(t.TempDir(), "absent"), schema.DisplayNum(1))
	if !errors.Is(err, schema.ErrAuthorityMissing) {
		t.Fatalf("expected ErrAuthorityMissing, got %v", err)
	}
}

func TestVerifyRejectsLooseMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".Xauthority")
	if _, err := Ensure(path, schema.DisplayNum(1)); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := os.Chmod(path, 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if err := Verify(path, schema.DisplayNum(1)); err == nil {
		t.Fatalf("expected mode error")
	}
}
