// Package xauth creates and maintains X authority files so GUI clients can
// authenticate against the virtual display without an xauth binary present.
package xauth

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"pkt.systems/vdesk/schema"
)

// CookieName is the authorization protocol written for each display.
const CookieName = "MIT-MAGIC-COOKIE-1"

// CookieLen is the cookie size in bytes.
const CookieLen = 16

// Address families used in Xauthority entries.
const (
	// FamilyLocal marks a local (non-network) connection; the address is the hostname.
	FamilyLocal uint16 = 256
	// FamilyWild matches any address family.
	FamilyWild uint16 = 65535
)

// Entry is a single Xauthority record.
type Entry struct {
	Family  uint16
	Address []byte
	Number  string
	Name    string
	Data    []byte
}

// NewCookie returns a fresh random MIT-MAGIC-COOKIE-1 value.
func NewCookie() ([]byte, error) {
	cookie := make([]byte, CookieLen)
	if _, err := rand.Read(cookie); err != nil {
		return nil, fmt.Errorf("generate cookie: %w", err)
	}
	return cookie, nil
}

// Ensure writes an authority entry for the display to path, replacing any
// previous entry for the same display and cookie name while preserving
// entries for other displays. The file ends up with mode 0600. It returns
// the cookie in effect for the display.
func Ensure(path string, display schema.DisplayNum) ([]byte, error) {
	entries, err := ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	cookie, err := NewCookie()
	if err != nil {
		return nil, err
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	number := strconv.Itoa(int(display))
	kept := entries[:0]
	for _, entry := range entries {
		if entry.Number == number && entry.Name == CookieName {
			continue
		}
		kept = append(kept, entry)
	}
	kept = append(kept, Entry{
		Family:  FamilyLocal,
		Address: []byte(hostname),
		Number:  number,
		Name:    CookieName,
		Data:    cookie,
	})

	if err := WriteFile(path, kept); err != nil {
		return nil, err
	}
	return cookie, nil
}

// ReadFile parses all entries from an Xauthority file.
func ReadFile(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(bytes.NewReader(data))
}

// WriteFile writes entries atomically with mode 0600, creating parent
// directories as needed.
func WriteFile(path string, entries []Entry) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := Encode(&buf, entries); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".xauth-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

// Decode reads Xauthority entries until EOF.
func Decode(r io.Reader) ([]Entry, error) {
	var entries []Entry
	for {
		entry, err := decodeEntry(r)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
}

// Encode writes Xauthority entries in wire format.
func Encode(w io.Writer, entries []Entry) error {
	for _, entry := range entries {
		if err := binary.Write(w, binary.BigEndian, entry.Family); err != nil {
			return err
		}
		if err := writeChunk(w, entry.Address); err != nil {
			return err
		}
		if err := writeChunk(w, []byte(entry.Number)); err != nil {
			return err
		}
		if err := writeChunk(w, []byte(entry.Name)); err != nil {
			return err
		}
		if err := writeChunk(w, entry.Data); err != nil {
			return err
		}
	}
	return nil
}

func decodeEntry(r io.Reader) (Entry, error) {
	var family uint16
	if err := binary.Read(r, binary.BigEndian, &family); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Entry{}, fmt.Errorf("truncated authority entry")
		}
		return Entry{}, err
	}
	address, err := readChunk(r)
	if err != nil {
		return Entry{}, err
	}
	number, err := readChunk(r)
	if err != nil {
		return Entry{}, err
	}
	name, err := readChunk(r)
	if err != nil {
		return Entry{}, err
	}
	data, err := readChunk(r)
	if err != nil {
		return Entry{}, err
	}
	return Entry{
		Family:  family,
		Address: address,
		Number:  string(number),
		Name:    string(name),
		Data:    data,
	}, nil
}

func readChunk(r io.Reader) ([]byte, error) {
	var length uint16
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	if length == 0 {
		return nil, nil
	}
	chunk := make([]byte, int(length))
	if _, err := io.ReadFull(r, chunk); err != nil {
		return nil, err
	}
	return chunk, nil
}

func writeChunk(w io.Writer, data []byte) error {
	if len(data) > int(^uint16(0)) {
		return fmt.Errorf("authority chunk too large: %d", len(data))
	}
	if err := binary.Write(w, binary.BigEndian, uint16(len(data))); err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	_, err := w.Write(data)
	return err
}

// Verify confirms the file exists with mode 0600 and has an entry for the display.
func Verify(path string, display schema.DisplayNum) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", schema.ErrAuthorityMissing, path)
		}
		return err
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		return fmt.Errorf("authority file %s has mode %o; want 600", path, mode)
	}
	entries, err := ReadFile(path)
	if err != nil {
		return err
	}
	number := strconv.Itoa(int(display))
	for _, entry := range entries {
		if entry.Number == number && entry.Name == CookieName {
			return nil
		}
	}
	return fmt.Errorf("%w: no %s entry for display %s", schema.ErrAuthorityMissing, CookieName, display)
}
