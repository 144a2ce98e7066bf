// Package envelope reads and writes the outer CAP archive. A CAP file is
// a ZIP archive with one entry per component; the envelope layer knows
// the entry naming rules and nothing about component internals. EXP files
// are flat and bypass this package entirely.
package envelope

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/stillunfolding/capastrophic/internal/capfile"
)

// Entry is one component blob inside a CAP archive.
type Entry struct {
	// Path is the full archive path as read, e.g.
	// "helloworld/javacard/Header.cap".
	Path string
	// Name is the normalized entry name used as the intermediate-form
	// key, e.g. "Header.cap" or "Method.capx".
	Name string
	// Data is the exact component blob.
	Data []byte
}

// isCustomName reports whether a non-standard component base name follows
// the custom-component convention: the hex form of a 5-16 byte AID.
func isCustomName(base string) bool {
	if len(base) < 10 || len(base) > 32 || len(base)%2 != 0 {
		return false
	}
	for i := 0; i < len(base); i++ {
		c := base[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// ReadCAP enumerates the component entries of a CAP archive, in archive
// order. Entries that are not components (manifests, directories) are
// skipped. A .cap/.capx entry whose name is neither a standard component
// nor a custom-AID name fails with ErrUnknownEntry; an unreadable archive
// fails with ErrInvalidEnvelope.
func ReadCAP(data []byte) ([]Entry, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capfile.ErrInvalidEnvelope, err)
	}

	var entries []Entry
	for _, f := range zr.File {
		if strings.HasSuffix(f.Name, "/") {
			continue
		}
		lower := strings.ToLower(f.Name)
		if !strings.HasSuffix(lower, ".cap") && !strings.HasSuffix(lower, ".capx") {
			continue
		}

		base, known := capfile.BaseName(f.Name)
		if !known && !isCustomName(base) {
			return nil, fmt.Errorf("%w: %q", capfile.ErrUnknownEntry, f.Name)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: opening %q: %v", capfile.ErrInvalidEnvelope, f.Name, err)
		}
		blob, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: reading %q: %v", capfile.ErrInvalidEnvelope, f.Name, err)
		}

		name := base
		if strings.HasSuffix(lower, ".capx") {
			name += ".capx"
		} else {
			name += ".cap"
		}

		entries = append(entries, Entry{Path: f.Name, Name: name, Data: blob})
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no component entries found", capfile.ErrInvalidEnvelope)
	}
	return entries, nil
}

// WriteCAP assembles a CAP archive from component entries, preserving the
// caller-provided order. Entries are stored uncompressed so that the
// component blobs remain byte-addressable in the output.
func WriteCAP(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, e := range entries {
		path := e.Path
		if path == "" {
			path = e.Name
		}
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:   path,
			Method: zip.Store,
		})
		if err != nil {
			return nil, fmt.Errorf("creating archive entry %q: %w", path, err)
		}
		if _, err := w.Write(e.Data); err != nil {
			return nil, fmt.Errorf("writing archive entry %q: %w", path, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalizing archive: %w", err)
	}
	return buf.Bytes(), nil
}
