// Package builder reassembles a CAP archive from the intermediate form.
// It implements Shallow mode only: each component contributes its
// raw_modified bytes (after annotation stripping) when present, its raw
// bytes otherwise. Parsed fields are never re-serialized, so
// consistency-dependent edits stay exactly where the user made them.
package builder

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/iancoleman/orderedmap"

	"github.com/stillunfolding/capastrophic/internal/capfile"
	"github.com/stillunfolding/capastrophic/internal/envelope"
)

// FromJSON parses an intermediate-form JSON document, preserving key
// order.
func FromJSON(data []byte) (*orderedmap.OrderedMap, error) {
	components := orderedmap.New()
	if err := json.Unmarshal(data, components); err != nil {
		return nil, fmt.Errorf("parsing intermediate form: %w", err)
	}
	return components, nil
}

// Build converts an intermediate form into ordered envelope entries.
// Standard components come first in canonical install order; anything
// else (custom components) follows in document order.
func Build(components *orderedmap.OrderedMap) ([]envelope.Entry, error) {
	emitted := make(map[string]bool)
	var entries []envelope.Entry

	appendComponent := func(entryName string) error {
		rec := recordFor(components, entryName)
		if rec == nil {
			return nil
		}
		blob, err := componentBytes(entryName, rec)
		if err != nil {
			return err
		}
		entries = append(entries, envelope.Entry{Name: entryName, Data: blob})
		emitted[entryName] = true
		return nil
	}

	for _, base := range capfile.InstallOrder {
		for _, entryName := range []string{base + ".cap", base + ".capx"} {
			if err := appendComponent(entryName); err != nil {
				return nil, err
			}
		}
	}
	for _, key := range components.Keys() {
		if emitted[key] {
			continue
		}
		if err := appendComponent(key); err != nil {
			return nil, err
		}
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: intermediate form holds no components", capfile.ErrInvalidEnvelope)
	}
	return entries, nil
}

// BuildCAP is the full JSON-to-CAP path.
func BuildCAP(jsonData []byte) ([]byte, error) {
	components, err := FromJSON(jsonData)
	if err != nil {
		return nil, err
	}
	entries, err := Build(components)
	if err != nil {
		return nil, err
	}
	return envelope.WriteCAP(entries)
}

// componentBytes resolves one component's output bytes per the Shallow
// passthrough priority: normalized raw_modified, else raw.
func componentBytes(entryName string, rec *orderedmap.OrderedMap) ([]byte, error) {
	if modified := stringField(rec, "raw_modified"); modified != "" {
		cleaned, err := capfile.CleanHex(modified)
		if err != nil {
			return nil, fmt.Errorf("%s: raw_modified: %w", entryName, err)
		}
		if cleaned != "" {
			blob, err := hex.DecodeString(cleaned)
			if err != nil {
				return nil, fmt.Errorf("%s: raw_modified: %w: %v", entryName, capfile.ErrMalformedHex, err)
			}
			return blob, nil
		}
	}

	raw := stringField(rec, "raw")
	if raw == "" {
		return nil, fmt.Errorf("%s: record carries neither raw_modified nor raw bytes", entryName)
	}
	blob, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: raw: %w: %v", entryName, capfile.ErrMalformedHex, err)
	}
	return blob, nil
}

// recordFor fetches a component record by entry name. Unmarshaled JSON
// holds nested objects as OrderedMap values; decoded CAPFiles hold
// pointers. Accept both.
func recordFor(components *orderedmap.OrderedMap, entryName string) *orderedmap.OrderedMap {
	v, ok := components.Get(entryName)
	if !ok {
		return nil
	}
	switch rec := v.(type) {
	case *orderedmap.OrderedMap:
		return rec
	case orderedmap.OrderedMap:
		return &rec
	}
	return nil
}

func stringField(rec *orderedmap.OrderedMap, key string) string {
	v, ok := rec.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
