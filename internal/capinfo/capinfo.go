// Package capinfo extracts the human-facing summary of a CAP file from
// its intermediate form: the package AID and version, the applet AIDs,
// and the imported packages.
package capinfo

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/iancoleman/orderedmap"
)

// Import is one imported package reference.
type Import struct {
	AID     string
	Version string
}

// Summary is the capinfo view of a CAP file.
type Summary struct {
	PackageAID     string
	PackageVersion string
	AppletAIDs     []string
	Imports        []Import
}

// FromComponents builds a Summary from an intermediate form, whether it
// came from a fresh decode or from a loaded JSON document. Missing
// components simply leave their part of the summary empty.
func FromComponents(components *orderedmap.OrderedMap) Summary {
	var s Summary

	if header := record(components, "Header.cap"); header != nil {
		// Compact format carries a single package; Extended carries the
		// CAP-level AID and version.
		if pkg := childMap(header, "package"); pkg != nil {
			s.PackageAID = stringField(pkg, "AID")
			s.PackageVersion = stringField(pkg, "version-u2")
		} else {
			s.PackageAID = stringField(header, "CAP_AID")
			s.PackageVersion = stringField(header, "CAP_version-u2")
		}
	}

	if applet := record(components, "Applet.cap"); applet != nil {
		for _, v := range anyList(applet, "applets") {
			if m := asMap(v); m != nil {
				if aid := stringField(m, "AID"); aid != "" {
					s.AppletAIDs = append(s.AppletAIDs, aid)
				}
			}
		}
	}

	if imp := record(components, "Import.cap"); imp != nil {
		for _, v := range anyList(imp, "packages") {
			if m := asMap(v); m != nil {
				s.Imports = append(s.Imports, Import{
					AID:     stringField(m, "AID"),
					Version: stringField(m, "version-u2"),
				})
			}
		}
	}
	return s
}

// ResolvePackageName looks a package AID up in an AID database file: a
// JSON object keyed by uppercase or lowercase AID hex, each value
// holding a "name" plus optional per-version notes.
func ResolvePackageName(dbPath, aid, version string) string {
	const unknown = "Unknown / -"

	data, err := os.ReadFile(dbPath)
	if err != nil {
		return unknown
	}
	var db map[string]map[string]string
	if err := json.Unmarshal(data, &db); err != nil {
		return unknown
	}

	info, ok := db[strings.ToUpper(aid)]
	if !ok {
		info, ok = db[strings.ToLower(aid)]
	}
	if !ok {
		return unknown
	}

	name := info["name"]
	if name == "" {
		name = "Unknown"
	}
	extra := info[version]
	if extra == "" {
		extra = "-"
	}
	return fmt.Sprintf("%s / %s", name, extra)
}

func record(components *orderedmap.OrderedMap, key string) *orderedmap.OrderedMap {
	v, ok := components.Get(key)
	if !ok {
		return nil
	}
	return asMap(v)
}

func asMap(v any) *orderedmap.OrderedMap {
	switch m := v.(type) {
	case *orderedmap.OrderedMap:
		return m
	case orderedmap.OrderedMap:
		return &m
	}
	return nil
}

func childMap(m *orderedmap.OrderedMap, key string) *orderedmap.OrderedMap {
	v, ok := m.Get(key)
	if !ok {
		return nil
	}
	return asMap(v)
}

func anyList(m *orderedmap.OrderedMap, key string) []any {
	v, ok := m.Get(key)
	if !ok {
		return nil
	}
	list, _ := v.([]any)
	return list
}

func stringField(m *orderedmap.OrderedMap, key string) string {
	v, ok := m.Get(key)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
