package parser_test

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/iancoleman/orderedmap"

	"github.com/stillunfolding/capastrophic/internal/builder"
	"github.com/stillunfolding/capastrophic/internal/capfile"
	"github.com/stillunfolding/capastrophic/internal/envelope"
	"github.com/stillunfolding/capastrophic/internal/parser"
)

func init() {
	// Decoder warnings go through the default logger; keep test output quiet.
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func getMap(t *testing.T, m *orderedmap.OrderedMap, key string) *orderedmap.OrderedMap {
	t.Helper()
	v, ok := m.Get(key)
	if !ok {
		t.Fatalf("key %q not found (have %v)", key, m.Keys())
	}
	sub, ok := v.(*orderedmap.OrderedMap)
	if !ok {
		t.Fatalf("key %q is %T, want *orderedmap.OrderedMap", key, v)
	}
	return sub
}

func getInt(t *testing.T, m *orderedmap.OrderedMap, key string) int {
	t.Helper()
	v, ok := m.Get(key)
	if !ok {
		t.Fatalf("key %q not found (have %v)", key, m.Keys())
	}
	n, ok := v.(int)
	if !ok {
		t.Fatalf("key %q is %T, want int", key, v)
	}
	return n
}

func getString(t *testing.T, m *orderedmap.OrderedMap, key string) string {
	t.Helper()
	v, ok := m.Get(key)
	if !ok {
		t.Fatalf("key %q not found (have %v)", key, m.Keys())
	}
	s, ok := v.(string)
	if !ok {
		t.Fatalf("key %q is %T, want string", key, v)
	}
	return s
}

func getList(t *testing.T, m *orderedmap.OrderedMap, key string) []any {
	t.Helper()
	v, ok := m.Get(key)
	if !ok {
		t.Fatalf("key %q not found (have %v)", key, m.Keys())
	}
	list, ok := v.([]any)
	if !ok {
		t.Fatalf("key %q is %T, want []any", key, v)
	}
	return list
}

func hasFlag(list []any, name string) bool {
	for _, v := range list {
		if v == name {
			return true
		}
	}
	return false
}

func warningsOfKind(c *parser.CAPFile, kind capfile.WarningKind) []capfile.Warning {
	var out []capfile.Warning
	for _, w := range c.Warnings {
		if w.Kind == kind {
			out = append(out, w)
		}
	}
	return out
}

func TestParseCompact21(t *testing.T) {
	cap21, err := parser.Parse(buildCAP(capSpec{major: 2, minor: 1}))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	if got := cap21.Format.String(); got != "2.1" {
		t.Errorf("Format = %s, want 2.1", got)
	}
	if cap21.Extended {
		t.Error("Extended = true, want false")
	}
	if len(cap21.Warnings) != 0 {
		t.Errorf("unexpected warnings: %v", cap21.Warnings)
	}

	header := cap21.Component("Header.cap")
	if header == nil {
		t.Fatal("Header.cap record missing")
	}
	flags := getList(t, header, "flags-u1")
	if !hasFlag(flags, "APPLET") {
		t.Errorf("flags %v should include APPLET", flags)
	}
	if hasFlag(flags, "EXTENDED") {
		t.Errorf("flags %v should not include EXTENDED", flags)
	}
	if got := getString(t, header, "magic-u4"); got != "decaffed" {
		t.Errorf("magic = %q, want decaffed", got)
	}
	pkg := getMap(t, header, "package")
	if got := getString(t, pkg, "AID"); got != "4444444444" {
		t.Errorf("package AID = %q, want 4444444444", got)
	}
	if _, ok := header.Get("package_name"); ok {
		t.Error("2.1 header should not carry package_name")
	}

	applet := cap21.Component("Applet.cap")
	if applet == nil {
		t.Fatal("Applet.cap record missing")
	}
	applets := getList(t, applet, "applets")
	if len(applets) != 1 {
		t.Fatalf("applets = %d entries, want 1", len(applets))
	}
	first := applets[0].(*orderedmap.OrderedMap)
	if got := getString(t, first, "AID"); got != "444444444401" {
		t.Errorf("applet AID = %q, want 444444444401", got)
	}
	if got := getInt(t, first, "install_method_offset-u2"); got != 1 {
		t.Errorf("install_method_offset = %d, want 1", got)
	}
}

func TestParseConstantPool(t *testing.T) {
	cap21, err := parser.Parse(buildCAP(capSpec{major: 2, minor: 1}))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	cp := cap21.Component("ConstantPool.cap")
	if cp == nil {
		t.Fatal("ConstantPool.cap record missing")
	}
	if got := getInt(t, cp, "count-u2"); got != 4 {
		t.Fatalf("count = %d, want 4", got)
	}
	pool := getList(t, cp, "constant_pool")

	staticMethod := pool[0].(*orderedmap.OrderedMap)
	if got := getString(t, staticMethod, "tag-u1"); got != "6 (StaticMethodRef)" {
		t.Errorf("entry 0 tag = %q", got)
	}
	internal := getMap(t, staticMethod, "internal_ref-u3")
	if got := getInt(t, internal, "offset-u2"); got != 1 {
		t.Errorf("entry 0 internal offset = %d, want 1", got)
	}
	// 2.1 files keep the padding name for the leading internal-ref byte.
	if _, ok := internal.Get("padding-u1"); !ok {
		t.Errorf("entry 0 internal ref keys = %v, want padding-u1", internal.Keys())
	}

	classRef := pool[1].(*orderedmap.OrderedMap)
	if got := getInt(t, classRef, "external_package_token-u1*"); got != 1 {
		t.Errorf("entry 1 package token = %d, want 1", got)
	}
	if got := getInt(t, classRef, "external_class_token-u1"); got != 3 {
		t.Errorf("entry 1 class token = %d, want 3", got)
	}
	if _, ok := classRef.Get("padding-u1"); !ok {
		t.Errorf("Classref entry should end in padding-u1, keys = %v", classRef.Keys())
	}

	fieldRef := pool[2].(*orderedmap.OrderedMap)
	if got := getInt(t, fieldRef, "internal_class_ref-u2"); got != 0 {
		t.Errorf("entry 2 internal class ref = %d, want 0", got)
	}
	if _, ok := fieldRef.Get("token-u1"); !ok {
		t.Errorf("InstanceFieldref entry should end in token-u1, keys = %v", fieldRef.Keys())
	}

	staticField := pool[3].(*orderedmap.OrderedMap)
	ext := getMap(t, staticField, "external_ref-u3")
	if got := getInt(t, ext, "package_token-u1*"); got != 1 {
		t.Errorf("entry 3 package token = %d, want 1", got)
	}
	if got := getInt(t, ext, "token-u1"); got != 2 {
		t.Errorf("entry 3 token = %d, want 2", got)
	}
}

func TestStaticMethodrefBlockIndexSince23(t *testing.T) {
	cap23, err := parser.Parse(buildCAP(capSpec{major: 2, minor: 3}))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	pool := getList(t, cap23.Component("ConstantPool.cap"), "constant_pool")
	internal := getMap(t, pool[0].(*orderedmap.OrderedMap), "internal_ref-u3")
	if _, ok := internal.Get("method_info_block_index-u1"); !ok {
		t.Errorf("2.3 internal StaticMethodref keys = %v, want method_info_block_index-u1", internal.Keys())
	}
}

func TestVersionDispatch(t *testing.T) {
	tests := []struct {
		name string
		spec capSpec
		want []string
	}{
		{
			name: "2.1 compact",
			spec: capSpec{major: 2, minor: 1},
			want: []string{
				"Header.cap", "Directory.cap", "Applet.cap", "Import.cap",
				"ConstantPool.cap", "Class.cap", "Method.cap", "StaticField.cap",
				"RefLocation.cap", "Descriptor.cap",
			},
		},
		{
			name: "2.2 compact",
			spec: capSpec{major: 2, minor: 2},
			want: []string{
				"Header.cap", "Directory.cap", "Applet.cap", "Import.cap",
				"ConstantPool.cap", "Class.cap", "Method.cap", "StaticField.cap",
				"RefLocation.cap", "Descriptor.cap",
			},
		},
		{
			name: "2.3 compact with resources",
			spec: capSpec{major: 2, minor: 3, staticResources: true},
			want: []string{
				"Header.cap", "Directory.cap", "Applet.cap", "Import.cap",
				"ConstantPool.cap", "Class.cap", "Method.cap", "StaticField.cap",
				"RefLocation.cap", "Descriptor.cap", "StaticResources.capx",
			},
		},
		{
			name: "2.3 extended",
			spec: capSpec{major: 2, minor: 3, extended: true},
			want: []string{
				"Header.cap", "Directory.cap", "Applet.cap", "Import.cap",
				"ConstantPool.cap", "Class.cap", "Method.capx", "StaticField.cap",
				"RefLocation.capx", "Descriptor.capx",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			capFile, err := parser.Parse(buildCAP(tt.spec))
			if err != nil {
				t.Fatalf("Parse() failed: %v", err)
			}
			if len(capFile.Warnings) != 0 {
				t.Errorf("unexpected warnings: %v", capFile.Warnings)
			}
			if capFile.Extended != tt.spec.extended {
				t.Errorf("Extended = %v, want %v", capFile.Extended, tt.spec.extended)
			}
			for _, name := range tt.want {
				if capFile.Component(name) == nil {
					t.Errorf("component %s missing (have %v)", name, capFile.Components.Keys())
				}
			}
			if got := len(capFile.Components.Keys()); got != len(tt.want) {
				t.Errorf("component count = %d, want %d (%v)", got, len(tt.want), capFile.Components.Keys())
			}
		})
	}
}

func TestRawFidelity(t *testing.T) {
	entries := buildCAP(capSpec{major: 2, minor: 3, staticResources: true})
	capFile, err := parser.Parse(entries)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	for _, e := range entries {
		rec := capFile.Component(e.Name)
		if rec == nil {
			t.Fatalf("record %s missing", e.Name)
		}
		raw := getString(t, rec, "raw")
		blob, err := hex.DecodeString(raw)
		if err != nil {
			t.Fatalf("%s raw is not hex: %v", e.Name, err)
		}
		if !bytes.Equal(blob, e.Data) {
			t.Errorf("%s raw does not match the component blob", e.Name)
		}
		if got := getString(t, rec, "raw_modified"); got != "" {
			t.Errorf("%s raw_modified = %q, want empty", e.Name, got)
		}
	}
}

func TestDecodeDeterministic(t *testing.T) {
	entries := buildCAP(capSpec{major: 2, minor: 3, extended: true})
	first, err := parser.Parse(entries)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	second, err := parser.Parse(entries)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	a, err := json.Marshal(first.Components)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b, err := json.Marshal(second.Components)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("repeated decodes produced different intermediate forms")
	}
}

func TestRoundTripUnedited(t *testing.T) {
	specs := []capSpec{
		{major: 2, minor: 1},
		{major: 2, minor: 2},
		{major: 2, minor: 3, staticResources: true},
		{major: 2, minor: 3, extended: true},
	}
	for _, spec := range specs {
		entries := buildCAP(spec)
		capFile, err := parser.Parse(entries)
		if err != nil {
			t.Fatalf("Parse() failed: %v", err)
		}
		rebuilt, err := builder.Build(capFile.Components)
		if err != nil {
			t.Fatalf("Build() failed: %v", err)
		}

		original := entryMap(entries)
		got := entryMap(rebuilt)
		if len(got) != len(original) {
			t.Fatalf("rebuilt %d components, want %d", len(got), len(original))
		}
		for name, blob := range original {
			if !bytes.Equal(got[name], blob) {
				t.Errorf("%s: rebuilt blob differs from original", name)
			}
		}
	}
}

func TestDirectoryInconsistencyWarning(t *testing.T) {
	entries := buildCAP(capSpec{major: 2, minor: 1})
	blobs := entryMap(entries)

	// Bump the recorded Header size by one: info starts at blob offset
	// 3, and the header size is the first u2 of the size table.
	dir := append([]byte(nil), blobs["Directory.cap"]...)
	dir[4]++
	capFile, err := parser.Parse(replaceEntry(entries, "Directory.cap", dir))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}

	warnings := warningsOfKind(capFile, capfile.WarnInconsistentSize)
	if len(warnings) == 0 {
		t.Fatal("expected an InconsistentSize warning")
	}
	found := false
	for _, w := range warnings {
		if bytes.Contains([]byte(w.Message), []byte("Header")) {
			found = true
		}
	}
	if !found {
		t.Errorf("no warning names the Header component: %v", warnings)
	}
}

func TestExtendedFlagWithCompactMethod(t *testing.T) {
	entries := buildCAP(capSpec{major: 2, minor: 3, extended: true})

	// Swap the extended Method.capx for a compact-form Method.cap.
	compactBlob := comp(7, false, buildMethodInfo(capSpec{major: 2, minor: 3}))
	var mixed []envelope.Entry
	for _, e := range entries {
		if e.Name == "Method.capx" {
			mixed = append(mixed, envelope.Entry{Name: "Method.cap", Data: compactBlob})
			continue
		}
		mixed = append(mixed, e)
	}

	capFile, err := parser.Parse(mixed)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if len(warningsOfKind(capFile, capfile.WarnTagMismatch)) == 0 {
		t.Error("expected a TagMismatch warning for the misplaced Method component")
	}
	rec := capFile.Component("Method.cap")
	if rec == nil {
		t.Fatal("Method.cap record missing")
	}
	// The record must use the observed (short) size width.
	if _, ok := rec.Get("size-u2"); !ok {
		t.Errorf("Method.cap record keys = %v, want size-u2", rec.Keys())
	}
}

func TestStaticFieldArithmeticWarning(t *testing.T) {
	entries := buildCAP(capSpec{major: 2, minor: 1})
	blobs := entryMap(entries)

	sf := append([]byte(nil), blobs["StaticField.cap"]...)
	sf[4] = 9 // image_size low byte: 9 != 2*0 + 2 + 2
	capFile, err := parser.Parse(replaceEntry(entries, "StaticField.cap", sf))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if len(warningsOfKind(capFile, capfile.WarnInvariantViolation)) == 0 {
		t.Error("expected an InvariantViolation warning for the image_size equation")
	}
}

func TestRefLocationZeroDeltaWarning(t *testing.T) {
	entries := buildCAP(capSpec{major: 2, minor: 1})
	blobs := entryMap(entries)

	rl := append([]byte(nil), blobs["RefLocation.cap"]...)
	rl[len(rl)-1] = 0 // second delta becomes zero
	capFile, err := parser.Parse(replaceEntry(entries, "RefLocation.cap", rl))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	if len(warningsOfKind(capFile, capfile.WarnInvariantViolation)) == 0 {
		t.Error("expected an InvariantViolation warning for the zero delta")
	}
}

func TestForbiddenInstructionWarning(t *testing.T) {
	entries := buildCAP(capSpec{major: 2, minor: 1, methodBytecodes: []byte{capfile.OpImpdep1}})
	capFile, err := parser.Parse(entries)
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	warnings := warningsOfKind(capFile, capfile.WarnForbiddenInstruction)
	if len(warnings) != 1 {
		t.Fatalf("ForbiddenInstruction warnings = %v, want exactly one", warnings)
	}
	if warnings[0].Component != "Method.cap" {
		t.Errorf("warning names %s, want Method.cap", warnings[0].Component)
	}
}

func TestAppletRIDMismatchWarning(t *testing.T) {
	entries := buildCAP(capSpec{major: 2, minor: 1})

	// Two applets with different RIDs.
	var info bytes.Buffer
	info.WriteByte(2)
	info.WriteByte(byte(len(testAppletAID)))
	info.WriteString(testAppletAID)
	info.Write(u2be(1))
	info.WriteByte(byte(len(testAppletAID)))
	info.WriteString("\x55\x55\x55\x55\x55\x01")
	info.Write(u2be(1))

	capFile, err := parser.Parse(replaceEntry(entries, "Applet.cap", comp(3, false, info.Bytes())))
	if err != nil {
		t.Fatalf("Parse() failed: %v", err)
	}
	found := false
	for _, w := range warningsOfKind(capFile, capfile.WarnInvariantViolation) {
		if bytes.Contains([]byte(w.Message), []byte("RID")) {
			found = true
		}
	}
	if !found {
		t.Error("expected a RID-mismatch warning")
	}
}

func TestParseErrors(t *testing.T) {
	base := buildCAP(capSpec{major: 2, minor: 1})

	tests := []struct {
		name    string
		entries []envelope.Entry
		wantErr error
	}{
		{
			name: "missing header",
			entries: func() []envelope.Entry {
				var out []envelope.Entry
				for _, e := range base {
					if e.Name != "Header.cap" {
						out = append(out, e)
					}
				}
				return out
			}(),
			wantErr: capfile.ErrInvalidEnvelope,
		},
		{
			name: "unsupported version",
			entries: replaceEntry(base, "Header.cap",
				comp(1, false, []byte{
					0xde, 0xca, 0xff, 0xed,
					0x00, 0x03, // 3.0
					0x04,
					0x00, 0x01, 0x05, 0x44, 0x44, 0x44, 0x44, 0x44,
				})),
			wantErr: capfile.ErrUnsupportedVersion,
		},
		{
			name: "bad magic",
			entries: replaceEntry(base, "Header.cap",
				comp(1, false, []byte{
					0xca, 0xfe, 0xba, 0xbe,
					0x01, 0x02,
					0x04,
					0x00, 0x01, 0x05, 0x44, 0x44, 0x44, 0x44, 0x44,
				})),
			wantErr: capfile.ErrInvalidEnvelope,
		},
		{
			name:    "truncated constant pool",
			entries: replaceEntry(base, "ConstantPool.cap", entryMap(base)["ConstantPool.cap"][:4]),
			wantErr: capfile.ErrTruncatedComponent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parser.Parse(tt.entries)
			if err == nil {
				t.Fatal("Parse() succeeded unexpectedly")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}
