package parser_test

import (
	"bytes"

	"github.com/stillunfolding/capastrophic/internal/envelope"
)

// Helpers that synthesize minimal, internally consistent CAP files for
// the three format generations. The package layout mirrors the
// helloworld sample applet: package AID 4444444444, one applet with AID
// 444444444401, one imported package.

const (
	testPackageAID = "\x44\x44\x44\x44\x44"
	testAppletAID  = "\x44\x44\x44\x44\x44\x01"
	testImportAID  = "\xa0\x00\x00\x00\x62\x01\x01"
)

func u2be(v int) []byte { return []byte{byte(v >> 8), byte(v)} }

func u4be(v int) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

// comp frames a component: tag, u2 or u4 size, info.
func comp(tag byte, longSize bool, info []byte) []byte {
	var buf bytes.Buffer
	buf.WriteByte(tag)
	if longSize {
		buf.Write(u4be(len(info)))
	} else {
		buf.Write(u2be(len(info)))
	}
	buf.Write(info)
	return buf.Bytes()
}

// capSpec describes one synthetic CAP file.
type capSpec struct {
	major, minor    int
	extended        bool
	methodBytecodes []byte // body of the single method; default "return"
	staticResources bool   // 2.3 only
}

func (s capSpec) atLeast(major, minor int) bool {
	if s.major != major {
		return s.major > major
	}
	return s.minor >= minor
}

func headerFlags(s capSpec) byte {
	flags := byte(0x04) // APPLET
	if s.extended {
		flags |= 0x08
	}
	return flags
}

func buildHeaderInfo(s capSpec) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{0xde, 0xca, 0xff, 0xed})
	buf.WriteByte(byte(s.minor))
	buf.WriteByte(byte(s.major))
	buf.WriteByte(headerFlags(s))
	if s.extended {
		buf.Write([]byte{0x00, 0x01}) // CAP version 1.0
		buf.WriteByte(byte(len(testPackageAID)))
		buf.WriteString(testPackageAID)
		buf.WriteByte(1) // packages_count
		buf.Write([]byte{0x00, 0x01})
		buf.WriteByte(byte(len(testPackageAID)))
		buf.WriteString(testPackageAID)
		buf.WriteByte(0) // empty package name
		return buf.Bytes()
	}
	buf.Write([]byte{0x00, 0x01}) // package version 1.0
	buf.WriteByte(byte(len(testPackageAID)))
	buf.WriteString(testPackageAID)
	if s.atLeast(2, 2) {
		buf.WriteByte(0) // empty package name
	}
	return buf.Bytes()
}

func buildAppletInfo(s capSpec) []byte {
	var buf bytes.Buffer
	buf.WriteByte(1)
	buf.WriteByte(byte(len(testAppletAID)))
	buf.WriteString(testAppletAID)
	if s.extended {
		buf.WriteByte(0) // method component block index
	}
	buf.Write(u2be(1)) // install_method_offset
	return buf.Bytes()
}

func buildImportInfo() []byte {
	var buf bytes.Buffer
	buf.WriteByte(1)
	buf.Write([]byte{0x03, 0x01}) // javacard.framework v1.3
	buf.WriteByte(byte(len(testImportAID)))
	buf.WriteString(testImportAID)
	return buf.Bytes()
}

func buildConstantPoolInfo() []byte {
	var buf bytes.Buffer
	buf.Write(u2be(4))
	buf.Write([]byte{0x06, 0x00, 0x00, 0x01}) // StaticMethodref, internal, offset 1
	buf.Write([]byte{0x01, 0x81, 0x03, 0x00}) // Classref, external pkg 1 class 3
	buf.Write([]byte{0x02, 0x00, 0x00, 0x00}) // InstanceFieldref, internal class 0
	buf.Write([]byte{0x05, 0x81, 0x00, 0x02}) // StaticFieldref, external
	return buf.Bytes()
}

func buildClassInfo(s capSpec) []byte {
	var buf bytes.Buffer
	if s.atLeast(2, 2) {
		buf.Write(u2be(0)) // empty signature pool
	}
	buf.WriteByte(0x00)               // not an interface, 0 implemented interfaces
	buf.Write([]byte{0x80, 0x00})     // super_class_ref: external package 0 class 0
	buf.Write(make([]byte, 7))        // sizes, tokens and method table bounds
	if s.atLeast(2, 3) {
		// empty public_virtual_method_token_mapping, then the 2.2
		// inheritable token count
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func buildMethodInfo(s capSpec) []byte {
	body := s.methodBytecodes
	if body == nil {
		body = []byte{0x7A} // return
	}
	var buf bytes.Buffer
	if s.extended {
		buf.WriteByte(1)   // block count
		buf.Write(u4be(5)) // block 0 offset: count byte + one u4 offset
		buf.WriteByte(0)   // block handler count
		buf.Write([]byte{0x80, 0x01, 0x01, 0x00}) // extended method header
		buf.Write(body)
		return buf.Bytes()
	}
	buf.WriteByte(0)                  // handler count
	buf.Write([]byte{0x01, 0x10})     // method header: max_stack 1, nargs 1
	buf.Write(body)
	return buf.Bytes()
}

func buildStaticFieldInfo() []byte {
	var buf bytes.Buffer
	buf.Write(u2be(4)) // image_size = 0*2 + 2 + 2
	buf.Write(u2be(0)) // reference_count
	buf.Write(u2be(0)) // array_init_count
	buf.Write(u2be(2)) // default_value_count
	buf.Write(u2be(2)) // non_default_value_count
	buf.Write([]byte{0x00, 0x2A})
	return buf.Bytes()
}

func refLocationLists() []byte {
	var buf bytes.Buffer
	buf.Write(u2be(0)) // no 1-byte index sites
	buf.Write(u2be(2))
	buf.Write([]byte{0x03, 0x02}) // two 2-byte sites, at offsets 3 and 5
	return buf.Bytes()
}

func buildRefLocationInfo(s capSpec) []byte {
	if s.extended {
		var buf bytes.Buffer
		buf.WriteByte(1) // block count
		buf.Write(refLocationLists())
		return buf.Bytes()
	}
	return refLocationLists()
}

func buildDescriptorInfo(s capSpec, bytecodeCount int) []byte {
	var class bytes.Buffer
	class.WriteByte(0x00)         // class token
	class.WriteByte(0x01)         // PUBLIC
	class.Write([]byte{0x00, 0x00}) // this_class_ref: internal offset 0
	class.WriteByte(0)            // interface_count
	class.Write(u2be(0))          // field_count
	class.Write(u2be(1))          // method_count
	class.WriteByte(0x00)         // method token
	class.WriteByte(0x01)         // PUBLIC
	if s.extended {
		class.WriteByte(0) // method component block index
	}
	class.Write(u2be(1))             // method_offset
	class.Write(u2be(0))             // type_offset
	class.Write(u2be(bytecodeCount)) // bytecode_count
	class.Write(u2be(0))             // exception_handler_count
	class.Write(u2be(0))             // exception_handler_index

	var types bytes.Buffer
	types.Write(u2be(4))
	for i := 0; i < 4; i++ {
		types.Write(u2be(0xFFFF))
	}
	types.WriteByte(1)    // nibble_count
	types.WriteByte(0x10) // V, padded

	var buf bytes.Buffer
	if s.extended {
		buf.WriteByte(1) // package count
	}
	buf.WriteByte(1) // class count
	buf.Write(class.Bytes())
	buf.Write(types.Bytes())
	return buf.Bytes()
}

func buildStaticResourcesInfo() []byte {
	var buf bytes.Buffer
	buf.Write(u2be(1))
	buf.Write(u2be(7)) // resource_id
	buf.Write(u4be(3)) // resource_size
	buf.Write([]byte{0xCA, 0xFE, 0x42})
	return buf.Bytes()
}

// buildCAP assembles the component entries of a synthetic CAP file in
// install order, with a Directory whose recorded sizes match the built
// blobs exactly.
func buildCAP(s capSpec) []envelope.Entry {
	methodBody := s.methodBytecodes
	if methodBody == nil {
		methodBody = []byte{0x7A}
	}

	long := func(name string) bool {
		switch name {
		case "Method", "RefLocation", "Descriptor", "Debug":
			return s.extended
		}
		return false
	}

	blobs := map[string][]byte{
		"Header":       comp(1, false, buildHeaderInfo(s)),
		"Directory":    nil, // filled below
		"Import":       comp(4, false, buildImportInfo()),
		"Applet":       comp(3, false, buildAppletInfo(s)),
		"Class":        comp(6, false, buildClassInfo(s)),
		"Method":       comp(7, long("Method"), buildMethodInfo(s)),
		"StaticField":  comp(8, false, buildStaticFieldInfo()),
		"ConstantPool": comp(5, false, buildConstantPoolInfo()),
		"RefLocation":  comp(9, long("RefLocation"), buildRefLocationInfo(s)),
		"Descriptor":   comp(11, long("Descriptor"), buildDescriptorInfo(s, len(methodBody))),
	}
	if s.staticResources {
		blobs["StaticResources"] = comp(13, true, buildStaticResourcesInfo())
	}

	infoSize := func(name string) int {
		blob, ok := blobs[name]
		if !ok {
			return 0
		}
		if long(name) || name == "StaticResources" {
			return len(blob) - 5
		}
		return len(blob) - 3
	}

	var dir bytes.Buffer
	sizeField := func(name string) {
		if long(name) || name == "StaticResources" {
			dir.Write(u4be(infoSize(name)))
		} else {
			dir.Write(u2be(infoSize(name)))
		}
	}

	// The Directory's own info size depends on the format, so reserve it
	// and fix it up after the fact.
	sizeField("Header")
	dirSizePos := dir.Len()
	dir.Write(u2be(0)) // Directory size placeholder
	sizeField("Applet")
	sizeField("Import")
	sizeField("ConstantPool")
	sizeField("Class")
	sizeField("Method")
	sizeField("StaticField")
	sizeField("RefLocation")
	sizeField("Export")
	sizeField("Descriptor")
	if s.atLeast(2, 2) {
		sizeField("Debug")
	}
	if s.atLeast(2, 3) {
		dir.Write(u4be(infoSize("StaticResources")))
	}
	dir.Write(u2be(4)) // static field image_size
	dir.Write(u2be(0)) // array_init_count
	dir.Write(u2be(0)) // array_init_size
	dir.WriteByte(1)   // import_count
	dir.WriteByte(1)   // applet_count
	if s.extended {
		dir.WriteByte(1) // method component block count
	}
	dir.WriteByte(0) // custom_count

	dirInfo := dir.Bytes()
	copy(dirInfo[dirSizePos:], u2be(len(dirInfo)))
	blobs["Directory"] = comp(2, false, dirInfo)

	suffix := func(name string) string {
		if name == "StaticResources" || (s.extended && long(name)) {
			return ".capx"
		}
		return ".cap"
	}

	var entries []envelope.Entry
	for _, name := range []string{
		"Header", "Directory", "Import", "Applet", "Class", "Method",
		"StaticField", "ConstantPool", "RefLocation", "StaticResources", "Descriptor",
	} {
		blob, ok := blobs[name]
		if !ok || blob == nil {
			continue
		}
		entries = append(entries, envelope.Entry{Name: name + suffix(name), Data: blob})
	}
	return entries
}

// entryMap indexes entries by name.
func entryMap(entries []envelope.Entry) map[string][]byte {
	m := make(map[string][]byte, len(entries))
	for _, e := range entries {
		m[e.Name] = e.Data
	}
	return m
}

// replaceEntry returns a copy of entries with one entry's data swapped.
func replaceEntry(entries []envelope.Entry, name string, data []byte) []envelope.Entry {
	out := make([]envelope.Entry, len(entries))
	copy(out, entries)
	for i := range out {
		if out[i].Name == name {
			out[i].Data = data
		}
	}
	return out
}
