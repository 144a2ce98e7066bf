// Package exp decodes Java Card export (EXP) files. An EXP file is flat
// (no archive envelope): magic, version, a tagged constant pool, the
// this_package index, the 2.3+ referenced-packages list, and the exported
// class_info table.
package exp

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/iancoleman/orderedmap"

	"github.com/stillunfolding/capastrophic/internal/capfile"
)

const expMagic = "00facade"

// Constant pool entry tags.
const (
	cpTagUtf8     = 1
	cpTagInteger  = 3
	cpTagClassref = 7
	cpTagPackage  = 13
)

var cpTagNames = map[uint8]string{
	cpTagUtf8:     "1/UTF8",
	cpTagInteger:  "3/Integer",
	cpTagClassref: "7/Classref",
	cpTagPackage:  "13/Package",
}

// Access flag bits shared by class, field and method entries.
var accessModifiers = []struct {
	mask uint16
	name string
}{
	{0x0001, "Public"},
	{0x0010, "Final"},
	{0x0200, "Interface"},
	{0x0400, "Abstract"},
	{0x0800, "Shareable"},
	{0x1000, "Remote"},
	{0x0004, "Protected"},
	{0x0008, "Static"},
}

func accessModifierNames(flags uint16) string {
	var names []string
	for _, m := range accessModifiers {
		if flags&m.mask != 0 {
			names = append(names, m.name)
		}
	}
	return strings.Join(names, "-")
}

// expReader decodes one EXP file. Single-use.
type expReader struct {
	rd     *capfile.Reader
	format capfile.Format
}

// Parse decodes an EXP file into the ordered intermediate form.
func Parse(data []byte) (*orderedmap.OrderedMap, error) {
	r := &expReader{rd: capfile.NewReader(data)}
	out := orderedmap.New()

	magic, err := r.rd.Hex(4)
	if err != nil {
		return nil, fmt.Errorf("reading magic: %w", err)
	}
	if magic != expMagic {
		return nil, fmt.Errorf("%w: bad EXP magic %q, want %q", capfile.ErrInvalidEnvelope, magic, expMagic)
	}
	out.Set("magic", magic)

	minor, err := r.rd.U1()
	if err != nil {
		return nil, fmt.Errorf("reading minor version: %w", err)
	}
	major, err := r.rd.U1()
	if err != nil {
		return nil, fmt.Errorf("reading major version: %w", err)
	}
	r.format = capfile.Format{Major: major, Minor: minor}
	if !r.format.Supported() {
		return nil, fmt.Errorf("%w: EXP format %s", capfile.ErrUnsupportedVersion, r.format)
	}
	out.Set("version", r.format.String())

	cpCount, err := r.rd.U2()
	if err != nil {
		return nil, fmt.Errorf("reading constant pool count: %w", err)
	}
	out.Set("constant_pool_count", int(cpCount))

	pool := make([]any, 0, cpCount)
	for i := 0; i < int(cpCount); i++ {
		entry, err := r.parseConstant()
		if err != nil {
			return nil, fmt.Errorf("reading constant %d: %w", i, err)
		}
		pool = append(pool, entry)
	}
	out.Set("constant_pool", pool)

	thisPackage, err := r.rd.U2()
	if err != nil {
		return nil, fmt.Errorf("reading this_package: %w", err)
	}
	out.Set("this_package", int(thisPackage))

	if r.format.AtLeast(2, 3) {
		refCount, err := r.rd.U1()
		if err != nil {
			return nil, fmt.Errorf("reading referenced package count: %w", err)
		}
		out.Set("referenced_package_count", int(refCount))

		refs := make([]any, 0, refCount)
		for i := 0; i < int(refCount); i++ {
			v, err := r.rd.U2()
			if err != nil {
				return nil, fmt.Errorf("reading referenced package %d: %w", i, err)
			}
			refs = append(refs, int(v))
		}
		out.Set("referenced_packages", refs)
	}

	classCount, err := r.rd.U1()
	if err != nil {
		return nil, fmt.Errorf("reading export class count: %w", err)
	}
	out.Set("export_class_count", int(classCount))

	classes := make([]any, 0, classCount)
	for i := 0; i < int(classCount); i++ {
		class, err := r.parseClassInfo()
		if err != nil {
			return nil, fmt.Errorf("reading class %d: %w", i, err)
		}
		classes = append(classes, class)
	}
	out.Set("classes", classes)

	if r.rd.Remaining() > 0 {
		slog.Warn("trailing bytes after EXP class table", "count", r.rd.Remaining())
	}
	return out, nil
}

func (r *expReader) parseConstant() (*orderedmap.OrderedMap, error) {
	tag, err := r.rd.U1()
	if err != nil {
		return nil, err
	}
	entry := orderedmap.New()

	name, known := cpTagNames[tag]
	if !known {
		return nil, fmt.Errorf("invalid constant pool tag %d", tag)
	}
	entry.Set("tag", name)

	switch tag {
	case cpTagUtf8:
		length, err := r.rd.U2()
		if err != nil {
			return nil, err
		}
		entry.Set("length", int(length))
		b, err := r.rd.Bytes(int(length))
		if err != nil {
			return nil, err
		}
		entry.Set("bytes", string(b))

	case cpTagInteger:
		b, err := r.rd.Hex(4)
		if err != nil {
			return nil, err
		}
		entry.Set("bytes", b)

	case cpTagClassref:
		nameIndex, err := r.rd.U2()
		if err != nil {
			return nil, err
		}
		entry.Set("name_index", int(nameIndex))

	case cpTagPackage:
		flags, err := r.rd.U1()
		if err != nil {
			return nil, err
		}
		flagName := "0/None"
		if flags != 0 {
			flagName = "1/Library"
		}
		entry.Set("flags", flagName)

		nameIndex, err := r.rd.U2()
		if err != nil {
			return nil, err
		}
		entry.Set("name_index", int(nameIndex))

		minor, err := r.rd.U1()
		if err != nil {
			return nil, err
		}
		major, err := r.rd.U1()
		if err != nil {
			return nil, err
		}
		entry.Set("version", capfile.Format{Major: major, Minor: minor}.String())

		aidLen, err := r.rd.U1()
		if err != nil {
			return nil, err
		}
		entry.Set("aid_length", int(aidLen))
		aid, err := r.rd.Hex(int(aidLen))
		if err != nil {
			return nil, err
		}
		entry.Set("aid", aid)
	}
	return entry, nil
}

func (r *expReader) parseClassInfo() (*orderedmap.OrderedMap, error) {
	class := orderedmap.New()

	token, err := r.rd.U1()
	if err != nil {
		return nil, err
	}
	class.Set("token", int(token))

	flags, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	class.Set("access_flags", accessModifierNames(flags))

	nameIndex, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	class.Set("name_index", int(nameIndex))

	supersCount, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	class.Set("export_supers_count", int(supersCount))
	supers := make([]any, 0, supersCount)
	for i := 0; i < int(supersCount); i++ {
		v, err := r.rd.U2()
		if err != nil {
			return nil, err
		}
		supers = append(supers, int(v))
	}
	class.Set("supers", supers)

	ifaceCount, err := r.rd.U1()
	if err != nil {
		return nil, err
	}
	class.Set("export_interfaces_count", int(ifaceCount))
	ifaces := make([]any, 0, ifaceCount)
	for i := 0; i < int(ifaceCount); i++ {
		v, err := r.rd.U2()
		if err != nil {
			return nil, err
		}
		ifaces = append(ifaces, int(v))
	}
	class.Set("interfaces", ifaces)

	fieldCount, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	class.Set("export_fields_count", int(fieldCount))
	fields := make([]any, 0, fieldCount)
	for i := 0; i < int(fieldCount); i++ {
		field, err := r.parseFieldInfo()
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	class.Set("fields", fields)

	methodCount, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	class.Set("export_methods_count", int(methodCount))
	methods := make([]any, 0, methodCount)
	for i := 0; i < int(methodCount); i++ {
		method, err := r.parseMethodInfo()
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	class.Set("methods", methods)

	if r.format.AtLeast(2, 3) {
		inheritable, err := r.rd.U1()
		if err != nil {
			return nil, err
		}
		class.Set("CAP22_inheritable_public_method_token_count", int(inheritable))
	}
	return class, nil
}

func (r *expReader) parseFieldInfo() (*orderedmap.OrderedMap, error) {
	field := orderedmap.New()

	token, err := r.rd.U1()
	if err != nil {
		return nil, err
	}
	field.Set("token", int(token))

	flags, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	field.Set("access_flags", accessModifierNames(flags))

	nameIndex, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	field.Set("name_index", int(nameIndex))

	descIndex, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	field.Set("descriptor_index", int(descIndex))

	attrCount, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	field.Set("attribute_count", int(attrCount))

	attrs := make([]any, 0, attrCount)
	for i := 0; i < int(attrCount); i++ {
		attr := orderedmap.New()
		attrNameIndex, err := r.rd.U2()
		if err != nil {
			return nil, err
		}
		attr.Set("attribute_name_index", int(attrNameIndex))
		attrLen, err := r.rd.U4()
		if err != nil {
			return nil, err
		}
		attr.Set("attribute_length", int(attrLen))
		info, err := r.rd.Hex(int(attrLen))
		if err != nil {
			return nil, err
		}
		attr.Set("info", info)
		attrs = append(attrs, attr)
	}
	field.Set("attributes", attrs)
	return field, nil
}

func (r *expReader) parseMethodInfo() (*orderedmap.OrderedMap, error) {
	method := orderedmap.New()

	token, err := r.rd.U1()
	if err != nil {
		return nil, err
	}
	method.Set("token", int(token))

	flags, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	method.Set("access_flags", accessModifierNames(flags))

	nameIndex, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	method.Set("name_index", int(nameIndex))

	descIndex, err := r.rd.U2()
	if err != nil {
		return nil, err
	}
	method.Set("descriptor_index", int(descIndex))
	return method, nil
}
