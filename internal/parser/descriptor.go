package parser

import (
	"encoding/hex"
	"fmt"

	"github.com/iancoleman/orderedmap"

	"github.com/stillunfolding/capastrophic/internal/capfile"
)

// parseExport reads the Export component: the table of externally
// visible classes with their static field and method offsets. The table
// index is the class token published in the package's export file.
func (r *capReader) parseExport() error {
	entryName, blob, longSize, ok := r.component(capfile.NameExport)
	if !ok {
		if capfile.HeaderFlagSet(r.headerFlags, "EXPORT") {
			r.warn(capfile.WarnInvariantViolation, "Export.cap",
				"header EXPORT flag set but Export component absent")
		}
		return nil
	}
	if !capfile.HeaderFlagSet(r.headerFlags, "EXPORT") {
		r.warn(capfile.WarnInvariantViolation, entryName,
			"Export component present but header EXPORT flag clear")
	}

	rec, rd, err := r.begin(entryName, capfile.NameExport, blob, longSize)
	if err != nil {
		return err
	}

	if r.cap.Extended {
		pkgCount, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading package count: %w", entryName, err)
		}
		rec.Set("package_count-u1", int(pkgCount))

		pkgExports := make([]any, 0, pkgCount)
		for p := 0; p < int(pkgCount); p++ {
			classCount, err := rd.U1()
			if err != nil {
				return fmt.Errorf("%s: reading package %d class count: %w", entryName, p, err)
			}
			exports := make([]any, 0, classCount)
			for i := 0; i < int(classCount); i++ {
				ce, err := r.parseClassExportInfo(rd)
				if err != nil {
					return fmt.Errorf("%s: reading package %d class export %d: %w", entryName, p, i, err)
				}
				exports = append(exports, ce)
			}
			pkg := orderedmap.New()
			pkg.Set("class_count-u1", int(classCount))
			pkg.Set("class_exports", exports)
			pkgExports = append(pkgExports, pkg)
		}
		rec.Set("package_exports", pkgExports)
		return nil
	}

	classCount, err := rd.U1()
	if err != nil {
		return fmt.Errorf("%s: reading class count: %w", entryName, err)
	}
	rec.Set("class_count-u1", int(classCount))

	exports := make([]any, 0, classCount)
	for i := 0; i < int(classCount); i++ {
		ce, err := r.parseClassExportInfo(rd)
		if err != nil {
			return fmt.Errorf("%s: reading class export %d: %w", entryName, i, err)
		}
		exports = append(exports, ce)
	}
	rec.Set("class_exports", exports)
	return nil
}

func (r *capReader) parseClassExportInfo(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	ce := orderedmap.New()

	classOffset, err := rd.U2()
	if err != nil {
		return nil, err
	}
	ce.Set("class_offset-u2", int(classOffset))

	fieldCount, err := rd.U1()
	if err != nil {
		return nil, err
	}
	ce.Set("static_field_count-u1", int(fieldCount))

	methodCount, err := rd.U1()
	if err != nil {
		return nil, err
	}
	ce.Set("static_method_count-u1", int(methodCount))

	fieldOffsets := make([]any, 0, fieldCount)
	for i := 0; i < int(fieldCount); i++ {
		off, err := rd.U2()
		if err != nil {
			return nil, err
		}
		fieldOffsets = append(fieldOffsets, int(off))
	}
	ce.Set("static_field_offsets-u2l", fieldOffsets)

	if r.cap.Extended {
		methods := make([]any, 0, methodCount)
		for i := 0; i < int(methodCount); i++ {
			m := orderedmap.New()
			blockIndex, err := rd.U1()
			if err != nil {
				return nil, err
			}
			m.Set("method_component_block_index-u1", int(blockIndex))
			offset, err := rd.U2()
			if err != nil {
				return nil, err
			}
			m.Set("method_offset-u2", int(offset))
			methods = append(methods, m)
		}
		ce.Set("static_methods-u3l", methods)
		return ce, nil
	}

	methodOffsets := make([]any, 0, methodCount)
	for i := 0; i < int(methodCount); i++ {
		off, err := rd.U2()
		if err != nil {
			return nil, err
		}
		methodOffsets = append(methodOffsets, int(off))
	}
	ce.Set("static_method_offsets-u2l", methodOffsets)
	return ce, nil
}

// parseDescriptor reads the Descriptor component: per-class field and
// method descriptors plus the shared type descriptor pool.
func (r *capReader) parseDescriptor() error {
	entryName, blob, longSize, ok := r.component(capfile.NameDescriptor)
	if !ok {
		return fmt.Errorf("%w: Descriptor component missing", capfile.ErrInvalidEnvelope)
	}
	rec, rd, err := r.begin(entryName, capfile.NameDescriptor, blob, longSize)
	if err != nil {
		return err
	}

	if longSize {
		pkgCount, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading package count: %w", entryName, err)
		}
		rec.Set("package_count-u1", int(pkgCount))

		packages := make([]any, 0, pkgCount)
		for p := 0; p < int(pkgCount); p++ {
			classCount, err := rd.U1()
			if err != nil {
				return fmt.Errorf("%s: reading package %d class count: %w", entryName, p, err)
			}
			classes := make([]any, 0, classCount)
			for i := 0; i < int(classCount); i++ {
				class, err := r.parseClassDescriptorInfo(rd)
				if err != nil {
					return fmt.Errorf("%s: reading package %d class descriptor %d: %w", entryName, p, i, err)
				}
				classes = append(classes, class)
			}
			pkg := orderedmap.New()
			pkg.Set("class_count-u1", int(classCount))
			pkg.Set("classes", classes)
			packages = append(packages, pkg)
		}
		rec.Set("packages", packages)
	} else {
		classCount, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading class count: %w", entryName, err)
		}
		rec.Set("class_count-u1", int(classCount))

		classes := make([]any, 0, classCount)
		for i := 0; i < int(classCount); i++ {
			class, err := r.parseClassDescriptorInfo(rd)
			if err != nil {
				return fmt.Errorf("%s: reading class descriptor %d: %w", entryName, i, err)
			}
			classes = append(classes, class)
		}
		rec.Set("classes", classes)
	}

	types, err := r.parseTypeDescriptorInfo(rd)
	if err != nil {
		return fmt.Errorf("%s: reading type descriptor info: %w", entryName, err)
	}
	rec.Set("types", types)
	return nil
}

func (r *capReader) parseClassDescriptorInfo(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	class := orderedmap.New()

	token, err := rd.U1()
	if err != nil {
		return nil, err
	}
	class.Set("token-u1", int(token))

	flags, err := rd.U1()
	if err != nil {
		return nil, err
	}
	class.Set("access_flags-u1", toAnySlice(capfile.ClassDescriptorFlagNames(flags)))

	thisRef, err := parseClassRef(rd)
	if err != nil {
		return nil, err
	}
	class.Set("this_class_ref-u2", thisRef)

	interfaceCount, err := rd.U1()
	if err != nil {
		return nil, err
	}
	class.Set("interface_count-u1", int(interfaceCount))

	fieldCount, err := rd.U2()
	if err != nil {
		return nil, err
	}
	class.Set("field_count-u2", int(fieldCount))

	methodCount, err := rd.U2()
	if err != nil {
		return nil, err
	}
	class.Set("method_count-u2", int(methodCount))

	interfaces := make([]any, 0, interfaceCount)
	for i := 0; i < int(interfaceCount); i++ {
		ref, err := parseClassRef(rd)
		if err != nil {
			return nil, err
		}
		interfaces = append(interfaces, ref)
	}
	class.Set("interfaces", interfaces)

	fields := make([]any, 0, fieldCount)
	for i := 0; i < int(fieldCount); i++ {
		field, err := r.parseFieldDescriptorInfo(rd)
		if err != nil {
			return nil, err
		}
		fields = append(fields, field)
	}
	class.Set("fields", fields)

	methods := make([]any, 0, methodCount)
	for i := 0; i < int(methodCount); i++ {
		method, err := r.parseMethodDescriptorInfo(rd)
		if err != nil {
			return nil, err
		}
		methods = append(methods, method)
	}
	class.Set("methods", methods)
	return class, nil
}

// Primitive field type codes in a field descriptor's type item.
var primitiveTypeNames = map[int]string{
	0x0002: "Boolean",
	0x0003: "Byte",
	0x0004: "Short",
	0x0005: "Int",
}

func (r *capReader) parseFieldDescriptorInfo(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	field := orderedmap.New()

	token, err := rd.U1()
	if err != nil {
		return nil, err
	}
	field.Set("token", int(token))

	flags, err := rd.U1()
	if err != nil {
		return nil, err
	}
	flagNames := capfile.FieldDescriptorFlagNames(flags)
	field.Set("access_flags", toAnySlice(flagNames))

	fieldRef := orderedmap.New()
	if flags&0x08 != 0 { // STATIC
		ref, err := r.parseStaticRef(rd, cpTagStaticFieldref)
		if err != nil {
			return nil, err
		}
		fieldRef.Set("static_field", ref)
	} else {
		instance := orderedmap.New()
		classRef, err := parseClassRef(rd)
		if err != nil {
			return nil, err
		}
		instance.Set("class", classRef)
		instToken, err := rd.U1()
		if err != nil {
			return nil, err
		}
		instance.Set("token", int(instToken))
		fieldRef.Set("instance_field", instance)
	}
	field.Set("field_ref", fieldRef)

	typeBits, err := rd.U2()
	if err != nil {
		return nil, err
	}
	fieldType := orderedmap.New()
	if typeBits&0x8000 != 0 {
		name, known := primitiveTypeNames[int(typeBits&0x7FFF)]
		if !known {
			name = fmt.Sprintf("0x%04x (Unknown Primitive)", typeBits)
		}
		fieldType.Set("primitive_type", name)
	} else {
		// 15-bit offset into the type_descriptor_info structure.
		fieldType.Set("reference_type", int(typeBits))
	}
	field.Set("type", fieldType)
	return field, nil
}

func (r *capReader) parseMethodDescriptorInfo(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	method := orderedmap.New()

	token, err := rd.U1()
	if err != nil {
		return nil, err
	}
	method.Set("token-u1", int(token))

	flags, err := rd.U1()
	if err != nil {
		return nil, err
	}
	method.Set("access_flags-u1", toAnySlice(capfile.MethodDescriptorFlagNames(flags)))

	if r.cap.Extended {
		blockIndex, err := rd.U1()
		if err != nil {
			return nil, err
		}
		method.Set("method_component_block_index-u1", int(blockIndex))
	}

	for _, field := range []string{
		"method_offset-u2",
		"type_offset-u2",
		"bytecode_count-u2",
		"exception_handler_count-u2",
		"exception_handler_index-u2",
	} {
		v, err := rd.U2()
		if err != nil {
			return nil, err
		}
		method.Set(field, int(v))
	}
	return method, nil
}

// parseTypeDescriptorInfo reads the type pool that closes the Descriptor
// component: per-constant-pool-entry type offsets, then packed type
// descriptors until the blob ends.
func (r *capReader) parseTypeDescriptorInfo(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	types := orderedmap.New()

	count, err := rd.U2()
	if err != nil {
		return nil, err
	}
	types.Set("constant_pool_count", int(count))

	poolTypes := make([]any, 0, count)
	for i := 0; i < int(count); i++ {
		v, err := rd.U2()
		if err != nil {
			return nil, err
		}
		poolTypes = append(poolTypes, int(v))
	}
	types.Set("constant_pool_types", poolTypes)

	descs := []any{}
	for rd.Remaining() > 0 {
		td, err := parseTypeDescriptor(rd)
		if err != nil {
			return nil, err
		}
		descs = append(descs, td)
	}
	types.Set("type_desc", descs)
	return types, nil
}

// parseDebug records the Debug component without interpreting it. Debug
// is off-card: tolerated on decode, optional on encode.
func (r *capReader) parseDebug() error {
	entryName, blob, longSize, ok := r.component(capfile.NameDebug)
	if !ok {
		return nil
	}
	rec, rd, err := r.begin(entryName, capfile.NameDebug, blob, longSize)
	if err != nil {
		return err
	}
	rec.Set("info", hex.EncodeToString(rd.Rest()))
	return nil
}

// parseStaticResources reads the StaticResources component: a resource
// directory followed by the concatenated resource blobs.
func (r *capReader) parseStaticResources() error {
	entryName, blob, longSize, ok := r.component(capfile.NameStaticResources)
	if !ok {
		return nil
	}
	rec, rd, err := r.begin(entryName, capfile.NameStaticResources, blob, longSize)
	if err != nil {
		return err
	}

	count, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading resource count: %w", entryName, err)
	}
	rec.Set("resource_count-u2", int(count))
	if count == 0 {
		r.warn(capfile.WarnInvariantViolation, entryName,
			"StaticResources present with resource_count 0; the component must be absent when there are no resources")
	}

	seen := make(map[int]bool, count)
	directory := make([]any, 0, count)
	sizes := make([]int, 0, count)
	for i := 0; i < int(count); i++ {
		entry := orderedmap.New()
		id, err := rd.U2()
		if err != nil {
			return fmt.Errorf("%s: reading resource %d id: %w", entryName, i, err)
		}
		entry.Set("resource_id-u2", int(id))
		if seen[int(id)] {
			r.warn(capfile.WarnInvariantViolation, entryName,
				"duplicate resource_id %d", id)
		}
		seen[int(id)] = true

		size, err := rd.U4()
		if err != nil {
			return fmt.Errorf("%s: reading resource %d size: %w", entryName, i, err)
		}
		entry.Set("resource_size-u4", int(size))
		if size > 32767 {
			r.warn(capfile.WarnInvariantViolation, entryName,
				"resource %d size %d exceeds the 32767-byte limit", id, size)
		}
		sizes = append(sizes, int(size))
		directory = append(directory, entry)
	}
	rec.Set("resource_directory-u6l", directory)

	resources := make([]any, 0, count)
	for i, size := range sizes {
		blob, err := rd.Hex(size)
		if err != nil {
			return fmt.Errorf("%s: reading resource %d data: %w", entryName, i, err)
		}
		resources = append(resources, blob)
	}
	rec.Set("static_resources", resources)
	return nil
}
