package parser

import (
	"fmt"

	"github.com/iancoleman/orderedmap"

	"github.com/stillunfolding/capastrophic/internal/capfile"
)

// Constant pool entry tags.
const (
	cpTagClassref         = 1
	cpTagInstanceFieldref = 2
	cpTagVirtualMethodref = 3
	cpTagSuperMethodref   = 4
	cpTagStaticFieldref   = 5
	cpTagStaticMethodref  = 6
)

var cpTagNames = map[uint8]string{
	cpTagClassref:         "1 (ClassRef)",
	cpTagInstanceFieldref: "2 (InstanceFieldRef)",
	cpTagVirtualMethodref: "3 (VirtualMethodRef)",
	cpTagSuperMethodref:   "4 (SuperMethodRef)",
	cpTagStaticFieldref:   "5 (StaticFieldRef)",
	cpTagStaticMethodref:  "6 (StaticMethodRef)",
}

// parseConstantPool reads the ConstantPool component: a count-prefixed
// array of 4-byte entries, each a tagged variant. Tags are recorded
// literally; semantic rules (such as index 0 never being a catch type)
// are left to consumers.
func (r *capReader) parseConstantPool() error {
	entryName, blob, longSize, ok := r.component(capfile.NameConstantPool)
	if !ok {
		return fmt.Errorf("%w: ConstantPool.cap missing", capfile.ErrInvalidEnvelope)
	}
	rec, rd, err := r.begin(entryName, capfile.NameConstantPool, blob, longSize)
	if err != nil {
		return err
	}

	count, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading count: %w", entryName, err)
	}
	rec.Set("count-u2", int(count))

	pool := make([]any, 0, count)
	for i := 0; i < int(count); i++ {
		entry, err := r.parseConstant(rd)
		if err != nil {
			return fmt.Errorf("%s: reading constant %d: %w", entryName, i, err)
		}
		pool = append(pool, entry)
	}
	rec.Set("constant_pool", pool)
	return nil
}

func (r *capReader) parseConstant(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	tag, err := rd.U1()
	if err != nil {
		return nil, err
	}

	entry := orderedmap.New()
	name, known := cpTagNames[tag]
	if !known {
		name = fmt.Sprintf("%d (Unknown Tag)", tag)
	}
	entry.Set("tag-u1", name)

	switch tag {
	case cpTagClassref, cpTagInstanceFieldref, cpTagVirtualMethodref, cpTagSuperMethodref:
		ref, err := parseClassRef(rd)
		if err != nil {
			return nil, err
		}
		for _, k := range ref.Keys() {
			v, _ := ref.Get(k)
			entry.Set(k, v)
		}
		lastKey := "token-u1"
		if tag == cpTagClassref {
			lastKey = "padding-u1"
		}
		last, err := rd.U1()
		if err != nil {
			return nil, err
		}
		entry.Set(lastKey, int(last))

	case cpTagStaticFieldref, cpTagStaticMethodref:
		ref, err := r.parseStaticRef(rd, tag)
		if err != nil {
			return nil, err
		}
		for _, k := range ref.Keys() {
			v, _ := ref.Get(k)
			entry.Set(k, v)
		}

	default:
		// Unknown tag: keep the remaining three info bytes opaque.
		info, err := rd.Hex(3)
		if err != nil {
			return nil, err
		}
		entry.Set("info-u3", info)
	}
	return entry, nil
}

// parseClass reads the Class component: the 2.2+ signature pool, then a
// run of interface_info and class_info structures until the blob is
// exhausted. The blob carries no per-entry length prefix, so every field
// must be consumed at its exact width or the rest of the walk misreads.
func (r *capReader) parseClass() error {
	entryName, blob, longSize, ok := r.component(capfile.NameClass)
	if !ok {
		return fmt.Errorf("%w: Class.cap missing", capfile.ErrInvalidEnvelope)
	}
	rec, rd, err := r.begin(entryName, capfile.NameClass, blob, longSize)
	if err != nil {
		return err
	}

	if r.cap.Format.AtLeast(2, 2) {
		poolLen, err := rd.U2()
		if err != nil {
			return fmt.Errorf("%s: reading signature pool length: %w", entryName, err)
		}
		rec.Set("signature_pool_length-u2", int(poolLen))

		poolEnd := rd.Pos() + int(poolLen)
		pool := []any{}
		for rd.Pos() < poolEnd {
			td, err := parseTypeDescriptor(rd)
			if err != nil {
				return fmt.Errorf("%s: reading signature pool: %w", entryName, err)
			}
			pool = append(pool, td)
		}
		rec.Set("signature_pool", pool)
	}

	interfaces, classes := []any{}, []any{}
	for rd.Remaining() > 0 {
		bits, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading class bitfield: %w", entryName, err)
		}
		bitfield := orderedmap.New()
		flagNames := capfile.ClassFlagNames(bits >> 4)
		bitfield.Set("flags-u4b", toAnySlice(flagNames))
		interfaceCount := int(bits & 0x0F)
		bitfield.Set("interface_count-u4b", interfaceCount)

		if capfile.ClassFlagSet(flagNames, "INTERFACE") {
			iface, err := r.parseInterfaceInfo(rd, bitfield, interfaceCount, flagNames)
			if err != nil {
				return fmt.Errorf("%s: reading interface_info %d: %w", entryName, len(interfaces), err)
			}
			interfaces = append(interfaces, iface)
		} else {
			class, err := r.parseClassInfo(rd, bitfield, interfaceCount, flagNames)
			if err != nil {
				return fmt.Errorf("%s: reading class_info %d: %w", entryName, len(classes), err)
			}
			classes = append(classes, class)
		}
	}
	rec.Set("interfaces", interfaces)
	rec.Set("classes", classes)
	return nil
}

func (r *capReader) parseInterfaceInfo(rd *capfile.Reader, bitfield *orderedmap.OrderedMap, interfaceCount int, flagNames []string) (*orderedmap.OrderedMap, error) {
	iface := orderedmap.New()
	iface.Set("bitfield-u1", bitfield)

	supers := make([]any, 0, interfaceCount)
	for i := 0; i < interfaceCount; i++ {
		ref, err := parseClassRef(rd)
		if err != nil {
			return nil, err
		}
		supers = append(supers, ref)
	}
	iface.Set("superinterfaces-u2l", supers)

	if capfile.ClassFlagSet(flagNames, "REMOTE") && r.cap.Format.AtLeast(2, 2) {
		nameLen, err := rd.U1()
		if err != nil {
			return nil, err
		}
		name, err := rd.Bytes(int(nameLen))
		if err != nil {
			return nil, err
		}
		nameInfo := orderedmap.New()
		nameInfo.Set("interface_name_length-u1", int(nameLen))
		nameInfo.Set("interface_name-u1l", string(name))
		iface.Set("interface_name", nameInfo)
	}
	return iface, nil
}

func (r *capReader) parseClassInfo(rd *capfile.Reader, bitfield *orderedmap.OrderedMap, interfaceCount int, flagNames []string) (*orderedmap.OrderedMap, error) {
	class := orderedmap.New()
	class.Set("bitfield-u1", bitfield)

	superRef, err := parseClassRef(rd)
	if err != nil {
		return nil, err
	}
	class.Set("super_class_ref-u2", superRef)

	for _, field := range []string{
		"declared_instance_size-u1",
		"first_reference_token-u1",
		"reference_count-u1",
		"public_method_table_base-u1",
		"public_method_table_count-u1",
		"package_method_table_base-u1",
		"package_method_table_count-u1",
	} {
		v, err := rd.U1()
		if err != nil {
			return nil, err
		}
		class.Set(field, int(v))
	}

	publicCount := mustInt(class, "public_method_table_count-u1")
	packageCount := mustInt(class, "package_method_table_count-u1")

	publicTable, err := r.parseVirtualMethodTable(rd, publicCount)
	if err != nil {
		return nil, err
	}
	class.Set("public_virtual_method_table-u2l", publicTable)

	packageTable, err := r.parseVirtualMethodTable(rd, packageCount)
	if err != nil {
		return nil, err
	}
	class.Set("package_virtual_method_table-u2l", packageTable)

	implemented := make([]any, 0, interfaceCount)
	for i := 0; i < interfaceCount; i++ {
		impl, err := parseImplementedInterfaceInfo(rd)
		if err != nil {
			return nil, err
		}
		implemented = append(implemented, impl)
	}
	class.Set("interfaces", implemented)

	if r.cap.Format.AtLeast(2, 2) && capfile.ClassFlagSet(flagNames, "REMOTE") {
		remote, err := r.parseRemoteInterfaceInfo(rd)
		if err != nil {
			return nil, err
		}
		class.Set("remote_interfaces", remote)
	}

	if r.cap.Format.AtLeast(2, 3) {
		publicMethodCount := mustInt(class, "public_method_table_base-u1") + publicCount
		mapping := make([]any, 0, publicMethodCount)
		for i := 0; i < publicMethodCount; i++ {
			token, err := rd.U1()
			if err != nil {
				return nil, err
			}
			mapping = append(mapping, int(token))
		}
		class.Set("public_virtual_method_token_mapping-u1l", mapping)

		inheritable, err := rd.U1()
		if err != nil {
			return nil, err
		}
		class.Set("CAP22_inheritable_public_method_token_count-u1", int(inheritable))
	}
	return class, nil
}

// parseVirtualMethodTable reads a virtual method table. Compact slots are
// plain 2-byte offsets into Method; Extended slots prepend the method
// component block index.
func (r *capReader) parseVirtualMethodTable(rd *capfile.Reader, count int) ([]any, error) {
	table := make([]any, 0, count)
	for i := 0; i < count; i++ {
		if r.cap.Extended {
			slot := orderedmap.New()
			blockIndex, err := rd.U1()
			if err != nil {
				return nil, err
			}
			slot.Set("method_component_block_index-u1", int(blockIndex))
			offset, err := rd.U2()
			if err != nil {
				return nil, err
			}
			slot.Set("method_offset-u2", int(offset))
			table = append(table, slot)
		} else {
			slot, err := rd.Hex(2)
			if err != nil {
				return nil, err
			}
			table = append(table, slot)
		}
	}
	return table, nil
}

func parseImplementedInterfaceInfo(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	impl := orderedmap.New()
	ref, err := parseClassRef(rd)
	if err != nil {
		return nil, err
	}
	impl.Set("interface-u2", ref)

	count, err := rd.U1()
	if err != nil {
		return nil, err
	}
	impl.Set("count-u1", int(count))

	index := make([]any, 0, count)
	for i := 0; i < int(count); i++ {
		v, err := rd.U1()
		if err != nil {
			return nil, err
		}
		index = append(index, int(v))
	}
	impl.Set("index-u1l", index)
	return impl, nil
}

func (r *capReader) parseRemoteInterfaceInfo(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	remote := orderedmap.New()

	methodCount, err := rd.U1()
	if err != nil {
		return nil, err
	}
	remote.Set("remote_methods_count-u1", int(methodCount))

	methods := make([]any, 0, methodCount)
	for i := 0; i < int(methodCount); i++ {
		m := orderedmap.New()
		hash, err := rd.Hex(2)
		if err != nil {
			return nil, err
		}
		m.Set("remote_method_hash-u2", hash)
		sigOffset, err := rd.U2()
		if err != nil {
			return nil, err
		}
		m.Set("signature_offset-u2", int(sigOffset))
		token, err := rd.U1()
		if err != nil {
			return nil, err
		}
		m.Set("virtual_method_token-u1", int(token))
		methods = append(methods, m)
	}
	remote.Set("remote_methods-u5l", methods)

	hashModLen, err := rd.U1()
	if err != nil {
		return nil, err
	}
	remote.Set("hash_modifier_length-u1", int(hashModLen))
	hashMod, err := rd.Hex(int(hashModLen))
	if err != nil {
		return nil, err
	}
	remote.Set("hash_modifier-u1l", hashMod)

	classNameLen, err := rd.U1()
	if err != nil {
		return nil, err
	}
	remote.Set("class_name_length-u1", int(classNameLen))
	className, err := rd.Bytes(int(classNameLen))
	if err != nil {
		return nil, err
	}
	remote.Set("class_name-u1l", string(className))

	ifaceCount, err := rd.U1()
	if err != nil {
		return nil, err
	}
	remote.Set("remote_interfaces_count-u1", int(ifaceCount))

	ifaces := make([]any, 0, ifaceCount)
	for i := 0; i < int(ifaceCount); i++ {
		ref, err := parseClassRef(rd)
		if err != nil {
			return nil, err
		}
		ifaces = append(ifaces, ref)
	}
	remote.Set("remote_interfaces-u2l", ifaces)
	return remote, nil
}

func mustInt(m *orderedmap.OrderedMap, key string) int {
	v, _ := m.Get(key)
	n, _ := v.(int)
	return n
}
