package parser

import (
	"encoding/hex"
	"fmt"

	"github.com/iancoleman/orderedmap"

	"github.com/stillunfolding/capastrophic/internal/capfile"
)

// parseExceptionHandlers reads a count of 8-byte exception_handler_info
// entries. The table must be sorted ascending by handler_offset; a
// violation is a warning since tampered tables are still decodable.
func (r *capReader) parseExceptionHandlers(rd *capfile.Reader, count int, entryName string) ([]any, error) {
	handlers := make([]any, 0, count)
	prevOffset := -1
	for i := 0; i < count; i++ {
		h := orderedmap.New()
		start, err := rd.U2()
		if err != nil {
			return nil, err
		}
		h.Set("start_offset-u2", int(start))

		bits, err := rd.U2()
		if err != nil {
			return nil, err
		}
		bitfield := orderedmap.New()
		bitfield.Set("stop", int(bits>>15)&1)
		bitfield.Set("active_length", int(bits&0x7FFF))
		h.Set("bitfield-u2", bitfield)

		handlerOffset, err := rd.U2()
		if err != nil {
			return nil, err
		}
		h.Set("handler_offset-u2", int(handlerOffset))
		if int(handlerOffset) < prevOffset {
			r.warn(capfile.WarnInvariantViolation, entryName,
				"exception handler %d offset %d breaks ascending handler_offset order", i, handlerOffset)
		}
		prevOffset = int(handlerOffset)

		catchType, err := rd.U2()
		if err != nil {
			return nil, err
		}
		h.Set("catch_type_index-u2", int(catchType))
		handlers = append(handlers, h)
	}
	return handlers, nil
}

// parseMethod reads the Method component. Individual method_info
// boundaries are not recoverable from this component alone, so the
// bodies are kept as one opaque hex run; the Descriptor-guided scan in
// scanMethodBytecodes revisits them.
func (r *capReader) parseMethod() error {
	entryName, blob, longSize, ok := r.component(capfile.NameMethod)
	if !ok {
		return fmt.Errorf("%w: Method component missing", capfile.ErrInvalidEnvelope)
	}
	rec, rd, err := r.begin(entryName, capfile.NameMethod, blob, longSize)
	if err != nil {
		return err
	}

	if longSize {
		return r.parseMethodExtended(entryName, rec, rd)
	}

	handlerCount, err := rd.U1()
	if err != nil {
		return fmt.Errorf("%s: reading handler count: %w", entryName, err)
	}
	rec.Set("handler_count-u1", int(handlerCount))

	handlers, err := r.parseExceptionHandlers(rd, int(handlerCount), entryName)
	if err != nil {
		return fmt.Errorf("%s: reading exception handlers: %w", entryName, err)
	}
	rec.Set("exception_handlers", handlers)

	rec.Set("methods", hex.EncodeToString(rd.Rest()))
	return nil
}

// parseMethodExtended reads the Extended layout: a block count, the block
// offset table, then one handler-table-plus-methods run per block.
func (r *capReader) parseMethodExtended(entryName string, rec *orderedmap.OrderedMap, rd *capfile.Reader) error {
	size := mustInt(rec, "size-u4")

	blockCount, err := rd.U1()
	if err != nil {
		return fmt.Errorf("%s: reading block count: %w", entryName, err)
	}
	rec.Set("method_component_block_count-u1", int(blockCount))

	offsets := make([]any, 0, blockCount)
	rawOffsets := make([]int, 0, blockCount)
	for i := 0; i < int(blockCount); i++ {
		off, err := rd.U4()
		if err != nil {
			return fmt.Errorf("%s: reading block offset %d: %w", entryName, i, err)
		}
		offsets = append(offsets, int(off))
		rawOffsets = append(rawOffsets, int(off))
	}
	rec.Set("method_component_block_offsets-u4", offsets)

	blocks := make([]any, 0, blockCount)
	for i := 0; i < int(blockCount); i++ {
		blockLen := size - rawOffsets[i]
		if i+1 < len(rawOffsets) {
			blockLen = rawOffsets[i+1] - rawOffsets[i]
		}

		handlerCount, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading block %d handler count: %w", entryName, i, err)
		}
		handlers, err := r.parseExceptionHandlers(rd, int(handlerCount), entryName)
		if err != nil {
			return fmt.Errorf("%s: reading block %d handlers: %w", entryName, i, err)
		}

		methodsLen := blockLen - 1 - 8*int(handlerCount)
		if methodsLen < 0 || methodsLen > rd.Remaining() {
			r.warn(capfile.WarnInconsistentSize, entryName,
				"block %d length %d disagrees with its handler table; keeping the remaining %d bytes",
				i, blockLen, rd.Remaining())
			methodsLen = rd.Remaining()
		}
		methods, err := rd.Hex(methodsLen)
		if err != nil {
			return fmt.Errorf("%s: reading block %d methods: %w", entryName, i, err)
		}

		block := orderedmap.New()
		block.Set("handler_count", int(handlerCount))
		block.Set("exception_handlers", handlers)
		block.Set("methods", methods)
		blocks = append(blocks, block)
	}
	rec.Set("blocks", blocks)
	return nil
}

// Static field array_init element types.
var staticFieldTypes = map[uint8]struct {
	name   string
	length int
}{
	2: {"2 (Boolean)", 1},
	3: {"3 (Byte)", 1},
	4: {"4 (Short)", 2},
	5: {"5 (Int)", 4},
}

// parseStaticField reads the StaticField component and checks the image
// arithmetic: image_size = 2*reference_count + default_value_count +
// non_default_value_count.
func (r *capReader) parseStaticField() error {
	entryName, blob, longSize, ok := r.component(capfile.NameStaticField)
	if !ok {
		return fmt.Errorf("%w: StaticField.cap missing", capfile.ErrInvalidEnvelope)
	}
	rec, rd, err := r.begin(entryName, capfile.NameStaticField, blob, longSize)
	if err != nil {
		return err
	}

	imageSize, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading image_size: %w", entryName, err)
	}
	rec.Set("image_size-u2", int(imageSize))

	referenceCount, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading reference_count: %w", entryName, err)
	}
	rec.Set("reference_count-u2", int(referenceCount))

	arrayInitCount, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading array_init_count: %w", entryName, err)
	}
	rec.Set("array_init_count-u2", int(arrayInitCount))

	if arrayInitCount > 0 && !capfile.HeaderFlagSet(r.headerFlags, "APPLET") {
		r.warn(capfile.WarnInvariantViolation, entryName,
			"library package has array_init_count %d, must be 0", arrayInitCount)
	}

	inits := make([]any, 0, arrayInitCount)
	for i := 0; i < int(arrayInitCount); i++ {
		init, err := r.parseArrayInit(rd, entryName, i)
		if err != nil {
			return fmt.Errorf("%s: reading array_init %d: %w", entryName, i, err)
		}
		inits = append(inits, init)
	}
	rec.Set("array_init", inits)

	defaultCount, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading default_value_count: %w", entryName, err)
	}
	rec.Set("default_value_count-u2", int(defaultCount))

	nonDefaultCount, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading non_default_value_count: %w", entryName, err)
	}
	rec.Set("non_default_value_count-u2", int(nonDefaultCount))

	values := make([]any, 0, nonDefaultCount)
	for i := 0; i < int(nonDefaultCount); i++ {
		v, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading non_default_values: %w", entryName, err)
		}
		values = append(values, int(v))
	}
	rec.Set("non_default_values", values)

	if want := 2*int(referenceCount) + int(defaultCount) + int(nonDefaultCount); int(imageSize) != want {
		r.warn(capfile.WarnInvariantViolation, entryName,
			"image_size %d != 2*reference_count + default_value_count + non_default_value_count = %d",
			imageSize, want)
	}
	return nil
}

// parseArrayInit reads one array_init_info. The count is a byte count;
// values are grouped by the element width of the declared type.
func (r *capReader) parseArrayInit(rd *capfile.Reader, entryName string, index int) (*orderedmap.OrderedMap, error) {
	init := orderedmap.New()

	typeID, err := rd.U1()
	if err != nil {
		return nil, err
	}
	typeInfo, known := staticFieldTypes[typeID]
	if !known {
		typeInfo.name = fmt.Sprintf("%d (Unknown Type)", typeID)
		typeInfo.length = 1
		r.warn(capfile.WarnInvariantViolation, entryName,
			"array_init %d has unknown element type %d", index, typeID)
	}
	init.Set("type-u1", typeInfo.name)

	count, err := rd.U2()
	if err != nil {
		return nil, err
	}
	init.Set("count-u2", int(count))

	values := make([]any, 0, int(count)/typeInfo.length)
	remaining := int(count)
	for remaining >= typeInfo.length {
		v, err := rd.Hex(typeInfo.length)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		remaining -= typeInfo.length
	}
	if remaining > 0 {
		// Trailing bytes that do not fill an element; keep them so the
		// read stays aligned.
		v, err := rd.Hex(remaining)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		r.warn(capfile.WarnInvariantViolation, entryName,
			"array_init %d count %d is not a multiple of the element width %d", index, count, typeInfo.length)
	}
	init.Set("values", values)
	return init, nil
}

// parseRefLocationBlock reads one pair of delta-offset lists: 1-byte
// constant pool index sites, then 2-byte sites. Each stored value is a
// forward delta from the previous site.
func (r *capReader) parseRefLocationBlock(rd *capfile.Reader, entryName string) (*orderedmap.OrderedMap, error) {
	block := orderedmap.New()
	for _, list := range []struct {
		countKey   string
		offsetsKey string
	}{
		{"byte_index_count-u2", "offsets_to_byte_indices-u1l"},
		{"byte2_index_count-u2", "offsets_to_byte2_indices-u1l"},
	} {
		count, err := rd.U2()
		if err != nil {
			return nil, err
		}
		block.Set(list.countKey, int(count))

		offsets := make([]any, 0, count)
		for i := 0; i < int(count); i++ {
			d, err := rd.U1()
			if err != nil {
				return nil, err
			}
			if d == 0 && i > 0 {
				r.warn(capfile.WarnInvariantViolation, entryName,
					"%s entry %d has zero delta; absolute offsets must be strictly increasing", list.offsetsKey, i)
			}
			offsets = append(offsets, int(d))
		}
		block.Set(list.offsetsKey, offsets)
	}
	return block, nil
}

// parseRefLocation reads the RefLocation component.
func (r *capReader) parseRefLocation() error {
	entryName, blob, longSize, ok := r.component(capfile.NameRefLocation)
	if !ok {
		return fmt.Errorf("%w: RefLocation component missing", capfile.ErrInvalidEnvelope)
	}
	rec, rd, err := r.begin(entryName, capfile.NameRefLocation, blob, longSize)
	if err != nil {
		return err
	}

	if longSize {
		blockCount, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading block count: %w", entryName, err)
		}
		rec.Set("reference_location_component_block_count-u1", int(blockCount))

		blocks := make([]any, 0, blockCount)
		for i := 0; i < int(blockCount); i++ {
			block, err := r.parseRefLocationBlock(rd, entryName)
			if err != nil {
				return fmt.Errorf("%s: reading block %d: %w", entryName, i, err)
			}
			blocks = append(blocks, block)
		}
		rec.Set("blocks", blocks)
		return nil
	}

	block, err := r.parseRefLocationBlock(rd, entryName)
	if err != nil {
		return fmt.Errorf("%s: reading offset lists: %w", entryName, err)
	}
	for _, k := range block.Keys() {
		v, _ := block.Get(k)
		rec.Set(k, v)
	}
	return nil
}

// scanMethodBytecodes locates method bodies through the Descriptor
// component and scans them for the forbidden impdep1/impdep2 opcodes.
// Descriptor is the only authoritative source of method boundaries; with
// no Descriptor (or in Extended layout, where offsets point into blocks)
// the scan is skipped.
func (r *capReader) scanMethodBytecodes() {
	if r.cap.Extended {
		return
	}
	desc := r.cap.Component("Descriptor.cap")
	methodEntry := "Method.cap"
	methodBlob, ok := r.blobs[methodEntry]
	if desc == nil || !ok || len(methodBlob) < 3 {
		return
	}
	info := methodBlob[3:]

	classesVal, _ := desc.Get("classes")
	classes, _ := classesVal.([]any)
	for _, cv := range classes {
		class, _ := cv.(*orderedmap.OrderedMap)
		if class == nil {
			continue
		}
		methodsVal, _ := class.Get("methods")
		methods, _ := methodsVal.([]any)
		for _, mv := range methods {
			m, _ := mv.(*orderedmap.OrderedMap)
			if m == nil {
				continue
			}
			offset := mustInt(m, "method_offset-u2")
			count := mustInt(m, "bytecode_count-u2")
			if count == 0 || offset >= len(info) {
				continue
			}
			// Compact method headers are 2 bytes, or 4 when the header
			// flags nibble carries the extended bit.
			headerLen := 2
			if info[offset]&0x80 != 0 {
				headerLen = 4
			}
			start := offset + headerLen
			end := start + count
			if start > len(info) || end > len(info) {
				r.warn(capfile.WarnInconsistentSize, methodEntry,
					"descriptor method at offset %d with %d bytecodes runs past the component", offset, count)
				continue
			}
			if at := capfile.ScanForImpdep(info[start:end]); at >= 0 {
				r.warn(capfile.WarnForbiddenInstruction, methodEntry,
					"impdep opcode 0x%02x at info offset %d", info[start+at], start+at)
			}
		}
	}
}
