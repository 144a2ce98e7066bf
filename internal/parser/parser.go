// Package parser decodes the components of a CAP file into the ordered
// intermediate form. The coordinator reads Header first (format version
// and flags), Directory second (component size table), and then drives
// the per-component decoders with that shared context.
package parser

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/iancoleman/orderedmap"

	"github.com/stillunfolding/capastrophic/internal/capfile"
	"github.com/stillunfolding/capastrophic/internal/envelope"
)

// CAPFile is the decoded intermediate form of a CAP archive plus the
// cross-component context the decoders shared.
type CAPFile struct {
	// Components maps entry name (Header.cap, Method.capx, ...) to its
	// record. Key order is the parse order; field order inside each
	// record mirrors the on-disk byte order. Both orders are part of the
	// intermediate-form contract.
	Components *orderedmap.OrderedMap

	// Entries preserves the original archive paths and order.
	Entries []envelope.Entry

	Format   capfile.Format
	Extended bool
	Warnings []capfile.Warning
}

// Component returns the record for an entry name, or nil.
func (c *CAPFile) Component(name string) *orderedmap.OrderedMap {
	v, ok := c.Components.Get(name)
	if !ok {
		return nil
	}
	rec, _ := v.(*orderedmap.OrderedMap)
	return rec
}

// capReader decodes one CAP archive. It is single-use.
type capReader struct {
	logger      *slog.Logger
	cap         *CAPFile
	blobs       map[string][]byte // normalized entry name -> blob
	headerFlags []string          // Header flag list, set by parseHeader
}

// Parse decodes the component entries of a CAP archive.
func Parse(entries []envelope.Entry) (*CAPFile, error) {
	r := &capReader{
		logger: slog.Default(),
		cap: &CAPFile{
			Components: orderedmap.New(),
			Entries:    entries,
		},
		blobs: make(map[string][]byte, len(entries)),
	}
	for _, e := range entries {
		r.blobs[e.Name] = e.Data
	}

	if err := r.parseHeader(); err != nil {
		return nil, err
	}
	if err := r.parseDirectory(); err != nil {
		return nil, err
	}
	if err := r.parseApplet(); err != nil {
		return nil, err
	}
	if err := r.parseImport(); err != nil {
		return nil, err
	}
	if err := r.parseConstantPool(); err != nil {
		return nil, err
	}
	if err := r.parseClass(); err != nil {
		return nil, err
	}
	if err := r.parseMethod(); err != nil {
		return nil, err
	}
	if err := r.parseStaticField(); err != nil {
		return nil, err
	}
	if err := r.parseRefLocation(); err != nil {
		return nil, err
	}
	if err := r.parseExport(); err != nil {
		return nil, err
	}
	if err := r.parseDescriptor(); err != nil {
		return nil, err
	}
	if err := r.parseDebug(); err != nil {
		return nil, err
	}
	if err := r.parseStaticResources(); err != nil {
		return nil, err
	}
	r.collectCustomComponents()
	r.scanMethodBytecodes()

	r.logger.Info("parsed CAP file",
		"format", r.cap.Format.String(),
		"extended", r.cap.Extended,
		"components", len(r.cap.Components.Keys()),
		"warnings", len(r.cap.Warnings),
	)
	return r.cap, nil
}

func (r *capReader) warn(kind capfile.WarningKind, component, format string, args ...any) {
	w := capfile.Warning{
		Kind:      kind,
		Component: component,
		Message:   fmt.Sprintf(format, args...),
	}
	r.cap.Warnings = append(r.cap.Warnings, w)
	r.logger.Warn(w.Message, "kind", string(kind), "component", component)
}

// newRecord starts a component record with its raw passthrough fields.
func newRecord(blob []byte) *orderedmap.OrderedMap {
	rec := orderedmap.New()
	rec.Set("raw", hex.EncodeToString(blob))
	rec.Set("raw_modified", "")
	return rec
}

// component locates a component blob, honoring the Extended entry split.
// When the Header flags and the observed entry suffix disagree, a
// TagMismatch warning is recorded and the observed entry is used; the
// returned longSize reflects the observed form so the size field is read
// with the width the bytes actually carry.
func (r *capReader) component(base string) (entryName string, blob []byte, longSize bool, ok bool) {
	want := capfile.FileName(base, r.cap.Extended)
	if blob, found := r.blobs[want]; found {
		return want, blob, capfile.LongSize(base, r.cap.Extended), true
	}

	other := base + ".cap"
	if strings.HasSuffix(want, ".cap") {
		other = base + ".capx"
	}
	if blob, found := r.blobs[other]; found {
		r.warn(capfile.WarnTagMismatch, other,
			"expected %s for format %s (extended=%v), found %s; using observed layout",
			want, r.cap.Format, r.cap.Extended, other)
		return other, blob, capfile.LongSize(base, !r.cap.Extended), true
	}
	return "", nil, false, false
}

// begin reads the shared tag/size prefix of a component, records the two
// fields, and cross-checks both against the observed blob.
func (r *capReader) begin(entryName, base string, blob []byte, longSize bool) (*orderedmap.OrderedMap, *capfile.Reader, error) {
	rec := newRecord(blob)
	rd := capfile.NewReader(blob)

	tag, err := rd.U1()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: reading tag: %w", entryName, err)
	}
	rec.Set("tag-u1", int(tag))
	if want := capfile.TagForName[base]; capfile.Tag(tag) != want {
		r.warn(capfile.WarnTagMismatch, entryName, "leading tag %d, expected %d", tag, want)
	}

	sizeWidth := 2
	if longSize {
		sizeWidth = 4
	}
	size, err := rd.UN(sizeWidth)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: reading size: %w", entryName, err)
	}
	rec.Set(fmt.Sprintf("size-u%d", sizeWidth), int(size))
	if int(size) != rd.Remaining() {
		r.warn(capfile.WarnInconsistentSize, entryName,
			"size field says %d info bytes, blob carries %d", size, rd.Remaining())
	}

	r.cap.Components.Set(entryName, rec)
	return rec, rd, nil
}

// parseVersion reads the minor/major byte pair used throughout both
// formats and returns it in "major.minor" display form.
func parseVersion(rd *capfile.Reader) (string, capfile.Format, error) {
	minor, err := rd.U1()
	if err != nil {
		return "", capfile.Format{}, err
	}
	major, err := rd.U1()
	if err != nil {
		return "", capfile.Format{}, err
	}
	f := capfile.Format{Major: major, Minor: minor}
	return f.String(), f, nil
}

// parsePackageInfo reads a package_info: version pair, AID length, AID.
func parsePackageInfo(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	pkg := orderedmap.New()
	version, _, err := parseVersion(rd)
	if err != nil {
		return nil, err
	}
	pkg.Set("version-u2", version)
	aidLen, err := rd.U1()
	if err != nil {
		return nil, err
	}
	pkg.Set("AID_length-u1", int(aidLen))
	aid, err := rd.Hex(int(aidLen))
	if err != nil {
		return nil, err
	}
	pkg.Set("AID", aid)
	return pkg, nil
}

// parsePackageName reads a package_name_info. An empty name means the
// package defines no remote interfaces or classes.
func parsePackageName(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	nameLen, err := rd.U1()
	if err != nil {
		return nil, err
	}
	name, err := rd.Bytes(int(nameLen))
	if err != nil {
		return nil, err
	}
	pn := orderedmap.New()
	pn.Set("name_length-u1", int(nameLen))
	pn.Set("name", string(name))
	pn.Set("_hint", "length == 0 <=> no remote interface/class")
	return pn, nil
}

// parseClassRef reads the 2-byte class_ref union. The high bit of the
// first byte discriminates: set means an external {package_token,
// class_token} pair, clear means a 16-bit offset into the Class
// component's info.
func parseClassRef(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	b1, err := rd.U1()
	if err != nil {
		return nil, err
	}
	b2, err := rd.U1()
	if err != nil {
		return nil, err
	}
	ref := orderedmap.New()
	if b1&0x80 != 0 {
		ref.Set("external_package_token-u1*", int(b1&0x7F))
		ref.Set("external_class_token-u1", int(b2))
	} else {
		ref.Set("internal_class_ref-u2", int(b1)<<8|int(b2))
	}
	return ref, nil
}

// parseStaticRef reads the 3-byte static field/method ref union from a
// ConstantPool entry. For internal StaticMethodrefs the first byte is a
// method_info_block_index since format 2.3, padding before that.
func (r *capReader) parseStaticRef(rd *capfile.Reader, tag uint8) (*orderedmap.OrderedMap, error) {
	b1, err := rd.U1()
	if err != nil {
		return nil, err
	}
	b2, err := rd.U1()
	if err != nil {
		return nil, err
	}
	b3, err := rd.U1()
	if err != nil {
		return nil, err
	}

	ref := orderedmap.New()
	if b1&0x80 != 0 {
		ext := orderedmap.New()
		ext.Set("package_token-u1*", int(b1&0x7F))
		ext.Set("class_token-u1", int(b2))
		ext.Set("token-u1", int(b3))
		ref.Set("external_ref-u3", ext)
		return ref, nil
	}

	in := orderedmap.New()
	firstKey := "padding-u1"
	if tag == cpTagStaticMethodref && r.cap.Format.AtLeast(2, 3) {
		firstKey = "method_info_block_index-u1"
	}
	in.Set(firstKey, int(b1))
	in.Set("offset-u2", int(b2)<<8|int(b3))
	ref.Set("internal_ref-u3", in)
	return ref, nil
}

// hexNibbleTypes maps type-descriptor nibbles to their display letters.
// Reference kinds (6, E) are followed by a 2-byte class_ref.
var hexNibbleTypes = map[byte]string{
	'1': "V",
	'2': "Z",
	'3': "B",
	'4': "S",
	'5': "I",
	'6': "L",
	'A': "(Z",
	'B': "(B",
	'C': "(S",
	'D': "(I",
	'E': "(L",
}

// describeType renders a packed type-descriptor hex string into the
// annotated display form, resolving embedded class_refs.
func describeType(hexString string) string {
	var parts []string
	upper := strings.ToUpper(hexString)
	for i := 0; i < len(upper); i++ {
		c := upper[i]
		if c == '0' { // padding for odd nibble counts
			break
		}
		letter, ok := hexNibbleTypes[c]
		if !ok {
			parts = append(parts, fmt.Sprintf("?%c", c))
			continue
		}
		parts = append(parts, letter)
		if (c == '6' || c == 'E') && i+4 < len(upper) {
			refBytes, err := hex.DecodeString(upper[i+1 : i+5])
			if err == nil {
				ref, refErr := parseClassRef(capfile.NewReader(refBytes))
				if refErr == nil {
					if v, ok := ref.Get("internal_class_ref-u2"); ok {
						parts = append(parts, fmt.Sprintf("<internal:%v>", v))
					} else {
						pkg, _ := ref.Get("external_package_token-u1*")
						cls, _ := ref.Get("external_class_token-u1")
						parts = append(parts, fmt.Sprintf("<external:%v.%v>", pkg, cls))
					}
				}
			}
			i += 4
		}
	}
	return fmt.Sprintf("%s: %s", hexString, strings.Join(parts, ""))
}

// parseTypeDescriptor reads a nibble-packed type descriptor.
func parseTypeDescriptor(rd *capfile.Reader) (*orderedmap.OrderedMap, error) {
	nibbleCount, err := rd.U1()
	if err != nil {
		return nil, err
	}
	packed, err := rd.Hex((int(nibbleCount) + 1) / 2)
	if err != nil {
		return nil, err
	}
	td := orderedmap.New()
	td.Set("nibble_count-u1", int(nibbleCount))
	td.Set("type", describeType(packed))
	return td, nil
}

// collectCustomComponents records raw passthrough entries for anything
// the component decoders did not claim: custom (AID-named) components,
// and stray standard-named entries in a tampered archive. Keeping them
// as raw records means a decode/encode cycle never drops bytes.
func (r *capReader) collectCustomComponents() {
	for _, e := range r.cap.Entries {
		if _, ok := r.cap.Components.Get(e.Name); ok {
			continue
		}
		rec := newRecord(e.Data)
		if len(e.Data) > 0 {
			rec.Set("tag-u1", int(e.Data[0]))
			if _, known := capfile.BaseName(e.Name); !known && !capfile.Tag(e.Data[0]).IsCustom() {
				r.warn(capfile.WarnTagMismatch, e.Name,
					"custom component carries non-custom tag %d", e.Data[0])
			}
		}
		r.cap.Components.Set(e.Name, rec)
	}
}
