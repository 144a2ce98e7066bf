// Package capfile holds the CAP/EXP format tables and the low-level
// primitives shared by the decoders and the encoder: component tags and
// file names, format versions, flag sets, the big-endian reader, and the
// raw_modified hex normalizer.
package capfile

import (
	"fmt"
	"strings"
)

// Tag identifies a CAP component kind. Standard components use 1-13;
// custom components use 128-255.
type Tag uint8

const (
	TagHeader          Tag = 1
	TagDirectory       Tag = 2
	TagApplet          Tag = 3
	TagImport          Tag = 4
	TagConstantPool    Tag = 5
	TagClass           Tag = 6
	TagMethod          Tag = 7
	TagStaticField     Tag = 8
	TagRefLocation     Tag = 9
	TagExport          Tag = 10
	TagDescriptor      Tag = 11
	TagDebug           Tag = 12
	TagStaticResources Tag = 13
)

// IsCustom reports whether the tag is in the custom component range.
func (t Tag) IsCustom() bool { return t >= 128 }

// Component base names as they appear inside a CAP archive,
// in canonical install order (Debug is off-card and goes last).
const (
	NameHeader          = "Header"
	NameDirectory       = "Directory"
	NameImport          = "Import"
	NameApplet          = "Applet"
	NameClass           = "Class"
	NameMethod          = "Method"
	NameStaticField     = "StaticField"
	NameExport          = "Export"
	NameConstantPool    = "ConstantPool"
	NameRefLocation     = "RefLocation"
	NameStaticResources = "StaticResources"
	NameDescriptor      = "Descriptor"
	NameDebug           = "Debug"
)

// InstallOrder is the canonical component order used when reassembling a
// CAP archive.
var InstallOrder = []string{
	NameHeader,
	NameDirectory,
	NameImport,
	NameApplet,
	NameClass,
	NameMethod,
	NameStaticField,
	NameExport,
	NameConstantPool,
	NameRefLocation,
	NameStaticResources,
	NameDescriptor,
	NameDebug,
}

// TagForName maps a component base name to its tag.
var TagForName = map[string]Tag{
	NameHeader:          TagHeader,
	NameDirectory:       TagDirectory,
	NameApplet:          TagApplet,
	NameImport:          TagImport,
	NameConstantPool:    TagConstantPool,
	NameClass:           TagClass,
	NameMethod:          TagMethod,
	NameStaticField:     TagStaticField,
	NameRefLocation:     TagRefLocation,
	NameExport:          TagExport,
	NameDescriptor:      TagDescriptor,
	NameDebug:           TagDebug,
	NameStaticResources: TagStaticResources,
}

// SplitsWhenExtended reports whether the component moves to a .capx entry
// when the CAP file uses the Extended format. StaticResources always lives
// in a .capx entry.
func SplitsWhenExtended(name string) bool {
	switch name {
	case NameMethod, NameRefLocation, NameDescriptor, NameDebug:
		return true
	}
	return false
}

// FileName returns the archive entry name for a component, honoring the
// Extended split (Method.capx, RefLocation.capx, ...).
func FileName(name string, extended bool) string {
	if name == NameStaticResources {
		return name + ".capx"
	}
	if extended && SplitsWhenExtended(name) {
		return name + ".capx"
	}
	return name + ".cap"
}

// BaseName strips the .cap/.capx suffix and any archive directory prefix
// from an entry path, returning the canonically-cased component name when
// the entry is a standard component. Matching is case-insensitive,
// mirroring what card tooling accepts.
func BaseName(entryPath string) (base string, known bool) {
	name := entryPath
	if i := strings.LastIndexByte(name, '/'); i >= 0 {
		name = name[i+1:]
	}
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".capx"):
		name = name[:len(name)-len(".capx")]
	case strings.HasSuffix(lower, ".cap"):
		name = name[:len(name)-len(".cap")]
	default:
		return name, false
	}
	for canonical := range TagForName {
		if strings.EqualFold(canonical, name) {
			return canonical, true
		}
	}
	return name, false
}

// LongSize reports whether the component's leading size field is a u4 in
// the given layout. StaticResources always uses u4; Method, RefLocation,
// Descriptor, Debug and custom components widen only in Extended format.
func LongSize(name string, extended bool) bool {
	if name == NameStaticResources {
		return true
	}
	if _, standard := TagForName[name]; !standard {
		return extended // custom component
	}
	return extended && SplitsWhenExtended(name)
}

// Format is a CAP or EXP file format generation.
type Format struct {
	Major uint8
	Minor uint8
}

func (f Format) String() string {
	return fmt.Sprintf("%d.%d", f.Major, f.Minor)
}

// AtLeast reports whether the format is >= major.minor.
func (f Format) AtLeast(major, minor uint8) bool {
	if f.Major != major {
		return f.Major > major
	}
	return f.Minor >= minor
}

// Supported reports whether the format is one of the known CAP
// generations 2.1, 2.2, 2.3.
func (f Format) Supported() bool {
	return f.Major == 2 && f.Minor >= 1 && f.Minor <= 3
}

type flagName struct {
	mask byte
	name string
}

// Header component flags, in bit order.
var headerFlags = []flagName{
	{0x01, "INT"},
	{0x02, "EXPORT"},
	{0x04, "APPLET"},
	{0x08, "EXTENDED"},
}

// HeaderFlagNames expands a Header flags byte into the tool's flag list
// form: each known flag appears as "NAME" when set, "No-NAME" when clear.
func HeaderFlagNames(flags byte) []string {
	names := make([]string, 0, len(headerFlags))
	for _, f := range headerFlags {
		if flags&f.mask != 0 {
			names = append(names, f.name)
		} else {
			names = append(names, "No-"+f.name)
		}
	}
	return names
}

// HeaderFlagSet reports whether the named Header flag is set in a flag
// list produced by HeaderFlagNames.
func HeaderFlagSet(names []string, flag string) bool {
	for _, n := range names {
		if n == flag {
			return true
		}
	}
	return false
}

// class_info / interface_info flag nibble.
var classFlags = []flagName{
	{0x2, "REMOTE"},
	{0x4, "SHAREABLE"},
	{0x8, "INTERFACE"},
}

// ClassFlagNames expands a class/interface flags nibble into the flag
// list form ("NAME" / "Not-NAME").
func ClassFlagNames(flags byte) []string {
	names := make([]string, 0, len(classFlags))
	for _, f := range classFlags {
		if flags&f.mask != 0 {
			names = append(names, f.name)
		} else {
			names = append(names, "Not-"+f.name)
		}
	}
	return names
}

// ClassFlagSet reports whether the named flag is set in a ClassFlagNames
// list.
func ClassFlagSet(names []string, flag string) bool {
	for _, n := range names {
		if n == flag {
			return true
		}
	}
	return false
}

// Descriptor access_flags for classes.
var classDescriptorFlags = []flagName{
	{0x01, "PUBLIC"},
	{0x10, "FINAL"},
	{0x40, "INTERFACE"},
	{0x80, "ABSTRACT"},
}

// Descriptor access_flags for fields.
var fieldDescriptorFlags = []flagName{
	{0x01, "PUBLIC"},
	{0x02, "PRIVATE"},
	{0x04, "PROTECTED"},
	{0x08, "STATIC"},
	{0x10, "FINAL"},
}

// Descriptor access_flags for methods. INIT marks constructors.
var methodDescriptorFlags = []flagName{
	{0x01, "PUBLIC"},
	{0x02, "PRIVATE"},
	{0x04, "PROTECTED"},
	{0x08, "STATIC"},
	{0x10, "FINAL"},
	{0x40, "ABSTRACT"},
	{0x80, "INIT"},
}

func setFlagNames(table []flagName, flags byte) []string {
	var names []string
	for _, f := range table {
		if flags&f.mask != 0 {
			names = append(names, f.name)
		}
	}
	return names
}

// ClassDescriptorFlagNames lists the set class access_flags.
func ClassDescriptorFlagNames(flags byte) []string {
	return setFlagNames(classDescriptorFlags, flags)
}

// FieldDescriptorFlagNames lists the set field access_flags.
func FieldDescriptorFlagNames(flags byte) []string {
	return setFlagNames(fieldDescriptorFlags, flags)
}

// MethodDescriptorFlagNames lists the set method access_flags.
func MethodDescriptorFlagNames(flags byte) []string {
	return setFlagNames(methodDescriptorFlags, flags)
}
