package parser

import (
	"fmt"

	"github.com/iancoleman/orderedmap"

	"github.com/stillunfolding/capastrophic/internal/capfile"
)

const capMagic = "decaffed"

// parseHeader reads the Header component and captures the shared decode
// context: the CAP format generation and the Extended flag. Every other
// decoder depends on both.
func (r *capReader) parseHeader() error {
	entryName, blob, longSize, ok := r.component(capfile.NameHeader)
	if !ok {
		return fmt.Errorf("%w: Header.cap missing", capfile.ErrInvalidEnvelope)
	}
	rec, rd, err := r.begin(entryName, capfile.NameHeader, blob, longSize)
	if err != nil {
		return err
	}

	magic, err := rd.Hex(4)
	if err != nil {
		return fmt.Errorf("%s: reading magic: %w", entryName, err)
	}
	rec.Set("magic-u4", magic)
	if magic != capMagic {
		return fmt.Errorf("%w: bad CAP magic %q, want %q", capfile.ErrInvalidEnvelope, magic, capMagic)
	}

	version, format, err := parseVersion(rd)
	if err != nil {
		return fmt.Errorf("%s: reading format version: %w", entryName, err)
	}
	rec.Set("CAP_Format_version-u2", version)
	if !format.Supported() {
		return fmt.Errorf("%w: CAP format %s", capfile.ErrUnsupportedVersion, version)
	}
	r.cap.Format = format

	flags, err := rd.U1()
	if err != nil {
		return fmt.Errorf("%s: reading flags: %w", entryName, err)
	}
	flagNames := capfile.HeaderFlagNames(flags)
	rec.Set("flags-u1", toAnySlice(flagNames))
	r.headerFlags = flagNames
	r.cap.Extended = capfile.HeaderFlagSet(flagNames, "EXTENDED")

	if r.cap.Extended {
		capVersion, _, err := parseVersion(rd)
		if err != nil {
			return fmt.Errorf("%s: reading CAP version: %w", entryName, err)
		}
		rec.Set("CAP_version-u2", capVersion)

		aidLen, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading CAP AID length: %w", entryName, err)
		}
		rec.Set("CAP_AID_length-u1", int(aidLen))
		aid, err := rd.Hex(int(aidLen))
		if err != nil {
			return fmt.Errorf("%s: reading CAP AID: %w", entryName, err)
		}
		rec.Set("CAP_AID", aid)

		pkgCount, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading package count: %w", entryName, err)
		}
		rec.Set("packages_count-u1", int(pkgCount))

		packages := make([]any, 0, pkgCount)
		for i := 0; i < int(pkgCount); i++ {
			pkg, err := parsePackageInfo(rd)
			if err != nil {
				return fmt.Errorf("%s: reading package %d: %w", entryName, i, err)
			}
			packages = append(packages, pkg)
		}
		rec.Set("packages", packages)

		names := make([]any, 0, pkgCount)
		for i := 0; i < int(pkgCount); i++ {
			pn, err := parsePackageName(rd)
			if err != nil {
				return fmt.Errorf("%s: reading package name %d: %w", entryName, i, err)
			}
			names = append(names, pn)
		}
		rec.Set("package_names", names)
		return nil
	}

	pkg, err := parsePackageInfo(rd)
	if err != nil {
		return fmt.Errorf("%s: reading package info: %w", entryName, err)
	}
	rec.Set("package", pkg)

	if r.cap.Format.AtLeast(2, 2) {
		pn, err := parsePackageName(rd)
		if err != nil {
			return fmt.Errorf("%s: reading package name: %w", entryName, err)
		}
		rec.Set("package_name", pn)
	}
	return nil
}

// directorySizeOrder lists the component_sizes fields in on-disk order,
// with the component each one describes.
var directorySizeOrder = []struct {
	key  string
	base string
}{
	{"header", capfile.NameHeader},
	{"directory", capfile.NameDirectory},
	{"applet", capfile.NameApplet},
	{"import", capfile.NameImport},
	{"constant_pool", capfile.NameConstantPool},
	{"class", capfile.NameClass},
	{"method", capfile.NameMethod},
	{"static_field", capfile.NameStaticField},
	{"reference_location", capfile.NameRefLocation},
	{"export", capfile.NameExport},
	{"descriptor", capfile.NameDescriptor},
	{"debug", capfile.NameDebug},
	{"static_resources", capfile.NameStaticResources},
}

// parseDirectory reads the Directory component and cross-checks each
// recorded size against the blob actually present in the archive.
// Mismatches on a tampered file are reported, never enforced.
func (r *capReader) parseDirectory() error {
	entryName, blob, longSize, ok := r.component(capfile.NameDirectory)
	if !ok {
		return fmt.Errorf("%w: Directory.cap missing", capfile.ErrInvalidEnvelope)
	}
	rec, rd, err := r.begin(entryName, capfile.NameDirectory, blob, longSize)
	if err != nil {
		return err
	}

	sizes := orderedmap.New()
	for _, entry := range directorySizeOrder {
		if entry.base == capfile.NameDebug && !r.cap.Format.AtLeast(2, 2) {
			continue
		}
		if entry.base == capfile.NameStaticResources && !r.cap.Format.AtLeast(2, 3) {
			continue
		}
		width := 2
		if capfile.LongSize(entry.base, r.cap.Extended) {
			width = 4
		}
		size, err := rd.UN(width)
		if err != nil {
			return fmt.Errorf("%s: reading %s size: %w", entryName, entry.key, err)
		}
		sizes.Set(fmt.Sprintf("%s-u%d", entry.key, width), int(size))
		r.checkDirectorySize(entry.base, int(size), width)
	}
	rec.Set("component_sizes", sizes)

	sfSize := orderedmap.New()
	imageSize, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading image_size: %w", entryName, err)
	}
	sfSize.Set("image_size-u2", int(imageSize))
	arrayInitCount, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading array_init_count: %w", entryName, err)
	}
	sfSize.Set("array_init_count-u2", int(arrayInitCount))
	arrayInitSize, err := rd.U2()
	if err != nil {
		return fmt.Errorf("%s: reading array_init_size: %w", entryName, err)
	}
	sfSize.Set("array_init_size-u2", int(arrayInitSize))
	rec.Set("static_field_size-u6", sfSize)

	importCount, err := rd.U1()
	if err != nil {
		return fmt.Errorf("%s: reading import_count: %w", entryName, err)
	}
	rec.Set("import_count-u1", int(importCount))

	appletCount, err := rd.U1()
	if err != nil {
		return fmt.Errorf("%s: reading applet_count: %w", entryName, err)
	}
	rec.Set("applet_count-u1", int(appletCount))

	if r.cap.Extended {
		blockCount, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading method block count: %w", entryName, err)
		}
		rec.Set("method_component_block_count-u1", int(blockCount))
	}

	customCount, err := rd.U1()
	if err != nil {
		return fmt.Errorf("%s: reading custom_count: %w", entryName, err)
	}
	rec.Set("custom_count-u1", int(customCount))

	customs := make([]any, 0, customCount)
	customWidth := 2
	if r.cap.Extended {
		customWidth = 4
	}
	for i := 0; i < int(customCount); i++ {
		custom := orderedmap.New()
		tag, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading custom component %d tag: %w", entryName, i, err)
		}
		custom.Set("component_tag-u1", int(tag))
		size, err := rd.UN(customWidth)
		if err != nil {
			return fmt.Errorf("%s: reading custom component %d size: %w", entryName, i, err)
		}
		custom.Set(fmt.Sprintf("size-u%d", customWidth), int(size))
		aidLen, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading custom component %d AID length: %w", entryName, i, err)
		}
		custom.Set("AID_length-u1", int(aidLen))
		aid, err := rd.Hex(int(aidLen))
		if err != nil {
			return fmt.Errorf("%s: reading custom component %d AID: %w", entryName, i, err)
		}
		custom.Set("AID", aid)
		customs = append(customs, custom)
	}
	rec.Set("custom_components", customs)
	return nil
}

// checkDirectorySize compares a Directory-recorded component size against
// the blob present in the archive. Recorded sizes count info bytes only,
// the blob additionally carries the tag and size prefix.
func (r *capReader) checkDirectorySize(base string, recorded, width int) {
	capName := base + ".cap"
	capxName := base + ".capx"
	blob, present := r.blobs[capName]
	observedName := capName
	if !present {
		blob, present = r.blobs[capxName]
		observedName = capxName
	}
	if !present {
		if recorded != 0 {
			r.warn(capfile.WarnInconsistentSize, "Directory.cap",
				"%s recorded at %d bytes but absent from the archive", base, recorded)
		}
		return
	}
	headerLen := 3
	if capfile.LongSize(base, r.cap.Extended) {
		headerLen = 5
	}
	if actual := len(blob) - headerLen; actual != recorded {
		r.warn(capfile.WarnInconsistentSize, "Directory.cap",
			"%s recorded at %d info bytes, %s carries %d", base, recorded, observedName, actual)
	}
}

// parseApplet reads the Applet component. Presence must match the APPLET
// header flag, and all applet AIDs must share one RID prefix; both are
// warnings on tampered files.
func (r *capReader) parseApplet() error {
	hasAppletFlag := capfile.HeaderFlagSet(r.headerFlags, "APPLET")

	entryName, blob, longSize, ok := r.component(capfile.NameApplet)
	if !ok {
		if hasAppletFlag {
			r.warn(capfile.WarnInvariantViolation, "Applet.cap",
				"header APPLET flag set but Applet component absent")
		}
		return nil
	}
	if !hasAppletFlag {
		r.warn(capfile.WarnInvariantViolation, entryName,
			"Applet component present but header APPLET flag clear")
	}

	rec, rd, err := r.begin(entryName, capfile.NameApplet, blob, longSize)
	if err != nil {
		return err
	}

	count, err := rd.U1()
	if err != nil {
		return fmt.Errorf("%s: reading applet count: %w", entryName, err)
	}
	rec.Set("count-u1", int(count))

	applets := make([]any, 0, count)
	var rid string
	for i := 0; i < int(count); i++ {
		applet := orderedmap.New()
		aidLen, err := rd.U1()
		if err != nil {
			return fmt.Errorf("%s: reading applet %d AID length: %w", entryName, i, err)
		}
		applet.Set("AID_length-u1", int(aidLen))
		aid, err := rd.Hex(int(aidLen))
		if err != nil {
			return fmt.Errorf("%s: reading applet %d AID: %w", entryName, i, err)
		}
		applet.Set("AID", aid)

		if len(aid) >= 10 {
			if rid == "" {
				rid = aid[:10]
			} else if aid[:10] != rid {
				r.warn(capfile.WarnInvariantViolation, entryName,
					"applet %d RID %s differs from %s; applet AIDs must share one RID", i, aid[:10], rid)
			}
		}

		if r.cap.Extended {
			blockIndex, err := rd.U1()
			if err != nil {
				return fmt.Errorf("%s: reading applet %d block index: %w", entryName, i, err)
			}
			applet.Set("install_method_component_block_index-u1", int(blockIndex))
		}
		offset, err := rd.U2()
		if err != nil {
			return fmt.Errorf("%s: reading applet %d install offset: %w", entryName, i, err)
		}
		applet.Set("install_method_offset-u2", int(offset))
		applets = append(applets, applet)
	}
	rec.Set("applets", applets)
	return nil
}

// parseImport reads the Import component. The index of each package in
// this table is the package token used by external references elsewhere.
func (r *capReader) parseImport() error {
	entryName, blob, longSize, ok := r.component(capfile.NameImport)
	if !ok {
		return fmt.Errorf("%w: Import.cap missing", capfile.ErrInvalidEnvelope)
	}
	rec, rd, err := r.begin(entryName, capfile.NameImport, blob, longSize)
	if err != nil {
		return err
	}

	count, err := rd.U1()
	if err != nil {
		return fmt.Errorf("%s: reading import count: %w", entryName, err)
	}
	rec.Set("count-u1", int(count))

	packages := make([]any, 0, count)
	for i := 0; i < int(count); i++ {
		pkg, err := parsePackageInfo(rd)
		if err != nil {
			return fmt.Errorf("%s: reading imported package %d: %w", entryName, i, err)
		}
		packages = append(packages, pkg)
	}
	rec.Set("packages", packages)
	return nil
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
