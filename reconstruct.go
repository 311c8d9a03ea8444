package peloader

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/wanglei-coder/peloader/pe"
	"github.com/wanglei-coder/peloader/vmem"
)

// firstSectionOffset is where the raw data of the first rebuilt section is
// placed in the output file.
const firstSectionOffset = 0x1000

// SlotFunc restores one manually patched slot: Func must be an address the
// registry already resolved, and Slot is where its value was written.
type SlotFunc struct {
	Slot uint64
	Func uint64
}

// ReconstructOptions selects what goes into a rebuilt image.
type ReconstructOptions struct {
	// EntryPoint is the virtual address execution should resume at.
	EntryPoint uint64
	// Registry supplies the patched-slot bookkeeping for the rebuilt
	// import directory. Nil skips import reconstruction entirely.
	Registry *Registry
	// Original is the image the snapshot came from. It provides the
	// address range, image base, pointer width and the resource tree to
	// carry over. Each can be overridden below.
	Original *pe.File
	// MinAddr and MaxAddr bound which pages are captured. A zero value is
	// derived, each independently, from Original's section span.
	MinAddr uint64
	MaxAddr uint64
	// ImageBase overrides the output base. Zero uses Original's.
	ImageBase uint64
	// AddedFuncs re-registers slots patched outside import resolution,
	// e.g. by an emulated GetProcAddress.
	AddedFuncs []SlotFunc
	// Output, when non-empty, is where the serialized file is written.
	Output string
}

// Reconstruct rebuilds a runnable PE from a memory snapshot: one section
// per captured page, a regenerated import directory pointing back into the
// captured IAT slots, and the original's resources re-serialized from the
// snapshot content.
func (l *Loader) Reconstruct(mem *vmem.Memory, opts ReconstructOptions) (*pe.File, error) {
	minAddr, maxAddr := opts.MinAddr, opts.MaxAddr
	if opts.Original != nil && (minAddr == 0 || maxAddr == 0) {
		spanMin, spanMax := sectionSpan(opts.Original)
		if minAddr == 0 {
			minAddr = spanMin
		}
		if maxAddr == 0 {
			maxAddr = spanMax
		}
	}
	if minAddr == 0 && maxAddr == 0 {
		return nil, errors.New("no address range: need an original image or explicit bounds")
	}
	if maxAddr <= minAddr {
		return nil, errors.Errorf("empty address range [0x%x, 0x%x)", minAddr, maxAddr)
	}

	base := opts.ImageBase
	is64 := false
	if opts.Original != nil {
		if base == 0 {
			base = opts.Original.ImageBase()
		}
		is64 = opts.Original.Is64
	}
	if base == 0 {
		return nil, errors.New("no image base: need an original image or an explicit base")
	}

	img := pe.NewImage(base, is64)
	img.SetEntryPoint(uint32(opts.EntryPoint - base))

	if err := captureSections(mem, img, base, minAddr, maxAddr); err != nil {
		return nil, err
	}
	level.Debug(l.logger).Log("msg", "snapshot captured",
		"range", fmt.Sprintf("[0x%x, 0x%x)", minAddr, maxAddr),
		"sections", len(img.Sections))

	if opts.Registry != nil {
		if err := l.rebuildImports(img, opts.Registry, opts.AddedFuncs); err != nil {
			return nil, err
		}
	}

	if opts.Original != nil && opts.Original.Resources != nil {
		if err := l.carryResources(img, opts.Original); err != nil {
			level.Warn(l.logger).Log("msg", "resource carry-over skipped", "err", err)
		}
	}

	if opts.Output != "" {
		if err := l.WriteImage(img, opts.Output); err != nil {
			return nil, err
		}
	}
	return img, nil
}

// WriteImage serializes an image and persists it.
func (l *Loader) WriteImage(img *pe.File, path string) error {
	data, err := img.Bytes()
	if err != nil {
		return errors.Wrap(err, "failure to serialize image")
	}
	if err := afero.WriteFile(l.fs, path, data, 0o644); err != nil {
		return errors.Wrapf(err, "failure to write %q", path)
	}
	level.Info(l.logger).Log("msg", "image written", "path", path, "bytes", len(data))
	return nil
}

func sectionSpan(img *pe.File) (uint64, uint64) {
	minAddr := ^uint64(0)
	var maxAddr uint64
	for _, s := range img.Sections {
		start := img.Rva2Virt(s.VirtualAddress)
		if start < minAddr {
			minAddr = start
		}
		if end := start + uint64(pe.Max(s.Size, s.VirtualSize)); end > maxAddr {
			maxAddr = end
		}
	}
	if minAddr == ^uint64(0) {
		minAddr = 0
	}
	return minAddr, maxAddr
}

// captureSections turns every in-range page into one section, named after
// its address. The first section's raw data is pinned so the rebuilt file
// keeps a familiar layout.
func captureSections(mem *vmem.Memory, img *pe.File, base, minAddr, maxAddr uint64) error {
	first := true
	for _, p := range mem.Pages() {
		if p.Addr < minAddr || p.Addr >= maxAddr {
			continue
		}
		if p.Addr < base {
			return errors.Errorf("page 0x%x lies below the image base 0x%x", p.Addr, base)
		}

		data := make([]byte, len(p.Data))
		copy(data, p.Data)
		spec := pe.SectionSpec{
			Name: fmt.Sprintf("%.8X", p.Addr),
			Addr: uint32(p.Addr - base),
			Data: data,
		}
		if first {
			spec.Offset = firstSectionOffset
			first = false
		}
		img.AddSection(spec)
	}
	if first {
		return errors.Errorf("no pages in range [0x%x, 0x%x)", minAddr, maxAddr)
	}
	return nil
}

// rebuildImports regenerates an import directory from the registry's
// patched-slot records and appends it as a fresh section. Slots outside the
// rebuilt image are ignored; runs of adjacent slots become one descriptor
// each so the loader of the output file rewrites exactly the captured IAT.
func (l *Loader) rebuildImports(img *pe.File, registry *Registry, added []SlotFunc) error {
	for _, a := range added {
		info, ok := registry.InfoFor(a.Func)
		if !ok {
			level.Warn(l.logger).Log("msg", "added function is not a resolved address", "addr", hex(a.Func))
			continue
		}
		if _, err := registry.AddressFor(info.Base, info.Symbol, a.Slot); err != nil {
			return errors.Wrapf(err, "failure to restore slot 0x%x", a.Slot)
		}
	}

	descs := importRuns(img, registry)
	size := pe.ImportDirectorySize(descs, img.PointerWidth())
	s := img.AddSection(pe.SectionSpec{Name: "import", RawSize: size})
	if err := img.SetImports(s, descs); err != nil {
		return errors.Wrap(err, "failure to rebuild import directory")
	}
	level.Debug(l.logger).Log("msg", "imports rebuilt", "descriptors", len(descs))
	return nil
}

// importRuns groups each library's patched slots into maximal runs of
// pointer-width-adjacent addresses, one import descriptor per run. Slots
// the rebuilt image does not cover are dropped, as are leading null slots.
func importRuns(img *pe.File, registry *Registry) []pe.ImportDescriptor {
	width := uint64(img.PointerWidth())
	var descs []pe.ImportDescriptor

	for _, name := range registry.LibraryNames() {
		base, _ := registry.LibraryBase(name)
		owners := registry.SlotOwners(base)

		slots := make([]uint64, 0, len(owners))
		for slot := range owners {
			if img.HasVirtual(slot) {
				slots = append(slots, slot)
			}
		}
		sort.Slice(slots, func(i, j int) bool { return slots[i] < slots[j] })
		for len(slots) > 0 && slots[0] == 0 {
			slots = slots[1:]
		}

		for len(slots) > 0 {
			n := 1
			for n < len(slots) && slots[n-1]+width == slots[n] {
				n++
			}
			run := slots[:n]
			slots = slots[n:]

			rva, err := img.Virt2Rva(run[0])
			if err != nil {
				continue
			}
			functions := make([]string, len(run))
			for i, slot := range run {
				functions[i] = owners[slot]
			}
			descs = append(descs, pe.ImportDescriptor{
				Name:       name,
				FirstThunk: rva,
				Functions:  functions,
			})
		}
	}
	return descs
}

// carryResources re-serializes the original's resource tree, fetching each
// payload from the rebuilt image (the snapshot may have modified it) and
// falling back to the original file for payloads outside the captured
// range.
func (l *Loader) carryResources(img *pe.File, original *pe.File) error {
	fetch := func(rva, size uint32) ([]byte, error) {
		if data, err := img.ReadVirtual(img.Rva2Virt(rva), size); err == nil {
			return data, nil
		}
		return original.ReadVirtual(original.Rva2Virt(rva), size)
	}

	data, fixups, err := pe.BuildResourceData(original.Resources, fetch)
	if err != nil {
		return err
	}

	s := img.AddSection(pe.SectionSpec{Name: "myres", Data: data})
	for _, off := range fixups {
		v := binary.LittleEndian.Uint32(s.Data[off:])
		binary.LittleEndian.PutUint32(s.Data[off:], v+s.VirtualAddress)
	}

	if dd := img.DataDirectoryEntry(pe.ImageDirectoryEntryResource); dd != nil {
		dd.VirtualAddress = s.VirtualAddress
		dd.Size = uint32(len(data))
	}
	level.Debug(l.logger).Log("msg", "resources carried over", "bytes", len(data))
	return nil
}
