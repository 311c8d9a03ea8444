// Package peloader maps PE images into an emulated address space, resolves
// their imports against synthetic library bases, and can rebuild a runnable
// PE file from a memory snapshot taken after execution.
package peloader

import (
	"path/filepath"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/wanglei-coder/peloader/pe"
	"github.com/wanglei-coder/peloader/vmem"
)

// Loader drives all mapping and reconstruction for one session.
type Loader struct {
	logger log.Logger
	fs     afero.Fs
}

// New returns a Loader. A nil logger discards output; a nil fs uses the OS
// filesystem.
func New(logger log.Logger, fs afero.Fs) *Loader {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &Loader{logger: logger, fs: fs}
}

// LoadOptions controls how an image is placed into memory.
type LoadOptions struct {
	// AlignSections recomputes section sizes so they tile the address
	// space with no gaps. Only meaningful for images whose sections sit
	// on page boundaries.
	AlignSections bool
	// LoadHeader includes the header region in the mapping.
	LoadHeader bool
}

// DefaultLoadOptions is what a normal process mapping uses.
func DefaultLoadOptions() LoadOptions {
	return LoadOptions{AlignSections: true, LoadHeader: true}
}

// Load parses a PE image and maps it into mem at its preferred base. Images
// whose sections all start on page boundaries get one page per section;
// anything else falls back to a single contiguous region. The returned File
// reflects the recomputed section layout.
func (l *Loader) Load(mem *vmem.Memory, data []byte, opts LoadOptions) (*pe.File, error) {
	img, err := pe.New(data)
	if err != nil {
		return nil, errors.Wrap(err, "failure to parse image")
	}

	aligned := true
	for _, s := range img.Sections {
		if s.VirtualAddress%pe.PageSize != 0 {
			aligned = false
			break
		}
	}

	if aligned {
		err = l.mapAligned(mem, img, data, opts)
	} else {
		err = l.mapUnaligned(mem, img, opts.LoadHeader)
	}
	if err != nil {
		return nil, err
	}

	level.Debug(l.logger).Log("msg", "image mapped",
		"base", hex(img.ImageBase()),
		"sections", len(img.Sections),
		"aligned", aligned)
	return img, nil
}

// mapAligned maps the header page and one page run per section. With
// AlignSections, sizes are recomputed so each section extends to the start
// of the next and the last one is rounded up to a 4 KiB boundary.
func (l *Loader) mapAligned(mem *vmem.Memory, img *pe.File, data []byte, opts LoadOptions) error {
	if opts.LoadHeader {
		hdrLen := pe.Max(pe.RawAlignment, img.SizeOfHeaders())
		minLen := hdrLen
		if len(img.Sections) > 0 {
			minLen = pe.Min(img.Sections[0].VirtualAddress, pe.PageSize)
		}

		page := make([]byte, pe.Max(hdrLen, minLen))
		take := hdrLen
		if take > uint32(len(data)) {
			take = uint32(len(data))
		}
		copy(page, data[:take])

		if err := mem.AddPage(img.ImageBase(), vmem.Read|vmem.Write, page); err != nil {
			return errors.Wrap(err, "failure to map header")
		}
	}

	if opts.AlignSections && len(img.Sections) > 0 {
		for i, s := range img.Sections {
			if i < len(img.Sections)-1 {
				size := img.Sections[i+1].VirtualAddress - s.VirtualAddress
				s.Size = size
				s.VirtualSize = size
				if uint32(len(s.Data)) > size {
					s.Data = s.Data[:size]
				}
				s.Offset = s.VirtualAddress
			} else {
				s.Size = pe.AlignUp(pe.Max(s.Size, s.VirtualSize), pe.PageSize)
			}
		}
	}

	for _, s := range img.Sections {
		// The page covers the virtual extent, so an uninitialized tail
		// (VirtualSize beyond the raw data) maps as zeroes.
		extent := pe.Max(s.Size, s.VirtualSize)
		if extent == 0 {
			continue
		}
		page := make([]byte, extent)
		copy(page, s.Data)
		if err := mem.AddPage(img.Rva2Virt(s.VirtualAddress), vmem.Read|vmem.Write, page); err != nil {
			return errors.Wrapf(err, "failure to map section %q", s.Name)
		}
	}
	return nil
}

// mapUnaligned maps the whole image span as a single zero-filled page and
// copies section content into place. Raw and virtual layouts coincide here,
// which some packed binaries require. The header region is part of the span
// but its content is not copied in.
func (l *Loader) mapUnaligned(mem *vmem.Memory, img *pe.File, loadHeader bool) error {
	level.Warn(l.logger).Log("msg", "sections are not page aligned, mapping one big region")

	if len(img.Sections) == 0 {
		return errors.New("image has no sections to map")
	}

	for i, s := range img.Sections {
		if i < len(img.Sections)-1 {
			s.Size = img.Sections[i+1].VirtualAddress - s.VirtualAddress
		} else {
			s.Size = pe.Max(s.Size, s.VirtualSize)
		}
		s.VirtualSize = s.Size
		s.Offset = s.VirtualAddress
	}

	minAddr := ^uint32(0)
	if loadHeader {
		minAddr = 0
	}
	var maxAddr uint32
	for _, s := range img.Sections {
		if s.VirtualAddress < minAddr {
			minAddr = s.VirtualAddress
		}
		size := pe.Max(s.Size, uint32(len(s.Data)))
		if end := s.VirtualAddress + size; end > maxAddr {
			maxAddr = end
		}
	}
	level.Debug(l.logger).Log("msg", "big region",
		"min", hex(img.Rva2Virt(minAddr)), "max", hex(img.Rva2Virt(maxAddr)))

	page := make([]byte, maxAddr-minAddr)
	if err := mem.AddPage(img.Rva2Virt(minAddr), vmem.Read|vmem.Write, page); err != nil {
		return errors.Wrap(err, "failure to map image span")
	}

	for _, s := range img.Sections {
		if len(s.Data) == 0 {
			continue
		}
		if err := mem.Write(img.Rva2Virt(s.VirtualAddress), s.Data); err != nil {
			return errors.Wrapf(err, "failure to copy section %q", s.Name)
		}
	}
	return nil
}

// LoadLibraryFile maps one library from dir into mem and registers its
// exports under its own file name.
func (l *Loader) LoadLibraryFile(mem *vmem.Memory, registry *Registry, name, dir string, opts LoadOptions) (*pe.File, error) {
	path := filepath.Join(dir, name)
	data, err := afero.ReadFile(l.fs, path)
	if err != nil {
		return nil, errors.Wrapf(err, "failure to read library %q", name)
	}

	img, err := l.Load(mem, data, opts)
	if err != nil {
		return nil, errors.Wrapf(err, "failure to map library %q", name)
	}

	if err := registry.IngestExports(img, name); err != nil {
		return nil, errors.Wrapf(err, "failure to register exports of %q", name)
	}
	level.Info(l.logger).Log("msg", "library loaded", "name", strings.ToLower(name), "base", hex(img.ImageBase()))
	return img, nil
}

// LoadLibraries maps each named library in order and returns the images
// keyed by lower-cased name. Order matters: a library whose exports forward
// to another must come after it.
func (l *Loader) LoadLibraries(mem *vmem.Memory, registry *Registry, names []string, dir string, opts LoadOptions) (map[string]*pe.File, error) {
	out := make(map[string]*pe.File, len(names))
	for _, name := range names {
		img, err := l.LoadLibraryFile(mem, registry, name, dir, opts)
		if err != nil {
			return nil, err
		}
		out[strings.ToLower(name)] = img
	}
	return out, nil
}

// FixImports resolves the import tables of every mapped library against the
// registry. Libraries import from each other, so this runs after all of
// them are mapped.
func (l *Loader) FixImports(mem *vmem.Memory, registry *Registry, images map[string]*pe.File, patch bool) error {
	for name, img := range images {
		if _, err := l.ResolveImports(mem, registry, img, patch); err != nil {
			return errors.Wrapf(err, "failure to fix imports of %q", name)
		}
	}
	return nil
}
