// Package pe parses, mutates and re-serializes Portable Executable images
// from in-memory buffers. Unlike a file-backed reader, every section's
// content is copied out at parse time so the loader can normalize sizes and
// offsets and the snapshot reconstructor can append sections and emit a new
// file.
package pe

import (
	"bytes"
	"encoding/binary"

	"github.com/pkg/errors"
)

type File struct {
	DOSHeader
	NtHeader
	Sections  []*Section
	Imports   []*Import
	Exports   *ExportDirectory
	Resources *ResourceDirectory

	// Header holds the raw file bytes up to the first section's raw data.
	Header []byte

	Is64 bool
	Is32 bool

	size uint32
	data []byte
}

// New parses a PE image out of a byte buffer.
func New(data []byte) (*File, error) {
	if len(data) < MinFileSize {
		return nil, ErrInvalidPESize
	}

	f := new(File)
	f.data = data
	f.size = uint32(len(data))

	if err := f.readDOSHeader(); err != nil {
		return nil, err
	}

	r := bytes.NewReader(data)
	if err := f.readNTHeader(r); err != nil {
		return nil, err
	}

	if err := f.readSections(r); err != nil {
		return nil, err
	}

	if err := f.readImportDirectory(); err != nil {
		return nil, err
	}

	if err := f.readExportDirectory(); err != nil {
		return nil, err
	}

	f.Resources, _ = f.readResourceDirectory()
	return f, nil
}

func (f *File) GetSize() uint32 {
	return f.size
}

// Rva2Virt converts an image-relative offset into a virtual address.
func (f *File) Rva2Virt(rva uint32) uint64 {
	return f.ImageBase() + uint64(rva)
}

// Virt2Rva converts a virtual address back into an image-relative offset.
// ErrInvalidOffset is returned when the address falls outside every section.
func (f *File) Virt2Rva(virt uint64) (uint32, error) {
	base := f.ImageBase()
	if virt < base {
		return 0, errors.Wrapf(ErrInvalidOffset, "0x%x below image base 0x%x", virt, base)
	}
	rva := uint32(virt - base)
	if f.getSectionByRva(rva) == nil {
		return 0, errors.Wrapf(ErrInvalidOffset, "0x%x", virt)
	}
	return rva, nil
}

// HasVirtual reports whether the virtual address maps into one of the
// image's sections.
func (f *File) HasVirtual(virt uint64) bool {
	_, err := f.Virt2Rva(virt)
	return err == nil
}

// ReadVirtual reads length bytes of section content at a virtual address.
// Bytes past the end of a section's stored data but inside its virtual
// extent read as zero.
func (f *File) ReadVirtual(virt uint64, length uint32) ([]byte, error) {
	rva, err := f.Virt2Rva(virt)
	if err != nil {
		return nil, err
	}
	s := f.getSectionByRva(rva)

	out := make([]byte, length)
	rel := rva - s.VirtualAddress
	if rel < uint32(len(s.Data)) {
		copy(out, s.Data[rel:])
	}
	return out, nil
}

// structUnpack decodes a little-endian structure at a raw file offset.
func (f *File) structUnpack(iface any, offset, size uint32) error {
	// Boundary check
	totalSize := offset + size

	// Integer overflow
	if (totalSize > offset) != (size > 0) {
		return ErrOutsideBoundary
	}

	if offset >= f.size || totalSize > f.size {
		return ErrOutsideBoundary
	}

	return binary.Read(bytes.NewReader(f.data[offset:totalSize]), binary.LittleEndian, iface)
}

// getOffsetFromRva maps an RVA to the raw file offset backing it. The
// all-ones sentinel is returned when no section nor the header covers it.
func (f *File) getOffsetFromRva(rva uint32) uint32 {
	section := f.getSectionByRva(rva)
	if section == nil {
		if rva < f.size {
			return rva
		}
		return ^uint32(0)
	}
	return rva - section.VirtualAddress + section.Offset
}

func (f *File) getStringAtRVA(rva, maxLen uint32) string {
	if rva == 0 {
		return ""
	}

	section := f.getSectionByRva(rva)
	if section == nil {
		if rva > f.size {
			return ""
		}
		end := rva + maxLen
		if end > f.size {
			end = f.size
		}
		return string(f.GetStringFromData(0, f.data[rva:end]))
	}

	rel := rva - section.VirtualAddress
	if rel >= uint32(len(section.Data)) {
		return ""
	}
	end := rel + maxLen
	if end > uint32(len(section.Data)) {
		end = uint32(len(section.Data))
	}
	return string(f.GetStringFromData(0, section.Data[rel:end]))
}

func (f *File) GetStringFromData(offset uint32, data []byte) []byte {
	dataSize := uint32(len(data))
	if dataSize == 0 {
		return nil
	}

	if offset > dataSize {
		return nil
	}

	end := offset
	for end < dataSize {
		if data[end] == 0 {
			break
		}
		end++
	}
	return data[offset:end]
}

func (f *File) ReadUint16(offset uint32) (uint16, error) {
	if offset+2 > f.size {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(f.data[offset:]), nil
}

func (f *File) ReadUint32(offset uint32) (uint32, error) {
	if offset+4 > f.size {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(f.data[offset:]), nil
}
