package pe

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"

	"github.com/pkg/errors"
)

type SectionHeader32 struct {
	Name                 [8]uint8
	VirtualSize          uint32
	VirtualAddress       uint32
	SizeOfRawData        uint32
	PointerToRawData     uint32
	PointerToRelocations uint32
	PointerToLineNumbers uint32
	NumberOfRelocations  uint16
	NumberOfLineNumbers  uint16
	Characteristics      uint32
}

type SectionHeader struct {
	Name            string
	VirtualSize     uint32
	VirtualAddress  uint32
	Size            uint32
	Offset          uint32
	Characteristics uint32
}

// Section is a section header together with its raw content. The content is
// owned by the File and is mutated in place by the loader's layout pass and
// by the snapshot reconstructor.
type Section struct {
	SectionHeader
	Data []byte
}

// End returns the last RVA covered by the section, using whichever of the
// virtual size and the content length is larger.
func (s *Section) End() uint32 {
	size := s.VirtualSize
	if uint32(len(s.Data)) > size {
		size = uint32(len(s.Data))
	}
	if s.Size > size {
		size = s.Size
	}
	return s.VirtualAddress + size
}

// Contains reports whether the RVA falls inside the section's virtual extent.
func (s *Section) Contains(rva uint32) bool {
	return s.VirtualAddress <= rva && rva < s.End()
}

func (sh *SectionHeader32) fullName() string {
	return cString(sh.Name[:])
}

func cString(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		i = len(b)
	}
	return string(b[:i])
}

// byVirtualAddress sorts all sections by Virtual Address.
type byVirtualAddress []*Section

func (s byVirtualAddress) Len() int           { return len(s) }
func (s byVirtualAddress) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
func (s byVirtualAddress) Less(i, j int) bool { return s[i].VirtualAddress < s[j].VirtualAddress }

func (f *File) readSections(r io.ReadSeeker) error {
	optionalHeaderOffset := f.DOSHeader.AddressOfNewEXEHeader + 4 + uint32(fileHeaderSize)
	offset := optionalHeaderOffset + uint32(f.NtHeader.FileHeader.SizeOfOptionalHeader)
	if _, err := r.Seek(int64(offset), io.SeekStart); err != nil {
		return err
	}

	f.Sections = make([]*Section, f.FileHeader.NumberOfSections)
	for i := 0; i < int(f.FileHeader.NumberOfSections); i++ {
		sh := new(SectionHeader32)
		if err := binary.Read(r, binary.LittleEndian, sh); err != nil {
			return errors.Wrap(err, "failure to read section header")
		}
		s := new(Section)
		s.SectionHeader = SectionHeader{
			Name:            sh.fullName(),
			VirtualSize:     sh.VirtualSize,
			VirtualAddress:  sh.VirtualAddress,
			Size:            sh.SizeOfRawData,
			Offset:          sh.PointerToRawData,
			Characteristics: sh.Characteristics,
		}
		s.Data = f.sectionContent(sh)
		f.Sections[i] = s
	}
	sort.Sort(byVirtualAddress(f.Sections))

	// Raw header bytes run from the file start to the first raw section data.
	headerEnd := offset + uint32(sectionHeaderSize)*uint32(f.FileHeader.NumberOfSections)
	for _, s := range f.Sections {
		if s.Offset != 0 && s.Offset < headerEnd {
			headerEnd = s.Offset
		}
	}
	if headerEnd > f.size {
		headerEnd = f.size
	}
	f.Header = append([]byte(nil), f.data[:headerEnd]...)
	return nil
}

// sectionContent copies the raw bytes backing a section header out of the
// file buffer. Sections with no raw data (.bss) yield an empty slice.
func (f *File) sectionContent(sh *SectionHeader32) []byte {
	if sh.PointerToRawData == 0 || sh.SizeOfRawData == 0 {
		return nil
	}
	start := sh.PointerToRawData
	if start >= f.size {
		return nil
	}
	end := start + sh.SizeOfRawData
	if end > f.size {
		end = f.size
	}
	return append([]byte(nil), f.data[start:end]...)
}

func (f *File) getSectionByRva(rva uint32) *Section {
	for _, section := range f.Sections {
		if section.Contains(rva) {
			return section
		}
	}
	return nil
}

// Section returns the first section with the given name, or nil.
func (f *File) Section(name string) *Section {
	for _, s := range f.Sections {
		if s.Name == name {
			return s
		}
	}
	return nil
}
