package pe

import (
	"bytes"
	"encoding/binary"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NewImage creates an empty image with sane defaults, ready for sections to
// be appended and the result serialized with Bytes.
func NewImage(base uint64, is64 bool) *File {
	f := new(File)
	f.DOSHeader = newDOSHeader()
	f.Signature = ImageNTHeaderSignature

	if is64 {
		f.Is64 = true
		oh := &OptionalHeader64{
			Magic:                 OptionalHeaderMagic64,
			MajorLinkerVersion:    9,
			ImageBase:             base,
			SectionAlignment:      PageSize,
			FileAlignment:         RawAlignment,
			MajorSubsystemVersion: 5,
			SizeOfStackReserve:    0x100000,
			SizeOfStackCommit:     0x1000,
			SizeOfHeapReserve:     0x100000,
			SizeOfHeapCommit:      0x1000,
			Subsystem:             3, // console
			NumberOfRvaAndSizes:   16,
		}
		f.OptionalHeader = oh
		f.FileHeader = FileHeader{
			Machine:              0x8664, // AMD64
			SizeOfOptionalHeader: uint16(binary.Size(*oh)),
			Characteristics:      0x0022, // EXECUTABLE_IMAGE | LARGE_ADDRESS_AWARE
		}
	} else {
		f.Is32 = true
		oh := &OptionalHeader32{
			Magic:                 OptionalHeaderMagic32,
			MajorLinkerVersion:    9,
			ImageBase:             uint32(base),
			SectionAlignment:      PageSize,
			FileAlignment:         RawAlignment,
			MajorSubsystemVersion: 5,
			SizeOfStackReserve:    0x100000,
			SizeOfStackCommit:     0x1000,
			SizeOfHeapReserve:     0x100000,
			SizeOfHeapCommit:      0x1000,
			Subsystem:             3, // console
			NumberOfRvaAndSizes:   16,
		}
		f.OptionalHeader = oh
		f.FileHeader = FileHeader{
			Machine:              0x14c, // i386
			SizeOfOptionalHeader: uint16(binary.Size(*oh)),
			Characteristics:      0x0102, // EXECUTABLE_IMAGE | 32BIT_MACHINE
		}
	}
	return f
}

// SectionSpec describes a section to append. A zero Addr places the section
// after the last existing one on the next page boundary; a zero Offset lets
// Bytes auto-place the raw data.
type SectionSpec struct {
	Name            string
	Addr            uint32
	Data            []byte
	Offset          uint32
	RawSize         uint32
	Characteristics uint32
}

// AddSection appends a section and keeps the header bookkeeping consistent.
func (f *File) AddSection(spec SectionSpec) *Section {
	addr := spec.Addr
	if addr == 0 {
		addr = PageSize
		for _, s := range f.Sections {
			if end := AlignUp(s.End(), PageSize); end > addr {
				addr = end
			}
		}
	}

	rawSize := spec.RawSize
	data := spec.Data
	if rawSize == 0 {
		rawSize = uint32(len(data))
	}
	if uint32(len(data)) < rawSize {
		data = append(data, make([]byte, rawSize-uint32(len(data)))...)
	}

	characteristics := spec.Characteristics
	if characteristics == 0 {
		characteristics = ImageScnCntInitializedData | ImageScnMemRead | ImageScnMemWrite
	}

	s := &Section{
		SectionHeader: SectionHeader{
			Name:            spec.Name,
			VirtualSize:     rawSize,
			VirtualAddress:  addr,
			Size:            rawSize,
			Offset:          spec.Offset,
			Characteristics: characteristics,
		},
		Data: data,
	}
	f.Sections = append(f.Sections, s)
	f.FileHeader.NumberOfSections = uint16(len(f.Sections))
	return s
}

// ImportDescriptor is the builder-side description of one import directory
// entry. FirstThunk is the RVA of the existing IAT slots; the descriptor
// table, import name table and hint/name strings are generated into the
// directory section.
type ImportDescriptor struct {
	Name       string
	FirstThunk uint32
	Functions  []string
}

// ImportDirectorySize returns the byte size SetImports will need for the
// descriptors.
func ImportDirectorySize(descs []ImportDescriptor, width uint32) uint32 {
	size := uint32((len(descs) + 1) * importDescSize)
	for _, d := range descs {
		size += (uint32(len(d.Functions)) + 1) * width // INT incl. terminator
		size += uint32(len(d.Name)) + 1
		for _, fn := range d.Functions {
			if !strings.HasPrefix(fn, "#") {
				size += 2 + uint32(len(fn)) + 1 // hint + name + NUL
			}
		}
	}
	return AlignUp(size, 16)
}

// SetImports builds an import directory into the given section and points
// the header's import entry at it. The section must have been sized with
// ImportDirectorySize.
func (f *File) SetImports(s *Section, descs []ImportDescriptor) error {
	width := f.PointerWidth()
	need := ImportDirectorySize(descs, width)
	if uint32(len(s.Data)) < need {
		return errors.Errorf("import section too small: %d < %d", len(s.Data), need)
	}

	base := s.VirtualAddress
	descTableSize := uint32((len(descs) + 1) * importDescSize)

	// Layout: descriptor table, then one INT per descriptor, then the
	// hint/name and DLL name strings.
	intBase := descTableSize
	stringsBase := intBase
	for _, d := range descs {
		stringsBase += (uint32(len(d.Functions)) + 1) * width
	}

	strCur := stringsBase
	intCur := intBase
	for i, d := range descs {
		nameOff := strCur
		copy(s.Data[nameOff:], d.Name)
		s.Data[nameOff+uint32(len(d.Name))] = 0
		strCur += uint32(len(d.Name)) + 1

		desc := ImageImportDirectory{
			OriginalFirstThunk: base + intCur,
			Name:               base + nameOff,
			FirstThunk:         d.FirstThunk,
		}
		encodeImportDescriptor(s.Data[i*importDescSize:], desc)

		for _, fn := range d.Functions {
			var entry uint64
			if ordinal, ok := parseOrdinalName(fn); ok {
				if f.Is64 {
					entry = imageOrdinalFlag64 | uint64(ordinal)
				} else {
					entry = uint64(imageOrdinalFlag32 | ordinal)
				}
			} else {
				hintNameOff := strCur
				binary.LittleEndian.PutUint16(s.Data[hintNameOff:], 0)
				copy(s.Data[hintNameOff+2:], fn)
				s.Data[hintNameOff+2+uint32(len(fn))] = 0
				strCur += 2 + uint32(len(fn)) + 1
				entry = uint64(base + hintNameOff)
			}
			if f.Is64 {
				binary.LittleEndian.PutUint64(s.Data[intCur:], entry)
			} else {
				binary.LittleEndian.PutUint32(s.Data[intCur:], uint32(entry))
			}
			intCur += width
		}
		intCur += width // NUL terminator entry
	}

	if dd := f.DataDirectoryEntry(ImageDirectoryEntryImport); dd != nil {
		dd.VirtualAddress = base
		dd.Size = descTableSize
	}
	return nil
}

func encodeImportDescriptor(buf []byte, desc ImageImportDirectory) {
	binary.LittleEndian.PutUint32(buf[0:4], desc.OriginalFirstThunk)
	binary.LittleEndian.PutUint32(buf[4:8], desc.TimeDateStamp)
	binary.LittleEndian.PutUint32(buf[8:12], desc.ForwarderChain)
	binary.LittleEndian.PutUint32(buf[12:16], desc.Name)
	binary.LittleEndian.PutUint32(buf[16:20], desc.FirstThunk)
}

// parseOrdinalName recognizes the "#123" spelling used for by-ordinal
// imports throughout this package.
func parseOrdinalName(name string) (uint32, bool) {
	if !strings.HasPrefix(name, "#") {
		return 0, false
	}
	n, err := strconv.Atoi(name[1:])
	if err != nil || n < 0 {
		return 0, false
	}
	return uint32(n), true
}

// Bytes serializes the image back into a well-formed PE file. Sections with
// a zero file offset are placed after the header and the previously placed
// raw data, aligned to the file alignment.
func (f *File) Bytes() ([]byte, error) {
	if f.OptionalHeader == nil {
		return nil, errors.New("image has no optional header")
	}

	f.FileHeader.NumberOfSections = uint16(len(f.Sections))

	var optSize int
	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		optSize = binary.Size(*oh)
	case *OptionalHeader64:
		optSize = binary.Size(*oh)
	default:
		return nil, errors.New("unknown optional header type")
	}
	f.FileHeader.SizeOfOptionalHeader = uint16(optSize)

	headerSize := f.DOSHeader.AddressOfNewEXEHeader + 4 + uint32(fileHeaderSize) +
		uint32(optSize) + uint32(sectionHeaderSize)*uint32(len(f.Sections))
	sizeOfHeaders := AlignUp(headerSize, RawAlignment)

	// Place raw data.
	cur := sizeOfHeaders
	total := sizeOfHeaders
	var sizeOfImage uint32
	for _, s := range f.Sections {
		rawSize := s.Size
		if uint32(len(s.Data)) > rawSize {
			rawSize = uint32(len(s.Data))
		}
		s.Size = rawSize
		if s.VirtualSize == 0 {
			s.VirtualSize = rawSize
		}
		if s.Offset == 0 {
			s.Offset = AlignUp(cur, RawAlignment)
		}
		if end := s.Offset + rawSize; end > total {
			total = end
		}
		if s.Offset+rawSize > cur {
			cur = s.Offset + rawSize
		}
		if end := AlignUp(s.VirtualAddress+Max(s.VirtualSize, rawSize), PageSize); end > sizeOfImage {
			sizeOfImage = end
		}
	}

	switch oh := f.OptionalHeader.(type) {
	case *OptionalHeader32:
		oh.SizeOfHeaders = sizeOfHeaders
		oh.SizeOfImage = sizeOfImage
	case *OptionalHeader64:
		oh.SizeOfHeaders = sizeOfHeaders
		oh.SizeOfImage = sizeOfImage
	}

	out := make([]byte, total)

	var hdr bytes.Buffer
	if err := binary.Write(&hdr, binary.LittleEndian, &f.DOSHeader); err != nil {
		return nil, err
	}
	copy(out, hdr.Bytes())

	var nt bytes.Buffer
	if err := binary.Write(&nt, binary.LittleEndian, f.Signature); err != nil {
		return nil, err
	}
	if err := binary.Write(&nt, binary.LittleEndian, &f.FileHeader); err != nil {
		return nil, err
	}
	if err := binary.Write(&nt, binary.LittleEndian, f.OptionalHeader); err != nil {
		return nil, err
	}
	for _, s := range f.Sections {
		sh := SectionHeader32{
			VirtualSize:      s.VirtualSize,
			VirtualAddress:   s.VirtualAddress,
			SizeOfRawData:    s.Size,
			PointerToRawData: s.Offset,
			Characteristics:  s.Characteristics,
		}
		copy(sh.Name[:], s.Name)
		if err := binary.Write(&nt, binary.LittleEndian, &sh); err != nil {
			return nil, err
		}
	}
	copy(out[f.DOSHeader.AddressOfNewEXEHeader:], nt.Bytes())

	for _, s := range f.Sections {
		copy(out[s.Offset:], s.Data)
	}

	return out, nil
}
