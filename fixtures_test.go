package peloader

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wanglei-coder/peloader/pe"
)

const (
	testTextRVA   = 0x1000
	testExportRVA = 0x2000
	testIATRVA    = 0x3000
)

// testExport describes one export of a synthetic library. A code export
// points into .text; Forward makes it a forwarder string instead.
type testExport struct {
	Name    string
	Forward string
}

// buildLibrary serializes a 32-bit DLL whose export directory carries the
// given exports. Code exports land at consecutive .text addresses starting
// at base+testTextRVA.
func buildLibrary(t *testing.T, base uint64, dllName string, exports []testExport) []byte {
	t.Helper()

	img := pe.NewImage(base, false)

	// 0xC3 is not a valid forwarder byte, so code exports never probe as
	// forwarder strings.
	code := make([]byte, 0x40)
	for i := range code {
		code[i] = 0xC3
	}
	img.AddSection(pe.SectionSpec{Name: ".text", Addr: testTextRVA, Data: code})

	blob := buildExportBlob(dllName, exports)
	s := img.AddSection(pe.SectionSpec{Name: ".edata", Addr: testExportRVA, Data: blob})

	dd := img.DataDirectoryEntry(pe.ImageDirectoryEntryExport)
	require.NotNil(t, dd)
	dd.VirtualAddress = s.VirtualAddress
	dd.Size = uint32(len(blob))

	data, err := img.Bytes()
	require.NoError(t, err)
	return data
}

// buildExportBlob lays out an export directory: struct, address table, name
// table, ordinal table, then the strings. All RVAs assume the blob sits at
// testExportRVA.
func buildExportBlob(dllName string, exports []testExport) []byte {
	n := uint32(len(exports))
	const dirSize uint32 = 40
	addrTable := dirSize
	nameTable := addrTable + n*4
	ordTable := nameTable + n*4
	strBase := ordTable + n*2

	var strs []byte
	addString := func(s string) uint32 {
		off := strBase + uint32(len(strs))
		strs = append(strs, s...)
		strs = append(strs, 0)
		return testExportRVA + off
	}

	dllNameRVA := addString(dllName)

	blob := make([]byte, strBase)
	binary.LittleEndian.PutUint32(blob[12:], dllNameRVA) // Name
	binary.LittleEndian.PutUint32(blob[16:], 1)          // Base
	binary.LittleEndian.PutUint32(blob[20:], n)          // NumberOfFunctions
	binary.LittleEndian.PutUint32(blob[24:], n)          // NumberOfNames
	binary.LittleEndian.PutUint32(blob[28:], testExportRVA+addrTable)
	binary.LittleEndian.PutUint32(blob[32:], testExportRVA+nameTable)
	binary.LittleEndian.PutUint32(blob[36:], testExportRVA+ordTable)

	for i, e := range exports {
		var funcRVA uint32
		if e.Forward != "" {
			funcRVA = addString(e.Forward)
		} else {
			funcRVA = testTextRVA + uint32(i)
		}
		binary.LittleEndian.PutUint32(blob[addrTable+uint32(i)*4:], funcRVA)
		binary.LittleEndian.PutUint32(blob[nameTable+uint32(i)*4:], addString(e.Name))
		binary.LittleEndian.PutUint16(blob[ordTable+uint32(i)*2:], uint16(i))
	}

	return append(blob, strs...)
}

// buildProgram serializes a 32-bit EXE with an empty IAT at testIATRVA and
// an import directory naming the given functions per library.
func buildProgram(t *testing.T, base uint64, descs []pe.ImportDescriptor) []byte {
	t.Helper()

	img := pe.NewImage(base, false)

	code := make([]byte, 0x40)
	for i := range code {
		code[i] = 0xC3
	}
	img.AddSection(pe.SectionSpec{Name: ".text", Addr: testTextRVA, Data: code})
	img.SetEntryPoint(testTextRVA)

	img.AddSection(pe.SectionSpec{Name: ".iat", Addr: testIATRVA, RawSize: 0x200})

	size := pe.ImportDirectorySize(descs, img.PointerWidth())
	s := img.AddSection(pe.SectionSpec{Name: ".idata", Addr: 0x4000, RawSize: size})
	require.NoError(t, img.SetImports(s, descs))

	data, err := img.Bytes()
	require.NoError(t, err)
	return data
}
