package pe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestImageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		base uint64
		is64 bool
	}{
		{name: "pe32", base: 0x400000, is64: false},
		{name: "pe32+", base: 0x140000000, is64: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img := NewImage(tt.base, tt.is64)
			img.SetEntryPoint(0x1000)
			img.AddSection(SectionSpec{Name: ".text", Addr: 0x1000, Data: []byte{0xC3}})
			img.AddSection(SectionSpec{Name: ".data", Data: []byte{1, 2, 3, 4}})

			out, err := img.Bytes()
			require.NoError(t, err)

			f, err := New(out)
			require.NoError(t, err)

			assert.Equal(t, tt.is64, f.Is64)
			assert.Equal(t, tt.base, f.ImageBase())
			assert.Equal(t, uint32(0x1000), f.EntryPoint())

			require.Len(t, f.Sections, 2)
			assert.Equal(t, ".text", f.Sections[0].Name)
			assert.Equal(t, uint32(0x1000), f.Sections[0].VirtualAddress)
			// Auto-placement puts .data on the next page.
			assert.Equal(t, uint32(0x2000), f.Sections[1].VirtualAddress)
			assert.Equal(t, []byte{1, 2, 3, 4}, f.Sections[1].Data[:4])
		})
	}
}

func TestAddSectionAutoPlacement(t *testing.T) {
	img := NewImage(0x400000, false)
	a := img.AddSection(SectionSpec{Name: "a", Addr: 0x1000, Data: make([]byte, 0x1800)})
	b := img.AddSection(SectionSpec{Name: "b", Data: []byte{1}})

	assert.Equal(t, uint32(0x3000), b.VirtualAddress, "placed past a's page-rounded end")
	assert.Equal(t, uint32(0x1800), a.Size)
	assert.Equal(t, uint16(2), img.FileHeader.NumberOfSections)
}

func TestSetImportsRoundTrip(t *testing.T) {
	img := NewImage(0x400000, false)
	img.AddSection(SectionSpec{Name: ".iat", Addr: 0x1000, RawSize: 0x100})

	descs := []ImportDescriptor{
		{Name: "kernel32.dll", FirstThunk: 0x1000, Functions: []string{"Beep", "#17"}},
		{Name: "user32.dll", FirstThunk: 0x1020, Functions: []string{"MessageBoxA"}},
	}
	s := img.AddSection(SectionSpec{Name: ".idata", RawSize: ImportDirectorySize(descs, img.PointerWidth())})
	require.NoError(t, img.SetImports(s, descs))

	out, err := img.Bytes()
	require.NoError(t, err)
	f, err := New(out)
	require.NoError(t, err)

	require.Len(t, f.Imports, 2)

	k32 := f.Imports[0]
	assert.Equal(t, "kernel32.dll", k32.Name)
	assert.Equal(t, uint32(0x1000), k32.Descriptor.FirstThunk)
	require.Len(t, k32.Functions, 2)
	assert.Equal(t, "Beep", k32.Functions[0].Name)
	assert.False(t, k32.Functions[0].ByOrdinal)
	assert.Equal(t, uint32(0x1000), k32.Functions[0].ThunkRVA)
	assert.Equal(t, "#17", k32.Functions[1].Name)
	assert.True(t, k32.Functions[1].ByOrdinal)
	assert.Equal(t, uint32(17), k32.Functions[1].Ordinal)

	u32 := f.Imports[1]
	assert.Equal(t, "user32.dll", u32.Name)
	require.Len(t, u32.Functions, 1)
	assert.Equal(t, "MessageBoxA", u32.Functions[0].Name)
}

func TestImportDirectorySizeTooSmall(t *testing.T) {
	img := NewImage(0x400000, false)
	s := img.AddSection(SectionSpec{Name: ".idata", RawSize: 4})
	err := img.SetImports(s, []ImportDescriptor{
		{Name: "kernel32.dll", FirstThunk: 0x1000, Functions: []string{"Beep"}},
	})
	assert.Error(t, err)
}

func TestVirtualAddressing(t *testing.T) {
	img := NewImage(0x400000, false)
	img.AddSection(SectionSpec{Name: ".text", Addr: 0x1000, Data: []byte{1, 2, 3}, RawSize: 0x10})

	out, err := img.Bytes()
	require.NoError(t, err)
	f, err := New(out)
	require.NoError(t, err)

	assert.Equal(t, uint64(0x401000), f.Rva2Virt(0x1000))

	rva, err := f.Virt2Rva(0x401002)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1002), rva)

	_, err = f.Virt2Rva(0x200000)
	assert.ErrorIs(t, err, ErrInvalidOffset)
	_, err = f.Virt2Rva(0x900000)
	assert.ErrorIs(t, err, ErrInvalidOffset)

	assert.True(t, f.HasVirtual(0x401000))
	assert.False(t, f.HasVirtual(0x900000))

	// Reads inside the virtual extent but past the stored data are zero.
	data, err := f.ReadVirtual(0x401001, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 3, 0, 0}, data)
}

func TestAlignUp(t *testing.T) {
	assert.Equal(t, uint32(0), AlignUp(0, 0x1000))
	assert.Equal(t, uint32(0x1000), AlignUp(1, 0x1000))
	assert.Equal(t, uint32(0x1000), AlignUp(0x1000, 0x1000))
	assert.Equal(t, uint32(0x2000), AlignUp(0x1001, 0x1000))
}
