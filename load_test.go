package peloader

import (
	"encoding/binary"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanglei-coder/peloader/pe"
	"github.com/wanglei-coder/peloader/vmem"
)

const testImageBase = 0x400000

func testProgram(t *testing.T) []byte {
	return buildProgram(t, testImageBase, []pe.ImportDescriptor{
		{Name: "dummy.dll", FirstThunk: testIATRVA, Functions: []string{"Beep", "#5"}},
	})
}

func TestLoadAligned(t *testing.T) {
	mem := vmem.New()
	loader := New(nil, nil)

	img, err := loader.Load(mem, testProgram(t), DefaultLoadOptions())
	require.NoError(t, err)

	pages := mem.Pages()
	require.Len(t, pages, 4, "header page plus one page run per section")

	// Header page: at least one raw-alignment unit, padded to the first
	// section.
	hdr := pages[0]
	assert.Equal(t, uint64(testImageBase), hdr.Addr)
	assert.GreaterOrEqual(t, uint32(len(hdr.Data)), pe.Max(pe.RawAlignment, img.SizeOfHeaders()))
	assert.Equal(t, pe.Min(img.Sections[0].VirtualAddress, pe.PageSize), uint32(len(hdr.Data)))

	// Sections tile the address space: each extends to the start of the
	// next, the last is rounded to a page.
	for i, p := range pages[1:] {
		s := img.Sections[i]
		assert.Equal(t, img.Rva2Virt(s.VirtualAddress), p.Addr)
		assert.Equal(t, s.Size, uint32(len(p.Data)))
		if i < len(img.Sections)-1 {
			assert.Equal(t, img.Sections[i+1].VirtualAddress, s.VirtualAddress+s.Size)
		} else {
			assert.Zero(t, s.Size%pe.PageSize)
		}
	}

	// Section content survives the mapping.
	code, err := mem.Read(img.Rva2Virt(testTextRVA), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xC3, 0xC3, 0xC3, 0xC3}, code)
}

func TestLoadAlignedWithoutHeader(t *testing.T) {
	mem := vmem.New()
	loader := New(nil, nil)

	opts := DefaultLoadOptions()
	opts.LoadHeader = false
	img, err := loader.Load(mem, testProgram(t), opts)
	require.NoError(t, err)

	pages := mem.Pages()
	require.Len(t, pages, len(img.Sections))
	assert.Equal(t, img.Rva2Virt(img.Sections[0].VirtualAddress), pages[0].Addr)
}

func TestLoadAlignedUninitializedTail(t *testing.T) {
	// The last section declares more virtual space than it carries raw
	// data. The tail must still be mapped, readable as zeroes.
	img := pe.NewImage(testImageBase, false)
	img.AddSection(pe.SectionSpec{Name: ".text", Addr: 0x1000, Data: []byte{0xC3}})
	s := img.AddSection(pe.SectionSpec{Name: ".data", Addr: 0x2000, Data: make([]byte, 0x10)})
	s.VirtualSize = 0x2000
	data, err := img.Bytes()
	require.NoError(t, err)

	mem := vmem.New()
	loader := New(nil, nil)
	_, err = loader.Load(mem, data, DefaultLoadOptions())
	require.NoError(t, err)

	tail, err := mem.Read(testImageBase+0x2800, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, tail)

	pages := mem.Pages()
	last := pages[len(pages)-1]
	assert.Equal(t, uint64(testImageBase+0x2000), last.Addr)
	assert.Equal(t, 0x2000, len(last.Data))
}

func TestLoadAlignedBssSection(t *testing.T) {
	// A trailing section with no raw data at all still maps as zeroes.
	img := pe.NewImage(testImageBase, false)
	img.AddSection(pe.SectionSpec{Name: ".text", Addr: 0x1000, Data: []byte{0xC3}})
	s := img.AddSection(pe.SectionSpec{Name: ".bss", Addr: 0x2000})
	s.VirtualSize = 0x1800
	data, err := img.Bytes()
	require.NoError(t, err)

	mem := vmem.New()
	loader := New(nil, nil)
	_, err = loader.Load(mem, data, DefaultLoadOptions())
	require.NoError(t, err)

	got, err := mem.Read(testImageBase+0x3000, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, got)
}

func TestLoadUnaligned(t *testing.T) {
	// Sections off the page grid force the single-region fallback.
	img := pe.NewImage(testImageBase, false)
	img.AddSection(pe.SectionSpec{Name: "a", Addr: 0x200, Data: []byte{1, 2, 3, 4}})
	img.AddSection(pe.SectionSpec{Name: "b", Addr: 0x600, Data: []byte{5, 6, 7, 8}})
	data, err := img.Bytes()
	require.NoError(t, err)

	mem := vmem.New()
	loader := New(nil, nil)
	loaded, err := loader.Load(mem, data, DefaultLoadOptions())
	require.NoError(t, err)

	pages := mem.Pages()
	require.Len(t, pages, 1, "the whole image becomes one region")
	p := pages[0]
	assert.Equal(t, uint64(testImageBase), p.Addr, "the region starts at the base when the header is included")
	assert.Equal(t, 0x604, len(p.Data), "span runs to the last section's end")

	// The header region is left zeroed; section content is copied in.
	hdr, err := mem.Read(testImageBase, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, hdr)

	got, err := mem.Read(loaded.Rva2Virt(0x200), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)

	got, err = mem.Read(loaded.Rva2Virt(0x600), 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{5, 6, 7, 8}, got)

	// Sizes now tile the region: the first section extends to the second.
	assert.Equal(t, uint32(0x400), loaded.Sections[0].Size)
}

func TestLoadUnalignedWithoutHeader(t *testing.T) {
	img := pe.NewImage(testImageBase, false)
	img.AddSection(pe.SectionSpec{Name: "a", Addr: 0x200, Data: []byte{1}})
	data, err := img.Bytes()
	require.NoError(t, err)

	mem := vmem.New()
	loader := New(nil, nil)
	opts := DefaultLoadOptions()
	opts.LoadHeader = false
	_, err = loader.Load(mem, data, opts)
	require.NoError(t, err)

	pages := mem.Pages()
	require.Len(t, pages, 1)
	assert.Equal(t, uint64(testImageBase+0x200), pages[0].Addr, "the region starts at the first section")
}

func TestResolveImportsWithoutLibraries(t *testing.T) {
	mem := vmem.New()
	loader := New(nil, nil)
	registry := NewRegistry(nil)

	img, err := loader.Load(mem, testProgram(t), DefaultLoadOptions())
	require.NoError(t, err)

	resolved, err := loader.ResolveImports(mem, registry, img, true)
	require.NoError(t, err)

	// With no library loaded, each import resolves to its own IAT slot.
	slotBeep := uint64(testImageBase + testIATRVA)
	slotOrd := uint64(testImageBase + testIATRVA + 4)
	assert.Equal(t, map[string]uint64{
		"dummy.dll!Beep": slotBeep,
		"dummy.dll!#5":   slotOrd,
	}, resolved)

	raw, err := mem.Read(slotBeep, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(slotBeep), binary.LittleEndian.Uint32(raw))

	raw, err = mem.Read(slotOrd, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(slotOrd), binary.LittleEndian.Uint32(raw))

	// A second pass re-derives the same addresses.
	again, err := loader.ResolveImports(mem, registry, img, true)
	require.NoError(t, err)
	assert.Equal(t, resolved, again)
}

func TestResolveImportsAgainstLibrary(t *testing.T) {
	fs := afero.NewMemMapFs()
	lib := buildLibrary(t, 0x10000000, "mylib.dll", []testExport{{Name: "Alpha"}})
	require.NoError(t, afero.WriteFile(fs, "/libs/mylib.dll", lib, 0o644))

	mem := vmem.New()
	loader := New(nil, fs)
	registry := NewRegistry(nil)

	images, err := loader.LoadLibraries(mem, registry, []string{"mylib.dll"}, "/libs", DefaultLoadOptions())
	require.NoError(t, err)
	require.NoError(t, loader.FixImports(mem, registry, images, true))

	program := buildProgram(t, testImageBase, []pe.ImportDescriptor{
		{Name: "mylib.dll", FirstThunk: testIATRVA, Functions: []string{"Alpha"}},
	})
	img, err := loader.Load(mem, program, DefaultLoadOptions())
	require.NoError(t, err)

	resolved, err := loader.ResolveImports(mem, registry, img, true)
	require.NoError(t, err)

	want := uint64(0x10000000 + testTextRVA)
	assert.Equal(t, want, resolved["mylib.dll!Alpha"])

	raw, err := mem.Read(testImageBase+testIATRVA, 4)
	require.NoError(t, err)
	assert.Equal(t, uint32(want), binary.LittleEndian.Uint32(raw))
}

func TestResolveImportsSharedSlots(t *testing.T) {
	mem := vmem.New()
	loader := New(nil, nil)
	registry := NewRegistry(nil)

	// The same function imported through two descriptors gets one
	// synthetic address, written into both slots.
	program := buildProgram(t, testImageBase, []pe.ImportDescriptor{
		{Name: "dummy.dll", FirstThunk: testIATRVA, Functions: []string{"Beep"}},
		{Name: "dummy.dll", FirstThunk: testIATRVA + 0x10, Functions: []string{"Beep"}},
	})
	img, err := loader.Load(mem, program, DefaultLoadOptions())
	require.NoError(t, err)

	_, err = loader.ResolveImports(mem, registry, img, true)
	require.NoError(t, err)

	first, err := mem.Read(testImageBase+testIATRVA, 4)
	require.NoError(t, err)
	second, err := mem.Read(testImageBase+testIATRVA+0x10, 4)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}
