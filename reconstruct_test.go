package peloader

import (
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wanglei-coder/peloader/pe"
	"github.com/wanglei-coder/peloader/vmem"
)

func TestReconstructRoundTrip(t *testing.T) {
	fs := afero.NewMemMapFs()
	mem := vmem.New()
	loader := New(nil, fs)
	registry := NewRegistry(nil)

	img, err := loader.Load(mem, testProgram(t), DefaultLoadOptions())
	require.NoError(t, err)
	_, err = loader.ResolveImports(mem, registry, img, true)
	require.NoError(t, err)

	// Simulate execution touching memory.
	require.NoError(t, mem.Write(img.Rva2Virt(testTextRVA), []byte{0x90, 0x90}))

	rebuilt, err := loader.Reconstruct(mem, ReconstructOptions{
		EntryPoint: img.Rva2Virt(testTextRVA),
		Registry:   registry,
		Original:   img,
		Output:     "/out/rebuilt.exe",
	})
	require.NoError(t, err)

	out, err := afero.ReadFile(fs, "/out/rebuilt.exe")
	require.NoError(t, err)

	reparsed, err := pe.New(out)
	require.NoError(t, err)

	assert.Equal(t, uint64(testImageBase), reparsed.ImageBase())
	assert.Equal(t, uint32(testTextRVA), reparsed.EntryPoint())

	// One section per captured page, named after its address, plus the
	// regenerated import directory. The header page lies below the section
	// span and is not captured.
	require.Len(t, reparsed.Sections, 4)
	assert.Equal(t, fmt.Sprintf("%.8X", img.Rva2Virt(testTextRVA)), reparsed.Sections[0].Name)
	assert.Equal(t, uint32(firstSectionOffset), reparsed.Sections[0].Offset)
	assert.Equal(t, "import", reparsed.Sections[3].Name)

	// The snapshot content, modifications included, made it into the file.
	data, err := reparsed.ReadVirtual(reparsed.Rva2Virt(testTextRVA), 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x90}, data)

	// The rebuilt import directory names the same functions and points its
	// IAT at the captured slots.
	require.Len(t, reparsed.Imports, 1)
	imp := reparsed.Imports[0]
	assert.Equal(t, "dummy.dll", imp.Name)
	assert.Equal(t, uint32(testIATRVA), imp.Descriptor.FirstThunk)
	names := make([]string, len(imp.Functions))
	for i, fn := range imp.Functions {
		names[i] = fn.Name
	}
	assert.Equal(t, []string{"Beep", "#5"}, names)

	// Loading the rebuilt file resolves the same imports again.
	mem2 := vmem.New()
	registry2 := NewRegistry(nil)
	img2, err := loader.Load(mem2, out, DefaultLoadOptions())
	require.NoError(t, err)
	resolved, err := loader.ResolveImports(mem2, registry2, img2, true)
	require.NoError(t, err)
	assert.Contains(t, resolved, "dummy.dll!Beep")
	assert.Contains(t, resolved, "dummy.dll!#5")

	assert.Equal(t, rebuilt.ImageBase(), reparsed.ImageBase())
}

func TestReconstructAddedFuncs(t *testing.T) {
	mem := vmem.New()
	loader := New(nil, afero.NewMemMapFs())
	registry := NewRegistry(nil)

	img, err := loader.Load(mem, testProgram(t), DefaultLoadOptions())
	require.NoError(t, err)
	resolved, err := loader.ResolveImports(mem, registry, img, true)
	require.NoError(t, err)

	// A slot patched by hand, e.g. through an emulated GetProcAddress,
	// gets its own descriptor when it is not adjacent to the IAT run.
	beep := resolved["dummy.dll!Beep"]
	extraSlot := uint64(testImageBase + testIATRVA + 0x20)

	rebuilt, err := loader.Reconstruct(mem, ReconstructOptions{
		EntryPoint: img.Rva2Virt(testTextRVA),
		Registry:   registry,
		Original:   img,
		AddedFuncs: []SlotFunc{{Slot: extraSlot, Func: beep}},
	})
	require.NoError(t, err)

	out, err := rebuilt.Bytes()
	require.NoError(t, err)
	reparsed, err := pe.New(out)
	require.NoError(t, err)

	require.Len(t, reparsed.Imports, 2)
	assert.Equal(t, uint32(testIATRVA), reparsed.Imports[0].Descriptor.FirstThunk)
	assert.Equal(t, uint32(testIATRVA+0x20), reparsed.Imports[1].Descriptor.FirstThunk)
	require.Len(t, reparsed.Imports[1].Functions, 1)
	assert.Equal(t, "Beep", reparsed.Imports[1].Functions[0].Name)
}

func TestReconstructExplicitUpperBound(t *testing.T) {
	mem := vmem.New()
	loader := New(nil, afero.NewMemMapFs())

	img, err := loader.Load(mem, testProgram(t), DefaultLoadOptions())
	require.NoError(t, err)

	// Only the upper bound is given; the lower one still comes from the
	// original's section span, so the header page stays excluded and only
	// pages below the bound are captured.
	rebuilt, err := loader.Reconstruct(mem, ReconstructOptions{
		EntryPoint: img.Rva2Virt(testTextRVA),
		Original:   img,
		MaxAddr:    testImageBase + 0x3000,
	})
	require.NoError(t, err)

	require.Len(t, rebuilt.Sections, 1)
	assert.Equal(t, uint32(0x1000), rebuilt.Sections[0].VirtualAddress)
}

func TestReconstructNeedsBounds(t *testing.T) {
	loader := New(nil, afero.NewMemMapFs())
	_, err := loader.Reconstruct(vmem.New(), ReconstructOptions{EntryPoint: 0x400000})
	assert.Error(t, err)
}

func TestImportRuns(t *testing.T) {
	img := pe.NewImage(testImageBase, false)
	img.AddSection(pe.SectionSpec{Name: ".iat", Addr: 0x1000, RawSize: 0x2000})

	registry := NewRegistry(nil)
	base := registry.BaseFor("a.dll")
	for _, f := range []struct {
		name string
		slot uint64
	}{
		{"f1", testImageBase + 0x1000},
		{"f2", testImageBase + 0x1004},
		{"f3", testImageBase + 0x1008},
		{"f4", testImageBase + 0x2000},
		{"f5", 0x99999999}, // outside the image, dropped
	} {
		_, err := registry.AddressFor(base, f.name, f.slot)
		require.NoError(t, err)
	}

	descs := importRuns(img, registry)
	require.Len(t, descs, 2, "adjacent slots coalesce, gaps split")

	assert.Equal(t, uint32(0x1000), descs[0].FirstThunk)
	assert.Equal(t, []string{"f1", "f2", "f3"}, descs[0].Functions)
	assert.Equal(t, uint32(0x2000), descs[1].FirstThunk)
	assert.Equal(t, []string{"f4"}, descs[1].Functions)
}
