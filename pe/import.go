package pe

import (
	"strconv"

	"github.com/pkg/errors"
)

type ImageImportDirectory struct {
	OriginalFirstThunk uint32
	TimeDateStamp      uint32
	ForwarderChain     uint32
	Name               uint32
	FirstThunk         uint32
}

type ImportFunction struct {
	Name             string
	Hint             uint16
	ByOrdinal        bool
	Ordinal          uint32
	ThunkValue       uint64
	ThunkRVA         uint32
	OriginalThunkRVA uint32
}

type Import struct {
	Offset     uint32
	Name       string
	Functions  []*ImportFunction
	Descriptor ImageImportDirectory
}

func (f *File) readImportDirectory() error {
	idd := f.DataDirectoryEntry(ImageDirectoryEntryImport)
	if idd == nil || idd.VirtualAddress == 0 {
		return nil
	}

	rva := idd.VirtualAddress
	for {
		var dt ImageImportDirectory
		offset := f.getOffsetFromRva(rva)
		if offset == ^uint32(0) {
			break
		}
		if err := f.structUnpack(&dt, offset, uint32(importDescSize)); err != nil {
			break
		}
		if dt == (ImageImportDirectory{}) {
			break
		}

		importedFunctions, err := f.readImportFunctions(&dt)
		if err != nil {
			return err
		}

		dllName := f.getStringAtRVA(dt.Name, maxDllLength)
		if IsValidDosFilename(dllName) {
			f.Imports = append(f.Imports, &Import{
				Offset:     offset,
				Name:       dllName,
				Functions:  importedFunctions,
				Descriptor: dt,
			})
		}

		rva += uint32(importDescSize)
		if len(f.Imports) > maxAllowedEntries {
			return errors.New("too many import descriptors, aborting parsing")
		}
	}
	return nil
}

// readThunkTable walks a null-terminated thunk array at an RVA, returning
// the raw pointer-width values.
func (f *File) readThunkTable(rva uint32) []uint64 {
	if rva == 0 {
		return nil
	}

	width := f.PointerWidth()
	var out []uint64
	for i := uint32(0); i < maxAllowedEntries; i++ {
		offset := f.getOffsetFromRva(rva + i*width)
		if offset == ^uint32(0) {
			break
		}

		var value uint64
		if f.Is64 {
			var v uint64
			if err := f.structUnpack(&v, offset, 8); err != nil {
				break
			}
			value = v
		} else {
			var v uint32
			if err := f.structUnpack(&v, offset, 4); err != nil {
				break
			}
			value = uint64(v)
		}
		if value == 0 {
			break
		}
		out = append(out, value)
	}
	return out
}

func (f *File) readImportFunctions(dt *ImageImportDirectory) ([]*ImportFunction, error) {
	ilt := f.readThunkTable(dt.OriginalFirstThunk)
	iat := f.readThunkTable(dt.FirstThunk)

	// Some DLLs carry only one of the two tables.
	if len(ilt) == 0 && len(iat) == 0 {
		return nil, ErrDamagedImportTable
	}

	table := ilt
	if len(table) == 0 {
		table = iat
	}

	width := f.PointerWidth()
	importedFunctions := make([]*ImportFunction, 0, len(table))
	numInvalid := 0
	for idx, value := range table {
		imp := ImportFunction{
			ThunkRVA: dt.FirstThunk + uint32(idx)*width,
		}
		if dt.OriginalFirstThunk != 0 {
			imp.OriginalThunkRVA = dt.OriginalFirstThunk + uint32(idx)*width
		}
		if idx < len(iat) {
			imp.ThunkValue = iat[idx]
		}

		if f.isOrdinalThunk(value) {
			imp.ByOrdinal = true
			imp.Ordinal = uint32(value) & 0xffff
			imp.Name = "#" + strconv.Itoa(int(imp.Ordinal))
		} else {
			hintNameRVA := uint32(value & addressMask64)
			if !f.Is64 {
				hintNameRVA = uint32(value) & addressMask32
			}
			hint, err := f.ReadUint16(f.getOffsetFromRva(hintNameRVA))
			if err != nil {
				hint = ^uint16(0)
			}
			imp.Hint = hint
			imp.Name = f.getStringAtRVA(hintNameRVA+2, maxImportNameLength)
			if !IsValidFunctionName(imp.Name) {
				imp.Name = "*invalid*"
			}
		}

		if imp.Name == "*invalid*" || imp.Name == "" {
			if numInvalid > 1000 && numInvalid == idx {
				return nil, errors.New("too many invalid names, aborting parsing")
			}
			numInvalid++
			continue
		}

		importedFunctions = append(importedFunctions, &imp)
	}

	return importedFunctions, nil
}

func (f *File) isOrdinalThunk(value uint64) bool {
	if f.Is64 {
		return value&imageOrdinalFlag64 != 0
	}
	return uint32(value)&imageOrdinalFlag32 != 0
}
