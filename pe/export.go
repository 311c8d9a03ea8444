package pe

import "github.com/pkg/errors"

type ImageExportDirectory struct {
	Characteristics       uint32
	TimeDateStamp         uint32
	MajorVersion          uint16
	MinorVersion          uint16
	Name                  uint32
	Base                  uint32
	NumberOfFunctions     uint32
	NumberOfNames         uint32
	AddressOfFunctions    uint32
	AddressOfNames        uint32
	AddressOfNameOrdinals uint32
}

// ExportEntry is one slot of the export address table. Index is the raw
// position in the table; the exported ordinal is Base+Index. Name is empty
// for ordinal-only exports.
type ExportEntry struct {
	Name       string
	Index      uint32
	AddressRVA uint32
}

type ExportDirectory struct {
	Struct  ImageExportDirectory
	DLLName string
	Entries []ExportEntry
}

func (f *File) readExportDirectory() error {
	edd := f.DataDirectoryEntry(ImageDirectoryEntryExport)
	if edd == nil || edd.VirtualAddress == 0 {
		return nil
	}

	var dir ImageExportDirectory
	offset := f.getOffsetFromRva(edd.VirtualAddress)
	if offset == ^uint32(0) {
		return nil
	}
	if err := f.structUnpack(&dir, offset, uint32(exportDirSize)); err != nil {
		return errors.Wrap(err, "failure to read export directory")
	}

	if dir.NumberOfFunctions > maxAllowedEntries || dir.NumberOfNames > maxAllowedEntries {
		return errors.New("export directory claims too many entries, aborting parsing")
	}

	exp := &ExportDirectory{
		Struct:  dir,
		DLLName: f.getStringAtRVA(dir.Name, maxDllLength),
	}

	// Name table entries map through the ordinal table into the address
	// table; remember which indexes carry a name.
	nameByIndex := make(map[uint32]string, dir.NumberOfNames)
	for i := uint32(0); i < dir.NumberOfNames; i++ {
		nameRVA, err := f.ReadUint32(f.getOffsetFromRva(dir.AddressOfNames + i*4))
		if err != nil {
			return errors.Wrap(err, "failure to read export name table")
		}
		ordIndex, err := f.ReadUint16(f.getOffsetFromRva(dir.AddressOfNameOrdinals + i*2))
		if err != nil {
			return errors.Wrap(err, "failure to read export ordinal table")
		}
		name := f.getStringAtRVA(nameRVA, maxImportNameLength)
		if name != "" {
			nameByIndex[uint32(ordIndex)] = name
		}
	}

	for i := uint32(0); i < dir.NumberOfFunctions; i++ {
		funcRVA, err := f.ReadUint32(f.getOffsetFromRva(dir.AddressOfFunctions + i*4))
		if err != nil {
			return errors.Wrap(err, "failure to read export address table")
		}
		if funcRVA == 0 {
			continue
		}
		exp.Entries = append(exp.Entries, ExportEntry{
			Name:       nameByIndex[i],
			Index:      i,
			AddressRVA: funcRVA,
		})
	}

	f.Exports = exp
	return nil
}
