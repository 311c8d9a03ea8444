package pe

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	resourceDirSize   = 16
	resourceEntrySize = 8
	resourceDataSize  = 16
)

// BuildResourceData serializes a resource directory tree into a fresh
// section-sized blob. Directory tables come first, then data entry structs,
// then entry name strings, then the resource payloads, which are fetched
// through the supplied callback (typically from the live snapshot rather
// than the original file). Data-entry OffsetToData fields hold offsets
// relative to the blob start; the returned fixup list gives the positions of
// those fields so the caller can add the section's RVA once it is placed.
func BuildResourceData(res *ResourceDirectory, fetch func(rva, size uint32) ([]byte, error)) ([]byte, []uint32, error) {
	if res == nil {
		return nil, nil, errors.New("no resource directory to build")
	}

	dirArea := dirSubtreeSize(res)
	dataCount := countDataEntries(res)
	namesArea := namesSubtreeSize(res)

	dataStructsBase := dirArea
	namesBase := dataStructsBase + uint32(dataCount)*resourceDataSize
	blobsBase := AlignUp(namesBase+namesArea, 4)

	b := &resourceBuilder{
		fetch:   fetch,
		dataCur: dataStructsBase,
		nameCur: namesBase,
		blobCur: blobsBase,
		out:     make([]byte, blobsBase),
	}

	if err := b.writeDir(res, 0); err != nil {
		return nil, nil, err
	}
	return b.out, b.fixups, nil
}

type resourceBuilder struct {
	fetch   func(rva, size uint32) ([]byte, error)
	dataCur uint32
	nameCur uint32
	blobCur uint32
	out     []byte
	fixups  []uint32
}

func dirSize(dir *ResourceDirectory) uint32 {
	return resourceDirSize + uint32(len(dir.Entries))*resourceEntrySize
}

func dirSubtreeSize(dir *ResourceDirectory) uint32 {
	size := dirSize(dir)
	for i := range dir.Entries {
		e := &dir.Entries[i]
		if isSubdirectory(e) {
			size += dirSubtreeSize(&e.Directory)
		}
	}
	return size
}

func countDataEntries(dir *ResourceDirectory) int {
	n := 0
	for i := range dir.Entries {
		e := &dir.Entries[i]
		if isSubdirectory(e) {
			n += countDataEntries(&e.Directory)
		} else {
			n++
		}
	}
	return n
}

func namesSubtreeSize(dir *ResourceDirectory) uint32 {
	var size uint32
	for i := range dir.Entries {
		e := &dir.Entries[i]
		if e.Name != "" {
			size += 2 + 2*uint32(len(e.Name))
		}
		if isSubdirectory(e) {
			size += namesSubtreeSize(&e.Directory)
		}
	}
	return size
}

func isSubdirectory(e *ResourceDirectoryEntry) bool {
	return e.Struct.OffsetToData&0x80000000 != 0
}

func (b *resourceBuilder) writeDir(dir *ResourceDirectory, off uint32) error {
	hdr := dir.Struct
	hdr.NumberOfNamedEntries = 0
	hdr.NumberOfIDEntries = 0
	for i := range dir.Entries {
		if dir.Entries[i].Name != "" {
			hdr.NumberOfNamedEntries++
		} else {
			hdr.NumberOfIDEntries++
		}
	}

	binary.LittleEndian.PutUint32(b.out[off:], hdr.Characteristics)
	binary.LittleEndian.PutUint32(b.out[off+4:], hdr.TimeDateStamp)
	binary.LittleEndian.PutUint16(b.out[off+8:], hdr.MajorVersion)
	binary.LittleEndian.PutUint16(b.out[off+10:], hdr.MinorVersion)
	binary.LittleEndian.PutUint16(b.out[off+12:], hdr.NumberOfNamedEntries)
	binary.LittleEndian.PutUint16(b.out[off+14:], hdr.NumberOfIDEntries)

	entryOff := off + resourceDirSize
	childOff := off + dirSize(dir)
	for i := range dir.Entries {
		e := &dir.Entries[i]

		nameField := e.ID
		if e.Name != "" {
			nameField = 0x80000000 | b.writeName(e.Name)
		} else if e.Struct.Name&0x80000000 == 0 {
			nameField = e.Struct.Name
		}

		var dataField uint32
		if isSubdirectory(e) {
			dataField = 0x80000000 | childOff
			if err := b.writeDir(&e.Directory, childOff); err != nil {
				return err
			}
			childOff += dirSubtreeSize(&e.Directory)
		} else {
			dataOff, err := b.writeDataEntry(&e.Data)
			if err != nil {
				return err
			}
			dataField = dataOff
		}

		binary.LittleEndian.PutUint32(b.out[entryOff:], nameField)
		binary.LittleEndian.PutUint32(b.out[entryOff+4:], dataField)
		entryOff += resourceEntrySize
	}
	return nil
}

func (b *resourceBuilder) writeName(name string) uint32 {
	off := b.nameCur
	binary.LittleEndian.PutUint16(b.out[off:], uint16(len(name)))
	for i, c := range []byte(name) {
		binary.LittleEndian.PutUint16(b.out[off+2+uint32(i)*2:], uint16(c))
	}
	b.nameCur += 2 + 2*uint32(len(name))
	return off
}

func (b *resourceBuilder) writeDataEntry(d *ResourceDataEntry) (uint32, error) {
	payload, err := b.fetch(d.Struct.OffsetToData, d.Struct.Size)
	if err != nil {
		return 0, errors.Wrap(err, "failure to fetch resource payload")
	}

	blobOff := b.blobCur
	b.out = append(b.out, payload...)
	if pad := AlignUp(uint32(len(b.out)), 4) - uint32(len(b.out)); pad > 0 {
		b.out = append(b.out, make([]byte, pad)...)
	}
	b.blobCur = uint32(len(b.out))

	off := b.dataCur
	binary.LittleEndian.PutUint32(b.out[off:], blobOff)
	binary.LittleEndian.PutUint32(b.out[off+4:], d.Struct.Size)
	binary.LittleEndian.PutUint32(b.out[off+8:], d.Struct.CodePage)
	b.fixups = append(b.fixups, off)
	b.dataCur += resourceDataSize

	return off, nil
}
