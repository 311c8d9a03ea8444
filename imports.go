package peloader

import (
	"encoding/binary"
	"sort"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/wanglei-coder/peloader/pe"
	"github.com/wanglei-coder/peloader/vmem"
)

// ImportKey names one imported function: a lower-cased library file name
// and the symbol, spelled "#n" for by-ordinal imports.
type ImportKey struct {
	Library string
	Symbol  string
}

// ScanImports collects every IAT slot of a mapped image, grouped by the
// function it imports. A symbol can own several slots when the image
// imports it more than once.
func ScanImports(img *pe.File) map[ImportKey][]uint64 {
	out := make(map[ImportKey][]uint64)
	for _, imp := range img.Imports {
		library := strings.ToLower(imp.Name)
		for _, fn := range imp.Functions {
			key := ImportKey{Library: library, Symbol: fn.Name}
			out[key] = append(out[key], img.Rva2Virt(fn.ThunkRVA))
		}
	}
	return out
}

// ResolveImports resolves every import of a mapped image through the
// registry and, when patch is set, writes each resolved address into its
// IAT slot in memory. The slot's own address serves as the synthetic
// resolution for functions no loaded library exports, so every slot ends up
// holding a unique, recognizable value.
//
// The operation is idempotent: a second run re-derives the same addresses
// and rewrites identical slot values.
//
// The returned map records the resolution per canonical "library!symbol"
// name.
func (l *Loader) ResolveImports(mem *vmem.Memory, registry *Registry, img *pe.File, patch bool) (map[string]uint64, error) {
	slots := ScanImports(img)

	// Deterministic resolution order keeps synthetic bases and logs stable.
	keys := make([]ImportKey, 0, len(slots))
	for key := range slots {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Library != keys[j].Library {
			return keys[i].Library < keys[j].Library
		}
		return keys[i].Symbol < keys[j].Symbol
	})

	width := img.PointerWidth()
	resolved := make(map[string]uint64, len(keys))
	for _, key := range keys {
		base := registry.BaseFor(key.Library)
		for _, slot := range slots[key] {
			addr, err := registry.AddressFor(base, key.Symbol, slot)
			if err != nil {
				return nil, errors.Wrapf(err, "failure to resolve %s", CanonicalName(key.Library, key.Symbol))
			}
			resolved[CanonicalName(key.Library, key.Symbol)] = addr

			if !patch {
				continue
			}
			buf := make([]byte, width)
			if width == 8 {
				binary.LittleEndian.PutUint64(buf, addr)
			} else {
				binary.LittleEndian.PutUint32(buf, uint32(addr))
			}
			if err := mem.Write(slot, buf); err != nil {
				return nil, errors.Wrapf(err, "failure to patch slot 0x%x for %s",
					slot, CanonicalName(key.Library, key.Symbol))
			}
		}
	}

	level.Debug(l.logger).Log("msg", "imports resolved", "functions", len(resolved), "patched", patch)
	return resolved, nil
}
