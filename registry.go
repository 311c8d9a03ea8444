package peloader

import (
	"sort"
	"strconv"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/wanglei-coder/peloader/pe"
)

// DefaultLibraryBase is where synthetic base allocation starts for
// libraries that carry no usable image base of their own.
const DefaultLibraryBase = 0x71111000

// ErrForwarderCycle reports a circular forward reference between exports of
// the same library, which can never resolve.
var ErrForwarderCycle = errors.New("export forwarders form a cycle")

// CanonicalName renders the session-wide identity of a resolved function.
func CanonicalName(library, symbol string) string {
	return library + "!" + symbol
}

// SymbolInfo identifies the owner of a resolved address.
type SymbolInfo struct {
	Base   uint64
	Symbol string
}

// Registry owns the synthetic address space of loaded libraries for one
// emulation session. It maps library names to bases, resolves exported
// symbols (following forwarder chains), and remembers every memory slot
// that was patched with a resolved address so a snapshot can later be
// turned back into an import table.
//
// The address-keyed tables are last-writer-wins: when two identifiers claim
// the same address, the most recently ingested one owns the canonical name.
//
// A Registry is not safe for concurrent use; the session owner serializes
// all loader calls.
type Registry struct {
	logger   log.Logger
	nextBase uint64

	name2Base map[string]uint64
	base2Name map[uint64]string
	funcs     map[uint64]map[string]uint64
	slots     map[uint64]map[string]map[uint64]struct{}
	canon     map[uint64]string
	owners    map[uint64]SymbolInfo
	images    []*pe.File
}

func NewRegistry(logger log.Logger) *Registry {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Registry{
		logger:    logger,
		nextBase:  DefaultLibraryBase,
		name2Base: make(map[string]uint64),
		base2Name: make(map[uint64]string),
		funcs:     make(map[uint64]map[string]uint64),
		slots:     make(map[uint64]map[string]map[uint64]struct{}),
		canon:     make(map[uint64]string),
		owners:    make(map[uint64]SymbolInfo),
	}
}

// BaseFor returns the synthetic base of a library, allocating one when the
// name has never been seen. Stub libraries that were never ingested still
// get a usable base this way, so imports against unknown DLLs resolve.
func (r *Registry) BaseFor(name string) uint64 {
	name = strings.ToLower(name)
	if base, ok := r.name2Base[name]; ok {
		return base
	}
	base := r.allocBase()
	r.register(name, base)
	level.Debug(r.logger).Log("msg", "new lib", "name", name, "base", hex(base))
	return base
}

// LibraryBase is the non-allocating lookup of BaseFor.
func (r *Registry) LibraryBase(name string) (uint64, bool) {
	base, ok := r.name2Base[strings.ToLower(name)]
	return base, ok
}

// LibraryNames returns all registered names in sorted order.
func (r *Registry) LibraryNames() []string {
	names := make([]string, 0, len(r.name2Base))
	for name := range r.name2Base {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadedImages returns every image that has contributed exports.
func (r *Registry) LoadedImages() []*pe.File {
	return r.images
}

// CanonicalNameFor returns the "library!symbol" identity of a resolved
// address.
func (r *Registry) CanonicalNameFor(addr uint64) (string, bool) {
	name, ok := r.canon[addr]
	return name, ok
}

// InfoFor returns the owning library base and symbol of a resolved address.
func (r *Registry) InfoFor(addr uint64) (SymbolInfo, bool) {
	info, ok := r.owners[addr]
	return info, ok
}

// AddressFor returns the resolved address of a symbol in the given library,
// assigning the hint as its synthetic address on first sight. A non-zero
// hint is also recorded as a patched slot for the snapshot reconstructor.
func (r *Registry) AddressFor(base uint64, symbol string, hint uint64) (uint64, error) {
	funcs, ok := r.funcs[base]
	if !ok {
		return 0, errors.Errorf("unknown library base 0x%x", base)
	}

	if hint != 0 {
		r.addSlot(base, symbol, hint)
	}

	if addr, ok := funcs[symbol]; ok {
		return addr, nil
	}
	funcs[symbol] = hint
	r.recordAddress(base, symbol, hint)
	return hint, nil
}

// SlotOwners returns every patched slot address of a library mapped to the
// symbol whose resolved address was written there.
func (r *Registry) SlotOwners(base uint64) map[uint64]string {
	out := make(map[uint64]string)
	for symbol, slotSet := range r.slots[base] {
		for slot := range slotSet {
			out[slot] = symbol
		}
	}
	return out
}

// IngestExports walks an image's export directory and populates the
// registry under the given library name. Forwarder exports are chased:
// same-library forward references are deferred until their target resolves,
// and a reference to a module that was never ingested is an error; the
// caller must load dependencies first.
//
// Re-ingesting a known name keeps its original base and re-walks the
// exports, overwriting earlier resolutions.
func (r *Registry) IngestExports(img *pe.File, name string) error {
	name = strings.ToLower(name)
	r.rememberImage(img)

	base, known := r.name2Base[name]
	if !known {
		base = img.ImageBase()
		if _, taken := r.base2Name[base]; base == 0 || taken {
			base = r.allocBase()
		} else {
			// Keep the synthetic allocator moving past image-derived bases.
			r.nextBase += 0x1000
		}
		r.register(name, base)
		level.Debug(r.logger).Log("msg", "new export lib", "name", name, "base", hex(base))
	}

	if img.Exports == nil {
		return nil
	}

	pending := exportWorklist(img)
	for len(pending) > 0 {
		progress := false
		var deferred []exportTask
		for len(pending) > 0 {
			t := pending[len(pending)-1]
			pending = pending[:len(pending)-1]

			resolved := t.addr
			if module, symbol, ok := redirectedExport(img, t.addr); ok {
				if module == name {
					addr, done := r.funcs[base][symbol]
					if !done {
						// Forward reference inside the same export
						// table; retry once the target resolved.
						deferred = append(deferred, t)
						continue
					}
					resolved = addr
				} else {
					targetBase, loaded := r.name2Base[module]
					if !loaded {
						return errors.Errorf("export %s!%s forwards to %s!%s: load %q first",
							name, t.id, module, symbol, module)
					}
					addr, done := r.funcs[targetBase][symbol]
					if !done {
						return errors.Errorf("export %s!%s forwards to unresolved %s!%s",
							name, t.id, module, symbol)
					}
					resolved = addr
				}
			}

			r.funcs[base][t.id] = resolved
			r.recordAddress(base, t.id, resolved)
			progress = true
		}

		if len(deferred) > 0 && !progress {
			ids := make([]string, len(deferred))
			for i, t := range deferred {
				ids[i] = t.id
			}
			sort.Strings(ids)
			return errors.Wrapf(ErrForwarderCycle, "in %s: %s", name, strings.Join(ids, ", "))
		}
		pending = deferred
	}
	return nil
}

type exportTask struct {
	id   string
	addr uint64
}

// exportWorklist enumerates an image's exports by name and by ordinal,
// yielding one task per identifier. The list is consumed as a stack.
func exportWorklist(img *pe.File) []exportTask {
	exports := img.Exports
	var out []exportTask
	for _, e := range exports.Entries {
		if e.Name == "" {
			continue
		}
		out = append(out, exportTask{id: e.Name, addr: img.Rva2Virt(e.AddressRVA)})
	}
	for _, e := range exports.Entries {
		ordinal := exports.Struct.Base + e.Index
		out = append(out, exportTask{id: "#" + strconv.Itoa(int(ordinal)), addr: img.Rva2Virt(e.AddressRVA)})
	}
	return out
}

// forwarderChars are the bytes allowed in a forwarder string besides
// alphanumerics.
const forwarderChars = "_.-+*$@&#()[]={}"

// redirectedExport probes whether an export address points at a forwarder
// string rather than code. The candidate must be NUL-terminated within 512
// bytes, wholly printable per the forwarder charset, and contain a dot
// separating module from symbol. Anything else is treated as a plain
// address, never as an error.
func redirectedExport(img *pe.File, addr uint64) (module, symbol string, ok bool) {
	var out []byte
	terminated := false
	for i := uint64(0); i < 512; i++ {
		b, err := img.ReadVirtual(addr+i, 1)
		if err != nil {
			return "", "", false
		}
		c := b[0]
		if c == 0 {
			terminated = true
			break
		}
		if !isForwarderChar(c) {
			return "", "", false
		}
		out = append(out, c)
	}
	if !terminated {
		return "", "", false
	}

	s := string(out)
	i := strings.IndexByte(s, '.')
	if i < 0 {
		return "", "", false
	}
	return strings.ToLower(s[:i] + ".dll"), s[i+1:], true
}

func isForwarderChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte(forwarderChars, c) >= 0
}

// rememberImage records an image once, so re-ingesting the same image does
// not duplicate LoadedImages.
func (r *Registry) rememberImage(img *pe.File) {
	for _, have := range r.images {
		if have == img {
			return
		}
	}
	r.images = append(r.images, img)
}

func (r *Registry) allocBase() uint64 {
	base := r.nextBase
	r.nextBase += 0x1000
	return base
}

func (r *Registry) register(name string, base uint64) {
	r.name2Base[name] = base
	r.base2Name[base] = name
	r.funcs[base] = make(map[string]uint64)
	r.slots[base] = make(map[string]map[uint64]struct{})
}

func (r *Registry) addSlot(base uint64, symbol string, slot uint64) {
	set, ok := r.slots[base][symbol]
	if !ok {
		set = make(map[uint64]struct{})
		r.slots[base][symbol] = set
	}
	set[slot] = struct{}{}
}

// recordAddress maintains the invariant that every resolved address is also
// present in the address-keyed tables. Last writer wins on a shared address.
func (r *Registry) recordAddress(base uint64, symbol string, addr uint64) {
	name := r.base2Name[base]
	r.canon[addr] = CanonicalName(name, symbol)
	r.owners[addr] = SymbolInfo{Base: base, Symbol: symbol}
	level.Debug(r.logger).Log("msg", "resolved", "symbol", CanonicalName(name, symbol), "addr", hex(addr))
}

func hex(v uint64) string {
	return "0x" + strconv.FormatUint(v, 16)
}
