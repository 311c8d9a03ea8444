// Package vmem is a minimal virtual memory manager for an emulated address
// space: an ordered set of non-overlapping pages with byte-granular reads
// and writes. It stands in for the memory side of a CPU emulator; no
// executable-page distinction is made.
package vmem

import (
	"sort"

	"github.com/pkg/errors"
)

// Prot is a page permission bitmask.
type Prot uint8

const (
	Read Prot = 1 << iota
	Write
)

// Page is one mapped region. Data is owned by the Memory once added.
type Page struct {
	Addr uint64
	Prot Prot
	Data []byte
}

// End returns the first address past the page.
func (p *Page) End() uint64 {
	return p.Addr + uint64(len(p.Data))
}

// Contains reports whether addr falls inside the page.
func (p *Page) Contains(addr uint64) bool {
	return p.Addr <= addr && addr < p.End()
}

// Memory holds the mapped pages of one emulation session. It is not safe
// for concurrent use; the session owner serializes access.
type Memory struct {
	pages []*Page
}

func New() *Memory {
	return new(Memory)
}

var (
	ErrOverlap  = errors.New("page overlaps an existing mapping")
	ErrUnmapped = errors.New("address is not mapped")
)

// AddPage maps a new page. Mappings are append-only and must not overlap.
func (m *Memory) AddPage(addr uint64, prot Prot, data []byte) error {
	if len(data) == 0 {
		return errors.New("refusing to map an empty page")
	}
	end := addr + uint64(len(data))
	for _, p := range m.pages {
		if addr < p.End() && p.Addr < end {
			return errors.Wrapf(ErrOverlap, "[0x%x, 0x%x) vs [0x%x, 0x%x)", addr, end, p.Addr, p.End())
		}
	}

	page := &Page{Addr: addr, Prot: prot, Data: data}
	i := sort.Search(len(m.pages), func(i int) bool { return m.pages[i].Addr > addr })
	m.pages = append(m.pages, nil)
	copy(m.pages[i+1:], m.pages[i:])
	m.pages[i] = page
	return nil
}

// Write overwrites bytes inside a single mapped page.
func (m *Memory) Write(addr uint64, data []byte) error {
	p := m.page(addr)
	if p == nil {
		return errors.Wrapf(ErrUnmapped, "write at 0x%x", addr)
	}
	off := addr - p.Addr
	if off+uint64(len(data)) > uint64(len(p.Data)) {
		return errors.Errorf("write of %d bytes at 0x%x crosses the page end 0x%x", len(data), addr, p.End())
	}
	copy(p.Data[off:], data)
	return nil
}

// Read copies length bytes out of a single mapped page.
func (m *Memory) Read(addr uint64, length int) ([]byte, error) {
	p := m.page(addr)
	if p == nil {
		return nil, errors.Wrapf(ErrUnmapped, "read at 0x%x", addr)
	}
	off := addr - p.Addr
	if off+uint64(length) > uint64(len(p.Data)) {
		return nil, errors.Errorf("read of %d bytes at 0x%x crosses the page end 0x%x", length, addr, p.End())
	}
	out := make([]byte, length)
	copy(out, p.Data[off:])
	return out, nil
}

// Pages returns all mappings in ascending address order. The slice is shared;
// callers must not mutate it.
func (m *Memory) Pages() []*Page {
	return m.pages
}

func (m *Memory) page(addr uint64) *Page {
	i := sort.Search(len(m.pages), func(i int) bool { return m.pages[i].End() > addr })
	if i < len(m.pages) && m.pages[i].Contains(addr) {
		return m.pages[i]
	}
	return nil
}
