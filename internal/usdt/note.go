// Package usdt reads the statically defined tracepoints a binary declares in
// its .note.stapsdt section and maps them to the file offsets uprobes attach
// at.
package usdt

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	noteSection = ".note.stapsdt"
	baseSection = ".stapsdt.base"
	noteOwner   = "stapsdt"
	noteType    = 3
)

// ErrProbeNotFound is returned when a binary declares no site for a probe.
var ErrProbeNotFound = errors.New("usdt probe not found")

// Note is one probe site. A probe inlined in several places has one note per
// site. Addresses are virtual, adjusted for prelinking.
type Note struct {
	Provider  string
	Name      string
	Location  uint64
	Semaphore uint64 // 0 when the probe has no semaphore
	Args      string
}

func (n Note) String() string {
	return fmt.Sprintf("%s:%s@%#x", n.Provider, n.Name, n.Location)
}

// File holds the notes and loadable segments of one binary.
type File struct {
	Path  string
	notes []Note
	loads []elf.ProgHeader
}

// Open parses the probe notes of the ELF binary at path.
func Open(path string) (*File, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer ef.Close()

	f, err := parse(ef)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.Path = path
	return f, nil
}

func parse(ef *elf.File) (*File, error) {
	sec := ef.Section(noteSection)
	if sec == nil {
		return nil, fmt.Errorf("no %s section; binary built without USDT support", noteSection)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", noteSection, err)
	}

	var baseAddr uint64
	if base := ef.Section(baseSection); base != nil {
		baseAddr = base.Addr
	}

	notes, err := parseNotes(data, ef.ByteOrder, ef.Class, baseAddr)
	if err != nil {
		return nil, err
	}

	f := &File{notes: notes}
	for _, p := range ef.Progs {
		if p.Type == elf.PT_LOAD {
			f.loads = append(f.loads, p.ProgHeader)
		}
	}
	return f, nil
}

// parseNotes walks an ELF note section. baseAddr is the address of
// .stapsdt.base in the file, or 0 when the section is absent.
func parseNotes(data []byte, order binary.ByteOrder, class elf.Class, baseAddr uint64) ([]Note, error) {
	addrSize := 8
	if class == elf.ELFCLASS32 {
		addrSize = 4
	}
	addr := func(b []byte) uint64 {
		if addrSize == 4 {
			return uint64(order.Uint32(b))
		}
		return order.Uint64(b)
	}

	var notes []Note
	for len(data) > 0 {
		if len(data) < 12 {
			return nil, fmt.Errorf("truncated note header (%d bytes)", len(data))
		}
		namesz := int(order.Uint32(data[0:]))
		descsz := int(order.Uint32(data[4:]))
		typ := order.Uint32(data[8:])
		data = data[12:]

		nameEnd, descEnd := align4(namesz), align4(namesz)+descsz
		if len(data) < descEnd {
			return nil, fmt.Errorf("truncated note body")
		}
		name := string(bytes.TrimRight(data[:namesz], "\x00"))
		desc := data[nameEnd:descEnd]
		data = data[min(align4(descEnd), len(data)):]

		if name != noteOwner || typ != noteType {
			continue
		}
		if len(desc) < 3*addrSize {
			return nil, fmt.Errorf("stapsdt note descriptor too short (%d bytes)", len(desc))
		}

		n := Note{
			Location:  addr(desc[0:]),
			Semaphore: addr(desc[2*addrSize:]),
		}
		noteBase := addr(desc[addrSize:])

		strs := bytes.SplitN(desc[3*addrSize:], []byte{0}, 4)
		if len(strs) < 3 {
			return nil, fmt.Errorf("stapsdt note at %#x: missing provider or name", n.Location)
		}
		n.Provider, n.Name, n.Args = string(strs[0]), string(strs[1]), string(strs[2])

		// Prelinking moves the binary; the note records where .stapsdt.base
		// was at link time.
		if baseAddr != 0 && noteBase != 0 {
			n.Location += baseAddr - noteBase
			if n.Semaphore != 0 {
				n.Semaphore += baseAddr - noteBase
			}
		}
		notes = append(notes, n)
	}
	return notes, nil
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// Notes returns every probe site in section order.
func (f *File) Notes() []Note {
	return f.notes
}

// Find returns every site of provider:name.
func (f *File) Find(provider, name string) ([]Note, error) {
	var sites []Note
	for _, n := range f.notes {
		if n.Provider == provider && n.Name == name {
			sites = append(sites, n)
		}
	}
	if len(sites) == 0 {
		return nil, fmt.Errorf("%w: %s:%s", ErrProbeNotFound, provider, name)
	}
	return sites, nil
}

// Offset converts a virtual address to the file offset of the loadable
// segment containing it.
func (f *File) Offset(vaddr uint64) (uint64, error) {
	for _, p := range f.loads {
		if vaddr >= p.Vaddr && vaddr < p.Vaddr+p.Memsz {
			return vaddr - p.Vaddr + p.Off, nil
		}
	}
	return 0, fmt.Errorf("address %#x is not in a loadable segment", vaddr)
}
