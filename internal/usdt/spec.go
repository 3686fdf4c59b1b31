package usdt

import (
	"encoding/binary"
	"fmt"
)

// Spec layout of struct __bpf_usdt_spec in libbpf's usdt.bpf.h.
const (
	argSpecSize   = 16
	specCookieOff = MaxArgs * argSpecSize
	specArgCntOff = specCookieOff + 8

	// SpecSize is the value size of the __bpf_usdt_specs map.
	SpecSize = 208

	// SpecMap is the map programs built against usdt.bpf.h read their
	// argument specs from, indexed by the uprobe cookie.
	SpecMap = "__bpf_usdt_specs"
)

// ptRegs maps register names to their offset in struct pt_regs. Narrow x86
// registers share the slot of their 64-bit register; the value is shifted
// down to the argument size when read.
var ptRegs = map[string]map[string]int16{
	"amd64": amd64Regs(),
	"arm64": arm64Regs(),
}

func amd64Regs() map[string]int16 {
	regs := make(map[string]int16)
	for off, names := range [][]string{
		{"r15", "r15d", "r15w", "r15b"},
		{"r14", "r14d", "r14w", "r14b"},
		{"r13", "r13d", "r13w", "r13b"},
		{"r12", "r12d", "r12w", "r12b"},
		{"rbp", "ebp", "bp", "bpl"},
		{"rbx", "ebx", "bx", "bl"},
		{"r11", "r11d", "r11w", "r11b"},
		{"r10", "r10d", "r10w", "r10b"},
		{"r9", "r9d", "r9w", "r9b"},
		{"r8", "r8d", "r8w", "r8b"},
		{"rax", "eax", "ax", "al"},
		{"rcx", "ecx", "cx", "cl"},
		{"rdx", "edx", "dx", "dl"},
		{"rsi", "esi", "si", "sil"},
		{"rdi", "edi", "di", "dil"},
		{},
		{"rip", "eip", "ip"},
		{},
		{},
		{"rsp", "esp", "sp", "spl"},
	} {
		for _, n := range names {
			regs[n] = int16(off * 8)
		}
	}
	return regs
}

func arm64Regs() map[string]int16 {
	regs := map[string]int16{"sp": 31 * 8}
	for i := range 31 {
		regs[fmt.Sprintf("x%d", i)] = int16(i * 8)
	}
	return regs
}

// EncodeSpec renders args as a __bpf_usdt_spec value for arch, a GOARCH
// name.
func EncodeSpec(args []Arg, arch string) ([]byte, error) {
	regs, ok := ptRegs[arch]
	if !ok {
		return nil, fmt.Errorf("USDT arguments not supported on %s", arch)
	}
	if len(args) > MaxArgs {
		return nil, fmt.Errorf("%d arguments, at most %d supported", len(args), MaxArgs)
	}

	buf := make([]byte, SpecSize)
	order := binary.NativeEndian
	for i, a := range args {
		b := buf[i*argSpecSize : (i+1)*argSpecSize]

		var regOff int16
		if a.Kind != ArgConst {
			off, ok := regs[a.Reg]
			if !ok {
				return nil, fmt.Errorf("argument #%d: unknown %s register %q", i+1, arch, a.Reg)
			}
			regOff = off
		}

		order.PutUint64(b[0:], uint64(a.Value))
		order.PutUint32(b[8:], uint32(a.Kind))
		order.PutUint16(b[12:], uint16(regOff))
		if a.Signed {
			b[14] = 1
		}
		b[15] = byte(64 - a.Size*8)
	}
	order.PutUint16(buf[specArgCntOff:], uint16(len(args)))
	return buf, nil
}
