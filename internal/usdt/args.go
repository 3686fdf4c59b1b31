package usdt

import (
	"fmt"
	"strconv"
	"strings"
)

// MaxArgs is the most arguments one site may declare.
const MaxArgs = 12

// ArgKind says where an argument value lives. The values match the
// __bpf_usdt_arg_type enum of libbpf's usdt.bpf.h.
type ArgKind uint32

const (
	ArgConst    ArgKind = iota // Value is the argument
	ArgReg                     // the argument is in Reg
	ArgRegDeref                // the argument is at Reg+Value
)

func (k ArgKind) String() string {
	switch k {
	case ArgConst:
		return "const"
	case ArgReg:
		return "reg"
	case ArgRegDeref:
		return "reg_deref"
	default:
		return "unknown"
	}
}

// Arg is one parsed argument of a probe site, e.g. "-4@-20(%rbp)".
type Arg struct {
	Kind   ArgKind
	Size   int // bytes: 1, 2, 4 or 8
	Signed bool
	Reg    string // register name without the % prefix
	Value  int64  // constant for ArgConst, displacement for ArgRegDeref
}

// ParseArgs parses the space separated argument string of a note. Both the
// x86 (AT&T) and arm64 operand syntaxes are accepted.
func ParseArgs(s string) ([]Arg, error) {
	fields := strings.Fields(s)
	if len(fields) > MaxArgs {
		return nil, fmt.Errorf("%d arguments, at most %d supported", len(fields), MaxArgs)
	}

	var args []Arg
	for i, f := range fields {
		a, err := parseArg(f)
		if err != nil {
			return nil, fmt.Errorf("argument #%d %q: %w", i+1, f, err)
		}
		args = append(args, a)
	}
	return args, nil
}

func parseArg(s string) (Arg, error) {
	sizeStr, op, ok := strings.Cut(s, "@")
	if !ok {
		return Arg{}, fmt.Errorf("missing size prefix")
	}
	size, err := strconv.Atoi(sizeStr)
	if err != nil {
		return Arg{}, fmt.Errorf("bad size: %w", err)
	}

	a := Arg{Size: size, Signed: size < 0}
	if a.Signed {
		a.Size = -size
	}
	switch a.Size {
	case 1, 2, 4, 8:
	default:
		return Arg{}, fmt.Errorf("unsupported size %d", a.Size)
	}

	switch {
	case op == "":
		return Arg{}, fmt.Errorf("empty operand")

	// x86 immediate: $42
	case op[0] == '$':
		a.Kind = ArgConst
		a.Value, err = strconv.ParseInt(op[1:], 0, 64)

	// x86 register: %rdi
	case op[0] == '%':
		a.Kind, a.Reg = ArgReg, op[1:]

	// arm64 memory: [sp, 12] or [x1]
	case op[0] == '[':
		a.Kind = ArgRegDeref
		a.Reg, a.Value, err = parseARM64Mem(op)

	// x86 memory: -20(%rbp) or (%rax)
	case strings.HasSuffix(op, ")"):
		a.Kind = ArgRegDeref
		a.Reg, a.Value, err = parseX86Mem(op)

	// arm64 immediate or register: 5, x0
	default:
		if v, perr := strconv.ParseInt(op, 0, 64); perr == nil {
			a.Kind, a.Value = ArgConst, v
		} else {
			a.Kind, a.Reg = ArgReg, op
		}
	}
	if err != nil {
		return Arg{}, err
	}
	return a, nil
}

func parseX86Mem(op string) (string, int64, error) {
	disp, rest, _ := strings.Cut(op, "(")
	reg := strings.TrimSuffix(rest, ")")
	if !strings.HasPrefix(reg, "%") || strings.Contains(reg, ",") {
		return "", 0, fmt.Errorf("unsupported memory operand")
	}

	var off int64
	if disp != "" {
		var err error
		if off, err = strconv.ParseInt(disp, 0, 64); err != nil {
			return "", 0, fmt.Errorf("bad displacement: %w", err)
		}
	}
	return reg[1:], off, nil
}

func parseARM64Mem(op string) (string, int64, error) {
	if !strings.HasSuffix(op, "]") {
		return "", 0, fmt.Errorf("unterminated memory operand")
	}
	reg, disp, hasDisp := strings.Cut(op[1:len(op)-1], ",")
	reg = strings.TrimSpace(reg)
	if reg == "" {
		return "", 0, fmt.Errorf("missing base register")
	}
	if !hasDisp {
		return reg, 0, nil
	}

	off, err := strconv.ParseInt(strings.TrimSpace(disp), 0, 64)
	if err != nil {
		return "", 0, fmt.Errorf("bad displacement: %w", err)
	}
	return reg, off, nil
}
