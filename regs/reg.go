// Package regs describes register layouts in a compact text form and dumps
// live register windows with their decoded fields.
//
// A description has one line per register, "OFFSET NAME", followed by its
// fields indented by two spaces, "HI:LO NAME" or "BIT NAME":
//
//	0x20 CFG
//	  31 Reset
//	  3:0 Clock select
package regs

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/lprylli/ath79eth/pmem"
)

type Reg struct {
	Name   string
	Off    int64
	Fields []*RegField
}

type RegField struct {
	Parent            *Reg
	Name              string
	FirstBit, NumBits uint8
}

func (f *RegField) Get(val uint32) uint32 { return Bits(val, f.FirstBit, f.NumBits) }

func Bit(val uint32, pos uint8) uint32 {
	return (val >> pos) & 1
}

func Bits(val uint32, pos uint8, num uint8) uint32 {
	return (val >> pos) & ((1 << num) - 1)
}

func ParseField(r *Reg, fields []string) error {
	var f RegField
	var l = strings.Join(fields, " ")
	if r == nil {
		return fmt.Errorf("field outside of a register: %q", l)
	}
	if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
		return fmt.Errorf("cannot parse field line: %q", l)
	}
	f.Parent = r
	f.Name = strings.Join(fields[1:], " ")
	bits := strings.Split(fields[0], ":")
	b0, err := strconv.ParseUint(bits[0], 10, 8)
	if err != nil || b0 > 31 {
		return fmt.Errorf("cannot parse field line: %q", l)
	}
	switch len(bits) {
	case 1:
		f.NumBits = 1
		f.FirstBit = uint8(b0)
	case 2:
		b1, err := strconv.ParseUint(bits[1], 10, 8)
		if err != nil || b0 <= b1 {
			return fmt.Errorf("cannot parse field line: %q", l)
		}
		f.NumBits = uint8(b0 + 1 - b1)
		f.FirstBit = uint8(b1)
	default:
		return fmt.Errorf("cannot parse field line: %q", l)
	}
	r.Fields = append(r.Fields, &f)
	return nil
}

func ParseReg(fields []string) (*Reg, error) {
	var r Reg
	if len(fields) < 2 || fields[0] == "" || fields[1] == "" {
		return nil, fmt.Errorf("cannot parse reg line: %q", strings.Join(fields, " "))
	}
	r.Name = strings.Join(fields[1:], " ")
	off, err := strconv.ParseInt(fields[0], 0, 32)
	if err != nil {
		return nil, fmt.Errorf("cannot parse offset of reg line: %q", strings.Join(fields, " "))
	}
	r.Off = off
	return &r, nil
}

func ParseRegs(def string) ([]*Reg, error) {
	var r *Reg
	var rList []*Reg
	for _, l := range strings.Split(def, "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		fields := strings.Split(l, " ")
		if len(fields) > 2 && fields[0] == "" && fields[1] == "" {
			if err := ParseField(r, fields[2:]); err != nil {
				return nil, err
			}
			continue
		}
		var err error
		if r, err = ParseReg(fields); err != nil {
			return nil, err
		}
		rList = append(rList, r)
	}
	return rList, nil
}

// MustParseRegs is ParseRegs for descriptions compiled into the program.
func MustParseRegs(def string) []*Reg {
	l, err := ParseRegs(def)
	if err != nil {
		panic(err)
	}
	return l
}

// Dump prints every register of list read from m, followed by its fields.
func Dump(w io.Writer, m pmem.Region, list []*Reg) {
	for _, r := range list {
		val := m.Read32(r.Off)
		fmt.Fprintf(w, "%s[%#x]: %#08x\n", r.Name, r.Off, val)
		for _, f := range r.Fields {
			fmt.Fprintf(w, "  %s.%s: 0x%x\n", r.Name, f.Name, f.Get(val))
		}
	}
}
