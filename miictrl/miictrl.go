// Package miictrl drives the shared MII control block of ath79 SoCs, which
// selects the electrical interface and link speed of each MAC port.
//
// Each port owns one 32-bit word:
//
//	[5:4] speed  (0: 10, 1: 100, 2: 1000 Mbps)
//	[1:0] select (0: GMII, 1: MII, 2: RGMII, 3: RMII); port 1 only has [0]
//
// Nothing here locks; callers serialize access to a Block.
package miictrl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lprylli/ath79eth/pmem"
	"github.com/lprylli/ath79eth/regs"
)

const (
	MaxPorts = 2
	stride   = 4

	selectShift     = 0
	selectMask      = 0x3
	selectPort1Mask = 0x1

	speedShift = 4
	speedMask  = 0x3
)

const (
	Speed10   uint32 = 0
	Speed100  uint32 = 1
	Speed1000 uint32 = 2
)

var ErrInvalid = errors.New("invalid argument")

type Mode uint32

const (
	GMII  Mode = 0
	MII   Mode = 1
	RGMII Mode = 2
	RMII  Mode = 3
)

var modeNames = [...]string{GMII: "gmii", MII: "mii", RGMII: "rgmii", RMII: "rmii"}

func (m Mode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("mode(%d)", uint32(m))
}

// ParseMode accepts the device tree phy-mode names.
func ParseMode(s string) (Mode, error) {
	for m, name := range modeNames {
		if strings.EqualFold(s, name) {
			return Mode(m), nil
		}
	}
	return 0, fmt.Errorf("%q: unsupported interface mode: %w", s, ErrInvalid)
}

// Word is the decoded content of a port register.
type Word struct {
	Select uint32
	Speed  uint32
}

func DecodeWord(v uint32) Word {
	return Word{
		Select: (v >> selectShift) & selectMask,
		Speed:  (v >> speedShift) & speedMask,
	}
}

func (w Word) Encode() uint32 {
	return (w.Select&selectMask)<<selectShift | (w.Speed&speedMask)<<speedShift
}

// Mbps converts the speed code; 0 for the reserved code.
func (w Word) Mbps() int {
	switch w.Speed {
	case Speed10:
		return 10
	case Speed100:
		return 100
	case Speed1000:
		return 1000
	}
	return 0
}

func (w Word) String() string {
	return fmt.Sprintf("%s %dMbps", Mode(w.Select), w.Mbps())
}

// Variant is the fixed description of one SoC family's block.
type Variant struct {
	Ports   int
	Gigabit bool
}

// Variants by device tree compatible string.
var Variants = map[string]Variant{
	"qca,ar7100-mii-ctrl": {Ports: 2, Gigabit: true},
	"qca,ar7130-mii-ctrl": {Ports: 2, Gigabit: false},
}

type Block struct {
	Variant
	name string
	m    pmem.Region
}

// New takes ownership of m; Close releases it.
func New(m pmem.Region, v Variant) (*Block, error) {
	if v.Ports < 1 || v.Ports > MaxPorts {
		return nil, fmt.Errorf("%s: %d ports: %w", m.Name(), v.Ports, ErrInvalid)
	}
	return &Block{Variant: v, name: m.Name(), m: m}, nil
}

// Size is the register window a variant needs.
func (v Variant) Size() int64 { return int64(v.Ports) * stride }

func (b *Block) String() string { return b.name }

func (b *Block) Close() error {
	if b.m == nil {
		return nil
	}
	err := b.m.Close()
	b.m = nil
	return err
}

// Port returns the handle of port n.
func (b *Block) Port(n int) (*Handle, error) {
	if n < 0 || n >= b.Ports {
		return nil, fmt.Errorf("%s: port %d of %d: %w", b, n, b.Ports, ErrInvalid)
	}
	return &Handle{b: b, port: n}, nil
}

// Regs describes the port words for regs.Dump.
func (b *Block) Regs() []*regs.Reg {
	var l []*regs.Reg
	for p := 0; p < b.Ports; p++ {
		r := &regs.Reg{Name: fmt.Sprintf("PORT%d", p), Off: int64(p * stride)}
		r.Fields = []*regs.RegField{
			{Parent: r, Name: "Speed", FirstBit: speedShift, NumBits: 2},
			{Parent: r, Name: "Select", FirstBit: selectShift, NumBits: 2},
		}
		l = append(l, r)
	}
	return l
}

// Region exposes the window for read-only tooling such as dumps and
// monitors.
func (b *Block) Region() pmem.Region { return b.m }

// Handle ties a consumer to one port. It does not own the Block, which must
// outlive it.
type Handle struct {
	b    *Block
	port int
}

func (h *Handle) Port() int { return h.port }

func (h *Handle) Block() *Block { return h.b }

func (h *Handle) String() string { return fmt.Sprintf("%s.port%d", h.b, h.port) }

func (h *Handle) off() int64 { return int64(h.port * stride) }

func (h *Handle) Get() Word { return DecodeWord(h.b.m.Read32(h.off())) }

func (h *Handle) put(w Word) { pmem.Store(h.b.m, h.off(), w.Encode()) }

// SetInterface selects the electrical interface of the port. MII and RMII
// can't run at gigabit so a programmed 1000 Mbps speed is lowered to 100.
func (h *Handle) SetInterface(mode Mode) error {
	w := h.Get()
	switch mode {
	case GMII, MII:
		// GMII and MII are only wired on port 0
		if h.port > 0 {
			return fmt.Errorf("%s: %s: %w", h, mode, ErrInvalid)
		}
	case RGMII, RMII:
	default:
		return fmt.Errorf("%s: %s: %w", h, mode, ErrInvalid)
	}

	switch mode {
	case GMII, RGMII:
		if !h.b.Gigabit {
			return fmt.Errorf("%s: %s needs gigabit support: %w", h, mode, ErrInvalid)
		}
	case MII, RMII:
		if w.Speed > Speed100 {
			w.Speed = Speed100
		}
	}

	w.Select = uint32(mode)
	// the select field is a single bit on port 1
	if h.port == 1 {
		w.Select &= selectPort1Mask
	}
	h.put(w)
	return nil
}

// SetSpeed sets the link speed in Mbps: 10, 100 or 1000.
func (h *Handle) SetSpeed(mbps int) error {
	w := h.Get()
	switch mbps {
	case 10:
		w.Speed = Speed10
	case 100:
		w.Speed = Speed100
	case 1000:
		if w.Select == uint32(MII) || w.Select == uint32(RMII) {
			return fmt.Errorf("%s: 1000Mbps with %s: %w", h, Mode(w.Select), ErrInvalid)
		}
		w.Speed = Speed1000
	default:
		return fmt.Errorf("%s: %d Mbps: %w", h, mbps, ErrInvalid)
	}
	h.put(w)
	return nil
}
