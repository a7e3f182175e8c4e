package platform

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/platinasystems/fdt"
	"periph.io/x/periph/conn/physic"

	"github.com/lprylli/ath79eth/mdio"
	"github.com/lprylli/ath79eth/miictrl"
)

// DefaultDtb is the blob the running kernel booted with.
var DefaultDtb = "/sys/firmware/fdt"

const fdtMagic = 0xd00dfeed

var errBadDtb = errors.New("malformed device tree blob")

// Parse declares the devices of a flattened device tree.
func Parse(dtb []byte) (p *Platform, err error) {
	if len(dtb) < 40 || binary.BigEndian.Uint32(dtb) != fdtMagic {
		return nil, errBadDtb
	}
	t := &fdt.Tree{Debug: false, IsLittleEndian: false}
	defer func() {
		// the walker indexes the blob unchecked
		if r := recover(); r != nil {
			p, err = nil, fmt.Errorf("%w: %v", errBadDtb, r)
		}
	}()
	t.Parse(dtb)
	if t.RootNode == nil {
		return nil, errBadDtb
	}
	return FromTree(t)
}

// FromTree declares every MII control block, MDIO bus and MII control
// consumer of t.
func FromTree(t *fdt.Tree) (*Platform, error) {
	p := New()
	var errs []error

	phandles := make(map[uint32]*fdt.Node)
	for _, prop := range []string{"phandle", "linux,phandle"} {
		t.EachProperty(prop, "", func(n *fdt.Node, name, value string) {
			if v := n.Properties[name]; len(v) == 4 {
				phandles[t.PropUint32(v)] = n
			}
		})
	}

	t.EachProperty("compatible", "", func(n *fdt.Node, name, value string) {
		for _, compat := range t.PropStringSlice(n.Properties[name]) {
			if err := p.declareNode(t, n, compat, phandles); err != nil {
				errs = append(errs, err)
			}
		}
	})

	t.EachProperty("qca,mii-ctrl", "", func(n *fdt.Node, name, value string) {
		cells := t.PropUint32Slice(n.Properties[name])
		if len(cells) != 2 {
			errs = append(errs, fmt.Errorf("%s: %s: %d cells: %w",
				n.Name, name, len(cells), ErrNoResource))
			return
		}
		ctrl, found := phandles[cells[0]]
		if !found {
			errs = append(errs, fmt.Errorf("%s: %s: phandle %#x: %w",
				n.Name, name, cells[0], ErrNotFound))
			return
		}
		c := &Consumer{Name: n.Name, Controller: ctrl.Name, Port: int(cells[1])}
		if mode, found := n.Properties["phy-mode"]; found {
			c.Mode = t.PropString(mode)
		}
		p.DeclareConsumer(c)
	})

	return p, errors.Join(errs...)
}

func (p *Platform) declareNode(t *fdt.Tree, n *fdt.Node, compat string, phandles map[uint32]*fdt.Node) error {
	_, isCtrl := miictrl.Variants[compat]
	_, isBus := mdio.Variants[compat]
	if !isCtrl && !isBus {
		return nil
	}
	reg := t.PropUint32Slice(n.Properties["reg"])
	if len(reg) < 2 {
		return fmt.Errorf("%s: no reg: %w", n.Name, ErrNoResource)
	}
	base, size := int64(reg[0]), int64(reg[1])
	if isCtrl {
		return p.DeclareController(n.Name, compat, base, size)
	}
	b := &Bus{Name: n.Name, Compatible: compat, Base: base, Size: size}
	if v, found := n.Properties["mdio-frequency"]; found && len(v) == 4 {
		b.Rate = physic.Frequency(t.PropUint32(v)) * physic.Hertz
	}
	if v := t.PropUint32Slice(n.Properties["clocks"]); len(v) > 0 {
		if clk, found := phandles[v[0]]; found {
			b.Clock = nodeClock{clk: clk, t: t}
		}
	}
	return p.DeclareBus(b)
}

// nodeClock is a fixed-rate clock provider node.
type nodeClock struct {
	clk *fdt.Node
	t   *fdt.Tree
}

func (c nodeClock) Rate() (physic.Frequency, error) {
	v := c.clk.Properties["clock-frequency"]
	if len(v) != 4 {
		return 0, fmt.Errorf("%s: no clock-frequency", c.clk.Name)
	}
	return physic.Frequency(c.t.PropUint32(v)) * physic.Hertz, nil
}
