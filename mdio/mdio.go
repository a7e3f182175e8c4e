// Package mdio drives the MDIO master of the ag71xx ethernet MACs.
//
// Transactions are synchronous: the calling goroutine polls the indicator
// register until the controller is idle, for a bounded number of retries.
// Bus does no locking of its own.
package mdio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"time"

	"github.com/platinasystems/log"
	"periph.io/x/periph/conn"
	"periph.io/x/periph/conn/physic"

	"github.com/lprylli/ath79eth/pmem"
	"github.com/lprylli/ath79eth/regs"
)

const (
	DefaultRate   = 2500 * physic.KiloHertz
	DefaultRetry  = 1000
	DefaultDelay  = 5 * time.Microsecond
	DefaultSettle = 100 * time.Microsecond
)

const (
	regCfg    = 0x20
	regCmd    = 0x24
	regAddr   = 0x28
	regCtrl   = 0x2c
	regStatus = 0x30
	regInd    = 0x34

	// Size of the register window used by the bus.
	Size = regInd + 4

	cmdWrite  = 0x0
	cmdRead   = 0x1
	addrShift = 8
	indBusy   = 1 << 0
	cfgReset  = 1 << 31
)

var (
	ErrInvalid   = errors.New("invalid argument")
	ErrTimeout   = errors.New("MDIO operation timed out")
	ErrNoClock   = errors.New("reference clock unavailable")
	ErrNoDivider = errors.New("no clock divider")
)

// Verbose dumps the registers after every reset and traces every
// transaction.
var Verbose bool

var trace = func(args ...interface{}) {
	log.Printf(append([]interface{}{"debug"}, args...)...)
}

var regDesc = regs.MustParseRegs(`
0x20 MII_CFG
  31 Reset
  7:0 Clock divider
0x24 MII_CMD
  0 Read
0x28 MII_ADDR
  15:8 PHY
  7:0 Register
0x2c MII_CTRL
  15:0 Value
0x30 MII_STATUS
  15:0 Value
0x34 MII_IND
  2 Invalid
  0 Busy
`)

// Clock reports the rate of the MDIO reference clock.
type Clock interface {
	Rate() (physic.Frequency, error)
}

type FixedClock physic.Frequency

func (c FixedClock) Rate() (physic.Frequency, error) { return physic.Frequency(c), nil }

// Variant holds the clock dividers of one SoC family, fastest first.
type Variant struct {
	Dividers []uint32
}

// Variants by device tree compatible string.
var Variants = map[string]Variant{
	"qca,ar7100-mdio": {Dividers: []uint32{4, 4, 6, 8, 10, 14, 20, 28}},
	"qca,ar7240-mdio": {Dividers: []uint32{2, 2, 4, 6, 8, 12, 18, 26, 32, 40, 48, 56, 62, 70, 78, 96}},
	"qca,ar9330-mdio": {Dividers: []uint32{4, 4, 6, 8, 10, 14, 20, 28, 34, 42, 50, 58, 66, 74, 82, 98}},
}

// Config carries the bus timing. A zero Rate or Retry takes the default;
// Delay and Settle are used as given so simulations can run without sleeping.
type Config struct {
	// Rate is the highest MDC frequency allowed.
	Rate physic.Frequency
	// Retry is the number of indicator polls before ErrTimeout.
	Retry int
	// Delay separates two indicator polls.
	Delay time.Duration
	// Settle is held after each write of the reset sequence.
	Settle time.Duration
}

func DefaultConfig() Config {
	return Config{
		Rate:   DefaultRate,
		Retry:  DefaultRetry,
		Delay:  DefaultDelay,
		Settle: DefaultSettle,
	}
}

type Bus struct {
	Name string
	Variant
	Config

	m   pmem.Region
	clk Clock
}

// New takes ownership of m. The bus is unusable until Reset programs the
// clock divider.
func New(name string, m pmem.Region, clk Clock, v Variant, c Config) *Bus {
	if c.Rate == 0 {
		c.Rate = DefaultRate
	}
	if c.Retry <= 0 {
		c.Retry = DefaultRetry
	}
	return &Bus{Name: name, Variant: v, Config: c, m: m, clk: clk}
}

func (b *Bus) String() string { return b.Name }

func (b *Bus) Close() error {
	if b.m == nil {
		return nil
	}
	err := b.m.Close()
	b.m = nil
	return err
}

// Halt leaves the command latch idle, abandoning a read in flight.
func (b *Bus) Halt() error {
	b.wr(regCmd, cmdWrite)
	return nil
}

var _ conn.Resource = &Bus{}

func (b *Bus) wr(reg int64, val uint32) { pmem.Store(b.m, reg, val) }

func (b *Bus) rr(reg int64) uint32 { return b.m.Read32(reg) }

// delay spins for short waits; the scheduler's sleep granularity is far
// coarser than the few microseconds the controller needs.
func delay(d time.Duration) {
	switch {
	case d <= 0:
	case d < time.Millisecond:
		for t := time.Now(); time.Since(t) < d; {
			runtime.Gosched()
		}
	default:
		time.Sleep(d)
	}
}

// Divider returns the first divider bringing the reference clock at or
// below Rate, falling back on the slowest one.
func (b *Bus) Divider() (uint32, error) {
	if b.clk == nil {
		return 0, fmt.Errorf("%s: %w", b, ErrNoClock)
	}
	ref, err := b.clk.Rate()
	if err != nil {
		return 0, fmt.Errorf("%s: %v: %w", b, err, ErrNoClock)
	}
	if ref <= 0 {
		return 0, fmt.Errorf("%s: %w", b, ErrNoClock)
	}
	if len(b.Dividers) == 0 {
		return 0, fmt.Errorf("%s: %w", b, ErrNoDivider)
	}
	for _, div := range b.Dividers {
		if div == 0 {
			continue
		}
		if ref/physic.Frequency(div) <= b.Rate {
			return div, nil
		}
	}
	// Fallback on the slowest possible clock
	return b.Dividers[len(b.Dividers)-1], nil
}

// Reset pulses the controller reset while programming the divider.
func (b *Bus) Reset() error {
	div, err := b.Divider()
	if err != nil {
		return err
	}
	b.wr(regCfg, div|cfgReset)
	delay(b.Settle)
	b.wr(regCfg, div)
	delay(b.Settle)
	if Verbose {
		buf := new(bytes.Buffer)
		b.Dump(buf)
		log.Print("debug", strings.TrimSuffix(buf.String(), "\n"))
	}
	return nil
}

// SetSpeed changes the maximum MDC rate and resets the bus to apply it.
func (b *Bus) SetSpeed(f physic.Frequency) error {
	if f <= 0 {
		return fmt.Errorf("%s: rate %s: %w", b, f, ErrInvalid)
	}
	b.Rate = f
	return b.Reset()
}

func (b *Bus) waitNotBusy() error {
	for i := 0; i < b.Retry; i++ {
		if b.rr(regInd)&indBusy == 0 {
			return nil
		}
		delay(b.Delay)
	}
	log.Print("err", b.String(), ": MDIO operation timed out")
	return fmt.Errorf("%s: %w", b, ErrTimeout)
}

func packAddr(phy, reg int) uint32 {
	return uint32(phy&0xff)<<addrShift | uint32(reg&0xff)
}

// Read returns register reg of the PHY at address phy.
func (b *Bus) Read(phy, reg int) (uint16, error) {
	if err := b.waitNotBusy(); err != nil {
		return 0, err
	}

	b.wr(regCmd, cmdWrite)
	b.wr(regAddr, packAddr(phy, reg))
	b.wr(regCmd, cmdRead)

	if err := b.waitNotBusy(); err != nil {
		// leave the command latch idle for the next transaction
		b.wr(regCmd, cmdWrite)
		return 0, err
	}

	val := uint16(b.rr(regStatus) & 0xffff)
	b.wr(regCmd, cmdWrite)

	if Verbose {
		trace("%s: mii_read: addr=%04x, reg=%04x, value=%04x",
			b, phy, reg, val)
	}
	return val, nil
}

// Write stores val in register reg of the PHY at address phy.
func (b *Bus) Write(phy, reg int, val uint16) error {
	if Verbose {
		trace("%s: mii_write: addr=%04x, reg=%04x, value=%04x",
			b, phy, reg, val)
	}

	b.wr(regAddr, packAddr(phy, reg))
	b.wr(regCtrl, uint32(val))

	return b.waitNotBusy()
}

func (b *Bus) Regs() []*regs.Reg { return regDesc }

// Dump prints the controller registers with their fields.
func (b *Bus) Dump(w io.Writer) {
	regs.Dump(w, b.m, regDesc)
}
