package mdio

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"

	"periph.io/x/periph/conn/physic"
)

type access struct {
	off int64
	val uint32
}

// phySim models the MDIO controller in front of a PHY register file.
type phySim struct {
	r    map[int64]uint32
	phys map[uint32]uint16

	// busy polls reported after every started transaction
	busyPolls int
	busyLeft  int
	// stuck reports busy forever, stuckOnRead only once a read is started
	stuck       bool
	stuckOnRead bool

	indReads int
	writes   []access
}

func newSim() *phySim {
	return &phySim{r: make(map[int64]uint32), phys: make(map[uint32]uint16)}
}

func (s *phySim) Name() string { return "sim" }

func (s *phySim) Close() error { return nil }

func (s *phySim) Read32(off int64) uint32 {
	if off != regInd {
		return s.r[off]
	}
	s.indReads++
	switch {
	case s.stuck:
		return indBusy
	case s.busyLeft > 0:
		s.busyLeft--
		return indBusy
	}
	return 0
}

func (s *phySim) Write32(off int64, val uint32) {
	s.writes = append(s.writes, access{off, val})
	s.r[off] = val
	switch off {
	case regCmd:
		if val == cmdRead {
			s.r[regStatus] = 0xdead0000 | uint32(s.phys[s.r[regAddr]&0xffff])
			s.busyLeft = s.busyPolls
			if s.stuckOnRead {
				s.stuck = true
			}
		}
	case regCtrl:
		s.phys[s.r[regAddr]&0xffff] = uint16(val)
		s.busyLeft = s.busyPolls
	}
}

func testConfig() Config {
	return Config{Retry: 20}
}

func newBus(s *phySim, div []uint32) *Bus {
	return New("ag71xx_mdio", s, FixedClock(40*physic.MegaHertz), Variant{Dividers: div}, testConfig())
}

var evenDividers = []uint32{2, 4, 6, 8, 10, 12, 14, 16, 18, 20}

func TestNewDefaults(t *testing.T) {
	b := New("x", newSim(), nil, Variant{}, Config{})
	if b.Rate != DefaultRate || b.Retry != DefaultRetry {
		t.Fatalf("rate %s retry %d", b.Rate, b.Retry)
	}
	if c := DefaultConfig(); c.Delay != DefaultDelay || c.Settle != DefaultSettle {
		t.Fatalf("default config %+v", c)
	}
}

func TestDivider(t *testing.T) {
	for _, tc := range []struct {
		name string
		ref  physic.Frequency
		rate physic.Frequency
		div  []uint32
		want uint32
	}{
		{"exact", 40 * physic.MegaHertz, DefaultRate, evenDividers, 16},
		{"below", 50 * physic.MegaHertz, DefaultRate, evenDividers, 20},
		{"first", 4 * physic.MegaHertz, DefaultRate, evenDividers, 2},
		{"fallback", 400 * physic.MegaHertz, DefaultRate, Variants["qca,ar7100-mdio"].Dividers, 28},
		{"ar7240 at 25MHz", 25 * physic.MegaHertz, DefaultRate, Variants["qca,ar7240-mdio"].Dividers, 12},
		{"faster rate", 40 * physic.MegaHertz, 10 * physic.MegaHertz, evenDividers, 4},
		{"single", 400 * physic.MegaHertz, DefaultRate, []uint32{8}, 8},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New("x", newSim(), FixedClock(tc.ref), Variant{Dividers: tc.div}, Config{Rate: tc.rate})
			div, err := b.Divider()
			if err != nil {
				t.Fatal(err)
			}
			if div != tc.want {
				t.Fatalf("divider %d want %d", div, tc.want)
			}
			found := false
			for _, d := range tc.div {
				found = found || d == div
			}
			if !found {
				t.Fatalf("%d not in table", div)
			}
		})
	}
}

type badClock struct{}

func (badClock) Rate() (physic.Frequency, error) { return 0, errors.New("no clock source") }

func TestDividerFaults(t *testing.T) {
	for _, tc := range []struct {
		name string
		clk  Clock
		div  []uint32
		want error
	}{
		{"nil clock", nil, evenDividers, ErrNoClock},
		{"zero rate", FixedClock(0), evenDividers, ErrNoClock},
		{"clock error", badClock{}, evenDividers, ErrNoClock},
		{"empty table", FixedClock(physic.MegaHertz), nil, ErrNoDivider},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s := newSim()
			b := New("x", s, tc.clk, Variant{Dividers: tc.div}, Config{})
			if _, err := b.Divider(); !errors.Is(err, tc.want) {
				t.Fatalf("Divider: %v", err)
			}
			if err := b.Reset(); !errors.Is(err, tc.want) {
				t.Fatalf("Reset: %v", err)
			}
			if len(s.writes) != 0 {
				t.Fatalf("writes %v", s.writes)
			}
		})
	}
}

func TestReset(t *testing.T) {
	s := newSim()
	b := newBus(s, evenDividers)
	if err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	want := []access{{regCfg, 16 | cfgReset}, {regCfg, 16}}
	if len(s.writes) != len(want) {
		t.Fatalf("writes %v", s.writes)
	}
	for i := range want {
		if s.writes[i] != want[i] {
			t.Fatalf("write %d: %+v want %+v", i, s.writes[i], want[i])
		}
	}
}

func TestSetSpeed(t *testing.T) {
	s := newSim()
	b := newBus(s, evenDividers)
	if err := b.SetSpeed(5 * physic.MegaHertz); err != nil {
		t.Fatal(err)
	}
	if cfg := s.r[regCfg]; cfg != 8 {
		t.Fatalf("cfg %#x", cfg)
	}
	if err := b.SetSpeed(0); !errors.Is(err, ErrInvalid) {
		t.Fatalf("zero rate: %v", err)
	}
	if b.Rate != 5*physic.MegaHertz {
		t.Fatalf("rate changed to %s", b.Rate)
	}
}

func TestWaitNotBusyTimeout(t *testing.T) {
	s := newSim()
	s.stuck = true
	b := newBus(s, evenDividers)
	if err := b.waitNotBusy(); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err %v", err)
	}
	if s.indReads != b.Retry {
		t.Fatalf("%d polls for a budget of %d", s.indReads, b.Retry)
	}
}

func TestWaitNotBusyClears(t *testing.T) {
	s := newSim()
	s.busyLeft = 5
	b := newBus(s, evenDividers)
	if err := b.waitNotBusy(); err != nil {
		t.Fatal(err)
	}
	if s.indReads != 6 {
		t.Fatalf("%d polls", s.indReads)
	}
}

func TestReadProtocol(t *testing.T) {
	s := newSim()
	s.phys[0x0102] = 0x796d
	s.busyPolls = 2
	b := newBus(s, evenDividers)
	v, err := b.Read(1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if v != 0x796d {
		t.Fatalf("read %#x", v)
	}
	want := []access{
		{regCmd, cmdWrite},
		{regAddr, 0x0102},
		{regCmd, cmdRead},
		{regCmd, cmdWrite},
	}
	if len(s.writes) != len(want) {
		t.Fatalf("writes %v", s.writes)
	}
	for i := range want {
		if s.writes[i] != want[i] {
			t.Fatalf("write %d: %+v want %+v", i, s.writes[i], want[i])
		}
	}
}

func TestReadTimeoutBeforeStart(t *testing.T) {
	s := newSim()
	s.stuck = true
	b := newBus(s, evenDividers)
	v, err := b.Read(1, 2)
	if !errors.Is(err, ErrTimeout) || v != 0 {
		t.Fatalf("v=%#x err=%v", v, err)
	}
	if len(s.writes) != 0 {
		t.Fatalf("writes %v", s.writes)
	}
}

func TestReadTimeoutInFlight(t *testing.T) {
	s := newSim()
	s.stuckOnRead = true
	s.phys[0x0102] = 0x1234
	b := newBus(s, evenDividers)
	v, err := b.Read(1, 2)
	if !errors.Is(err, ErrTimeout) || v != 0 {
		t.Fatalf("v=%#x err=%v", v, err)
	}
	if s.r[regCmd] != cmdWrite {
		t.Fatalf("command latch left at %#x", s.r[regCmd])
	}
}

func TestWrite(t *testing.T) {
	s := newSim()
	s.busyPolls = 3
	b := newBus(s, evenDividers)
	if err := b.Write(4, 0x1f, 0xbeef); err != nil {
		t.Fatal(err)
	}
	want := []access{{regAddr, 0x041f}, {regCtrl, 0xbeef}}
	if len(s.writes) != len(want) || s.writes[0] != want[0] || s.writes[1] != want[1] {
		t.Fatalf("writes %v", s.writes)
	}
	if s.indReads != 4 {
		t.Fatalf("%d polls", s.indReads)
	}
	if s.r[regCmd] != cmdWrite {
		t.Fatalf("command latch at %#x", s.r[regCmd])
	}
}

func TestWriteTimeout(t *testing.T) {
	s := newSim()
	s.stuck = true
	b := newBus(s, evenDividers)
	if err := b.Write(4, 0, 1); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err %v", err)
	}
}

func TestRoundTrip(t *testing.T) {
	s := newSim()
	s.busyPolls = 1
	b := newBus(s, evenDividers)
	if err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	for _, tc := range []struct {
		phy, reg int
		val      uint16
	}{
		{0, 0, 0x1140},
		{1, 4, 0x01e1},
		{31, 31, 0xffff},
		{0x10, 0x11, 0},
	} {
		if err := b.Write(tc.phy, tc.reg, tc.val); err != nil {
			t.Fatal(err)
		}
		v, err := b.Read(tc.phy, tc.reg)
		if err != nil {
			t.Fatal(err)
		}
		if v != tc.val {
			t.Fatalf("phy %d reg %d: read %#x wrote %#x", tc.phy, tc.reg, v, tc.val)
		}
	}
}

func TestAddressMasking(t *testing.T) {
	if a := packAddr(0x1ff, 0x123); a != 0xff23 {
		t.Fatalf("packed %#x", a)
	}
	s := newSim()
	b := newBus(s, evenDividers)
	if err := b.Write(-1, 0x7ff, 5); err != nil {
		t.Fatal(err)
	}
	if a := s.r[regAddr]; a&^0xffff != 0 {
		t.Fatalf("address register %#x", a)
	}
}

func TestDump(t *testing.T) {
	s := newSim()
	b := newBus(s, evenDividers)
	if err := b.Reset(); err != nil {
		t.Fatal(err)
	}
	buf := new(bytes.Buffer)
	b.Dump(buf)
	out := buf.String()
	for _, want := range []string{
		"MII_CFG[0x20]: 0x00000010\n",
		"  MII_CFG.Clock divider: 0x10\n",
		"MII_IND[0x34]: 0x00000000\n",
		"  MII_IND.Busy: 0x0\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in\n%s", want, out)
		}
	}
	if len(b.Regs()) != 6 {
		t.Fatalf("%d registers", len(b.Regs()))
	}
}

func TestHalt(t *testing.T) {
	s := newSim()
	s.r[regCmd] = cmdRead
	b := newBus(s, evenDividers)
	if err := b.Halt(); err != nil {
		t.Fatal(err)
	}
	if s.r[regCmd] != cmdWrite {
		t.Fatalf("command latch at %#x", s.r[regCmd])
	}
}

func TestTraceOnlyWhenVerbose(t *testing.T) {
	var lines []string
	saved := trace
	defer func() { trace, Verbose = saved, false }()
	trace = func(args ...interface{}) {
		lines = append(lines, fmt.Sprintf(args[0].(string), args[1:]...))
	}
	b := newBus(newSim(), evenDividers)
	for phy := 0; phy < 32; phy++ {
		if _, err := b.Read(phy, 2); err != nil {
			t.Fatal(err)
		}
		if err := b.Write(phy, 0, 0); err != nil {
			t.Fatal(err)
		}
	}
	if len(lines) != 0 {
		t.Fatalf("%d trace lines, first %q", len(lines), lines[0])
	}
	Verbose = true
	if _, err := b.Read(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := b.Write(1, 2, 0x1234); err != nil {
		t.Fatal(err)
	}
	want := []string{
		"ag71xx_mdio: mii_read: addr=0001, reg=0002, value=0000",
		"ag71xx_mdio: mii_write: addr=0001, reg=0002, value=1234",
	}
	if len(lines) != len(want) || lines[0] != want[0] || lines[1] != want[1] {
		t.Fatalf("traces %q", lines)
	}
}
