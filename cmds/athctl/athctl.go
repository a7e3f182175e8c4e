// athctl programs the MII control block and drives the MDIO bus of ath79
// SoCs from user space, through /dev/mem.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/platinasystems/flags"
	"github.com/platinasystems/parms"
	"periph.io/x/periph/conn/physic"

	"github.com/lprylli/ath79eth/mdio"
	"github.com/lprylli/ath79eth/miictrl"
	"github.com/lprylli/ath79eth/platform"
	"github.com/lprylli/ath79eth/pmem"
	"github.com/lprylli/ath79eth/regs"
)

const usage = `usage: athctl [-v] [-nommap] [-dtb FILE] [-devmem DEV]
	[-ctrl ADDR|NODE] [-mdio ADDR|NODE] [-variant SOC] [-ref FREQ] [-rate FREQ]
	COMMAND [ARGS]...

  show                   decoded port words and bus state
  iface PORT MODE        select gmii, mii, rgmii or rmii
  speed PORT MBPS        set 10, 100 or 1000 Mbps
  read PHY REG           MDIO read
  write PHY REG VALUE    MDIO write
  scan                   list PHY addresses answering on the bus
  reset                  reset the MDIO bus
  dump                   register dump
  watch [INTERVAL]       print port words when they change

Without -ctrl and -mdio addresses, devices come from the device tree
(default /sys/firmware/fdt). -ref is the MDIO reference clock when the bus
is given by address; -rate caps the MDC frequency. Frequencies take an SI
prefixed Hz unit: 40MHz, 2500kHz.`

var errUsage = errors.New(usage)

const defaultVariant = "ar7100"

var watchInterval = 100 * time.Millisecond

type athctl struct {
	w    io.Writer
	p    *platform.Platform
	ctrl string
	bus  string
	stop <-chan struct{}

	// why the selected devices failed to bind
	ctrlErr, busErr error
}

func main() {
	stop := make(chan struct{})
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		close(stop)
	}()
	if err := run(os.Args[1:], os.Stdout, nil, stop); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string, w io.Writer, mapper platform.Mapper, stop <-chan struct{}) error {
	flag, args := flags.New(args, "-v", "-nommap")
	parm, args := parms.New(args, "-dtb", "-devmem", "-ctrl", "-mdio",
		"-variant", "-ref", "-rate")
	if len(args) == 0 {
		return errUsage
	}
	mdio.Verbose = flag.ByName["-v"]
	if dev := parm.ByName["-devmem"]; len(dev) > 0 {
		pmem.DevName = dev
	}
	if mapper == nil {
		mapper = platform.DevMem(true, !flag.ByName["-nommap"])
	}

	c := &athctl{w: w, stop: stop}
	if err := c.load(parm.ByName); err != nil {
		return err
	}
	defer c.p.Close()
	c.bind(mapper)

	if s := parm.ByName["-rate"]; len(s) > 0 {
		f, err := parseFreq(s)
		if err != nil {
			return err
		}
		b, err := c.mdio()
		if err != nil {
			return err
		}
		if err = b.SetSpeed(f); err != nil {
			return err
		}
	}
	return c.exec(args[0], args[1:])
}

func parseAddr(s string) (int64, bool) {
	v, err := strconv.ParseUint(s, 0, 32)
	return int64(v), err == nil
}

// load declares the devices to probe, from their addresses or from the
// device tree.
func (c *athctl) load(parm parms.ByName) error {
	variant := parm["-variant"]
	if len(variant) == 0 {
		variant = defaultVariant
	}
	ctrl, bus := parm["-ctrl"], parm["-mdio"]
	ctrlAddr, ctrlIsAddr := parseAddr(ctrl)
	busAddr, busIsAddr := parseAddr(bus)

	dtb := parm["-dtb"]
	if len(dtb) == 0 && !ctrlIsAddr && !busIsAddr {
		dtb = platform.DefaultDtb
	}
	if len(dtb) > 0 {
		b, err := os.ReadFile(dtb)
		if err != nil {
			return err
		}
		if c.p, err = platform.Parse(b); c.p == nil {
			return fmt.Errorf("%s: %w", dtb, err)
		} else if err != nil {
			fmt.Fprintln(os.Stderr, dtb+":", err)
		}
	} else {
		c.p = platform.New()
	}

	if ctrlIsAddr {
		compat := "qca," + variant + "-mii-ctrl"
		ctrl = fmt.Sprintf("mii-ctrl@%x", ctrlAddr)
		err := c.p.DeclareController(ctrl, compat, ctrlAddr,
			miictrl.Variants[compat].Size())
		if err != nil {
			return err
		}
	}
	if busIsAddr {
		b := &platform.Bus{
			Name:       fmt.Sprintf("mdio@%x", busAddr),
			Compatible: "qca," + variant + "-mdio",
			Base:       busAddr,
			Size:       mdio.Size,
		}
		if s := parm["-ref"]; len(s) > 0 {
			f, err := parseFreq(s)
			if err != nil {
				return err
			}
			b.Clock = mdio.FixedClock(f)
		}
		if err := c.p.DeclareBus(b); err != nil {
			return err
		}
		bus = b.Name
	}
	c.ctrl = pick(ctrl, c.p.Controllers())
	c.bus = pick(bus, c.p.Buses())
	return nil
}

// bind maps the selected devices first, keeping their errors for the
// commands that need them. Unrelated devices may fail.
func (c *athctl) bind(mapper platform.Mapper) {
	if len(c.ctrl) > 0 {
		c.ctrlErr = c.p.BindController(c.ctrl, mapper)
	}
	if len(c.bus) > 0 {
		c.busErr = c.p.BindBus(c.bus, mapper)
	}
	c.p.BindAll(mapper)
}

// pick keeps an explicit choice, else the only device declared.
func pick(name string, declared []string) string {
	if len(name) == 0 && len(declared) == 1 {
		return declared[0]
	}
	return name
}

func (c *athctl) port(s string) (*platform.Port, error) {
	if len(c.ctrl) == 0 {
		return nil, fmt.Errorf("%d MII control blocks, select one with -ctrl",
			len(c.p.Controllers()))
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("port %q: %w", s, err)
	}
	if c.ctrlErr != nil {
		return nil, c.ctrlErr
	}
	return c.p.Lookup(c.ctrl, n)
}

func (c *athctl) mdio() (*platform.Bus, error) {
	if len(c.bus) == 0 {
		return nil, fmt.Errorf("%d MDIO buses, select one with -mdio",
			len(c.p.Buses()))
	}
	if c.busErr != nil {
		return nil, c.busErr
	}
	return c.p.Bus(c.bus)
}

func nargs(cmd string, args []string, n int) error {
	if len(args) != n {
		return fmt.Errorf("%s: %d arguments, want %d\n%s", cmd, len(args), n, usage)
	}
	return nil
}

func (c *athctl) exec(cmd string, args []string) error {
	switch cmd {
	case "show":
		return c.show()
	case "iface":
		if err := nargs(cmd, args, 2); err != nil {
			return err
		}
		mode, err := miictrl.ParseMode(args[1])
		if err != nil {
			return err
		}
		return c.setPort(args[0], func(p *platform.Port) error { return p.SetInterface(mode) })
	case "speed":
		if err := nargs(cmd, args, 2); err != nil {
			return err
		}
		mbps, err := strconv.Atoi(args[1])
		if err != nil {
			return err
		}
		return c.setPort(args[0], func(p *platform.Port) error { return p.SetSpeed(mbps) })
	case "read":
		if err := nargs(cmd, args, 2); err != nil {
			return err
		}
		return c.read(args[0], args[1])
	case "write":
		if err := nargs(cmd, args, 3); err != nil {
			return err
		}
		return c.write(args[0], args[1], args[2])
	case "scan":
		return c.scan()
	case "reset":
		b, err := c.mdio()
		if err != nil {
			return err
		}
		return b.Reset()
	case "dump":
		return c.dump()
	case "watch":
		interval := watchInterval
		if len(args) > 0 {
			d, err := time.ParseDuration(args[0])
			if err != nil {
				return err
			}
			interval = d
		}
		return c.watch(interval)
	}
	return fmt.Errorf("%s: unknown command\n%s", cmd, usage)
}

func (c *athctl) setPort(s string, f func(*platform.Port) error) error {
	p, err := c.port(s)
	if err != nil {
		return err
	}
	defer p.Release()
	if err = f(p); err != nil {
		return err
	}
	w, err := p.Get()
	if err != nil {
		return err
	}
	fmt.Fprintf(c.w, "%s: %s\n", p, w)
	return nil
}

func (c *athctl) show() error {
	for _, name := range c.p.Controllers() {
		for n := 0; n < miictrl.MaxPorts; n++ {
			p, err := c.p.Lookup(name, n)
			if errors.Is(err, miictrl.ErrInvalid) {
				break
			}
			if err != nil {
				fmt.Fprintf(c.w, "%s: %v\n", name, err)
				break
			}
			w, err := p.Get()
			p.Release()
			if err != nil {
				return err
			}
			fmt.Fprintf(c.w, "%s: %s\n", p, w)
		}
	}
	for _, name := range c.p.Buses() {
		state := "ready"
		if _, err := c.p.Bus(name); err != nil {
			state = err.Error()
		}
		fmt.Fprintf(c.w, "%s: %s\n", name, state)
	}
	return nil
}

func parsePhyReg(phy, reg string) (int, int, error) {
	p, err := strconv.ParseUint(phy, 0, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("phy %q: %w", phy, err)
	}
	r, err := strconv.ParseUint(reg, 0, 8)
	if err != nil {
		return 0, 0, fmt.Errorf("register %q: %w", reg, err)
	}
	return int(p), int(r), nil
}

func (c *athctl) read(phy, reg string) error {
	p, r, err := parsePhyReg(phy, reg)
	if err != nil {
		return err
	}
	b, err := c.mdio()
	if err != nil {
		return err
	}
	v, err := b.Read(p, r)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.w, "%#04x\n", v)
	return nil
}

func (c *athctl) write(phy, reg, val string) error {
	p, r, err := parsePhyReg(phy, reg)
	if err != nil {
		return err
	}
	v, err := strconv.ParseUint(val, 0, 16)
	if err != nil {
		return fmt.Errorf("value %q: %w", val, err)
	}
	b, err := c.mdio()
	if err != nil {
		return err
	}
	return b.Write(p, r, uint16(v))
}

// scan reads the identifier registers of every address; absent PHYs read
// all ones.
func (c *athctl) scan() error {
	b, err := c.mdio()
	if err != nil {
		return err
	}
	for phy := 0; phy < 32; phy++ {
		id1, err := b.Read(phy, 2)
		if err != nil {
			return err
		}
		id2, err := b.Read(phy, 3)
		if err != nil {
			return err
		}
		if id1 == 0xffff || (id1 == 0 && id2 == 0) {
			continue
		}
		fmt.Fprintf(c.w, "phy %d: %04x:%04x\n", phy, id1, id2)
	}
	return nil
}

func (c *athctl) block() (*miictrl.Block, func(), error) {
	p, err := c.port("0")
	if err != nil {
		return nil, nil, err
	}
	return p.Block(), p.Release, nil
}

func (c *athctl) dump() error {
	if len(c.ctrl) == 0 && len(c.bus) == 0 {
		return errors.New("nothing to dump, select -ctrl or -mdio")
	}
	if len(c.ctrl) > 0 {
		blk, release, err := c.block()
		if err != nil {
			return err
		}
		regs.Dump(c.w, blk.Region(), blk.Regs())
		release()
	}
	if len(c.bus) > 0 {
		b, err := c.mdio()
		if err != nil {
			return err
		}
		return b.Dump(c.w)
	}
	return nil
}

func (c *athctl) watch(interval time.Duration) error {
	blk, release, err := c.block()
	if err != nil {
		return err
	}
	defer release()
	var mons []*pmem.Monitor
	names := make(map[*pmem.Monitor]string)
	for _, r := range blk.Regs() {
		// everything but the select and speed fields
		m := &pmem.Monitor{M: blk.Region(), Off: r.Off, Mask: ^uint32(0x33)}
		mons = append(mons, m)
		names[m] = fmt.Sprint(blk, ".", strings.ToLower(r.Name))
	}
	pmem.Watch(mons, interval, c.stop, func(ch pmem.Change) {
		fmt.Fprintf(c.w, "%v %s: %s -> %s\n", ch.Time.Round(time.Millisecond),
			names[ch.Mon], miictrl.DecodeWord(ch.Old), miictrl.DecodeWord(ch.New))
	})
	return nil
}

// parseFreq takes a frequency with an optional SI prefixed Hz unit, as in
// "40MHz" or "2500kHz"; a bare number is in Hz.
func parseFreq(s string) (physic.Frequency, error) {
	var f physic.Frequency
	if err := f.Set(s); err != nil {
		return 0, fmt.Errorf("frequency %q: %w", s, err)
	}
	if f <= 0 {
		return 0, fmt.Errorf("frequency %q: %w", s, mdio.ErrInvalid)
	}
	return f, nil
}
