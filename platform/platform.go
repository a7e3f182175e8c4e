// Package platform binds MII control blocks and MDIO buses to register
// windows and hands out serialized access to them.
//
// Devices are first declared, then bound once their register window is
// mapped. Lookups of a declared but unbound device fail with ErrNotReady so
// consumers can defer and retry; unknown devices fail with ErrNotFound.
package platform

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/platinasystems/log"
	"periph.io/x/periph/conn/physic"

	"github.com/lprylli/ath79eth/mdio"
	"github.com/lprylli/ath79eth/miictrl"
	"github.com/lprylli/ath79eth/pmem"
)

var (
	ErrNotFound   = errors.New("no such device")
	ErrNotReady   = errors.New("device not bound yet, try again later")
	ErrBusy       = errors.New("device in use")
	ErrNoResource = errors.New("missing hardware resource")
)

// Mapper maps size bytes of registers at physical address hwaddr.
type Mapper func(name string, hwaddr, size int64) (pmem.Region, error)

// DevMem maps windows from pmem.DevName, with mmap or pread/pwrite.
func DevMem(write, mmap bool) Mapper {
	return func(name string, hwaddr, size int64) (pmem.Region, error) {
		if mmap {
			r, err := pmem.Map(name, hwaddr, size, write)
			if err != nil {
				return nil, err
			}
			return r, nil
		}
		r, err := pmem.FileMap(name, hwaddr, size, write)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

// Controller is an MII control block known to the platform.
type Controller struct {
	Name       string
	Compatible string
	Base, Size int64

	// mu serializes register updates and binding; block and refs belong
	// to the Platform lock.
	mu    sync.Mutex
	block *miictrl.Block
	refs  int
}

// Port is a consumer's reference to one port of a bound Controller.
type Port struct {
	p        *Platform
	c        *Controller
	h        *miictrl.Handle
	released bool
}

func (port *Port) String() string { return port.h.String() }

func (port *Port) Port() int { return port.h.Port() }

// Block gives read-only tooling access to the controller registers.
func (port *Port) Block() *miictrl.Block { return port.h.Block() }

// lock takes the register lock of a port still held. A held port keeps the
// controller bound, so the block stays mapped until unlock.
func (port *Port) lock() error {
	port.c.mu.Lock()
	port.p.mu.Lock()
	released := port.released
	port.p.mu.Unlock()
	if released {
		port.c.mu.Unlock()
		return fmt.Errorf("%s: released: %w", port, ErrNotReady)
	}
	return nil
}

func (port *Port) SetInterface(mode miictrl.Mode) error {
	if err := port.lock(); err != nil {
		return err
	}
	defer port.c.mu.Unlock()
	return port.h.SetInterface(mode)
}

func (port *Port) SetSpeed(mbps int) error {
	if err := port.lock(); err != nil {
		return err
	}
	defer port.c.mu.Unlock()
	return port.h.SetSpeed(mbps)
}

func (port *Port) Get() (miictrl.Word, error) {
	if err := port.lock(); err != nil {
		return miictrl.Word{}, err
	}
	defer port.c.mu.Unlock()
	return port.h.Get(), nil
}

// Release drops the reference taken by Lookup. Extra calls are no-ops.
func (port *Port) Release() {
	port.p.mu.Lock()
	defer port.p.mu.Unlock()
	if port.released {
		return
	}
	port.released = true
	port.c.refs--
}

// Bus serializes the transactions of one MDIO bus.
type Bus struct {
	Name       string
	Compatible string
	Base, Size int64
	Clock      mdio.Clock
	// Rate overrides the platform's default MDC rate when set.
	Rate physic.Frequency

	mu  sync.Mutex
	bus *mdio.Bus
}

func (b *Bus) Ready() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus != nil
}

func (b *Bus) do(f func(*mdio.Bus) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus == nil {
		return fmt.Errorf("%s: %w", b.Name, ErrNotReady)
	}
	return f(b.bus)
}

func (b *Bus) Read(phy, reg int) (val uint16, err error) {
	err = b.do(func(m *mdio.Bus) (err error) {
		val, err = m.Read(phy, reg)
		return
	})
	return
}

func (b *Bus) Write(phy, reg int, val uint16) error {
	return b.do(func(m *mdio.Bus) error { return m.Write(phy, reg, val) })
}

func (b *Bus) Reset() error {
	return b.do(func(m *mdio.Bus) error { return m.Reset() })
}

func (b *Bus) SetSpeed(f physic.Frequency) error {
	return b.do(func(m *mdio.Bus) error { return m.SetSpeed(f) })
}

func (b *Bus) Dump(w io.Writer) error {
	return b.do(func(m *mdio.Bus) error {
		m.Dump(w)
		return nil
	})
}

// Consumer is a MAC referencing a port of a controller, with the interface
// mode it wants applied at probe time.
type Consumer struct {
	Name string
	// Controller is the referenced controller's name.
	Controller string
	Port       int
	Mode       string
}

type Platform struct {
	// Config is the timing given to every bus bound.
	Config mdio.Config

	mu        sync.Mutex
	ctrls     map[string]*Controller
	buses     map[string]*Bus
	consumers map[string]*Consumer
}

func New() *Platform {
	return &Platform{
		Config:    mdio.DefaultConfig(),
		ctrls:     make(map[string]*Controller),
		buses:     make(map[string]*Bus),
		consumers: make(map[string]*Consumer),
	}
}

// DeclareController records an MII control block that Bind can later map.
func (p *Platform) DeclareController(name, compatible string, base, size int64) error {
	if _, found := miictrl.Variants[compatible]; !found {
		return fmt.Errorf("%s: %s: %w", name, compatible, ErrNotFound)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, found := p.ctrls[name]; found {
		return fmt.Errorf("%s: already declared: %w", name, ErrBusy)
	}
	p.ctrls[name] = &Controller{Name: name, Compatible: compatible, Base: base, Size: size}
	return nil
}

// DeclareBus records an MDIO bus that Bind can later map.
func (p *Platform) DeclareBus(b *Bus) error {
	if _, found := mdio.Variants[b.Compatible]; !found {
		return fmt.Errorf("%s: %s: %w", b.Name, b.Compatible, ErrNotFound)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, found := p.buses[b.Name]; found {
		return fmt.Errorf("%s: already declared: %w", b.Name, ErrBusy)
	}
	p.buses[b.Name] = b
	return nil
}

func (p *Platform) DeclareConsumer(c *Consumer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.consumers[c.Name] = c
}

func (p *Platform) BindController(name string, mapper Mapper) error {
	p.mu.Lock()
	c, found := p.ctrls[name]
	p.mu.Unlock()
	if !found {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p.mu.Lock()
	bound := c.block != nil
	p.mu.Unlock()
	if bound {
		return nil
	}
	v := miictrl.Variants[c.Compatible]
	if c.Size < v.Size() {
		return fmt.Errorf("%s: window of %#x bytes, need %#x: %w",
			name, c.Size, v.Size(), ErrNoResource)
	}
	m, err := mapper(name, c.Base, c.Size)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", name, err, ErrNoResource)
	}
	block, err := miictrl.New(m, v)
	if err != nil {
		m.Close()
		return err
	}
	p.mu.Lock()
	c.block = block
	p.mu.Unlock()
	log.Print("info", name, ": ", c.Compatible, " at ", fmt.Sprintf("%#x", c.Base))
	return nil
}

func (p *Platform) BindBus(name string, mapper Mapper) error {
	p.mu.Lock()
	b, found := p.buses[name]
	cfg := p.Config
	p.mu.Unlock()
	if !found {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus != nil {
		return nil
	}
	if b.Size < mdio.Size {
		return fmt.Errorf("%s: window of %#x bytes, need %#x: %w",
			name, b.Size, mdio.Size, ErrNoResource)
	}
	if b.Rate != 0 {
		cfg.Rate = b.Rate
	}
	m, err := mapper(name, b.Base, b.Size)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", name, err, ErrNoResource)
	}
	bus := mdio.New(fmt.Sprintf("ag71xx_mdio@%x", b.Base), m, b.Clock,
		mdio.Variants[b.Compatible], cfg)
	if err = bus.Reset(); err != nil {
		bus.Close()
		return err
	}
	b.bus = bus
	log.Print("info", name, ": ", bus, " ", b.Compatible, " mdc <= ", bus.Rate)
	return nil
}

// Lookup returns a reference to a port of the named controller, to be
// released with Port.Release.
func (p *Platform) Lookup(name string, port int) (*Port, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, found := p.ctrls[name]
	if !found {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if c.block == nil {
		return nil, fmt.Errorf("%s: %w", name, ErrNotReady)
	}
	h, err := c.block.Port(port)
	if err != nil {
		return nil, err
	}
	c.refs++
	return &Port{p: p, c: c, h: h}, nil
}

// LookupFor returns the port referenced by the named consumer.
func (p *Platform) LookupFor(consumer string) (*Port, error) {
	p.mu.Lock()
	c, found := p.consumers[consumer]
	p.mu.Unlock()
	if !found {
		return nil, fmt.Errorf("%s: %w", consumer, ErrNotFound)
	}
	return p.Lookup(c.Controller, c.Port)
}

// Bus returns a bound MDIO bus.
func (p *Platform) Bus(name string) (*Bus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, found := p.buses[name]
	if !found {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if !b.Ready() {
		return nil, fmt.Errorf("%s: %w", name, ErrNotReady)
	}
	return b, nil
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (p *Platform) Controllers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.ctrls)
}

func (p *Platform) Buses() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedKeys(p.buses)
}

// Probe binds every declared device then applies the interface mode wanted
// by each consumer. A failing device does not stop the others.
func (p *Platform) Probe(mapper Mapper) error {
	return errors.Join(p.BindAll(mapper), p.ApplyModes())
}

// BindAll binds every declared device, leaving port configuration alone.
func (p *Platform) BindAll(mapper Mapper) error {
	var errs []error
	for _, name := range p.Controllers() {
		if err := p.BindController(name, mapper); err != nil {
			log.Print("err", err)
			errs = append(errs, err)
		}
	}
	for _, name := range p.Buses() {
		if err := p.BindBus(name, mapper); err != nil {
			log.Print("err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyModes sets the interface mode of every consumer with a phy-mode.
func (p *Platform) ApplyModes() error {
	var errs []error
	p.mu.Lock()
	names := sortedKeys(p.consumers)
	p.mu.Unlock()
	for _, name := range names {
		if err := p.applyMode(name); err != nil {
			log.Print("err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Platform) applyMode(consumer string) error {
	p.mu.Lock()
	c := p.consumers[consumer]
	p.mu.Unlock()
	if c.Mode == "" {
		return nil
	}
	mode, err := miictrl.ParseMode(c.Mode)
	if err != nil {
		return fmt.Errorf("%s: %w", consumer, err)
	}
	port, err := p.LookupFor(consumer)
	if err != nil {
		return fmt.Errorf("%s: %w", consumer, err)
	}
	defer port.Release()
	if err = port.SetInterface(mode); err != nil {
		return fmt.Errorf("%s: %w", consumer, err)
	}
	log.Print("info", consumer, ": ", port, " set to ", mode)
	return nil
}

// UnbindController releases the registers of a controller no consumer
// holds a port of.
func (p *Platform) UnbindController(name string) error {
	p.mu.Lock()
	c, found := p.ctrls[name]
	if !found {
		p.mu.Unlock()
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	if c.refs > 0 {
		p.mu.Unlock()
		return fmt.Errorf("%s: %d ports held: %w", name, c.refs, ErrBusy)
	}
	block := c.block
	c.block = nil
	p.mu.Unlock()
	if block == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return block.Close()
}

// UnbindBus unregisters the bus and releases its registers.
func (p *Platform) UnbindBus(name string) error {
	p.mu.Lock()
	b, found := p.buses[name]
	p.mu.Unlock()
	if !found {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bus == nil {
		return nil
	}
	err := b.bus.Close()
	b.bus = nil
	return err
}

// Close unbinds everything; controllers with outstanding ports stay bound.
func (p *Platform) Close() error {
	var errs []error
	for _, name := range p.Buses() {
		errs = append(errs, p.UnbindBus(name))
	}
	for _, name := range p.Controllers() {
		errs = append(errs, p.UnbindController(name))
	}
	return errors.Join(errs...)
}
