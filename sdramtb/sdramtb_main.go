// Binary sdramtb drives the SDRAM model through a full initialization,
// write and read-back scenario on a single clock domain. It doubles as the
// reference for how driver programs compose the harness: domains, a traced
// design, a behavioral model and pin wiring by indirection.
package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/spf13/pflag"

	"github.com/picotb/picotb/clock"
	"github.com/picotb/picotb/harness"
	"github.com/picotb/picotb/sdram"
	"github.com/picotb/picotb/trace"
	"github.com/picotb/picotb/uut"
)

// busMonitor is a small hand-written design: it samples the SDRAM command
// bus combinationally on the step half and presents the registered copy on
// the end-step half, so the trace shows the bus as the model saw it.
type busMonitor struct {
	// Clk is owned by the clock domain once registered.
	Clk uint8
	// Registered command bus copies, dumped to the trace.
	Csn, Rasn, Casn, Wen, Ba uint8
	Addr                     uint16
	Data                     uint32

	src    *controller
	shadow busShadow
}

type busShadow struct {
	csn, rasn, casn, wen, ba uint8
	addr                     uint16
	data                     uint32
}

func (m *busMonitor) Name() string { return "busmon" }

func (m *busMonitor) EvalStep() {
	m.shadow = busShadow{
		csn:  m.src.csn,
		rasn: m.src.rasn,
		casn: m.src.casn,
		wen:  m.src.wen,
		ba:   m.src.ba,
		addr: m.src.addr,
		data: m.src.din,
	}
}

func (m *busMonitor) EvalEndStep() {
	m.Csn = m.shadow.csn
	m.Rasn = m.shadow.rasn
	m.Casn = m.shadow.casn
	m.Wen = m.shadow.wen
	m.Ba = m.shadow.ba
	m.Addr = m.shadow.addr
	m.Data = m.shadow.data
}

func (m *busMonitor) Trace(v *trace.VCD, levels int) error {
	for _, sig := range []struct {
		name  string
		width int
		cell  any
	}{
		{"clk", 1, &m.Clk},
		{"cs_n", 1, &m.Csn},
		{"ras_n", 1, &m.Rasn},
		{"cas_n", 1, &m.Casn},
		{"we_n", 1, &m.Wen},
		{"ba", 2, &m.Ba},
		{"addr", 11, &m.Addr},
		{"data", 32, &m.Data},
	} {
		if err := v.Register(m.Name()+"."+sig.name, sig.width, sig.cell); err != nil {
			return err
		}
	}
	return nil
}

func (m *busMonitor) Final() {}

// controller owns the driver side of the SDRAM pins and plays the part of a
// memory controller, one command per clock cycle.
type controller struct {
	bench *harness.Bench
	dom   *clock.Domain
	chip  *sdram.Chip

	cke, csn, rasn, casn, wen, ba uint8
	addr                          uint16
	din                           uint32
	dout                          uint32
}

func newController(b *harness.Bench, dom *clock.Domain, chip *sdram.Chip) (*controller, error) {
	c := &controller{bench: b, dom: dom, chip: chip, cke: 1}
	chip.ICke = &c.cke
	chip.ICsN = &c.csn
	chip.IRasN = &c.rasn
	chip.ICasN = &c.casn
	chip.IWeN = &c.wen
	chip.IBa = &c.ba
	chip.IAddr = &c.addr
	chip.IData = &c.din
	chip.OData = &c.dout
	if err := dom.AddModelClock(&chip.IClk); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *controller) nop() {
	c.csn, c.rasn, c.casn, c.wen = 0, 1, 1, 1
}

func (c *controller) prechargeAll() {
	c.csn, c.rasn, c.casn, c.wen = 0, 0, 1, 0
	c.addr = 0x400
}

func (c *controller) autoRefresh() {
	c.csn, c.rasn, c.casn, c.wen = 0, 0, 0, 1
}

func (c *controller) modeRegisterSet(cas uint8, blCode uint16) {
	c.csn, c.rasn, c.casn, c.wen = 0, 0, 0, 0
	c.addr = uint16(cas)<<4 | blCode
}

func (c *controller) bankActive(bank uint8, row uint16) {
	c.csn, c.rasn, c.casn, c.wen = 0, 0, 1, 1
	c.ba = bank
	c.addr = row
}

func (c *controller) readCmd(bank uint8, col uint16) {
	c.csn, c.rasn, c.casn, c.wen = 0, 1, 0, 1
	c.ba = bank
	c.addr = col | 0x400
}

func (c *controller) writeCmd(bank uint8, col uint16, val uint32) {
	c.csn, c.rasn, c.casn, c.wen = 0, 1, 0, 0
	c.ba = bank
	c.addr = col | 0x400
	c.din = val
}

// cycle advances the simulation through exactly one rising edge of the
// domain with the current command on the pins.
func (c *controller) cycle() error {
	return c.bench.EvalUntilClockEdge(c.dom, 0)
}

// cycles runs n command cycles, checking for an external finish between
// them.
func (c *controller) cycles(n uint64) error {
	for i := uint64(0); i < n; i++ {
		if c.bench.IsDone() {
			return nil
		}
		if err := c.cycle(); err != nil {
			return err
		}
	}
	return nil
}

// initialize runs the standard power-up sequence: startup delay, precharge
// all, two auto-refreshes and the mode register set.
func (c *controller) initialize(cfg *sdram.Config, waits sdramWaits) error {
	log.Info("sdramtb: running initialization", "startup_cycles", waits.init)
	c.nop()
	if err := c.cycles(waits.init - 1); err != nil {
		return err
	}
	c.prechargeAll()
	if err := c.cycle(); err != nil {
		return err
	}
	c.nop()
	if err := c.cycles(waits.precharge - 1); err != nil {
		return err
	}
	for i := 0; i < 2; i++ {
		c.autoRefresh()
		if err := c.cycle(); err != nil {
			return err
		}
		c.nop()
		if err := c.cycles(waits.refresh - 1); err != nil {
			return err
		}
	}
	c.modeRegisterSet(cfg.CASLatency, burstCode(cfg.BurstLength))
	if err := c.cycle(); err != nil {
		return err
	}
	c.nop()
	return c.cycles(waits.loadMode)
}

func (c *controller) writeBlock(block uint32, val uint32, waits sdramWaits) error {
	bank, row, col := splitBlock(block)
	c.bankActive(bank, row)
	if err := c.cycle(); err != nil {
		return err
	}
	c.nop()
	if err := c.cycles(waits.active - 1); err != nil {
		return err
	}
	c.writeCmd(bank, col, val)
	if err := c.cycle(); err != nil {
		return err
	}
	c.nop()
	return c.cycles(waits.write)
}

func (c *controller) readBlock(block uint32, waits sdramWaits) (uint32, error) {
	bank, row, col := splitBlock(block)
	c.bankActive(bank, row)
	if err := c.cycle(); err != nil {
		return 0, err
	}
	c.nop()
	if err := c.cycles(waits.active - 1); err != nil {
		return 0, err
	}
	c.readCmd(bank, col)
	if err := c.cycle(); err != nil {
		return 0, err
	}
	c.nop()
	if err := c.cycles(waits.read - 1); err != nil {
		return 0, err
	}
	val := c.dout
	return val, c.cycles(1)
}

// splitBlock decomposes a composite block address into bank, row and column
// for the modeled 2/11/8 bit geometry.
func splitBlock(block uint32) (bank uint8, row uint16, col uint16) {
	col = uint16(block & 0xFF)
	row = uint16((block >> 8) & 0x7FF)
	bank = uint8(block >> 19)
	return
}

// burstCode maps a burst length to its mode register field value.
func burstCode(burst uint16) uint16 {
	switch burst {
	case 1:
		return 0
	case 2:
		return 1
	case 4:
		return 2
	case 8:
		return 3
	}
	return 7
}

// sdramWaits mirrors the cycle counts the model derives from its config, so
// the controller issues commands on exactly the cycle each wait drains.
type sdramWaits struct {
	init, precharge, refresh, loadMode, active, write, read uint64
}

func deriveWaits(cfg *sdram.Config) sdramWaits {
	period := 1000.0 / cfg.FreqMHz
	// Same rounding expression the model uses so the command cycles line
	// up exactly.
	ceil := func(ns float64) uint64 {
		return uint64(math.Ceil(ns / period))
	}
	return sdramWaits{
		init:      ceil(cfg.TDesl),
		precharge: ceil(cfg.TRp),
		refresh:   ceil(cfg.TRc),
		loadMode:  ceil(cfg.TMrd),
		active:    ceil(cfg.TRcd),
		write:     ceil(cfg.TWr+cfg.TRp) + uint64(cfg.BurstLength),
		read:      uint64(cfg.CASLatency) + uint64(cfg.BurstLength),
	}
}

func main() {
	var (
		configFile = pflag.StringP("config", "c", "", "Optional yaml file overriding the SDRAM parameters.")
		vcdFile    = pflag.StringP("vcd", "o", "", "Path to write a VCD trace to. Empty disables tracing.")
		debug      = pflag.BoolP("debug", "d", false, "Emit model state change logging while running.")
		runtime    = pflag.Uint64P("runtime", "r", 0, "Runtime limit in ps. 0 runs until the scenario completes.")
		payload    = pflag.StringP("payload", "p", "Good evening twitter this is your boy edp445", "Byte payload to round trip through the model.")
	)
	pflag.Parse()

	if *debug {
		log.SetLevel(log.DebugLevel)
	}

	cfg := sdram.DefConfig()
	if *configFile != "" {
		var err error
		if cfg, err = sdram.LoadConfig(*configFile); err != nil {
			log.Fatal("sdramtb: bad config", "err", err)
		}
	}

	b := harness.New(pflag.Args(), *runtime)
	defer b.Close()

	// An interrupt requests a clean stop; the trace is flushed after
	// every dump so whatever ran so far is already on disk.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigs
		b.Context().SetFinish()
	}()

	dom, err := clock.Init(&clock.DomainDef{FreqMHz: cfg.FreqMHz})
	if err != nil {
		log.Fatal("sdramtb: bad clock domain", "err", err)
	}
	if err := b.AddDomain(dom); err != nil {
		log.Fatal("sdramtb: can't add domain", "err", err)
	}

	chip, err := sdram.Init(&sdram.ChipDef{Config: cfg})
	if err != nil {
		log.Fatal("sdramtb: can't initialize SDRAM model", "err", err)
	}
	ctl, err := newController(b, dom, chip)
	if err != nil {
		log.Fatal("sdramtb: can't wire controller", "err", err)
	}
	if err := b.AddModel(chip); err != nil {
		log.Fatal("sdramtb: can't add model", "err", err)
	}

	mon := &busMonitor{src: ctl}
	modWrap, err := uut.New(mon)
	if err != nil {
		log.Fatal("sdramtb: can't wrap monitor", "err", err)
	}
	if err := b.AddModule(modWrap); err != nil {
		log.Fatal("sdramtb: can't add module", "err", err)
	}
	if err := dom.AddModuleClock(&mon.Clk); err != nil {
		log.Fatal("sdramtb: can't register monitor clock", "err", err)
	}

	if *vcdFile != "" {
		if err := b.SetTracing(true, *vcdFile); err != nil {
			log.Fatal("sdramtb: can't set up tracing", "err", err)
		}
	}

	// Pad the payload out to whole 32-bit blocks.
	data := []byte(*payload)
	for len(data)%4 != 0 {
		data = append(data, 0)
	}
	nBlocks := uint32(len(data) / 4)

	waits := deriveWaits(cfg)
	if err := ctl.initialize(cfg, waits); err != nil {
		log.Fatal("sdramtb: initialization failed", "err", err)
	}
	log.Info("sdramtb: initialization complete", "time_ps", b.Context().Time())

	for i := uint32(0); i < nBlocks; i++ {
		if err := ctl.writeBlock(i, binary.LittleEndian.Uint32(data[i*4:]), waits); err != nil {
			log.Fatal("sdramtb: write failed", "block", i, "err", err)
		}
	}
	log.Info("sdramtb: wrote payload", "blocks", nBlocks, "bytes", len(data))

	got := make([]byte, len(data))
	for i := uint32(0); i < nBlocks; i++ {
		val, err := ctl.readBlock(i, waits)
		if err != nil {
			log.Fatal("sdramtb: read failed", "block", i, "err", err)
		}
		binary.LittleEndian.PutUint32(got[i*4:], val)
	}

	if b.IsDone() {
		log.Info("sdramtb: stopped early (interrupt or runtime limit)", "time_ps", b.Context().Time())
		return
	}
	if !bytes.Equal(got, data) {
		log.Error("sdramtb: read back mismatch", "want", string(data), "got", string(got))
		os.Exit(1)
	}
	log.Info("sdramtb: round trip ok", "time_ps", b.Context().Time(), "payload", string(got))
}
