package sdram

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/davecgh/go-spew/spew"
	"github.com/go-test/deep"

	"github.com/picotb/picotb/clock"
	"github.com/picotb/picotb/harness"
)

// pins is the driver side of the SDRAM wire protocol: one cell per pin, with
// command helpers that set (CSn, RASn, CASn, WEn) and the address lines the
// way a controller would.
type pins struct {
	clk, cke, csn, rasn, casn, wen, ba uint8
	addr                               uint16
	din                                uint32
	dout                               uint32
}

func wire(s *Chip, p *pins) {
	p.cke = 1
	s.IClk = &p.clk
	s.ICke = &p.cke
	s.ICsN = &p.csn
	s.IRasN = &p.rasn
	s.ICasN = &p.casn
	s.IWeN = &p.wen
	s.IBa = &p.ba
	s.IAddr = &p.addr
	s.IData = &p.din
	s.OData = &p.dout
}

func (p *pins) nop() {
	p.csn, p.rasn, p.casn, p.wen = 0, 1, 1, 1
}

func (p *pins) deselect() {
	p.csn = 1
}

func (p *pins) prechargeAll() {
	p.csn, p.rasn, p.casn, p.wen = 0, 0, 1, 0
	p.addr = kMaskA10
}

func (p *pins) autoRefresh() {
	p.csn, p.rasn, p.casn, p.wen = 0, 0, 0, 1
}

func (p *pins) mrs(cas uint8, blCode uint16) {
	p.csn, p.rasn, p.casn, p.wen = 0, 0, 0, 0
	p.addr = uint16(cas)<<4 | blCode
}

func (p *pins) active(bank uint8, row uint16) {
	p.csn, p.rasn, p.casn, p.wen = 0, 0, 1, 1
	p.ba = bank
	p.addr = row
}

func (p *pins) read(bank uint8, col uint16) {
	p.csn, p.rasn, p.casn, p.wen = 0, 1, 0, 1
	p.ba = bank
	p.addr = col | kMaskA10
}

func (p *pins) write(bank uint8, col uint16, val uint32) {
	p.csn, p.rasn, p.casn, p.wen = 0, 1, 0, 0
	p.ba = bank
	p.addr = col | kMaskA10
	p.din = val
}

// testConfig keeps the unit tests fast: 100MHz (10ns period) with a 200ns
// startup delay instead of 200us.
func testConfig() *Config {
	c := DefConfig()
	c.FreqMHz = 100
	c.TDesl = 200
	return c
}

func newChip(t *testing.T, cfg *Config) (*Chip, *pins) {
	t.Helper()
	s, err := Init(&ChipDef{Config: cfg})
	if err != nil {
		t.Fatalf("can't initialize SDRAM: %v", err)
	}
	p := &pins{}
	wire(s, p)
	return s, p
}

// tick runs one full clock cycle against the model: rising sample then
// falling sample.
func tick(t *testing.T, s *Chip) {
	t.Helper()
	if err := tickErr(s); err != nil {
		t.Fatalf("Unexpected error: %v state: %s", err, spew.Sdump(s.state))
	}
}

func tickErr(s *Chip) error {
	*s.IClk = 1
	if err := s.Eval(); err != nil {
		*s.IClk = 0
		return err
	}
	*s.IClk = 0
	return s.Eval()
}

// ticks runs n cycles with whatever command is currently on the pins.
func ticks(t *testing.T, s *Chip, n uint64) {
	t.Helper()
	for i := uint64(0); i < n; i++ {
		tick(t, s)
	}
}

// initToIdle walks the model through the standard initialization sequence:
// startup delay, precharge-all, two auto-refreshes, mode register set.
func initToIdle(t *testing.T, s *Chip, p *pins, cas uint8, blCode uint16) {
	t.Helper()
	p.nop()
	ticks(t, s, s.t.initWait-1)
	p.prechargeAll()
	tick(t, s)
	if got, want := s.state, kINIT_PRECHARGE; got != want {
		t.Fatalf("State after precharge-all got %v want %v", got, want)
	}
	p.nop()
	ticks(t, s, s.t.prechargeWait-1)
	p.autoRefresh()
	tick(t, s)
	if got, want := s.state, kINIT_REFRESH1; got != want {
		t.Fatalf("State after first auto-refresh got %v want %v", got, want)
	}
	p.nop()
	ticks(t, s, s.t.refreshWait-1)
	p.autoRefresh()
	tick(t, s)
	if got, want := s.state, kINIT_REFRESH2; got != want {
		t.Fatalf("State after second auto-refresh got %v want %v", got, want)
	}
	p.nop()
	ticks(t, s, s.t.refreshWait-1)
	p.mrs(cas, blCode)
	tick(t, s)
	if got, want := s.state, kINIT_MRS; got != want {
		t.Fatalf("State after mode register set got %v want %v", got, want)
	}
	p.nop()
	ticks(t, s, s.t.loadModeWait)
	if got, want := s.state, kWORK_IDLE; got != want {
		t.Fatalf("State after init got %v want %v", got, want)
	}
	if !s.initDone {
		t.Fatal("Init done flag not set after reaching WORK_IDLE")
	}
	if got, want := s.refreshTimer, s.t.maxRefreshInterval; got != want {
		t.Fatalf("Refresh timer not armed: got %d want %d", got, want)
	}
}

// writeBlock runs a full activate/write transaction back to idle.
func writeBlock(t *testing.T, s *Chip, p *pins, bank uint8, row, col uint16, val uint32) {
	t.Helper()
	p.active(bank, row)
	tick(t, s)
	p.nop()
	ticks(t, s, s.t.activeWait-1)
	p.write(bank, col, val)
	tick(t, s)
	if got, want := s.state, kWORK_WRITE; got != want {
		t.Fatalf("State after write command got %v want %v", got, want)
	}
	p.nop()
	ticks(t, s, s.writeWait)
	if got, want := s.state, kWORK_IDLE; got != want {
		t.Fatalf("State after write burst got %v want %v", got, want)
	}
}

// readBlock runs a full activate/read transaction back to idle and returns
// the value sampled from the output pin at the end of the burst window.
func readBlock(t *testing.T, s *Chip, p *pins, bank uint8, row, col uint16) uint32 {
	t.Helper()
	p.active(bank, row)
	tick(t, s)
	p.nop()
	ticks(t, s, s.t.activeWait-1)
	p.read(bank, col)
	tick(t, s)
	if got, want := s.state, kWORK_READ; got != want {
		t.Fatalf("State after read command got %v want %v", got, want)
	}
	p.nop()
	ticks(t, s, s.readWait-1)
	val := *s.OData
	tick(t, s)
	if got, want := s.state, kWORK_IDLE; got != want {
		t.Fatalf("State after read burst got %v want %v", got, want)
	}
	return val
}

func TestInitSequence(t *testing.T) {
	s, p := newChip(t, testConfig())
	initToIdle(t, s, p, 3, 0)
	if got, want := s.CASLatency(), uint8(3); got != want {
		t.Errorf("CAS latency got %d want %d", got, want)
	}
	if got, want := s.BurstLength(), uint16(1); got != want {
		t.Errorf("Burst length got %d want %d", got, want)
	}
}

func TestInitIgnoresCommandsDuringStartupWait(t *testing.T) {
	s, p := newChip(t, testConfig())
	// During the startup delay everything is ignored; the precharge-all
	// only decodes once the wait has drained.
	p.prechargeAll()
	ticks(t, s, s.t.initWait-1)
	if got, want := s.state, kINIT_STARTUP_DELAY; got != want {
		t.Fatalf("State during startup wait got %v want %v", got, want)
	}
	tick(t, s)
	if got, want := s.state, kINIT_PRECHARGE; got != want {
		t.Fatalf("State after startup wait got %v want %v", got, want)
	}
}

func TestInitConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*Config)
	}{
		{name: "zero frequency", mod: func(c *Config) { c.FreqMHz = 0 }},
		{name: "over 500MHz", mod: func(c *Config) { c.FreqMHz = 512 }},
		{name: "CAS 1", mod: func(c *Config) { c.CASLatency = 1 }},
		{name: "CAS 4", mod: func(c *Config) { c.CASLatency = 4 }},
		{name: "burst 3", mod: func(c *Config) { c.BurstLength = 3 }},
		{name: "burst 0", mod: func(c *Config) { c.BurstLength = 0 }},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefConfig()
			test.mod(cfg)
			if _, err := Init(&ChipDef{Config: cfg}); err == nil {
				t.Error("Didn't get error for invalid config?")
			}
		})
	}
}

func TestUnwiredPins(t *testing.T) {
	s, err := Init(nil)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var clk uint8
	s.IClk = &clk
	err = s.Eval()
	if err == nil {
		t.Fatal("Didn't get error for unwired pins?")
	}
	if !strings.Contains(err.Error(), "CSn") {
		t.Errorf("Error doesn't name the missing pin: %v", err)
	}
}

func TestClockEnableLow(t *testing.T) {
	s, p := newChip(t, testConfig())
	p.nop()
	p.cke = 0
	if err := tickErr(s); err == nil {
		t.Error("Didn't get error for CKE low on a clock edge?")
	}
}

func TestUnexpectedCommand(t *testing.T) {
	s, p := newChip(t, testConfig())
	initToIdle(t, s, p, 3, 0)
	// A read with no activated row is a protocol violation.
	p.read(0, 0)
	if err := tickErr(s); err == nil {
		t.Error("Didn't get error for read in WORK_IDLE?")
	}
}

func TestModeRegisterSet(t *testing.T) {
	tests := []struct {
		name   string
		cas    uint8
		blCode uint16
		burst  uint16
	}{
		{name: "CAS 2 burst 2", cas: 2, blCode: 1, burst: 2},
		{name: "CAS 3 burst 4", cas: 3, blCode: 2, burst: 4},
		{name: "CAS 3 burst 8", cas: 3, blCode: 3, burst: 8},
		{name: "full page", cas: 3, blCode: 7, burst: kFullPage},
	}
	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			s, p := newChip(t, testConfig())
			initToIdle(t, s, p, test.cas, test.blCode)
			if got, want := s.CASLatency(), test.cas; got != want {
				t.Errorf("CAS latency got %d want %d", got, want)
			}
			if got, want := s.BurstLength(), test.burst; got != want {
				t.Errorf("Burst length got %d want %d", got, want)
			}
			if got, want := s.readWait, uint64(test.cas)+uint64(test.burst); got != want {
				t.Errorf("Read wait got %d want %d", got, want)
			}
		})
	}
}

func TestModeRegisterSetErrors(t *testing.T) {
	for _, test := range []struct {
		name   string
		cas    uint8
		blCode uint16
	}{
		{name: "reserved burst code", cas: 3, blCode: 4},
		{name: "CAS code 1", cas: 1, blCode: 0},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			s, p := newChip(t, testConfig())
			p.nop()
			ticks(t, s, s.t.initWait-1)
			p.prechargeAll()
			tick(t, s)
			p.nop()
			ticks(t, s, s.t.prechargeWait-1)
			p.mrs(test.cas, test.blCode)
			if err := tickErr(s); err == nil {
				t.Error("Didn't get error for bad mode register value?")
			}
		})
	}
}

// TestCASLatency pins down the read timing: with CAS 3 and burst 1 the
// stored block appears on the output pin exactly 3 cycles after the read
// command.
func TestCASLatency(t *testing.T) {
	s, p := newChip(t, testConfig())
	initToIdle(t, s, p, 3, 0)
	writeBlock(t, s, p, 1, 17, 0x2A, 0xCAFEF00D)

	p.active(1, 17)
	tick(t, s)
	p.nop()
	ticks(t, s, s.t.activeWait-1)
	p.read(1, 0x2A)
	p.dout = 0
	tick(t, s)
	p.nop()
	// Cycles 1 and 2 after the command: bus still idle.
	tick(t, s)
	if p.dout != 0 {
		t.Errorf("Data visible %d cycles early: %.8X", 2, p.dout)
	}
	tick(t, s)
	if p.dout != 0 {
		t.Errorf("Data visible %d cycle early: %.8X", 1, p.dout)
	}
	// Cycle 3: CAS latency satisfied.
	tick(t, s)
	if got, want := p.dout, uint32(0xCAFEF00D); got != want {
		t.Errorf("Read data got %.8X want %.8X", got, want)
	}
	tick(t, s)
	if got, want := s.state, kWORK_IDLE; got != want {
		t.Errorf("State after burst got %v want %v", got, want)
	}
}

// TestBurstWrite checks a burst of 4 writes consecutive blocks from the
// input pin.
func TestBurstWrite(t *testing.T) {
	s, p := newChip(t, testConfig())
	initToIdle(t, s, p, 3, 2) // burst 4
	p.active(0, 5)
	tick(t, s)
	p.nop()
	ticks(t, s, s.t.activeWait-1)
	p.write(0, 0, 0x1000)
	tick(t, s)
	// One further block per cycle from the input pin.
	for i := uint32(1); i < 4; i++ {
		p.nop()
		p.din = 0x1000 + i
		tick(t, s)
	}
	p.nop()
	ticks(t, s, s.writeWait-3)
	if got, want := s.state, kWORK_IDLE; got != want {
		t.Fatalf("State after burst got %v want %v", got, want)
	}

	base := uint32(5) << kColBits
	for i := uint32(0); i < 4; i++ {
		if got, want := s.mem.Read(base+i), 0x1000+i; got != want {
			t.Errorf("Block %d got %.8X want %.8X", i, got, want)
		}
	}
}

// TestReadWriteBanks round-trips one block in every bank.
func TestReadWriteBanks(t *testing.T) {
	s, p := newChip(t, testConfig())
	initToIdle(t, s, p, 3, 0)
	for bank := uint8(0); bank < kNBanks; bank++ {
		writeBlock(t, s, p, bank, uint16(bank)+100, uint16(bank)*2, 0xA0A00000+uint32(bank))
	}
	for bank := uint8(0); bank < kNBanks; bank++ {
		if got, want := readBlock(t, s, p, bank, uint16(bank)+100, uint16(bank)*2), 0xA0A00000+uint32(bank); got != want {
			t.Errorf("Bank %d got %.8X want %.8X", bank, got, want)
		}
	}
}

func TestBankMismatch(t *testing.T) {
	s, p := newChip(t, testConfig())
	initToIdle(t, s, p, 3, 0)
	p.active(0, 1)
	tick(t, s)
	p.nop()
	ticks(t, s, s.t.activeWait-1)
	p.write(1, 0, 0)
	if err := tickErr(s); err == nil {
		t.Error("Didn't get error for bank mismatch?")
	}
}

func TestBurstOverrun(t *testing.T) {
	s, p := newChip(t, testConfig())
	initToIdle(t, s, p, 3, 0)
	// The very last block is refused: block + burst must stay below the
	// block count.
	p.active(kMaskBA, kMaskRow)
	tick(t, s)
	p.nop()
	ticks(t, s, s.t.activeWait-1)
	p.write(kMaskBA, kMaskCol, 0)
	if err := tickErr(s); err == nil {
		t.Error("Didn't get error for burst overrun?")
	}
}

func TestAutoPrechargeRequired(t *testing.T) {
	s, p := newChip(t, testConfig())
	initToIdle(t, s, p, 3, 0)
	p.active(0, 0)
	tick(t, s)
	p.nop()
	ticks(t, s, s.t.activeWait-1)
	p.read(0, 0)
	p.addr &^= kMaskA10
	if err := tickErr(s); err == nil {
		t.Error("Didn't get error for read without auto-precharge?")
	}
}

func TestRefreshDeadline(t *testing.T) {
	cfg := testConfig()
	cfg.TMaxRefi = 500 // 50 cycles at 100MHz.
	s, p := newChip(t, cfg)
	initToIdle(t, s, p, 3, 0)
	p.deselect()
	// The interval timer runs even with the chip deselected.
	ticks(t, s, s.t.maxRefreshInterval)
	if err := tickErr(s); err == nil {
		t.Error("Didn't get error for missed refresh deadline?")
	}
}

func TestAutoRefreshRearm(t *testing.T) {
	s, p := newChip(t, testConfig())
	initToIdle(t, s, p, 3, 0)
	p.deselect()
	ticks(t, s, 5)
	p.autoRefresh()
	tick(t, s)
	if got, want := s.state, kWORK_REFRESH; got != want {
		t.Fatalf("State after auto-refresh got %v want %v", got, want)
	}
	p.nop()
	ticks(t, s, s.t.refreshWait)
	if got, want := s.state, kWORK_IDLE; got != want {
		t.Fatalf("State after refresh got %v want %v", got, want)
	}
	if got, want := s.refreshTimer, s.t.maxRefreshInterval; got != want {
		t.Errorf("Refresh timer not rearmed: got %d want %d", got, want)
	}
}

// TestRoundTrip is the end-to-end scenario through the full harness: a
// 143MHz clock domain drives the model via its clock pin indirection, the
// standard initialization runs, a 44 byte buffer goes in from block 0 and
// comes back out byte for byte.
func TestRoundTrip(t *testing.T) {
	payload := []byte("Good evening twitter this is your boy edp445")
	if len(payload)%4 != 0 {
		t.Fatalf("Payload length %d not block aligned", len(payload))
	}
	nBlocks := len(payload) / 4

	b := harness.New(nil, 0)
	dom, err := clock.Init(&clock.DomainDef{FreqMHz: 143})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := b.AddDomain(dom); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	s, err := Init(nil) // Datasheet defaults: 143MHz, CAS 3, burst 1.
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	p := &pins{}
	wire(s, p)
	if err := dom.AddModelClock(&s.IClk); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := b.AddModel(s); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// One call is one model cycle: the bench evaluates through the next
	// posedge and leaves the clock low again.
	cycle := func() {
		t.Helper()
		if err := b.EvalUntilClockEdge(dom, 0); err != nil {
			t.Fatalf("time %d: %v state: %s", b.Context().Time(), err, spew.Sdump(s.state))
		}
	}
	cycles := func(n uint64) {
		t.Helper()
		for i := uint64(0); i < n; i++ {
			cycle()
		}
	}

	// Standard init: 200us startup, precharge-all, two auto-refreshes,
	// mode register set (CAS 3, burst 1).
	p.nop()
	cycles(s.t.initWait - 1)
	p.prechargeAll()
	cycle()
	p.nop()
	cycles(s.t.prechargeWait - 1)
	p.autoRefresh()
	cycle()
	p.nop()
	cycles(s.t.refreshWait - 1)
	p.autoRefresh()
	cycle()
	p.nop()
	cycles(s.t.refreshWait - 1)
	p.mrs(3, 0)
	cycle()
	p.nop()
	cycles(s.t.loadModeWait)
	if got, want := s.state, kWORK_IDLE; got != want {
		t.Fatalf("State after init got %v want %v", got, want)
	}

	for i := 0; i < nBlocks; i++ {
		p.active(0, 0)
		cycle()
		p.nop()
		cycles(s.t.activeWait - 1)
		p.write(0, uint16(i), binary.LittleEndian.Uint32(payload[i*4:]))
		cycle()
		p.nop()
		cycles(s.writeWait)
	}

	got := make([]byte, len(payload))
	for i := 0; i < nBlocks; i++ {
		p.active(0, 0)
		cycle()
		p.nop()
		cycles(s.t.activeWait - 1)
		p.read(0, uint16(i))
		cycle()
		p.nop()
		cycles(s.readWait - 1)
		binary.LittleEndian.PutUint32(got[i*4:], p.dout)
		cycles(1)
	}

	if diff := deep.Equal(got, payload); diff != nil {
		t.Errorf("Round trip mismatch: %v\nread back: %q", diff, got)
	}
}
