// Package sdram implements a behavioral model of a 64 Mbit x32 SDRAM with a
// command-decoded state machine and cycle-counted timing constraints. It
// exists to shake out SDRAM controllers: any command that is inconsistent
// with the current state, a missed refresh deadline or a clock edge with CKE
// low is a fatal error rather than tolerated behavior, since those indicate
// controller bugs - which is the point of the model.
//
// No bank interleaving: a single bank is active at a time and read/write
// bursts require auto-precharge (A10 high).
package sdram

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/picotb/picotb/memory"
)

// Fixed geometry of the modeled part.
const (
	kSizeBits = 64 * 1024 * 1024 // 64 Mbit.
	kDataBits = 32
	kNBanks   = 4
	kBankBits = 2
	kRowBits  = 11
	kColBits  = 8

	// kNBlocks is the backing store size in data-bus words.
	kNBlocks = (kSizeBits / 8) / (kDataBits / 8)

	kMaskA10  = uint16(0x400)           // Auto-precharge / all-banks flag.
	kMaskRow  = uint16(1<<kRowBits - 1) // Row address bits.
	kMaskCol  = uint16(1<<kColBits - 1) // Column address bits.
	kMaskBA   = uint8(1<<kBankBits - 1) // Bank address bits.
	kMaskCAS  = uint16(0x70)            // MRS CAS latency field (A6-A4).
	kMaskBL   = uint16(0x07)            // MRS burst length field (A2-A0).
	kFullPage = uint16(1 << kColBits)   // Burst length for the full page code.
)

// state is the command-decode state machine position.
type state int

const (
	kINIT_STARTUP_DELAY state = iota
	kINIT_PRECHARGE
	kINIT_REFRESH1
	kINIT_REFRESH2
	kINIT_MRS
	kWORK_IDLE
	kWORK_ACTIVE
	kWORK_READ
	kWORK_WRITE
	kWORK_REFRESH
)

func (s state) String() string {
	switch s {
	case kINIT_STARTUP_DELAY:
		return "INIT_STARTUP_DELAY"
	case kINIT_PRECHARGE:
		return "INIT_PRECHARGE"
	case kINIT_REFRESH1:
		return "INIT_REFRESH1"
	case kINIT_REFRESH2:
		return "INIT_REFRESH2"
	case kINIT_MRS:
		return "INIT_MRS"
	case kWORK_IDLE:
		return "WORK_IDLE"
	case kWORK_ACTIVE:
		return "WORK_ACTIVE"
	case kWORK_READ:
		return "WORK_READ"
	case kWORK_WRITE:
		return "WORK_WRITE"
	case kWORK_REFRESH:
		return "WORK_REFRESH"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Chip implements the SDRAM model. All IO is by pointer indirection: the
// exported pin fields must be wired (to UUT pin storage or driver-owned
// cells) before the first Eval, and the clock pin is wired by registering
// &chip.IClk with a clock domain. Eval can run several times per edge; state
// only advances on a rising clock sample.
type Chip struct {
	periodNs float64
	t        timing
	mem      *memory.Bank32

	casLatency uint8
	burst      uint16
	readWait   uint64
	writeWait  uint64
	// tWr and tRp stick around for write wait recomputation on a mode
	// register set.
	tWr, tRp float64

	state         state
	initDone      bool
	initRefreshed bool
	initMRSed     bool
	waitTimer     uint64
	refreshTimer  uint64

	rowAddr    uint16
	colAddr    uint16
	bankActive uint8
	bankRW     uint8
	blockAddr  uint32

	lastClk uint8
	wired   bool

	// Input pins. IClk normally points at a clock domain's saved value.
	IClk  *uint8
	ICke  *uint8
	ICsN  *uint8
	IRasN *uint8
	ICasN *uint8
	IWeN  *uint8
	IBa   *uint8
	IAddr *uint16
	IData *uint32
	IDqm  *uint8 // Unused by the model, may stay nil.

	// Output pin.
	OData *uint32
}

// ChipDef defines the pieces needed to set up the model.
type ChipDef struct {
	// Config selects clock, mode register power-on values and timing.
	// Nil means datasheet defaults.
	Config *Config
}

// Init returns a fully initialized SDRAM model in its startup delay state.
// Pins still need wiring before the first Eval.
func Init(def *ChipDef) (*Chip, error) {
	cfg := DefConfig()
	if def != nil && def.Config != nil {
		cfg = def.Config
	}
	if cfg.FreqMHz <= 0 || cfg.FreqMHz > 500 {
		return nil, fmt.Errorf("sdram: frequency %f MHz out of range (0, 500]", cfg.FreqMHz)
	}
	if cfg.CASLatency != 2 && cfg.CASLatency != 3 {
		return nil, fmt.Errorf("sdram: CAS latency %d unsupported (2 or 3)", cfg.CASLatency)
	}
	switch cfg.BurstLength {
	case 1, 2, 4, 8, kFullPage:
	default:
		return nil, fmt.Errorf("sdram: burst length %d unsupported (1, 2, 4, 8 or %d)", cfg.BurstLength, kFullPage)
	}

	mem, err := memory.NewBank32(kNBlocks)
	if err != nil {
		return nil, fmt.Errorf("sdram: can't initialize backing store: %v", err)
	}
	s := &Chip{
		periodNs:   1000.0 / cfg.FreqMHz,
		t:          deriveTiming(cfg),
		mem:        mem,
		casLatency: cfg.CASLatency,
		burst:      cfg.BurstLength,
		tWr:        cfg.TWr,
		tRp:        cfg.TRp,
	}
	s.readWait = uint64(s.casLatency) + uint64(s.burst)
	s.writeWait = uint64(math.Ceil((s.tWr+s.tRp)/s.periodNs)) + uint64(s.burst)
	log.Debug("sdram: derived timing",
		"period_ns", s.periodNs,
		"init_wait", s.t.initWait,
		"load_mode_wait", s.t.loadModeWait,
		"active_wait", s.t.activeWait,
		"refresh_wait", s.t.refreshWait,
		"precharge_wait", s.t.prechargeWait,
		"refresh_interval", s.t.refreshInterval,
		"max_refresh_interval", s.t.maxRefreshInterval)
	s.PowerOn()
	return s, nil
}

// PowerOn resets the model to its post-power state: startup delay running,
// backing store cleared, initialization flags down.
func (s *Chip) PowerOn() {
	s.mem.PowerOn()
	s.state = kINIT_STARTUP_DELAY
	s.initDone = false
	s.initRefreshed = false
	s.initMRSed = false
	s.waitTimer = s.t.initWait
	s.refreshTimer = s.t.maxRefreshInterval
	s.lastClk = 0
	s.wired = false
}

// BurstLength returns the currently programmed burst length in blocks.
func (s *Chip) BurstLength() uint16 {
	return s.burst
}

// CASLatency returns the currently programmed CAS latency in cycles.
func (s *Chip) CASLatency() uint8 {
	return s.casLatency
}

// checkWiring asserts every required indirection has been set.
func (s *Chip) checkWiring() error {
	var missing []string
	for _, p := range []struct {
		name    string
		unwired bool
	}{
		{"CLK", s.IClk == nil},
		{"CKE", s.ICke == nil},
		{"CSn", s.ICsN == nil},
		{"RASn", s.IRasN == nil},
		{"CASn", s.ICasN == nil},
		{"WEn", s.IWeN == nil},
		{"BA", s.IBa == nil},
		{"ADDR", s.IAddr == nil},
		{"DATA-IN", s.IData == nil},
		{"DATA-OUT", s.OData == nil},
	} {
		if p.unwired {
			missing = append(missing, p.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("sdram: unwired pins: %s", strings.Join(missing, ", "))
	}
	s.wired = true
	return nil
}

// Eval implements the model.Model contract. It verifies wiring on the first
// call, then runs one command cycle per rising clock sample.
func (s *Chip) Eval() error {
	if !s.wired {
		if err := s.checkWiring(); err != nil {
			return err
		}
	}
	if s.lastClk == 0 && *s.IClk == 1 {
		if err := s.cycle(); err != nil {
			return err
		}
	}
	s.lastClk = *s.IClk
	return nil
}

// Command decode from (RASn, CASn, WEn). All are active low.

func (s *Chip) cmdNOP() bool {
	return *s.IRasN != 0 && *s.ICasN != 0 && *s.IWeN != 0
}

func (s *Chip) cmdPrechargeAll() bool {
	return *s.IRasN == 0 && *s.ICasN != 0 && *s.IWeN == 0 && *s.IAddr&kMaskA10 != 0
}

func (s *Chip) cmdAutoRefresh() bool {
	return *s.IRasN == 0 && *s.ICasN == 0 && *s.IWeN != 0
}

func (s *Chip) cmdMRS() bool {
	return *s.IRasN == 0 && *s.ICasN == 0 && *s.IWeN == 0
}

func (s *Chip) cmdActive() bool {
	return *s.IRasN == 0 && *s.ICasN != 0 && *s.IWeN != 0
}

func (s *Chip) cmdRead() bool {
	return *s.IRasN != 0 && *s.ICasN == 0 && *s.IWeN != 0
}

func (s *Chip) cmdWrite() bool {
	return *s.IRasN != 0 && *s.ICasN == 0 && *s.IWeN == 0
}

// violation formats the fatal report for a command the current state cannot
// accept.
func (s *Chip) violation() error {
	return fmt.Errorf("sdram: unexpected command in %v: RASn=%d CASn=%d WEn=%d BA=%d ADDR=%#03x wait=%d",
		s.state, *s.IRasN, *s.ICasN, *s.IWeN, *s.IBa, *s.IAddr, s.waitTimer)
}

// nopOnly is the guard for cycles where no command may be issued.
func (s *Chip) nopOnly() error {
	if s.cmdNOP() {
		return nil
	}
	return s.violation()
}

// modeRegisterSet latches CAS latency and burst length from the address pins
// and rederives the read/write waits.
//
// BA1-0, A10: reserved. A9: write burst mode. A8-7: test mode.
// A6-4: CAS latency (010: 2, 011: 3). A3: burst type.
// A2-0: burst length: 000: 1, 001: 2, 010: 4, 011: 8, 111: full page.
func (s *Chip) modeRegisterSet() error {
	cas := uint8((*s.IAddr & kMaskCAS) >> 4)
	if cas != 2 && cas != 3 {
		return fmt.Errorf("sdram: mode register CAS latency code %d unsupported (ADDR=%#03x)", cas, *s.IAddr)
	}
	var burst uint16
	switch *s.IAddr & kMaskBL {
	case 0:
		burst = 1
	case 1:
		burst = 2
	case 2:
		burst = 4
	case 3:
		burst = 8
	case 7:
		burst = kFullPage
	default:
		return fmt.Errorf("sdram: mode register burst length code %d unsupported (ADDR=%#03x)", *s.IAddr&kMaskBL, *s.IAddr)
	}
	s.casLatency = cas
	s.burst = burst
	s.readWait = uint64(cas) + uint64(burst)
	s.writeWait = uint64(math.Ceil((s.tWr+s.tRp)/s.periodNs)) + uint64(burst)
	log.Debug("sdram: mode register set", "value", fmt.Sprintf("%#03x", *s.IAddr), "cas", cas, "burst", burst)
	return nil
}

// latchActive records the row and bank of a bank-activate command.
func (s *Chip) latchActive() {
	s.rowAddr = *s.IAddr & kMaskRow
	s.bankActive = *s.IBa & kMaskBA
}

// enterActive is the shared transition into WORK_ACTIVE.
func (s *Chip) enterActive(from string) {
	s.state = kWORK_ACTIVE
	s.waitTimer = s.t.activeWait
	s.latchActive()
	log.Debug("sdram: state change", "from", from, "to", "ACTIVE", "bank", s.bankActive, "row", s.rowAddr)
}

// latchRW latches column and bank for a pending read/write and validates the
// composite block address against geometry and the activated bank.
func (s *Chip) latchRW() error {
	s.colAddr = *s.IAddr & kMaskCol
	s.bankRW = *s.IBa & kMaskBA
	if s.bankActive != s.bankRW {
		return fmt.Errorf("sdram: bank %d on read/write does not match activated bank %d", s.bankRW, s.bankActive)
	}
	// Composite block address is [bank][row][column].
	s.blockAddr = uint32(s.bankRW)<<(kRowBits+kColBits) |
		uint32(s.rowAddr)<<kColBits |
		uint32(s.colAddr)
	if uint64(s.blockAddr)+uint64(s.burst) >= kNBlocks {
		return fmt.Errorf("sdram: block %d + burst %d is not below the %d blocks on the part", s.blockAddr, s.burst, kNBlocks)
	}
	return nil
}

// cycle runs the per-rising-edge logic: timer bookkeeping, refresh deadline
// watch, then command decode against the current state when selected.
func (s *Chip) cycle() error {
	if *s.ICke == 0 {
		return errors.New("sdram: clock enable low on a rising clock edge")
	}
	if s.waitTimer > 0 {
		s.waitTimer--
	}
	// Watch the refresh counter once initialization is done; running dry
	// anywhere but inside a refresh means the controller lost data.
	if s.initDone {
		if s.state != kWORK_REFRESH && s.refreshTimer == 0 {
			return fmt.Errorf("sdram: refresh deadline missed in %v (max interval %d cycles)", s.state, s.t.maxRefreshInterval)
		}
		s.refreshTimer--
	}
	if *s.ICsN != 0 {
		// Deselected; nothing decodes, timers already ran.
		return nil
	}

	switch s.state {
	case kINIT_STARTUP_DELAY:
		if s.waitTimer == 0 {
			if s.cmdPrechargeAll() {
				s.state = kINIT_PRECHARGE
				s.waitTimer = s.t.prechargeWait
				log.Debug("sdram: state change", "from", "STARTUP_DELAY", "to", "PRECHARGE")
				return nil
			}
			return s.nopOnly()
		}

	case kINIT_PRECHARGE:
		if s.waitTimer == 0 {
			switch {
			case s.cmdAutoRefresh():
				s.state = kINIT_REFRESH1
				s.waitTimer = s.t.refreshWait
				log.Debug("sdram: state change", "from", "PRECHARGE", "to", "REFRESH1")
			case s.cmdMRS():
				if err := s.modeRegisterSet(); err != nil {
					return err
				}
				s.state = kINIT_MRS
				s.waitTimer = s.t.loadModeWait
			default:
				return s.nopOnly()
			}
			return nil
		}
		return s.nopOnly()

	case kINIT_REFRESH1:
		if s.waitTimer == 0 && s.cmdAutoRefresh() {
			s.state = kINIT_REFRESH2
			s.waitTimer = s.t.refreshWait
			log.Debug("sdram: state change", "from", "REFRESH1", "to", "REFRESH2")
			return nil
		}
		return s.nopOnly()

	case kINIT_REFRESH2:
		if s.waitTimer == 0 {
			s.initRefreshed = true
			switch {
			case s.initMRSed:
				s.finishInit()
			case s.cmdMRS():
				if err := s.modeRegisterSet(); err != nil {
					return err
				}
				s.state = kINIT_MRS
				s.waitTimer = s.t.loadModeWait
			default:
				return s.nopOnly()
			}
			return nil
		}
		return s.nopOnly()

	case kINIT_MRS:
		if s.waitTimer == 0 {
			s.initMRSed = true
			switch {
			case s.initRefreshed:
				s.finishInit()
			case s.cmdAutoRefresh():
				s.state = kINIT_REFRESH1
				s.waitTimer = s.t.refreshWait
			default:
				return s.nopOnly()
			}
			return nil
		}
		return s.nopOnly()

	// Were this to support interleaving, the work states would track each
	// bank individually. For checking a simple controller, forcing it
	// through a single state machine is enough.
	case kWORK_IDLE:
		switch {
		case s.cmdAutoRefresh():
			s.state = kWORK_REFRESH
			s.waitTimer = s.t.refreshWait
			log.Debug("sdram: state change", "from", "IDLE", "to", "REFRESH")
		case s.cmdActive():
			s.enterActive("IDLE")
		default:
			return s.nopOnly()
		}

	case kWORK_ACTIVE:
		if s.waitTimer == 0 {
			// Latch and validate regardless of what comes next; the
			// controller must hold BA through the activation wait.
			if err := s.latchRW(); err != nil {
				return err
			}
			switch {
			case s.cmdRead():
				if *s.IAddr&kMaskA10 == 0 {
					return fmt.Errorf("sdram: read without auto-precharge (A10 low, ADDR=%#03x)", *s.IAddr)
				}
				s.state = kWORK_READ
				s.waitTimer = s.readWait
				log.Debug("sdram: state change", "from", "ACTIVE", "to", "READ", "block", s.blockAddr)
			case s.cmdWrite():
				if *s.IAddr&kMaskA10 == 0 {
					return fmt.Errorf("sdram: write without auto-precharge (A10 low, ADDR=%#03x)", *s.IAddr)
				}
				s.state = kWORK_WRITE
				s.waitTimer = s.writeWait
				// First block goes in on the transition.
				s.mem.Write(s.blockAddr, *s.IData)
				log.Debug("sdram: state change", "from", "ACTIVE", "to", "WRITE", "block", s.blockAddr)
			default:
				return s.nopOnly()
			}
			return nil
		}
		return s.nopOnly()

	// Bursts run with auto-precharge and cannot be interrupted; burst
	// stop and full page interrupt are not modeled.
	case kWORK_READ:
		if s.waitTimer <= uint64(s.burst) && s.waitTimer > 0 {
			// CAS latency satisfied: one block per cycle onto the
			// output pin.
			*s.OData = s.mem.Read(s.blockAddr + uint32(uint64(s.burst)-s.waitTimer))
		}
		if s.waitTimer == 0 {
			return s.postBurst("READ")
		}
		return s.nopOnly()

	case kWORK_WRITE:
		if s.waitTimer > s.writeWait-uint64(s.burst) {
			// Strict >: the first block went in on the transition.
			s.mem.Write(s.blockAddr+uint32(s.writeWait-s.waitTimer), *s.IData)
		}
		if s.waitTimer == 0 {
			return s.postBurst("WRITE")
		}
		return s.nopOnly()

	case kWORK_REFRESH:
		if s.waitTimer == 0 {
			// Refresh done, rearm the interval.
			s.refreshTimer = s.t.maxRefreshInterval
			if s.cmdActive() {
				s.enterActive("REFRESH")
				return nil
			}
			if err := s.nopOnly(); err != nil {
				return err
			}
			s.state = kWORK_IDLE
			log.Debug("sdram: state change", "from", "REFRESH", "to", "IDLE")
			return nil
		}
		return s.nopOnly()
	}
	return nil
}

// finishInit moves to WORK_IDLE once both refresh and mode register flags
// are up, arming the refresh interval watch.
func (s *Chip) finishInit() {
	s.state = kWORK_IDLE
	s.refreshTimer = s.t.maxRefreshInterval
	s.initDone = true
	log.Debug("sdram: startup complete", "cas", s.casLatency, "burst", s.burst)
}

// postBurst decodes the command allowed on the cycle a burst drains:
// activate, refresh, or NOP back to idle.
func (s *Chip) postBurst(from string) error {
	switch {
	case s.cmdActive():
		s.enterActive(from)
	case s.cmdAutoRefresh():
		s.state = kWORK_REFRESH
		s.waitTimer = s.t.refreshWait
		log.Debug("sdram: state change", "from", from, "to", "REFRESH")
	default:
		if err := s.nopOnly(); err != nil {
			return err
		}
		s.state = kWORK_IDLE
		log.Debug("sdram: state change", "from", from, "to", "IDLE")
	}
	return nil
}
