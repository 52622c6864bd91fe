package sdram

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the tunable SDRAM parameters: the clock the part runs at, the
// power-on mode register values and the datasheet timing figures (all in ns).
// The fixed geometry (size, width, banks, rows, columns) is compiled in.
type Config struct {
	// FreqMHz is the clock frequency of the domain driving the part.
	FreqMHz float64 `yaml:"freq_mhz"`
	// CASLatency is the power-on CAS latency in cycles (2 or 3). A mode
	// register set command overrides it.
	CASLatency uint8 `yaml:"cas_latency"`
	// BurstLength is the power-on burst length in blocks (1, 2, 4, 8 or
	// 256 for full page). A mode register set command overrides it.
	BurstLength uint16 `yaml:"burst_length"`
	// TDesl is the startup delay after power stabilizes.
	TDesl float64 `yaml:"t_desl_ns"`
	// TMrd is the mode-register-set cycle time.
	TMrd float64 `yaml:"t_mrd_ns"`
	// TRc is the row cycle (refresh to refresh / activate) time.
	TRc float64 `yaml:"t_rc_ns"`
	// TRcd is the RAS-to-CAS (activate to read/write) delay.
	TRcd float64 `yaml:"t_rcd_ns"`
	// TRp is the precharge time.
	TRp float64 `yaml:"t_rp_ns"`
	// TWr is the write recovery time.
	TWr float64 `yaml:"t_wr_ns"`
	// TRefi is the average refresh interval.
	TRefi float64 `yaml:"t_refi_ns"`
	// TMaxRefi is the maximum refresh interval before cells decay.
	TMaxRefi float64 `yaml:"t_max_refi_ns"`
}

// DefConfig returns the datasheet defaults for the modeled 64 Mbit part.
func DefConfig() *Config {
	return &Config{
		FreqMHz:     143,
		CASLatency:  3,
		BurstLength: 1,
		TDesl:       200000,
		TMrd:        14,
		TRc:         63,
		TRcd:        21,
		TRp:         21,
		TWr:         14,
		TRefi:       15600,
		TMaxRefi:    15625,
	}
}

// LoadConfig reads a yaml parameter file over the datasheet defaults, so a
// file only needs the values it changes.
func LoadConfig(path string) (*Config, error) {
	c := DefConfig()
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("sdram: %v", err)
	}
	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("sdram: parsing %s: %v", path, err)
	}
	return c, nil
}

// timing holds the configured waits converted to whole clock cycles. Waits
// round up (a partial cycle still has to be waited out), intervals round down
// (refresh must come early, never late).
type timing struct {
	initWait           uint64
	loadModeWait       uint64
	activeWait         uint64
	refreshWait        uint64
	prechargeWait      uint64
	refreshInterval    uint64
	maxRefreshInterval uint64
}

// deriveTiming converts the ns figures into cycle counts at the configured
// clock.
func deriveTiming(c *Config) timing {
	periodNs := 1000.0 / c.FreqMHz
	return timing{
		initWait:           uint64(math.Ceil(c.TDesl / periodNs)),
		loadModeWait:       uint64(math.Ceil(c.TMrd / periodNs)),
		activeWait:         uint64(math.Ceil(c.TRcd / periodNs)),
		refreshWait:        uint64(math.Ceil(c.TRc / periodNs)),
		prechargeWait:      uint64(math.Ceil(c.TRp / periodNs)),
		refreshInterval:    uint64(math.Floor(c.TRefi / periodNs)),
		maxRefreshInterval: uint64(math.Floor(c.TMaxRefi / periodNs)),
	}
}
