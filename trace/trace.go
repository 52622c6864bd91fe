// Package trace implements a VCD waveform sink. Signals are registered by
// pointing at the pin cells that hold their values, the file is opened once,
// and every dump emits the changes since the previous timestamp. Registering
// a signal after the file has been opened is an error since the header with
// the variable declarations has already been written.
package trace

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"time"
)

// kIDFirst/kIDLast bound the printable identifier characters VCD allows.
const (
	kIDFirst = 33  // '!'
	kIDLast  = 126 // '~'
	kIDRange = kIDLast - kIDFirst + 1
)

// signal is one registered wire: its declaration data plus a reader for the
// aliased pin cell and the last value dumped.
type signal struct {
	id    string
	name  string
	width int
	read  func() uint64
	last  uint64
}

// VCD writes value-change-dump files. The zero value is not usable, call New.
type VCD struct {
	signals   []*signal
	file      *os.File
	w         *bufio.Writer
	opened    bool
	dumped    bool // First Dump emits every signal regardless of change.
	timestamp func() time.Time
}

// New returns an empty trace sink ready for signal registration.
func New() *VCD {
	return &VCD{timestamp: time.Now}
}

// ident derives the short printable VCD identifier for signal index n.
func ident(n int) string {
	id := []byte{}
	for {
		id = append(id, byte(kIDFirst+n%kIDRange))
		n /= kIDRange
		if n == 0 {
			break
		}
		n--
	}
	return string(id)
}

// Register adds a wire of the given bit width whose value lives in cell. The
// cell must be one of *uint8, *uint16, *uint32 or *uint64 and must stay valid
// for the lifetime of the sink; it is read on every Dump.
func (v *VCD) Register(name string, width int, cell any) error {
	if v.opened {
		return fmt.Errorf("trace: cannot register %q after the file has been opened", name)
	}
	if name == "" {
		return errors.New("trace: empty signal name")
	}
	if width < 1 || width > 64 {
		return fmt.Errorf("trace: signal %q width %d out of range [1, 64]", name, width)
	}
	var read func() uint64
	switch c := cell.(type) {
	case *uint8:
		read = func() uint64 { return uint64(*c) }
	case *uint16:
		read = func() uint64 { return uint64(*c) }
	case *uint32:
		read = func() uint64 { return uint64(*c) }
	case *uint64:
		read = func() uint64 { return *c }
	default:
		return fmt.Errorf("trace: signal %q cell type %T is not a supported pin cell", name, cell)
	}
	v.signals = append(v.signals, &signal{
		id:    ident(len(v.signals)),
		name:  name,
		width: width,
		read:  read,
	})
	return nil
}

// Open creates the dump file and writes the VCD header. All signals must be
// registered beforehand.
func (v *VCD) Open(path string) error {
	if v.opened {
		return errors.New("trace: already open")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("trace: %v", err)
	}
	v.file = f
	v.w = bufio.NewWriter(f)
	v.opened = true

	fmt.Fprintf(v.w, "$date %s $end\n", v.timestamp().Format(time.ANSIC))
	fmt.Fprintf(v.w, "$timescale 1ps $end\n")
	fmt.Fprintf(v.w, "$scope module top $end\n")
	for _, s := range v.signals {
		fmt.Fprintf(v.w, "$var wire %d %s %s $end\n", s.width, s.id, s.name)
	}
	fmt.Fprintf(v.w, "$upscope $end\n")
	fmt.Fprintf(v.w, "$enddefinitions $end\n")
	return nil
}

// emit writes one value change in scalar or vector form.
func (v *VCD) emit(s *signal, val uint64) {
	if s.width == 1 {
		fmt.Fprintf(v.w, "%d%s\n", val&1, s.id)
		return
	}
	fmt.Fprintf(v.w, "b%b %s\n", val, s.id)
}

// Dump records the state of every registered signal at time t (ps). Only
// changed signals are written except for the very first dump.
func (v *VCD) Dump(t uint64) error {
	if !v.opened {
		return errors.New("trace: dump before open")
	}
	fmt.Fprintf(v.w, "#%d\n", t)
	for _, s := range v.signals {
		val := s.read()
		if !v.dumped || val != s.last {
			v.emit(s, val)
			s.last = val
		}
	}
	v.dumped = true
	return nil
}

// Flush pushes buffered output to the file. The harness flushes after every
// dump so an interrupted run still leaves a readable trace.
func (v *VCD) Flush() error {
	if !v.opened {
		return nil
	}
	return v.w.Flush()
}

// Close flushes and closes the dump file.
func (v *VCD) Close() error {
	if !v.opened {
		return nil
	}
	if err := v.w.Flush(); err != nil {
		v.file.Close()
		return err
	}
	v.opened = false
	return v.file.Close()
}
