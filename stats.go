package digidaq

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/usnistgov/digidaq/digitizer"
)

// statusBitNames names the bits of the acquisitionstatus register, LSB first.
var statusBitNames = []string{
	"Armed", "Run", "Run_mw", "Jesd_Clk_Valid", "Busy", "PreTriggerReady", "LicenseFail",
}

// DecodeStatus returns the names of the bits set in an acquisitionstatus value.
func DecodeStatus(status uint32) []string {
	var names []string
	for i, name := range statusBitNames {
		if status&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	return names
}

// monitorTick is the period of the live/real/dead time monitor counters.
const monitorTick = 8 * time.Nanosecond

// StatsSnapshot is a point-in-time view of a running acquisition. It is
// logged and published, never stored.
type StatsSnapshot struct {
	RunID          string
	Time           time.Time
	Elapsed        time.Duration
	Events         uint64
	Rate           float64 // events per second since the start
	Bytes          uint64  // sample bytes accepted since the start
	Throughput     float64 // sample bytes per second since the start, in MiB/s
	Status         uint32
	StatusBits     []string
	TriggerCount   uint64
	LostTriggers   uint64
	RealTime       time.Duration
	LiveTime       time.Duration
	DeadTime       time.Duration
	ChannelEvents  map[int]uint64 // accepted events per channel
	Flushes        int
	Rotations      int
	MalformedCount int
	TimeoutCount   int
}

// String formats the snapshot as a one-line log message.
func (s *StatsSnapshot) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%.1fs: %d events (%.1f/s, %.2f MiB/s)", s.Elapsed.Seconds(), s.Events, s.Rate, s.Throughput)
	fmt.Fprintf(&b, ", status 0x%02x [%s]", s.Status, strings.Join(s.StatusBits, " "))
	fmt.Fprintf(&b, ", triggers %d (lost %d)", s.TriggerCount, s.LostTriggers)
	if s.RealTime > 0 {
		fmt.Fprintf(&b, ", live %.1f%% dead %.1f%%",
			100*s.LiveTime.Seconds()/s.RealTime.Seconds(), 100*s.DeadTime.Seconds()/s.RealTime.Seconds())
	}
	if s.MalformedCount > 0 {
		fmt.Fprintf(&b, ", %d malformed", s.MalformedCount)
	}
	return b.String()
}

// readDeviceStats fills the device counters of s. Parameters the device
// cannot report are left at zero; the first failure is returned.
func readDeviceStats(dev digitizer.Device, s *StatsSnapshot) error {
	var firstErr error
	get := func(name string) uint64 {
		v, err := dev.GetValue(digitizer.ParamPath(name))
		if err == nil {
			var n uint64
			n, err = strconv.ParseUint(strings.TrimSpace(v), 10, 64)
			if err == nil {
				return n
			}
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("reading %s: %w", name, err)
		}
		return 0
	}
	s.Status = uint32(get("acquisitionstatus"))
	s.StatusBits = DecodeStatus(s.Status)
	s.TriggerCount = get("triggercnt")
	s.LostTriggers = get("losttriggercnt")
	s.RealTime = time.Duration(get("realtimemonitor")) * monitorTick
	s.LiveTime = time.Duration(get("livetimemonitor")) * monitorTick
	s.DeadTime = time.Duration(get("deadtimemonitor")) * monitorTick
	return firstErr
}
