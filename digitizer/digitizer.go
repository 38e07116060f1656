// Package digitizer defines the boundary between the acquisition engine and
// waveform digitizer hardware. A Device exposes a hierarchical parameter tree
// (paths like /par/name and /ch/<n>/par/name, all values passed as strings),
// run-control commands, and two bounded-time read calls, one per endpoint.
//
// Drivers register themselves under an address scheme with Register, and
// Open selects the driver by the scheme of the address, e.g.
// "sim://digitizer?numch=8" for the built-in NoHardware simulator.
package digitizer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Names of the read endpoints a Device can deliver events from.
const (
	EndpointScope  = "scope"  // one frame per trigger, all device channels at once
	EndpointDPPPHA = "dpppha" // one event per channel trigger, channels interleaved
)

// ErrTimeout is returned by the read calls when no event arrived within the
// timeout. It is an expected condition and callers should simply read again.
var ErrTimeout = errors.New("digitizer: read timed out")

// ErrStop is returned by the read calls when the device ended acquisition
// deliberately. It is a terminal signal, not a failure.
var ErrStop = errors.New("digitizer: acquisition stopped by device")

// Frame is the payload of one scope-endpoint read.
type Frame struct {
	TimestampNs uint64
	TriggerID   uint32
	Waveforms   [][]uint16 // one row per device channel
}

// ChannelEvent is the payload of one dpppha-endpoint read.
type ChannelEvent struct {
	Channel      int
	TimestampNs  uint64
	Energy       uint16
	Flags        uint32
	AnalogProbe  []uint16
	DigitalProbe []uint8
	WaveformSize int // valid samples in the probes
}

// Device is the interface for hardware or simulated digitizers.
type Device interface {
	GetValue(path string) (string, error)
	SetValue(path, value string) error
	Reset() error
	SetEndpoint(name string) error
	Arm() error
	Start() error
	Stop() error
	Disarm() error
	SendSWTrigger() error
	ReadFrame(timeout time.Duration) (*Frame, error)
	ReadChannelEvent(timeout time.Duration) (*ChannelEvent, error)
	Close() error
}

// ParamPath returns the path of a board-level parameter.
func ParamPath(name string) string {
	return "/par/" + name
}

// ChannelParamPath returns the path of a parameter of channel ch.
func ChannelParamPath(ch int, name string) string {
	return fmt.Sprintf("/ch/%d/par/%s", ch, name)
}

// Opener connects to the device at the given address.
type Opener func(address string) (Device, error)

var (
	registryLock sync.Mutex
	registry     = make(map[string]Opener)
)

// Register makes a driver available under an address scheme ("sim", "dig2", ...).
// Registering the same scheme twice panics, as with database/sql drivers.
func Register(scheme string, open Opener) {
	registryLock.Lock()
	defer registryLock.Unlock()
	scheme = strings.ToLower(scheme)
	if open == nil {
		panic("digitizer: Register opener is nil")
	}
	if _, dup := registry[scheme]; dup {
		panic("digitizer: Register called twice for scheme " + scheme)
	}
	registry[scheme] = open
}

// Schemes returns the sorted list of registered address schemes.
func Schemes() []string {
	registryLock.Lock()
	defer registryLock.Unlock()
	var list []string
	for s := range registry {
		list = append(list, s)
	}
	sort.Strings(list)
	return list
}

// Open connects to the device at address, which must have the form
// scheme://rest. The caller owns the returned Device and must Close it.
func Open(address string) (Device, error) {
	idx := strings.Index(address, "://")
	if idx <= 0 {
		return nil, fmt.Errorf("digitizer address %q has no scheme (want e.g. sim://digitizer)", address)
	}
	scheme := strings.ToLower(address[:idx])
	registryLock.Lock()
	open, ok := registry[scheme]
	registryLock.Unlock()
	if !ok {
		return nil, fmt.Errorf("digitizer address %q: no driver for scheme %q (have %v)",
			address, scheme, Schemes())
	}
	return open(address)
}

func init() {
	Register("sim", OpenNoHardware)
}
