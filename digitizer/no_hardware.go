package digitizer

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"gonum.org/v1/gonum/stat/distuv"
)

// NoHardwareConfig holds the knobs of the simulated digitizer.
type NoHardwareConfig struct {
	Nchan          int           // number of device channels
	SampleRateMsps float64       // ADC sampling rate
	TriggerPeriod  time.Duration // simulated time between consecutive triggers
	TimeoutEvery   int           // every Nth read times out (0 = never)
	StopAfter      int           // device signals stop after this many events (0 = never)
	FailAfter      int           // reads fail hard after this many events (0 = never)
	Seed           uint64
}

// NoHardware is a drop in replacement for a digitizer (implements Device)
// that requires no hardware, for testing and dry runs.
type NoHardware struct {
	NoHardwareConfig

	params    map[string]string
	chparams  []map[string]string
	isOpen    bool
	isArmed   bool
	isRunning bool
	endpoint  string
	reads     int
	events    int
	pendingSW int
	triggerID uint32
	nextChan  int
	noise     distuv.Normal
	energy    distuv.Normal
	sync.Mutex
}

var errNoHardwareFailure = errors.New("NoHardware: simulated board failure")

// NewNoHardware generates and returns a new simulated digitizer, already open.
func NewNoHardware(config NoHardwareConfig) *NoHardware {
	if config.Nchan <= 0 {
		config.Nchan = 64
	}
	if config.SampleRateMsps <= 0 {
		config.SampleRateMsps = 125
	}
	if config.TriggerPeriod <= 0 {
		config.TriggerPeriod = time.Millisecond
	}
	src := rand.NewPCG(config.Seed, config.Seed^0x9e3779b97f4a7c15)
	dig := &NoHardware{
		NoHardwareConfig: config,
		isOpen:           true,
		noise:            distuv.Normal{Mu: 0, Sigma: 3, Src: src},
		energy:           distuv.Normal{Mu: 0, Sigma: 1, Src: src},
	}
	dig.setDefaults()
	return dig
}

// OpenNoHardware is the Opener for the "sim" scheme. Query parameters numch,
// timeout_every, stop_after, fail_after and seed fill a NoHardwareConfig.
func OpenNoHardware(address string) (Device, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("NoHardware: bad address %q: %w", address, err)
	}
	var config NoHardwareConfig
	q := u.Query()
	ints := map[string]*int{
		"numch":         &config.Nchan,
		"timeout_every": &config.TimeoutEvery,
		"stop_after":    &config.StopAfter,
		"fail_after":    &config.FailAfter,
	}
	for key, dest := range ints {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("NoHardware: address %q: %s=%q is not an integer", address, key, v)
			}
			*dest = n
		}
	}
	if v := q.Get("seed"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("NoHardware: address %q: seed=%q is not an integer", address, v)
		}
		config.Seed = seed
	}
	return NewNoHardware(config), nil
}

var noHardwareReadOnly = map[string]bool{
	"numch": true, "modelname": true, "fwtype": true, "fpga_fwver": true,
	"adc_samplrate": true, "adc_nbit": true, "acquisitionstatus": true,
	"triggercnt": true, "losttriggercnt": true, "livetimemonitor": true,
	"realtimemonitor": true, "deadtimemonitor": true,
}

func (dig *NoHardware) setDefaults() {
	dig.params = map[string]string{
		"modelname":          "SIM-DIG",
		"fwtype":             "Scope",
		"fpga_fwver":         "2024041600",
		"adc_samplrate":      strconv.FormatFloat(dig.SampleRateMsps, 'f', -1, 64),
		"adc_nbit":           "14",
		"inputrange":         "2",
		"inputtype":          "SingleEnded",
		"numch":              strconv.Itoa(dig.Nchan),
		"recordlengths":      "1000",
		"pretriggers":        "100",
		"acqtriggersource":   "SwTrg",
		"tempsensfirstadc":   "41.5",
		"tempsenshottestadc": "47.0",
		"tempsenslastadc":    "40.5",
		"tempsensairin":      "27.0",
		"tempsensairout":     "33.5",
		"tempsenscore":       "52.0",
		"tempsensdcdc":       "45.5",
	}
	dig.chparams = make([]map[string]string, dig.Nchan)
	for i := range dig.chparams {
		dig.chparams[i] = map[string]string{"chenable": "TRUE", "dcoffset": "50"}
	}
	dig.endpoint = EndpointScope
}

// parsePath splits a parameter path into the channels it addresses (nil for
// board-level paths) and the parameter name. Channel selectors can be a
// single index or an inclusive "a..b" range.
func (dig *NoHardware) parsePath(path string) ([]int, string, error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	switch {
	case len(parts) == 2 && parts[0] == "par":
		return nil, strings.ToLower(parts[1]), nil
	case len(parts) == 4 && parts[0] == "ch" && parts[2] == "par":
		lo, hi := parts[1], parts[1]
		if a, b, found := strings.Cut(parts[1], ".."); found {
			lo, hi = a, b
		}
		first, err1 := strconv.Atoi(lo)
		last, err2 := strconv.Atoi(hi)
		if err1 != nil || err2 != nil || first < 0 || last < first || last >= dig.Nchan {
			return nil, "", fmt.Errorf("NoHardware: invalid channel selector in %q", path)
		}
		chans := make([]int, 0, last-first+1)
		for c := first; c <= last; c++ {
			chans = append(chans, c)
		}
		return chans, strings.ToLower(parts[3]), nil
	}
	return nil, "", fmt.Errorf("NoHardware: invalid parameter path %q", path)
}

// GetValue returns a board or channel parameter.
func (dig *NoHardware) GetValue(path string) (string, error) {
	dig.Lock()
	defer dig.Unlock()
	chans, name, err := dig.parsePath(path)
	if err != nil {
		return "", err
	}
	if chans != nil {
		if len(chans) != 1 {
			return "", fmt.Errorf("NoHardware: GetValue(%q) addresses more than one channel", path)
		}
		if v, ok := dig.chparams[chans[0]][name]; ok {
			return v, nil
		}
		if name == "chrecordlengths" {
			return dig.params["recordlengths"], nil
		}
		return "", fmt.Errorf("NoHardware: unknown parameter %q", path)
	}
	switch name {
	case "acquisitionstatus":
		status := 0
		if dig.isArmed {
			status |= 1 << 0
		}
		if dig.isRunning {
			status |= 1<<1 | 1<<2
		}
		status |= 1 << 3 // clock valid
		return strconv.Itoa(status), nil
	case "triggercnt":
		return strconv.Itoa(dig.events), nil
	case "losttriggercnt":
		return "0", nil
	case "realtimemonitor", "livetimemonitor":
		// monitors count 8 ns clock ticks
		ns := uint64(dig.events) * uint64(dig.TriggerPeriod)
		return strconv.FormatUint(ns/8, 10), nil
	case "deadtimemonitor":
		return "0", nil
	}
	if v, ok := dig.params[name]; ok {
		return v, nil
	}
	return "", fmt.Errorf("NoHardware: unknown parameter %q", path)
}

// SetValue sets a board or channel parameter.
func (dig *NoHardware) SetValue(path, value string) error {
	dig.Lock()
	defer dig.Unlock()
	if !dig.isOpen {
		return fmt.Errorf("NoHardware.SetValue: not open")
	}
	chans, name, err := dig.parsePath(path)
	if err != nil {
		return err
	}
	if noHardwareReadOnly[name] {
		return fmt.Errorf("NoHardware.SetValue: parameter %q is read-only", path)
	}
	if chans == nil {
		dig.params[name] = value
		return nil
	}
	for _, c := range chans {
		dig.chparams[c][name] = value
	}
	return nil
}

// Reset restores all parameters to their defaults. Errors if running.
func (dig *NoHardware) Reset() error {
	dig.Lock()
	defer dig.Unlock()
	if dig.isRunning {
		return fmt.Errorf("NoHardware.Reset: acquisition is running")
	}
	dig.setDefaults()
	dig.isArmed = false
	dig.events = 0
	dig.reads = 0
	dig.triggerID = 0
	dig.pendingSW = 0
	return nil
}

// SetEndpoint selects the endpoint that the read calls serve.
func (dig *NoHardware) SetEndpoint(name string) error {
	dig.Lock()
	defer dig.Unlock()
	switch name {
	case EndpointScope, EndpointDPPPHA:
		dig.endpoint = name
		return nil
	}
	return fmt.Errorf("NoHardware.SetEndpoint: unknown endpoint %q", name)
}

// Arm errors if already armed
func (dig *NoHardware) Arm() error {
	dig.Lock()
	defer dig.Unlock()
	if dig.isArmed {
		return fmt.Errorf("NoHardware.Arm: already armed")
	}
	dig.isArmed = true
	return nil
}

// Start errors if not armed
func (dig *NoHardware) Start() error {
	dig.Lock()
	defer dig.Unlock()
	if !dig.isArmed {
		return fmt.Errorf("NoHardware.Start: not armed")
	}
	dig.isRunning = true
	return nil
}

// Stop is a no-op on a stopped digitizer
func (dig *NoHardware) Stop() error {
	dig.Lock()
	defer dig.Unlock()
	dig.isRunning = false
	return nil
}

// Disarm stops and disarms
func (dig *NoHardware) Disarm() error {
	dig.Lock()
	defer dig.Unlock()
	dig.isRunning = false
	dig.isArmed = false
	return nil
}

// SendSWTrigger queues one software trigger. Errors if not running.
func (dig *NoHardware) SendSWTrigger() error {
	dig.Lock()
	defer dig.Unlock()
	if !dig.isRunning {
		return fmt.Errorf("NoHardware.SendSWTrigger: not running")
	}
	dig.pendingSW++
	return nil
}

// Close errors if already closed
func (dig *NoHardware) Close() error {
	dig.Lock()
	defer dig.Unlock()
	if !dig.isOpen {
		return fmt.Errorf("NoHardware.Close: already closed")
	}
	dig.isOpen = false
	dig.isRunning = false
	dig.isArmed = false
	return nil
}

// Events returns how many events the simulator has delivered.
func (dig *NoHardware) Events() int {
	dig.Lock()
	defer dig.Unlock()
	return dig.events
}

// Inspect returns a dump of the simulator state.
func (dig *NoHardware) Inspect() string {
	dig.Lock()
	defer dig.Unlock()
	return spew.Sdump(dig.NoHardwareConfig, dig.params)
}

// nextTrigger implements the timing and failure model shared by both read
// calls. It must be called with the lock held.
func (dig *NoHardware) nextTrigger(endpoint string) error {
	switch {
	case !dig.isOpen:
		return fmt.Errorf("NoHardware: read on closed device")
	case !dig.isRunning:
		return fmt.Errorf("NoHardware: read while not running")
	case dig.endpoint != endpoint:
		return fmt.Errorf("NoHardware: read on endpoint %q but %q is active", endpoint, dig.endpoint)
	}
	dig.reads++
	if dig.TimeoutEvery > 0 && dig.reads%dig.TimeoutEvery == 0 {
		return ErrTimeout
	}
	if dig.StopAfter > 0 && dig.events >= dig.StopAfter {
		return ErrStop
	}
	if dig.FailAfter > 0 && dig.events >= dig.FailAfter {
		return errNoHardwareFailure
	}
	if strings.Contains(dig.params["acqtriggersource"], "SwTrg") {
		if dig.pendingSW == 0 {
			return ErrTimeout
		}
		dig.pendingSW--
	}
	dig.events++
	dig.triggerID++
	return nil
}

func (dig *NoHardware) recordLength(ch int) int {
	v, ok := dig.chparams[ch]["chrecordlengths"]
	if !ok {
		v = dig.params["recordlengths"]
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return 1
	}
	return n
}

func (dig *NoHardware) enabled(ch int) bool {
	return strings.EqualFold(dig.chparams[ch]["chenable"], "TRUE")
}

// pulse fills wave with a noisy baseline and, if amplitude > 0, a pulse
// starting after the pretrigger samples.
func (dig *NoHardware) pulse(wave []uint16, amplitude float64) {
	pre, _ := strconv.Atoi(dig.params["pretriggers"])
	const baseline = 1000.0
	const tau = 50.0
	for i := range wave {
		v := baseline + dig.noise.Rand()
		if amplitude > 0 && i >= pre {
			v += amplitude * math.Exp(-float64(i-pre)/tau)
		}
		wave[i] = uint16(math.Max(0, math.Min(v, math.MaxUint16)))
	}
}

// ReadFrame returns the next scope-endpoint frame.
func (dig *NoHardware) ReadFrame(timeout time.Duration) (*Frame, error) {
	dig.Lock()
	defer dig.Unlock()
	if err := dig.nextTrigger(EndpointScope); err != nil {
		return nil, err
	}
	reclen, err := strconv.Atoi(dig.params["recordlengths"])
	if err != nil || reclen < 1 {
		return nil, fmt.Errorf("NoHardware: invalid recordlengths %q", dig.params["recordlengths"])
	}
	frame := &Frame{
		TimestampNs: uint64(dig.triggerID) * uint64(dig.TriggerPeriod),
		TriggerID:   dig.triggerID,
		Waveforms:   make([][]uint16, dig.Nchan),
	}
	for ch := range frame.Waveforms {
		frame.Waveforms[ch] = make([]uint16, reclen)
		if dig.enabled(ch) {
			dig.pulse(frame.Waveforms[ch], 500)
		}
	}
	return frame, nil
}

// ReadChannelEvent returns the next dpppha-endpoint event. Enabled channels
// trigger in round-robin order.
func (dig *NoHardware) ReadChannelEvent(timeout time.Duration) (*ChannelEvent, error) {
	dig.Lock()
	defer dig.Unlock()
	ch := -1
	for i := 0; i < dig.Nchan; i++ {
		c := (dig.nextChan + i) % dig.Nchan
		if dig.enabled(c) {
			ch = c
			break
		}
	}
	if ch < 0 {
		return nil, ErrTimeout
	}
	if err := dig.nextTrigger(EndpointDPPPHA); err != nil {
		return nil, err
	}
	dig.nextChan = ch + 1
	reclen := dig.recordLength(ch)
	mean := 1000.0 + 100.0*float64(ch)
	energy := mean + 20*dig.energy.Rand()
	ev := &ChannelEvent{
		Channel:      ch,
		TimestampNs:  uint64(dig.triggerID) * uint64(dig.TriggerPeriod),
		Energy:       uint16(math.Max(0, math.Min(energy, math.MaxUint16))),
		AnalogProbe:  make([]uint16, reclen),
		DigitalProbe: make([]uint8, reclen),
		WaveformSize: reclen,
	}
	dig.pulse(ev.AnalogProbe, energy/4)
	pre, _ := strconv.Atoi(dig.params["pretriggers"])
	if pre >= 0 && pre < reclen {
		ev.DigitalProbe[pre] = 1
	}
	return ev, nil
}
