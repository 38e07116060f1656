package digidaq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/usnistgov/digidaq/digitizer"
	"github.com/usnistgov/digidaq/drb"
	"github.com/usnistgov/digidaq/internal/daqdb"
	"github.com/usnistgov/digidaq/internal/unboundedchan"
)

// AcqState is a state of the acquisition state machine.
type AcqState int

// The acquisition states, in the order a run passes through them.
const (
	Idle AcqState = iota
	Configuring
	Armed
	Running
	Draining
	Stopped
)

func (s AcqState) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Configuring:
		return "Configuring"
	case Armed:
		return "Armed"
	case Running:
		return "Running"
	case Draining:
		return "Draining"
	case Stopped:
		return "Stopped"
	}
	return fmt.Sprintf("AcqState(%d)", int(s))
}

// StopReason says why the loop left the Running state.
type StopReason string

// Why a run ended.
const (
	StopNone      StopReason = ""
	StopTarget    StopReason = "target event count reached"
	StopDuration  StopReason = "maximum duration elapsed"
	StopDevice    StopReason = "device signalled stop"
	StopCancelled StopReason = "cancelled"
	StopFatal     StopReason = "fatal error"
)

// TemperatureParams are the board temperature sensors logged when
// temperature logging is on.
var TemperatureParams = []string{
	"tempsensfirstadc", "tempsenshottestadc", "tempsenslastadc",
	"tempsensairin", "tempsensairout", "tempsenscore", "tempsensdcdc",
}

// deviceInfoParams are logged once at configuration time.
var deviceInfoParams = []string{
	"modelname", "fwtype", "fpga_fwver", "adc_samplrate", "adc_nbit", "inputrange", "inputtype",
}

// RunOptions describe one acquisition run.
type RunOptions struct {
	Address      string // for logs and the catalog
	Config       *Config
	OutputBase   string // empty: acquire without saving
	Temperature  bool
	TargetEvents int           // 0: no limit
	MaxDuration  time.Duration // 0: no limit
	Verbose      bool
}

// Acquisition runs one configure-acquire-drain cycle on a device. It takes
// ownership of the device and closes it when Run returns.
type Acquisition struct {
	opts    RunOptions
	dev     digitizer.Device
	store   Storage
	catalog Catalog
	stats   *unboundedchan.Queue[*StatsSnapshot]

	mu         sync.Mutex
	state      AcqState
	stopReason StopReason
	events     uint64

	mode          AcquisitionMode
	plan          *ChannelPlan
	recordLengths map[int]int
	buffers       *BufferManager
	flusher       *FlushController
	source        EventSource
	session       *AcquisitionSession
	channelEvents map[int]uint64
	malformed     int
	timeouts      int
	sampleBytes   uint64
}

// NewAcquisition prepares a run of dev according to opts.
func NewAcquisition(dev digitizer.Device, opts RunOptions) *Acquisition {
	return &Acquisition{opts: opts, dev: dev, channelEvents: make(map[int]uint64)}
}

// SetStorage replaces the default drb storage. Used by tests and by callers
// that share one store between runs.
func (a *Acquisition) SetStorage(s Storage) { a.store = s }

// SetCatalog makes the run report itself and its files to c.
func (a *Acquisition) SetCatalog(c Catalog) { a.catalog = c }

// SetStatsQueue makes the run push each StatsSnapshot onto q without blocking.
func (a *Acquisition) SetStatsQueue(q *unboundedchan.Queue[*StatsSnapshot]) { a.stats = q }

// State returns the current state. It is safe to call from any goroutine.
func (a *Acquisition) State() AcqState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Acquisition) setState(s AcqState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// StopReason returns why the run ended, once it has.
func (a *Acquisition) StopReason() StopReason {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopReason
}

// Events returns the number of accepted events so far.
func (a *Acquisition) Events() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.events
}

// Files returns the output files opened by the run.
func (a *Acquisition) Files() []string {
	if a.session == nil {
		return nil
	}
	return a.session.Files
}

func (a *Acquisition) setStopReason(r StopReason) {
	a.mu.Lock()
	a.stopReason = r
	a.mu.Unlock()
}

// Run configures the device, acquires until a stopping condition, and
// flushes what remains. The device is stopped, disarmed and closed on every
// exit path. Cancelling ctx is a normal stop; Run then returns nil.
func (a *Acquisition) Run(ctx context.Context) (err error) {
	a.mu.Lock()
	if a.state != Idle {
		a.mu.Unlock()
		return fmt.Errorf("acquisition is %v, not Idle: %w", a.state, ErrSessionActive)
	}
	a.state = Configuring
	a.mu.Unlock()
	defer a.setState(Stopped)
	defer func() {
		if cerr := a.dev.Close(); cerr != nil {
			ProblemLogger.Printf("Could not close digitizer: %v", cerr)
		}
	}()

	if err := a.configure(); err != nil {
		a.setStopReason(StopFatal)
		return err
	}

	a.session = NewSession(a.opts.OutputBase, a.opts.TargetEvents, a.opts.MaxDuration)
	defer a.session.Close()
	if a.store == nil && !a.session.DryRun() {
		store, err := a.newStore()
		if err != nil {
			a.setStopReason(StopFatal)
			return err
		}
		defer store.Close()
		a.store = store
	}
	cfg := a.opts.Config
	a.flusher = NewFlushController(a.store, cfg.MaxFileSizeBytes(), a.samplePeriodNs(), a.catalog)
	if a.session.DryRun() {
		UpdateLogger.Printf("Run %s: no output file given, data will not be saved", a.session.RunID)
	} else {
		UpdateLogger.Printf("Run %s: writing to %s", a.session.RunID, a.session.CurrentFile())
	}
	runmsg := a.runMessage()
	if a.catalog != nil {
		a.catalog.RecordRun(runmsg)
		defer func() {
			runmsg.Events = a.Events()
			runmsg.End = time.Now()
			a.catalog.FinishRun(runmsg)
		}()
	}

	if err := a.dev.Arm(); err != nil {
		a.setStopReason(StopFatal)
		return &DeviceFatalError{Op: "Arm", Err: err}
	}
	a.setState(Armed)
	defer a.halt()
	if err := a.dev.Start(); err != nil {
		a.setStopReason(StopFatal)
		return &DeviceFatalError{Op: "Start", Err: err}
	}
	a.setState(Running)
	UpdateLogger.Printf("Acquisition started in %v mode on %d channels, %d events per flush",
		a.mode, a.plan.Nchan(), a.buffers.Capacity())

	loopErr := a.loop(ctx)
	if loopErr != nil {
		a.setStopReason(StopFatal)
		ProblemLogger.Printf("Acquisition failed: %v. Attempting a final flush.", loopErr)
	}
	if loopErr == nil {
		a.setState(Draining)
	}
	flushErr := a.flush()
	a.flusher.Close(a.session)
	a.emitStats()
	UpdateLogger.Printf("Acquisition stopped (%s) after %d events in %.1f s, %d flushes, %d files",
		a.StopReason(), a.Events(), a.session.Elapsed().Seconds(), a.flusher.Flushes, len(a.session.Files))
	if loopErr != nil {
		if flushErr != nil {
			ProblemLogger.Printf("Final flush failed too: %v", flushErr)
		}
		return loopErr
	}
	if flushErr != nil {
		a.setStopReason(StopFatal)
	}
	return flushErr
}

// halt stops and disarms the device; failures are only logged.
func (a *Acquisition) halt() {
	if err := a.dev.Stop(); err != nil {
		ProblemLogger.Printf("Could not stop digitizer: %v", err)
	}
	if err := a.dev.Disarm(); err != nil {
		ProblemLogger.Printf("Could not disarm digitizer: %v", err)
	}
}

func (a *Acquisition) newStore() (*drb.Store, error) {
	cfg := a.opts.Config
	compression, err := drb.ParseCompression(cfg.General.Compression)
	if err != nil {
		return nil, &ConfigError{Reason: "compression", Err: err}
	}
	host, _ := os.Hostname()
	header := drb.FileHeader{
		RunID:        a.session.RunID,
		Creator:      "digidaq " + Build.Version,
		CreationTime: a.session.Start.UTC(),
		Attrs: map[string]string{
			"address":  a.opts.Address,
			"config":   cfg.Filename,
			"endpoint": cfg.General.Endpoint,
			"mode":     a.mode.String(),
			"host":     host,
		},
	}
	return drb.NewStore(compression, header)
}

func (a *Acquisition) runMessage() *daqdb.RunMessage {
	cfg := a.opts.Config
	reclen := 0
	if len(a.plan.Channels) > 0 {
		reclen = a.recordLengths[a.plan.Channels[0]]
	}
	return &daqdb.RunMessage{
		ID:           a.session.RunID,
		Address:      a.opts.Address,
		ConfigFile:   cfg.Filename,
		BaseName:     a.opts.OutputBase,
		Mode:         a.mode.String(),
		Nchannels:    a.plan.Nchan(),
		RecordLength: reclen,
		BufferSize:   a.buffers.Capacity(),
		Start:        a.session.Start,
	}
}

// setParam sets one device parameter; failures are fatal.
func (a *Acquisition) setParam(path, value string) error {
	if err := a.dev.SetValue(path, value); err != nil {
		return &DeviceFatalError{Op: fmt.Sprintf("SetValue(%s, %s)", path, value), Err: err}
	}
	return nil
}

// getInt reads an integer device parameter.
func (a *Acquisition) getInt(path string) (int, error) {
	v, err := a.dev.GetValue(path)
	if err != nil {
		return 0, &DeviceFatalError{Op: fmt.Sprintf("GetValue(%s)", path), Err: err}
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, &DeviceFatalError{Op: fmt.Sprintf("GetValue(%s)", path), Err: err}
	}
	return n, nil
}

// configure resolves the channels, pushes the configuration to the device,
// and builds the buffers and the event source.
func (a *Acquisition) configure() error {
	cfg := a.opts.Config
	if cfg == nil {
		return &ConfigError{Reason: "no configuration"}
	}
	plan, err := ResolveChannels(cfg.Groups)
	if err != nil {
		return err
	}
	a.plan = plan
	if a.mode, err = cfg.Mode(); err != nil {
		return err
	}
	if a.opts.Verbose {
		UpdateLogger.Printf("Resolved channel plan:\n%s", spew.Sdump(plan.Channels, plan.Overrides))
	}

	if err := a.dev.Reset(); err != nil {
		return &DeviceFatalError{Op: "Reset", Err: err}
	}
	var info []string
	for _, name := range deviceInfoParams {
		if v, err := a.dev.GetValue(digitizer.ParamPath(name)); err == nil {
			info = append(info, fmt.Sprintf("%s=%s", name, v))
		}
	}
	UpdateLogger.Printf("Digitizer %s: %s", a.opts.Address, strings.Join(info, " "))

	for _, p := range cfg.DeviceParams {
		if err := a.setParam(digitizer.ParamPath(p.Name), p.Value); err != nil {
			return err
		}
	}

	numch, err := a.getInt(digitizer.ParamPath("numch"))
	if err != nil {
		return err
	}
	if last := plan.Channels[len(plan.Channels)-1]; last >= numch {
		return &ConfigError{Reason: fmt.Sprintf("channel %d requested but the digitizer has %d channels", last, numch)}
	}
	if err := a.setParam(fmt.Sprintf("/ch/0..%d/par/chenable", numch-1), "FALSE"); err != nil {
		return err
	}
	for _, ch := range plan.Channels {
		if err := a.setParam(digitizer.ChannelParamPath(ch, "chenable"), "TRUE"); err != nil {
			return err
		}
		for _, p := range plan.Overrides[ch] {
			if err := a.setParam(digitizer.ChannelParamPath(ch, p.Name), p.Value); err != nil {
				return err
			}
		}
	}

	endpoint := strings.ToLower(cfg.General.Endpoint)
	if err := a.dev.SetEndpoint(endpoint); err != nil {
		return &DeviceFatalError{Op: "SetEndpoint(" + endpoint + ")", Err: err}
	}

	a.recordLengths = make(map[int]int, plan.Nchan())
	if a.mode == FrameMode {
		reclen, err := a.getInt(digitizer.ParamPath("recordlengths"))
		if err != nil {
			return err
		}
		for _, ch := range plan.Channels {
			a.recordLengths[ch] = reclen
		}
	} else {
		for _, ch := range plan.Channels {
			reclen, err := a.getInt(digitizer.ChannelParamPath(ch, "chrecordlengths"))
			if err != nil {
				return err
			}
			a.recordLengths[ch] = reclen
		}
	}

	capacity := EffectiveBufferSize(cfg.General.BufferSize, a.opts.TargetEvents)
	if capacity != cfg.General.BufferSize {
		UpdateLogger.Printf("buffer_size %d exceeds the target of %d events; using %d",
			cfg.General.BufferSize, a.opts.TargetEvents, capacity)
	}
	if a.buffers, err = NewBufferManager(a.mode, plan, a.recordLengths, capacity); err != nil {
		return err
	}
	if a.opts.Temperature {
		a.buffers.EnableTemperatures(TemperatureParams)
	}

	timeout := cfg.ReadTimeout()
	if a.mode == FrameMode {
		a.source = NewFrameSource(a.dev, plan, a.recordLengths[plan.Channels[0]], timeout,
			cfg.SoftwareTrigger(), cfg.General.SoftwareTriggerRate)
	} else {
		a.source = NewChannelSource(a.dev, plan, a.recordLengths, timeout,
			cfg.SoftwareTrigger(), cfg.General.SoftwareTriggerRate)
	}
	return nil
}

// samplePeriodNs derives the sample period from the ADC rate in MS/s.
func (a *Acquisition) samplePeriodNs() float64 {
	v, err := a.dev.GetValue(digitizer.ParamPath("adc_samplrate"))
	if err != nil {
		return 0
	}
	rate, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil || rate <= 0 {
		return 0
	}
	return 1000 / rate
}

// loop polls the event source until a stopping condition. It returns nil
// for every normal stop and the error for a fatal one.
func (a *Acquisition) loop(ctx context.Context) error {
	interval := uint64(a.opts.Config.General.StatsInterval)
	for {
		if ctx.Err() != nil {
			a.setStopReason(StopCancelled)
			return nil
		}
		res := a.source.Next(ctx)
		switch res.Status {
		case ReadTimeout:
			a.timeouts++
			if a.session.DurationElapsed() {
				a.setStopReason(StopDuration)
				return nil
			}
			continue
		case ReadStop:
			a.setStopReason(StopDevice)
			return nil
		case ReadMalformed:
			a.malformed++
			ProblemLogger.Printf("WARNING: %v. Event discarded.", res.Err)
			if a.session.DurationElapsed() {
				a.setStopReason(StopDuration)
				return nil
			}
			continue
		case ReadFatal:
			return res.Err
		case ReadEvent:
		}

		if err := a.accept(res.Event); err != nil {
			var mismatch *ShapeMismatch
			if errors.As(err, &mismatch) {
				a.malformed++
				ProblemLogger.Printf("WARNING: %v. Event discarded.", err)
				if a.session.DurationElapsed() {
					a.setStopReason(StopDuration)
					return nil
				}
				continue
			}
			return err
		}
		if interval > 0 && a.session.Events%interval == 0 {
			a.emitStats()
		}
		// A stop leaves the flush to Draining, so a buffer filled by the
		// last event is written once.
		if a.session.TargetReached() {
			a.setStopReason(StopTarget)
			return nil
		}
		if a.session.DurationElapsed() {
			a.setStopReason(StopDuration)
			return nil
		}
		if a.buffers.IsFull() {
			if err := a.flush(); err != nil {
				return err
			}
		}
	}
}

// accept routes one event into the buffers and counts it.
func (a *Acquisition) accept(ev EventRecord) error {
	number := a.session.Events
	switch e := ev.(type) {
	case *FrameEvent:
		// Frames are numbered by the device, so gaps show lost or
		// discarded triggers.
		if err := a.buffers.AppendFrame(e, uint64(e.TriggerID)); err != nil {
			return err
		}
		for i, ch := range a.plan.Channels {
			a.channelEvents[ch]++
			a.sampleBytes += 2 * uint64(len(e.Rows[i]))
		}
	case *ChannelEvent:
		f := ChannelFields{
			TimestampNs:  e.TimestampNs,
			EventNumber:  number,
			Waveform:     e.AnalogProbe,
			Energy:       e.Energy,
			Flags:        e.Flags,
			DigitalProbe: e.DigitalProbe,
		}
		if err := a.buffers.Append(e.Channel, &f); err != nil {
			return err
		}
		a.channelEvents[e.Channel]++
		a.sampleBytes += 2*uint64(len(e.AnalogProbe)) + uint64(len(e.DigitalProbe))
	default:
		return fmt.Errorf("unknown event record type %T", ev)
	}
	a.session.Events++
	a.mu.Lock()
	a.events = a.session.Events
	a.mu.Unlock()

	if a.opts.Temperature {
		if err := a.buffers.AppendTemperatures(ev.Timestamp(), a.readTemperatures()); err != nil {
			ProblemLogger.Printf("Could not store temperatures: %v", err)
		}
	}
	return nil
}

// readTemperatures reads every sensor; unreadable sensors give NaN.
func (a *Acquisition) readTemperatures() []float64 {
	temps := make([]float64, len(TemperatureParams))
	for i, name := range TemperatureParams {
		temps[i] = math.NaN()
		v, err := a.dev.GetValue(digitizer.ParamPath(name))
		if err != nil {
			continue
		}
		if t, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			temps[i] = t
		}
	}
	return temps
}

// flush drains the buffers into the flush controller. If the flush fails
// the drained data are put back so the buffers are not silently cleared.
func (a *Acquisition) flush() error {
	if a.buffers.Pending() == 0 {
		return nil
	}
	snap := a.buffers.Drain()
	if err := a.flusher.Flush(a.session, snap); err != nil {
		a.buffers.Restore(snap)
		return err
	}
	return nil
}

// emitStats logs a StatsSnapshot and queues it for publication.
func (a *Acquisition) emitStats() {
	elapsed := a.session.Elapsed()
	s := &StatsSnapshot{
		RunID:          a.session.RunID,
		Time:           time.Now(),
		Elapsed:        elapsed,
		Events:         a.session.Events,
		Bytes:          a.sampleBytes,
		ChannelEvents:  make(map[int]uint64, len(a.channelEvents)),
		Flushes:        a.flusher.Flushes,
		Rotations:      a.flusher.Rotations,
		MalformedCount: a.malformed,
		TimeoutCount:   a.timeouts,
	}
	if elapsed > 0 {
		s.Rate = float64(s.Events) / elapsed.Seconds()
		s.Throughput = float64(s.Bytes) / elapsed.Seconds() / (1 << 20)
	}
	for ch, n := range a.channelEvents {
		s.ChannelEvents[ch] = n
	}
	if err := readDeviceStats(a.dev, s); err != nil && a.opts.Verbose {
		ProblemLogger.Printf("Incomplete device statistics: %v", err)
	}
	UpdateLogger.Print(s)
	if a.stats != nil {
		a.stats.Push(s)
	}
}
