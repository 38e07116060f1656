package digidaq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/usnistgov/digidaq/digitizer"
)

// EventRecord is one accepted event: a *FrameEvent or a *ChannelEvent.
type EventRecord interface {
	Timestamp() uint64
	isEventRecord()
}

// FrameEvent is a frame-mode event reduced to the active channel set.
// Rows[i] is the waveform of plan.Channels[i].
type FrameEvent struct {
	TimestampNs uint64
	TriggerID   uint32
	Rows        [][]uint16
}

// Timestamp returns the event time in ns.
func (e *FrameEvent) Timestamp() uint64 { return e.TimestampNs }
func (e *FrameEvent) isEventRecord()    {}

// ChannelEvent is a per-channel-mode event with its probes truncated to the
// channel's record length.
type ChannelEvent struct {
	Channel      int
	TimestampNs  uint64
	Energy       uint16
	Flags        uint32
	AnalogProbe  []uint16
	DigitalProbe []uint8
}

// Timestamp returns the event time in ns.
func (e *ChannelEvent) Timestamp() uint64 { return e.TimestampNs }
func (e *ChannelEvent) isEventRecord()    {}

// ReadStatus says what kind of result one EventSource.Next call produced.
type ReadStatus int

// The possible outcomes of reading one event.
const (
	ReadEvent     ReadStatus = iota // Event holds a valid record
	ReadTimeout                     // nothing arrived; retry
	ReadStop                        // the device ended acquisition
	ReadMalformed                   // Err is a *ShapeMismatch; discard and continue
	ReadFatal                       // Err is a *DeviceFatalError
)

func (s ReadStatus) String() string {
	switch s {
	case ReadEvent:
		return "event"
	case ReadTimeout:
		return "timeout"
	case ReadStop:
		return "stop"
	case ReadMalformed:
		return "malformed"
	case ReadFatal:
		return "fatal"
	}
	return fmt.Sprintf("ReadStatus(%d)", int(s))
}

// ReadResult is the outcome of one EventSource.Next call.
type ReadResult struct {
	Status ReadStatus
	Event  EventRecord
	Err    error
}

// EventSource is the interface for anything that yields acquisition events.
// Next blocks for at most the source's read timeout.
type EventSource interface {
	Next(ctx context.Context) ReadResult
}

// classifyReadError maps a device read error onto a ReadResult.
func classifyReadError(op string, err error) ReadResult {
	switch {
	case errors.Is(err, digitizer.ErrTimeout):
		return ReadResult{Status: ReadTimeout}
	case errors.Is(err, digitizer.ErrStop):
		return ReadResult{Status: ReadStop}
	}
	return ReadResult{Status: ReadFatal, Err: &DeviceFatalError{Op: op, Err: err}}
}

// softwareTrigger issues one trigger command before each read, no faster
// than the configured rate.
type softwareTrigger struct {
	dev      digitizer.Device
	interval time.Duration
	last     time.Time
}

func newSoftwareTrigger(dev digitizer.Device, rateHz float64) *softwareTrigger {
	st := &softwareTrigger{dev: dev}
	if rateHz > 0 {
		st.interval = time.Duration(float64(time.Second) / rateHz)
	}
	return st
}

// fire waits out the pacing interval, then sends the trigger. It returns a
// ReadResult with Status ReadTimeout if ctx is cancelled while waiting, so
// the caller re-checks its stopping conditions.
func (st *softwareTrigger) fire(ctx context.Context) (ReadResult, bool) {
	if st.interval > 0 && !st.last.IsZero() {
		if wait := time.Until(st.last.Add(st.interval)); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ReadResult{Status: ReadTimeout}, false
			case <-timer.C:
			}
		}
	}
	st.last = time.Now()
	if err := st.dev.SendSWTrigger(); err != nil {
		return ReadResult{Status: ReadFatal, Err: &DeviceFatalError{Op: "SendSWTrigger", Err: err}}, false
	}
	return ReadResult{}, true
}

// FrameSource reads scope-endpoint frames and keeps the active rows.
type FrameSource struct {
	dev          digitizer.Device
	plan         *ChannelPlan
	recordLength int
	timeout      time.Duration
	trigger      *softwareTrigger
	startNs      uint64 // added to the device's run-relative timestamps
}

// NewFrameSource creates a frame-mode EventSource. If swTrigger is set, a
// software trigger paced at rateHz precedes each read.
func NewFrameSource(dev digitizer.Device, plan *ChannelPlan, recordLength int, timeout time.Duration,
	swTrigger bool, rateHz float64) *FrameSource {
	fs := &FrameSource{
		dev:          dev,
		plan:         plan,
		recordLength: recordLength,
		timeout:      timeout,
		startNs:      uint64(time.Now().UnixNano()),
	}
	if swTrigger {
		fs.trigger = newSoftwareTrigger(dev, rateHz)
	}
	return fs
}

// Next reads one frame.
func (fs *FrameSource) Next(ctx context.Context) ReadResult {
	if fs.trigger != nil {
		if res, ok := fs.trigger.fire(ctx); !ok {
			return res
		}
	}
	frame, err := fs.dev.ReadFrame(fs.timeout)
	if err != nil {
		return classifyReadError("ReadFrame", err)
	}
	return fs.reduce(frame)
}

func (fs *FrameSource) reduce(frame *digitizer.Frame) ReadResult {
	chans := fs.plan.Channels
	if need := chans[len(chans)-1] + 1; len(frame.Waveforms) < need {
		return ReadResult{Status: ReadMalformed, Err: &ShapeMismatch{
			Channel: -1,
			Have:    []int{len(frame.Waveforms)},
			Want:    []int{need},
			Reason:  "frame has too few channel rows",
		}}
	}
	ev := &FrameEvent{
		TimestampNs: fs.startNs + frame.TimestampNs,
		TriggerID:   frame.TriggerID,
		Rows:        make([][]uint16, len(chans)),
	}
	for i, ch := range chans {
		row := frame.Waveforms[ch]
		if len(row) != fs.recordLength {
			return ReadResult{Status: ReadMalformed, Err: &ShapeMismatch{
				Channel: ch,
				Have:    []int{len(row)},
				Want:    []int{fs.recordLength},
				Reason:  "waveform length differs from record length",
			}}
		}
		ev.Rows[i] = row
	}
	return ReadResult{Status: ReadEvent, Event: ev}
}

// ChannelSource reads dpppha-endpoint events, one channel per event.
type ChannelSource struct {
	dev           digitizer.Device
	plan          *ChannelPlan
	recordLengths map[int]int
	timeout       time.Duration
	trigger       *softwareTrigger
}

// NewChannelSource creates a per-channel EventSource. recordLengths must
// hold the record length of every active channel.
func NewChannelSource(dev digitizer.Device, plan *ChannelPlan, recordLengths map[int]int, timeout time.Duration,
	swTrigger bool, rateHz float64) *ChannelSource {
	cs := &ChannelSource{
		dev:           dev,
		plan:          plan,
		recordLengths: recordLengths,
		timeout:       timeout,
	}
	if swTrigger {
		cs.trigger = newSoftwareTrigger(dev, rateHz)
	}
	return cs
}

// Next reads one channel event.
func (cs *ChannelSource) Next(ctx context.Context) ReadResult {
	if cs.trigger != nil {
		if res, ok := cs.trigger.fire(ctx); !ok {
			return res
		}
	}
	raw, err := cs.dev.ReadChannelEvent(cs.timeout)
	if err != nil {
		return classifyReadError("ReadChannelEvent", err)
	}
	return cs.reduce(raw)
}

func (cs *ChannelSource) reduce(raw *digitizer.ChannelEvent) ReadResult {
	ch := raw.Channel
	if _, ok := cs.plan.Index(ch); !ok {
		return ReadResult{Status: ReadMalformed, Err: &ShapeMismatch{
			Channel: ch,
			Have:    []int{ch},
			Want:    cs.plan.Channels,
			Reason:  "event from a channel outside the active set",
		}}
	}
	reclen := cs.recordLengths[ch]
	valid := min(raw.WaveformSize, len(raw.AnalogProbe), len(raw.DigitalProbe))
	if valid < reclen {
		return ReadResult{Status: ReadMalformed, Err: &ShapeMismatch{
			Channel: ch,
			Have:    []int{valid},
			Want:    []int{reclen},
			Reason:  "probe shorter than record length",
		}}
	}
	return ReadResult{Status: ReadEvent, Event: &ChannelEvent{
		Channel:      ch,
		TimestampNs:  raw.TimestampNs,
		Energy:       raw.Energy,
		Flags:        raw.Flags,
		AnalogProbe:  raw.AnalogProbe[:reclen],
		DigitalProbe: raw.DigitalProbe[:reclen],
	}}
}
