package digidaq

import (
	"fmt"
)

// ChannelFields are the per-event values stored for one channel.
type ChannelFields struct {
	TimestampNs  uint64
	EventNumber  uint64
	Waveform     []uint16
	Energy       uint16  // per-channel mode only
	Flags        uint32  // per-channel mode only
	DigitalProbe []uint8 // per-channel mode only
}

// ChannelSnapshot is the drained content of one channel buffer. Waveform
// holds Count rows of RecordLength samples, row-major. A snapshot belongs to
// whoever drained it; the BufferManager keeps no reference to it.
type ChannelSnapshot struct {
	Channel      int
	RecordLength int
	Count        int
	Timestamp    []uint64
	EventNumber  []uint64
	Waveform     []uint16
	Energy       []uint16
	Flags        []uint32
	DigitalProbe []uint8
}

// DeviceSnapshot is the drained content of the device-level accumulator:
// one row of board temperatures per accepted event.
type DeviceSnapshot struct {
	Names        []string
	Count        int
	Timestamp    []uint64
	Temperatures [][]float64 // Temperatures[i] is the column of Names[i]
}

// Snapshot is everything drained from a BufferManager at once.
type Snapshot struct {
	Events   int               // accepted events, counting a frame once
	Channels []ChannelSnapshot // non-empty channels only, in channel order
	Device   *DeviceSnapshot   // nil unless temperature logging is on and rows exist
}

// channelBuffer is one channel's accumulator. Its slices have length equal
// to the fill count and capacity fixed at creation.
type channelBuffer struct {
	ChannelSnapshot
	capacity int
	perChan  bool
}

func newChannelBuffer(ch, recordLength, capacity int, perChan bool) *channelBuffer {
	cb := &channelBuffer{capacity: capacity, perChan: perChan}
	cb.Channel = ch
	cb.RecordLength = recordLength
	cb.reset()
	return cb
}

// reset installs fresh, empty storage.
func (cb *channelBuffer) reset() {
	cb.Count = 0
	cb.Timestamp = make([]uint64, 0, cb.capacity)
	cb.EventNumber = make([]uint64, 0, cb.capacity)
	cb.Waveform = make([]uint16, 0, cb.capacity*cb.RecordLength)
	cb.Energy, cb.Flags, cb.DigitalProbe = nil, nil, nil
	if cb.perChan {
		cb.Energy = make([]uint16, 0, cb.capacity)
		cb.Flags = make([]uint32, 0, cb.capacity)
		cb.DigitalProbe = make([]uint8, 0, cb.capacity*cb.RecordLength)
	}
}

func (cb *channelBuffer) append(f *ChannelFields) error {
	if cb.Count >= cb.capacity {
		return fmt.Errorf("channel %d holds %d events: %w", cb.Channel, cb.Count, ErrBufferFull)
	}
	if len(f.Waveform) != cb.RecordLength {
		return &ShapeMismatch{Channel: cb.Channel, Have: []int{len(f.Waveform)}, Want: []int{cb.RecordLength},
			Reason: "waveform length differs from record length"}
	}
	if cb.perChan && len(f.DigitalProbe) != cb.RecordLength {
		return &ShapeMismatch{Channel: cb.Channel, Have: []int{len(f.DigitalProbe)}, Want: []int{cb.RecordLength},
			Reason: "digital probe length differs from record length"}
	}
	cb.Timestamp = append(cb.Timestamp, f.TimestampNs)
	cb.EventNumber = append(cb.EventNumber, f.EventNumber)
	cb.Waveform = append(cb.Waveform, f.Waveform...)
	if cb.perChan {
		cb.Energy = append(cb.Energy, f.Energy)
		cb.Flags = append(cb.Flags, f.Flags)
		cb.DigitalProbe = append(cb.DigitalProbe, f.DigitalProbe...)
	}
	cb.Count++
	return nil
}

// deviceBuffer accumulates board-level rows.
type deviceBuffer struct {
	DeviceSnapshot
	capacity int
}

func (db *deviceBuffer) reset() {
	db.Count = 0
	db.Timestamp = make([]uint64, 0, db.capacity)
	db.Temperatures = make([][]float64, len(db.Names))
	for i := range db.Temperatures {
		db.Temperatures[i] = make([]float64, 0, db.capacity)
	}
}

// BufferManager owns one fixed-capacity buffer per active channel.
type BufferManager struct {
	mode       AcquisitionMode
	plan       *ChannelPlan
	capacity   int
	buffers    []*channelBuffer // parallel to plan.Channels
	device     *deviceBuffer
	sinceFlush int
}

// NewBufferManager creates the buffers for every channel of plan. recordLengths
// gives each active channel's record length and capacity is the number of
// events each buffer holds.
func NewBufferManager(mode AcquisitionMode, plan *ChannelPlan, recordLengths map[int]int, capacity int) (*BufferManager, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("buffer capacity %d must be at least 1", capacity)
	}
	bm := &BufferManager{
		mode:     mode,
		plan:     plan,
		capacity: capacity,
		buffers:  make([]*channelBuffer, len(plan.Channels)),
	}
	for i, ch := range plan.Channels {
		reclen, ok := recordLengths[ch]
		if !ok || reclen < 1 {
			return nil, fmt.Errorf("channel %d has no valid record length", ch)
		}
		bm.buffers[i] = newChannelBuffer(ch, reclen, capacity, mode == ChannelMode)
	}
	return bm, nil
}

// EnableTemperatures turns on the device-level accumulator with one column
// per named sensor.
func (bm *BufferManager) EnableTemperatures(names []string) {
	bm.device = &deviceBuffer{capacity: bm.capacity}
	bm.device.Names = append([]string(nil), names...)
	bm.device.reset()
}

// Capacity returns the number of events each buffer holds.
func (bm *BufferManager) Capacity() int {
	return bm.capacity
}

// Pending returns the number of events appended since the last drain.
func (bm *BufferManager) Pending() int {
	return bm.sinceFlush
}

// Fill returns the fill count of channel ch.
func (bm *BufferManager) Fill(ch int) (int, error) {
	i, ok := bm.plan.Index(ch)
	if !ok {
		return 0, fmt.Errorf("channel %d: %w", ch, ErrUnknownChannel)
	}
	return bm.buffers[i].Count, nil
}

// Append stores one event for channel ch. It fails with ErrUnknownChannel
// for channels outside the active set and ErrBufferFull at capacity.
func (bm *BufferManager) Append(ch int, f *ChannelFields) error {
	i, ok := bm.plan.Index(ch)
	if !ok {
		return fmt.Errorf("channel %d: %w", ch, ErrUnknownChannel)
	}
	if bm.mode == ChannelMode && bm.sinceFlush >= bm.capacity {
		return fmt.Errorf("%d events since last flush: %w", bm.sinceFlush, ErrBufferFull)
	}
	if err := bm.buffers[i].append(f); err != nil {
		return err
	}
	if bm.mode == ChannelMode {
		bm.sinceFlush++
	}
	return nil
}

// AppendFrame stores the rows of a frame event in every channel buffer.
// Either all channels take the event or none does.
func (bm *BufferManager) AppendFrame(ev *FrameEvent, eventNumber uint64) error {
	if len(ev.Rows) != len(bm.buffers) {
		return &ShapeMismatch{Channel: -1, Have: []int{len(ev.Rows)}, Want: []int{len(bm.buffers)},
			Reason: "frame rows differ from active channel count"}
	}
	for i, cb := range bm.buffers {
		if cb.Count >= cb.capacity {
			return fmt.Errorf("channel %d holds %d events: %w", cb.Channel, cb.Count, ErrBufferFull)
		}
		if len(ev.Rows[i]) != cb.RecordLength {
			return &ShapeMismatch{Channel: cb.Channel, Have: []int{len(ev.Rows[i])}, Want: []int{cb.RecordLength},
				Reason: "waveform length differs from record length"}
		}
	}
	for i, cb := range bm.buffers {
		f := ChannelFields{TimestampNs: ev.TimestampNs, EventNumber: eventNumber, Waveform: ev.Rows[i]}
		if err := cb.append(&f); err != nil {
			return err
		}
	}
	bm.sinceFlush++
	return nil
}

// AppendTemperatures stores one row of device temperatures, in the order of
// the names given to EnableTemperatures.
func (bm *BufferManager) AppendTemperatures(timestampNs uint64, temps []float64) error {
	db := bm.device
	if db == nil {
		return fmt.Errorf("temperature logging is not enabled")
	}
	if len(temps) != len(db.Names) {
		return fmt.Errorf("got %d temperatures, want %d", len(temps), len(db.Names))
	}
	if db.Count >= db.capacity {
		return fmt.Errorf("device temperatures hold %d rows: %w", db.Count, ErrBufferFull)
	}
	db.Timestamp = append(db.Timestamp, timestampNs)
	for i, t := range temps {
		db.Temperatures[i] = append(db.Temperatures[i], t)
	}
	db.Count++
	return nil
}

// IsFull reports whether a flush is due. In frame mode every channel must be
// at capacity; in per-channel mode the channels fill unevenly and the count
// of events since the last flush decides.
func (bm *BufferManager) IsFull() bool {
	if bm.mode == ChannelMode {
		return bm.sinceFlush >= bm.capacity
	}
	for _, cb := range bm.buffers {
		if cb.Count < cb.capacity {
			return false
		}
	}
	return true
}

// Drain hands the filled data over to the caller and installs fresh storage,
// leaving every fill count at zero. Empty channels are left out.
func (bm *BufferManager) Drain() *Snapshot {
	snap := &Snapshot{Events: bm.sinceFlush}
	for _, cb := range bm.buffers {
		if cb.Count == 0 {
			continue
		}
		snap.Channels = append(snap.Channels, cb.ChannelSnapshot)
		cb.reset()
	}
	if db := bm.device; db != nil && db.Count > 0 {
		ds := db.DeviceSnapshot
		snap.Device = &ds
		db.reset()
	}
	bm.sinceFlush = 0
	return snap
}

// Restore puts back a snapshot whose flush failed, so that nothing is lost.
// It must be called before any further Append.
func (bm *BufferManager) Restore(snap *Snapshot) {
	for _, cs := range snap.Channels {
		i, ok := bm.plan.Index(cs.Channel)
		if !ok {
			continue
		}
		bm.buffers[i].ChannelSnapshot = cs
	}
	if snap.Device != nil && bm.device != nil {
		bm.device.DeviceSnapshot = *snap.Device
	}
	bm.sinceFlush = snap.Events
}
