package digidaq

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/usnistgov/digidaq/drb"
	"github.com/usnistgov/digidaq/internal/daqdb"
	"github.com/zeebo/xxh3"
)

// Storage is the interface for appending record batches to output files.
// *drb.Store implements it.
type Storage interface {
	AppendAll(path string, batches []*drb.Batch) error
	Size(path string) (int64, error)
}

// Catalog is the interface for recording runs and output files.
// *daqdb.Connection implements it.
type Catalog interface {
	RecordRun(*daqdb.RunMessage)
	FinishRun(*daqdb.RunMessage)
	RecordFile(*daqdb.FileMessage)
}

// DeviceGroup is the group holding device-level columns.
const DeviceGroup = "dig"

// ChannelGroup returns the group name of channel ch.
func ChannelGroup(ch int) string {
	return fmt.Sprintf("ch%03d", ch)
}

// FlushController writes drained buffers to the session's current file and
// rotates to a new file once the current one reaches the size threshold.
type FlushController struct {
	store          Storage
	catalog        Catalog
	maxFileSize    int64
	samplePeriodNs float64

	Flushes   int
	Rotations int

	fileStart   time.Time
	fileBatches int
	fileEvents  uint64
}

// NewFlushController creates a FlushController. catalog may be nil.
// samplePeriodNs fills the dt column.
func NewFlushController(store Storage, maxFileSize int64, samplePeriodNs float64, catalog Catalog) *FlushController {
	return &FlushController{
		store:          store,
		catalog:        catalog,
		maxFileSize:    maxFileSize,
		samplePeriodNs: samplePeriodNs,
	}
}

// Flush appends snap to the current output file, one batch per channel
// group, all in one write. If the write fails it returns a *StorageError
// and the caller still owns snap and must restore it. Once the write
// succeeds snap is committed: a failure to stat the file afterwards is
// logged and only postpones rotation. A dry-run session writes nothing.
func (fc *FlushController) Flush(session *AcquisitionSession, snap *Snapshot) error {
	if session.DryRun() || (len(snap.Channels) == 0 && snap.Device == nil) {
		return nil
	}
	path := session.CurrentFile()
	batches := fc.batches(snap)
	if fc.fileBatches == 0 {
		fc.fileStart = time.Now()
	}
	if err := fc.store.AppendAll(path, batches); err != nil {
		return &StorageError{Path: path, Op: "append", Err: err}
	}
	fc.Flushes++
	fc.fileBatches += len(batches)
	fc.fileEvents += uint64(snap.Events)

	size, err := fc.store.Size(path)
	if err != nil {
		serr := &StorageError{Path: path, Op: "stat", Err: err}
		ProblemLogger.Printf("WARNING: %v. %d events were written; rotation check skipped.", serr, snap.Events)
		return nil
	}
	UpdateLogger.Printf("Flushed %d events in %d groups to %s (now %s)",
		snap.Events, len(batches), path, humanize.Bytes(uint64(size)))
	if size >= fc.maxFileSize {
		fc.closeFile(session, path, size)
		next := session.Rotate()
		fc.Rotations++
		UpdateLogger.Printf("File %s reached %s (limit %s). Next flush goes to %s",
			path, humanize.Bytes(uint64(size)), humanize.Bytes(uint64(fc.maxFileSize)), next)
	}
	return nil
}

// Close reports the current file, if anything was written to it.
func (fc *FlushController) Close(session *AcquisitionSession) {
	if session.DryRun() || fc.fileBatches == 0 {
		return
	}
	path := session.CurrentFile()
	size, err := fc.store.Size(path)
	if err != nil {
		ProblemLogger.Printf("Could not stat %s: %v", path, err)
	}
	fc.closeFile(session, path, size)
}

func (fc *FlushController) closeFile(session *AcquisitionSession, path string, size int64) {
	if fc.catalog != nil {
		sum, err := fileChecksum(path)
		if err != nil {
			ProblemLogger.Printf("Could not checksum %s: %v", path, err)
		}
		fc.catalog.RecordFile(&daqdb.FileMessage{
			RunID:    session.RunID,
			Filename: path,
			Filetype: drb.FileFormat,
			Start:    fc.fileStart,
			End:      time.Now(),
			Batches:  fc.fileBatches,
			Events:   fc.fileEvents,
			Size:     size,
			XXH3:     sum,
		})
	}
	fc.fileBatches = 0
	fc.fileEvents = 0
}

// fileChecksum returns the hex xxh3 digest of a whole file.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := xxh3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%016x", h.Sum64()), nil
}

// batches converts a snapshot into one batch per group.
func (fc *FlushController) batches(snap *Snapshot) []*drb.Batch {
	batches := make([]*drb.Batch, 0, len(snap.Channels)+1)
	for i := range snap.Channels {
		cs := &snap.Channels[i]
		dt := make([]float64, cs.Count)
		for j := range dt {
			dt[j] = fc.samplePeriodNs
		}
		b := &drb.Batch{
			Group: ChannelGroup(cs.Channel),
			Rows:  cs.Count,
			Columns: []drb.Column{
				{Name: "waveform", Units: "adc", Shape: []int{cs.Count, cs.RecordLength}, Data: cs.Waveform},
				{Name: "timestamp", Units: "ns", Data: cs.Timestamp},
				{Name: "eventnumber", Data: cs.EventNumber},
				{Name: "dt", Units: "ns", Data: dt},
			},
		}
		if cs.Energy != nil {
			b.Columns = append(b.Columns,
				drb.Column{Name: "energy", Units: "adc", Data: cs.Energy},
				drb.Column{Name: "flags", Data: cs.Flags},
				drb.Column{Name: "digital_probe", Shape: []int{cs.Count, cs.RecordLength}, Data: cs.DigitalProbe},
			)
		}
		batches = append(batches, b)
	}
	if ds := snap.Device; ds != nil {
		b := &drb.Batch{
			Group:   DeviceGroup,
			Rows:    ds.Count,
			Columns: []drb.Column{{Name: "timestamp", Units: "ns", Data: ds.Timestamp}},
		}
		for i, name := range ds.Names {
			b.Columns = append(b.Columns, drb.Column{Name: name, Units: "degC", Data: ds.Temperatures[i]})
		}
		batches = append(batches, b)
	}
	return batches
}
