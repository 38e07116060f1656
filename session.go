package digidaq

import (
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/usnistgov/digidaq/drb"
)

// SuffixLayout is the UTC timestamp format appended to output base names.
const SuffixLayout = "20060102T150405Z"

// AcquisitionSession is the state of one run: output naming, counters and
// stopping thresholds. It is owned by the acquisition loop.
type AcquisitionSession struct {
	RunID        string
	Base         string // output base name; empty for a dry run
	Start        time.Time
	TargetEvents int           // 0 means no limit
	MaxDuration  time.Duration // 0 means no limit
	Events       uint64        // accepted events
	Files        []string      // every output file opened, in order

	current    string
	lastSuffix time.Time
	now        func() time.Time
	closed     bool
}

// NewSession starts a session that writes files named from base. An empty
// base means nothing is written.
func NewSession(base string, targetEvents int, maxDuration time.Duration) *AcquisitionSession {
	return newSessionAt(base, targetEvents, maxDuration, time.Now)
}

func newSessionAt(base string, targetEvents int, maxDuration time.Duration, now func() time.Time) *AcquisitionSession {
	s := &AcquisitionSession{
		RunID:        NewRunID(),
		Base:         base,
		TargetEvents: targetEvents,
		MaxDuration:  maxDuration,
		now:          now,
	}
	s.Start = now()
	if base != "" {
		s.openNext()
	}
	return s
}

// DryRun reports whether the session discards its data.
func (s *AcquisitionSession) DryRun() bool {
	return s.Base == ""
}

// CurrentFile returns the path of the active output file.
func (s *AcquisitionSession) CurrentFile() string {
	return s.current
}

// Elapsed returns the time since the session started.
func (s *AcquisitionSession) Elapsed() time.Duration {
	return s.now().Sub(s.Start)
}

// TargetReached reports whether the target event count has been accepted.
func (s *AcquisitionSession) TargetReached() bool {
	return s.TargetEvents > 0 && s.Events >= uint64(s.TargetEvents)
}

// DurationElapsed reports whether the maximum duration has passed.
func (s *AcquisitionSession) DurationElapsed() bool {
	return s.MaxDuration > 0 && s.Elapsed() >= s.MaxDuration
}

// Rotate switches to a new output file and returns its path.
func (s *AcquisitionSession) Rotate() string {
	s.openNext()
	return s.current
}

// openNext picks a file name whose suffix is later than every suffix used so
// far in this session and that does not exist yet.
func (s *AcquisitionSession) openNext() {
	t := s.now().UTC().Truncate(time.Second)
	if !t.After(s.lastSuffix) {
		t = s.lastSuffix.Add(time.Second)
	}
	for {
		name := FileName(s.Base, t)
		if _, err := os.Stat(name); os.IsNotExist(err) {
			s.current = name
			s.lastSuffix = t
			s.Files = append(s.Files, name)
			return
		}
		t = t.Add(time.Second)
	}
}

// Close ends the session. Further calls do nothing.
func (s *AcquisitionSession) Close() {
	if s.closed {
		return
	}
	s.closed = true
	s.current = ""
}

// NewRunID returns a new unique, time-ordered run identifier.
func NewRunID() string {
	return ulid.Make().String()
}

// FileName returns the output path for base and suffix time t.
func FileName(base string, t time.Time) string {
	return fmt.Sprintf("%s_%s%s", base, t.UTC().Format(SuffixLayout), drb.Suffix)
}
