package daqdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the daqactivity table: one row per
// process lifetime.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	Start     time.Time
	End       time.Time
}

// RunMessage is the information required to make an entry in the runs table.
type RunMessage struct {
	ID           string
	ActivityID   string
	Address      string
	ConfigFile   string
	BaseName     string
	Mode         string
	Nchannels    int
	RecordLength int
	BufferSize   int
	Events       uint64
	Start        time.Time
	End          time.Time
}

// FileMessage is the information required to make an entry in the files table.
type FileMessage struct {
	RunID    string
	Filename string
	Filetype string
	Start    time.Time
	End      time.Time
	Batches  int
	Events   uint64
	Size     int64
	XXH3     string
}
