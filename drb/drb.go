// Package drb reads and writes DRB (digitizer record batch) files.
//
// A DRB file is append-only. It starts with a file header, followed by any
// number of record batches, each belonging to a named group (for example one
// group per digitizer channel). A group is a logically independent stream:
// concatenating its batches in file order gives that group's table.
//
// File header
// bytes    type      meaning
// 0-7      [8]byte   magic "DRBFILE1"
// 8-11     uint32    length H of the JSON header
// 12-..    H bytes   JSON FileHeader
//
// Record batch
// bytes    type      meaning
// 0-3      [4]byte   marker "BTCH"
// 4-7      uint32    length D of the JSON batch descriptor
// 8-..     D bytes   JSON descriptor (group, rows, columns with dtype, shape, nbytes)
// ..       payloads  one 1-D npy array per column, in descriptor order (zstd-compressed if so marked)
// last 8   uint64    xxh3 hash of descriptor and payloads
//
// All integers are little endian.
package drb

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Version of the file format written by this package.
const (
	FileFormat        = "DRB"
	FileFormatVersion = "1.0"
	Suffix            = ".drb"
)

var (
	fileMagic   = [8]byte{'D', 'R', 'B', 'F', 'I', 'L', 'E', '1'}
	batchMarker = [4]byte{'B', 'T', 'C', 'H'}
	byteOrder   = binary.LittleEndian
)

// ErrChecksum means a batch's stored hash does not match its contents.
var ErrChecksum = errors.New("drb: batch checksum mismatch")

// ErrTruncated means the file ends in the middle of a batch.
var ErrTruncated = errors.New("drb: truncated batch")

// Compression selects how column payloads are stored.
type Compression string

// Valid Compression values
const (
	None Compression = "none"
	Zstd Compression = "zstd"
)

// ParseCompression converts a configuration string to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch Compression(s) {
	case "", None:
		return None, nil
	case Zstd:
		return Zstd, nil
	}
	return None, fmt.Errorf("drb: unknown compression %q (want none or zstd)", s)
}

// FileHeader is stored once at the start of each file.
type FileHeader struct {
	FileFormat        string
	FileFormatVersion string
	RunID             string
	Creator           string
	CreationTime      time.Time
	Attrs             map[string]string `json:",omitempty"`
}

// Column is one named column of a Batch. Data must be a []uint8, []uint16,
// []uint32, []uint64, []int64 or []float64 holding the column in row-major
// order; Shape gives its dimensions, the first being the number of rows.
// A nil Shape means 1-D with len(Data) rows.
type Column struct {
	Name  string
	Units string
	Shape []int
	Data  any
}

// Batch is a group of equal-length columns appended to a file in one piece.
type Batch struct {
	Group   string
	Rows    int
	Columns []Column
}

// Column returns the named column, or nil.
func (b *Batch) Column(name string) *Column {
	for i := range b.Columns {
		if b.Columns[i].Name == name {
			return &b.Columns[i]
		}
	}
	return nil
}

// columnSpec is the JSON description of one column inside a batch descriptor.
type columnSpec struct {
	Name     string
	Units    string `json:",omitempty"`
	Dtype    string
	Shape    []int
	Encoding Compression
	Nbytes   int
}

type batchDescriptor struct {
	Group   string
	Rows    int
	Columns []columnSpec
}

// dtypeOf returns the numpy type code and element count of a column's data.
func dtypeOf(data any) (string, int, error) {
	switch d := data.(type) {
	case []uint8:
		return "u1", len(d), nil
	case []uint16:
		return "u2", len(d), nil
	case []uint32:
		return "u4", len(d), nil
	case []uint64:
		return "u8", len(d), nil
	case []int64:
		return "i8", len(d), nil
	case []float64:
		return "f8", len(d), nil
	}
	return "", 0, fmt.Errorf("drb: unsupported column data type %T", data)
}

// validate checks that a column is consistent with the batch row count and
// returns its resolved shape and dtype.
func (c *Column) validate(rows int) ([]int, string, error) {
	dtype, n, err := dtypeOf(c.Data)
	if err != nil {
		return nil, "", fmt.Errorf("column %q: %w", c.Name, err)
	}
	shape := c.Shape
	if shape == nil {
		shape = []int{n}
	}
	size := 1
	for _, s := range shape {
		size *= s
	}
	switch {
	case len(shape) == 0 || shape[0] != rows:
		return nil, "", fmt.Errorf("drb: column %q has shape %v, want %d rows", c.Name, shape, rows)
	case size != n:
		return nil, "", fmt.Errorf("drb: column %q has %d values, shape %v needs %d", c.Name, n, shape, size)
	}
	return shape, dtype, nil
}
