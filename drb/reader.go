package drb

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/sbinet/npyio"
	"github.com/zeebo/xxh3"
)

// Reader reads batches sequentially from a DRB file.
type Reader struct {
	Header  FileHeader
	file    *os.File
	r       *bufio.Reader
	decoder *zstd.Decoder
}

// Open returns an active DRB file reader positioned at the first batch.
func Open(fileName string) (*Reader, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	r := &Reader{file: f, r: bufio.NewReaderSize(f, 1<<16)}
	if err := r.parseHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("drb file %q: %w", fileName, err)
	}
	return r, nil
}

// Close closes the file.
func (r *Reader) Close() error {
	if r.decoder != nil {
		r.decoder.Close()
	}
	return r.file.Close()
}

func (r *Reader) parseHeader() error {
	var magic [8]byte
	if _, err := io.ReadFull(r.r, magic[:]); err != nil {
		return fmt.Errorf("reading magic: %w", err)
	}
	if magic != fileMagic {
		return fmt.Errorf("file must begin with %q", fileMagic[:])
	}
	h, err := r.readBlock()
	if err != nil {
		return err
	}
	return json.Unmarshal(h, &r.Header)
}

// readBlock reads a uint32 length followed by that many bytes.
func (r *Reader) readBlock() ([]byte, error) {
	var n uint32
	if err := readUint32(r.r, &n); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readUint32(r io.Reader, n *uint32) error {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return err
	}
	*n = byteOrder.Uint32(b[:])
	return nil
}

// Next returns the next batch, io.EOF at a clean end of file, ErrTruncated
// if the file ends inside a batch, or ErrChecksum if a batch is corrupt.
func (r *Reader) Next() (*Batch, error) {
	var marker [4]byte
	n, err := io.ReadFull(r.r, marker[:])
	if err == io.EOF && n == 0 {
		return nil, io.EOF
	}
	if err != nil {
		return nil, ErrTruncated
	}
	if marker != batchMarker {
		return nil, fmt.Errorf("drb: bad batch marker %q", marker[:])
	}
	d, err := r.readBlock()
	if err != nil {
		return nil, ErrTruncated
	}
	var desc batchDescriptor
	if err := json.Unmarshal(d, &desc); err != nil {
		return nil, fmt.Errorf("drb: batch descriptor: %w", err)
	}
	hasher := xxh3.New()
	hasher.Write(d)
	payloads := make([][]byte, len(desc.Columns))
	for i, spec := range desc.Columns {
		payloads[i] = make([]byte, spec.Nbytes)
		if _, err := io.ReadFull(r.r, payloads[i]); err != nil {
			return nil, ErrTruncated
		}
		hasher.Write(payloads[i])
	}
	var sum [8]byte
	if _, err := io.ReadFull(r.r, sum[:]); err != nil {
		return nil, ErrTruncated
	}
	if byteOrder.Uint64(sum[:]) != hasher.Sum64() {
		return nil, fmt.Errorf("group %q: %w", desc.Group, ErrChecksum)
	}

	b := &Batch{Group: desc.Group, Rows: desc.Rows, Columns: make([]Column, len(desc.Columns))}
	for i, spec := range desc.Columns {
		data, err := r.decodeColumn(spec, payloads[i])
		if err != nil {
			return nil, fmt.Errorf("drb: group %q column %q: %w", desc.Group, spec.Name, err)
		}
		b.Columns[i] = Column{Name: spec.Name, Units: spec.Units, Shape: spec.Shape, Data: data}
	}
	return b, nil
}

func (r *Reader) decodeColumn(spec columnSpec, payload []byte) (any, error) {
	if spec.Encoding == Zstd {
		if r.decoder == nil {
			dec, err := zstd.NewReader(nil)
			if err != nil {
				return nil, err
			}
			r.decoder = dec
		}
		raw, err := r.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, err
		}
		payload = raw
	}
	rd := bytes.NewReader(payload)
	switch spec.Dtype {
	case "u1":
		var d []uint8
		err := npyio.Read(rd, &d)
		return d, err
	case "u2":
		var d []uint16
		err := npyio.Read(rd, &d)
		return d, err
	case "u4":
		var d []uint32
		err := npyio.Read(rd, &d)
		return d, err
	case "u8":
		var d []uint64
		err := npyio.Read(rd, &d)
		return d, err
	case "i8":
		var d []int64
		err := npyio.Read(rd, &d)
		return d, err
	case "f8":
		var d []float64
		err := npyio.Read(rd, &d)
		return d, err
	}
	return nil, fmt.Errorf("unsupported dtype %q", spec.Dtype)
}

// ReadAll reads every batch of a file. It returns the batches read so far
// along with any error.
func ReadAll(fileName string) (*FileHeader, []*Batch, error) {
	r, err := Open(fileName)
	if err != nil {
		return nil, nil, err
	}
	defer r.Close()
	var batches []*Batch
	for {
		b, err := r.Next()
		if errors.Is(err, io.EOF) {
			return &r.Header, batches, nil
		}
		if err != nil {
			return &r.Header, batches, err
		}
		batches = append(batches, b)
	}
}

// GroupRows totals the rows of each group over a list of batches.
func GroupRows(batches []*Batch) map[string]int {
	rows := make(map[string]int)
	for _, b := range batches {
		rows[b.Group] += b.Rows
	}
	return rows
}
