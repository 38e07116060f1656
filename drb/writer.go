package drb

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/sbinet/npyio"
	"github.com/zeebo/xxh3"
)

// Store appends record batches to DRB files. Files are created, with a
// header, on the first append and are not held open between appends.
type Store struct {
	Compression Compression
	Header      FileHeader
	encoder     *zstd.Encoder
}

// NewStore creates a Store that writes the given header into every new file.
func NewStore(compression Compression, header FileHeader) (*Store, error) {
	s := &Store{Compression: compression, Header: header}
	s.Header.FileFormat = FileFormat
	s.Header.FileFormatVersion = FileFormatVersion
	if compression == Zstd {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, err
		}
		s.encoder = enc
	}
	return s, nil
}

// Close releases the compressor, if any.
func (s *Store) Close() error {
	if s.encoder != nil {
		return s.encoder.Close()
	}
	return nil
}

// Append appends one batch under the named group to the file at path,
// creating the file if absent.
func (s *Store) Append(path, group string, b *Batch) error {
	bcopy := *b
	bcopy.Group = group
	return s.AppendAll(path, []*Batch{&bcopy})
}

// AppendAll appends several batches to the file at path with a single write.
// If the write fails the file is truncated back to its previous size, so a
// failed append never leaves a partial batch behind.
func (s *Store) AppendAll(path string, batches []*Batch) error {
	var buf bytes.Buffer
	for _, b := range batches {
		if err := s.encodeBatch(&buf, b); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}
	offset := info.Size()
	var payload []byte
	if offset == 0 {
		var hbuf bytes.Buffer
		if err := s.writeHeader(&hbuf); err != nil {
			f.Close()
			return err
		}
		hbuf.Write(buf.Bytes())
		payload = hbuf.Bytes()
	} else {
		payload = buf.Bytes()
	}
	if _, err := f.WriteAt(payload, offset); err != nil {
		f.Truncate(offset)
		f.Close()
		return err
	}
	return f.Close()
}

// Size returns the current size of the file at path in bytes (0 if absent).
func (s *Store) Size(path string) (int64, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *Store) writeHeader(buf *bytes.Buffer) error {
	h, err := json.Marshal(s.Header)
	if err != nil {
		return err
	}
	buf.Write(fileMagic[:])
	buf.Write(byteOrder.AppendUint32(nil, uint32(len(h))))
	buf.Write(h)
	return nil
}

func (s *Store) encodeBatch(buf *bytes.Buffer, b *Batch) error {
	if b.Group == "" {
		return fmt.Errorf("drb: batch has no group")
	}
	desc := batchDescriptor{Group: b.Group, Rows: b.Rows, Columns: make([]columnSpec, len(b.Columns))}
	payloads := make([][]byte, len(b.Columns))
	for i := range b.Columns {
		c := &b.Columns[i]
		shape, dtype, err := c.validate(b.Rows)
		if err != nil {
			return fmt.Errorf("group %q: %w", b.Group, err)
		}
		var raw bytes.Buffer
		if err := npyio.Write(&raw, c.Data); err != nil {
			return fmt.Errorf("drb: group %q column %q: %w", b.Group, c.Name, err)
		}
		payload := raw.Bytes()
		encoding := None
		if s.encoder != nil {
			payload = s.encoder.EncodeAll(payload, nil)
			encoding = Zstd
		}
		payloads[i] = payload
		desc.Columns[i] = columnSpec{Name: c.Name, Units: c.Units, Dtype: dtype,
			Shape: shape, Encoding: encoding, Nbytes: len(payload)}
	}
	d, err := json.Marshal(desc)
	if err != nil {
		return err
	}

	hasher := xxh3.New()
	hasher.Write(d)
	buf.Write(batchMarker[:])
	buf.Write(byteOrder.AppendUint32(nil, uint32(len(d))))
	buf.Write(d)
	for _, p := range payloads {
		hasher.Write(p)
		buf.Write(p)
	}
	buf.Write(byteOrder.AppendUint64(nil, hasher.Sum64()))
	return nil
}
