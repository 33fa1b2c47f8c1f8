package dataconn

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Block mode descriptor bits (RFC 959 section 3.4.2).
const (
	blockDescEOR     = 0x80
	blockDescEOF     = 0x40
	blockDescErrors  = 0x20
	blockDescRestart = 0x10

	maxBlockSize = 0xffff
)

// Stream mode record markers (RFC 959 section 3.4.1).
const (
	recordEscape = 0xff
	recordEOR    = 0x01
	recordEOF    = 0x02
)

// Codec frames the bytes of a transfer on the data connection.
type Codec interface {
	Name() string
	NewReader(r io.Reader) io.Reader
	NewWriter(w io.Writer) io.WriteCloser
}

func selectCodec(p Params) (Codec, error) {
	if p.Structure == StructurePage {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStructure, p.Structure)
	}
	switch p.Mode {
	case ModeStream:
		if p.Structure == StructureRecord {
			return RecordCodec{}, nil
		}
		return StreamCodec{}, nil
	case ModeBlock:
		return BlockCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedMode, p.Mode)
}

// StreamCodec sends the file as is; the end of file is the end of the connection.
type StreamCodec struct{}

func (StreamCodec) Name() string { return "stream" }

func (StreamCodec) NewReader(r io.Reader) io.Reader { return r }

func (StreamCodec) NewWriter(w io.Writer) io.WriteCloser { return nopWriteCloser{w} }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// RecordCodec is stream mode with record structure. A 0xff byte is sent
// twice, 0xff 0x01 ends a record and 0xff 0x02 ends the file, so the
// connection may stay open after the file.
type RecordCodec struct{}

func (RecordCodec) Name() string { return "record" }

func (RecordCodec) NewReader(r io.Reader) io.Reader { return &recordReader{r: r} }

func (RecordCodec) NewWriter(w io.Writer) io.WriteCloser { return &recordWriter{w: w} }

type recordReader struct {
	r   io.Reader
	one [1]byte
	eof bool
}

// Read decodes the escapes. Record boundaries are not kept.
func (rr *recordReader) Read(p []byte) (int, error) {
	if rr.eof {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		c, err := rr.next()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			if n > 0 {
				return n, nil
			}
			return 0, fmt.Errorf("reading record stream: %w", err)
		}
		if c != recordEscape {
			p[n] = c
			n++
			continue
		}
		marker, err := rr.next()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, fmt.Errorf("reading record marker: %w", err)
		}
		switch {
		case marker == recordEscape:
			p[n] = recordEscape
			n++
		case marker&recordEOF != 0:
			rr.eof = true
			if n == 0 {
				return 0, io.EOF
			}
			return n, nil
		case marker&recordEOR != 0:
		default:
			return n, fmt.Errorf("invalid record marker 0x%02x", marker)
		}
	}
	return n, nil
}

func (rr *recordReader) next() (byte, error) {
	if _, err := io.ReadFull(rr.r, rr.one[:]); err != nil {
		return 0, err
	}
	return rr.one[0], nil
}

type recordWriter struct {
	w      io.Writer
	closed bool
}

func (rw *recordWriter) Write(p []byte) (int, error) {
	if rw.closed {
		return 0, io.ErrClosedPipe
	}
	buf := make([]byte, 0, len(p)+8)
	for _, c := range p {
		buf = append(buf, c)
		if c == recordEscape {
			buf = append(buf, recordEscape)
		}
	}
	if _, err := rw.w.Write(buf); err != nil {
		return 0, fmt.Errorf("writing record stream: %w", err)
	}
	return len(p), nil
}

// Close writes the end of file marker. It does not close the connection.
func (rw *recordWriter) Close() error {
	if rw.closed {
		return nil
	}
	rw.closed = true
	if _, err := rw.w.Write([]byte{recordEscape, recordEOR | recordEOF}); err != nil {
		return fmt.Errorf("writing end of file marker: %w", err)
	}
	return nil
}

// BlockCodec frames data in blocks with a 3 byte header so several files can
// travel over one persistent connection.
type BlockCodec struct{}

func (BlockCodec) Name() string { return "block" }

func (BlockCodec) NewReader(r io.Reader) io.Reader { return &blockReader{r: r} }

func (BlockCodec) NewWriter(w io.Writer) io.WriteCloser { return &blockWriter{w: w} }

type blockReader struct {
	r      io.Reader
	remain int
	last   bool
	eof    bool
}

func (br *blockReader) Read(p []byte) (int, error) {
	for br.remain == 0 {
		if br.eof || br.last {
			br.eof = true
			return 0, io.EOF
		}
		var hdr [3]byte
		if _, err := io.ReadFull(br.r, hdr[:]); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("reading block header: %w", err)
		}
		br.remain = int(binary.BigEndian.Uint16(hdr[1:]))
		br.last = hdr[0]&blockDescEOF != 0
		if hdr[0]&blockDescRestart != 0 {
			// restart markers carry no file data
			if _, err := io.CopyN(io.Discard, br.r, int64(br.remain)); err != nil {
				return 0, fmt.Errorf("skipping restart marker: %w", err)
			}
			br.remain = 0
		}
	}
	if len(p) > br.remain {
		p = p[:br.remain]
	}
	n, err := br.r.Read(p)
	br.remain -= n
	if err == io.EOF && br.remain > 0 {
		err = io.ErrUnexpectedEOF
	} else if err == io.EOF {
		err = nil
	}
	return n, err
}

type blockWriter struct {
	w      io.Writer
	closed bool
}

func (bw *blockWriter) Write(p []byte) (int, error) {
	if bw.closed {
		return 0, io.ErrClosedPipe
	}
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxBlockSize {
			chunk = chunk[:maxBlockSize]
		}
		if err := bw.writeBlock(0, chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

// Close writes the empty EOF block. It does not close the connection.
func (bw *blockWriter) Close() error {
	if bw.closed {
		return nil
	}
	bw.closed = true
	return bw.writeBlock(blockDescEOF, nil)
}

func (bw *blockWriter) writeBlock(desc byte, data []byte) error {
	buf := make([]byte, 3+len(data))
	buf[0] = desc
	binary.BigEndian.PutUint16(buf[1:], uint16(len(data)))
	copy(buf[3:], data)
	if _, err := bw.w.Write(buf); err != nil {
		return fmt.Errorf("writing block: %w", err)
	}
	return nil
}

// Stream is the codec framed view of the data channel given to an Executor.
type Stream struct {
	ch *Channel
	r  io.Reader
	w  io.WriteCloser
}

func newStream(ch *Channel, codec Codec) *Stream {
	if codec == nil {
		codec = StreamCodec{}
	}
	return &Stream{ch: ch, r: codec.NewReader(ch), w: codec.NewWriter(ch)}
}

func (s *Stream) Read(p []byte) (int, error)  { return s.r.Read(p) }
func (s *Stream) Write(p []byte) (int, error) { return s.w.Write(p) }

// CloseWrite marks the end of the file: an EOF block in block mode, an EOF
// marker with record structure, nothing in plain stream mode where the
// connection close ends the file.
func (s *Stream) CloseWrite() error {
	return s.w.Close()
}

// Channel returns the underlying data channel.
func (s *Stream) Channel() *Channel {
	return s.ch
}
