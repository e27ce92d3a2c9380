package svndiff

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
)

// Applier reconstructs a target stream from delta chunks applied against a
// base. Chunks arrive incrementally (one per textdelta-chunk item); windows
// split across chunk boundaries are buffered until complete. Close must be
// called after the final chunk.
type Applier struct {
	base    io.ReaderAt
	out     io.Writer
	buf     []byte
	version Version
	started bool
}

// NewApplier returns an Applier writing the reconstructed target to out.
// base provides random access to the source; use an empty reader for adds.
func NewApplier(base io.ReaderAt, out io.Writer) *Applier {
	return &Applier{base: base, out: out}
}

// Write feeds one delta chunk to the applier.
func (a *Applier) Write(chunk []byte) error {
	a.buf = append(a.buf, chunk...)
	if !a.started {
		if len(a.buf) < 4 {
			return nil
		}
		if a.buf[0] != 'S' || a.buf[1] != 'V' || a.buf[2] != 'N' || a.buf[3] > 1 {
			return ErrCorrupt
		}
		a.version = Version(a.buf[3])
		a.buf = a.buf[4:]
		a.started = true
	}
	return a.drain()
}

// Close verifies that no partial window remains buffered.
func (a *Applier) Close() error {
	if !a.started && len(a.buf) > 0 {
		return ErrCorrupt
	}
	if len(a.buf) > 0 {
		return ErrCorrupt
	}
	return nil
}

// drain applies every complete window currently buffered.
func (a *Applier) drain() error {
	for {
		n, win, err := a.takeWindow()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		if err := a.applyWindow(win); err != nil {
			return err
		}
		a.buf = a.buf[n:]
	}
}

type rawWindow struct {
	srcOff  uint64
	srcLen  uint64
	tgtLen  uint64
	instr   []byte
	newData []byte
}

// takeWindow parses one window from the buffer without consuming it,
// returning the byte count to consume, or 0 when the buffer holds only a
// partial window.
func (a *Applier) takeWindow() (int, rawWindow, error) {
	var win rawWindow
	rest := a.buf
	var err error
	var instrLen, newLen uint64

	fields := []*uint64{&win.srcOff, &win.srcLen, &win.tgtLen, &instrLen, &newLen}
	for _, f := range fields {
		if *f, rest, err = takeVarint(rest); err != nil {
			if err == errShort {
				return 0, win, nil
			}
			return 0, win, err
		}
	}
	if instrLen+newLen > uint64(len(rest)) {
		return 0, win, nil
	}

	instr := rest[:instrLen]
	newData := rest[instrLen : instrLen+newLen]

	if a.version == Version1 {
		if instr, err = expandSection(instr); err != nil {
			return 0, win, err
		}
		if newData, err = expandSection(newData); err != nil {
			return 0, win, err
		}
	}
	win.instr = instr
	win.newData = newData

	consumed := len(a.buf) - len(rest) + int(instrLen) + int(newLen)
	return consumed, win, nil
}

// expandSection undoes svndiff1 section encoding: originalLen || body.
func expandSection(section []byte) ([]byte, error) {
	origLen, body, err := takeVarint(section)
	if err != nil {
		return nil, ErrCorrupt
	}
	if uint64(len(body)) == origLen {
		return body, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, ErrCorrupt
	}
	defer func() { _ = zr.Close() }()
	out := make([]byte, origLen)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, ErrCorrupt
	}
	return out, nil
}

func (a *Applier) applyWindow(win rawWindow) error {
	srcView := make([]byte, win.srcLen)
	if win.srcLen > 0 {
		if _, err := a.base.ReadAt(srcView, int64(win.srcOff)); err != nil {
			return err
		}
	}

	tgt := make([]byte, 0, win.tgtLen)
	instr := win.instr
	newData := win.newData
	for len(instr) > 0 {
		op := int(instr[0] >> 6)
		length := uint64(instr[0] & 0x3f)
		instr = instr[1:]
		var err error
		if length == 0 {
			if length, instr, err = takeVarint(instr); err != nil {
				return ErrCorrupt
			}
		}

		switch op {
		case opCopySource:
			var off uint64
			if off, instr, err = takeVarint(instr); err != nil {
				return ErrCorrupt
			}
			if off+length > uint64(len(srcView)) {
				return ErrCorrupt
			}
			tgt = append(tgt, srcView[off:off+length]...)
		case opCopyTarget:
			var off uint64
			if off, instr, err = takeVarint(instr); err != nil {
				return ErrCorrupt
			}
			if off >= uint64(len(tgt)) {
				return ErrCorrupt
			}
			// Overlapping copy: byte-at-a-time on purpose, the overlap is
			// how run-length expansion is expressed.
			for i := uint64(0); i < length; i++ {
				tgt = append(tgt, tgt[off+i])
			}
		case opCopyNew:
			if length > uint64(len(newData)) {
				return ErrCorrupt
			}
			tgt = append(tgt, newData[:length]...)
			newData = newData[length:]
		default:
			return ErrCorrupt
		}
	}

	if uint64(len(tgt)) != win.tgtLen {
		return ErrCorrupt
	}
	_, err := a.out.Write(tgt)
	return err
}
