package svndiff

import (
	"bytes"

	"github.com/klauspost/compress/zlib"
)

// Encoder produces a windowed delta transforming source into target.
//
// Matching is block-based: the source view of each window is indexed in
// fixed-size blocks and the target is scanned greedily, extending matches in
// both directions. Unmatched spans become new data. The first emitted chunk
// starts with the stream header.
type Encoder struct {
	version Version
	emit    func(chunk []byte) error
	wrote   bool
}

// NewEncoder returns an Encoder emitting delta chunks through emit.
// Each emit call carries one window (the first is prefixed with the header),
// which maps onto one textdelta-chunk item on the wire.
func NewEncoder(version Version, emit func(chunk []byte) error) *Encoder {
	return &Encoder{version: version, emit: emit}
}

// Encode writes the delta from source to target. It must be called once.
func (e *Encoder) Encode(source, target []byte) error {
	if len(target) == 0 {
		// A delta with no windows reconstructs an empty target.
		return e.flushWindow(nil)
	}

	for off := 0; off < len(target); off += windowSize {
		end := off + windowSize
		if end > len(target) {
			end = len(target)
		}

		srcEnd := off + windowSize
		if srcEnd > len(source) {
			srcEnd = len(source)
		}
		var srcView []byte
		srcOff := off
		if srcOff < len(source) {
			srcView = source[srcOff:srcEnd]
		} else {
			srcOff = 0
		}

		win := encodeWindow(uint64(srcOff), srcView, target[off:end])
		if err := e.flushWindow(win); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) flushWindow(win []byte) error {
	var chunk []byte
	if !e.wrote {
		chunk = append(chunk, Header(e.version)...)
		e.wrote = true
	}
	if win != nil {
		chunk = append(chunk, e.encodeSections(win)...)
	}
	if len(chunk) == 0 {
		return nil
	}
	return e.emit(chunk)
}

// window is the intermediate form produced by encodeWindow before section
// compression: headerVarints || instructions || newdata, with section
// lengths left for encodeSections to finalise.
type window struct {
	srcOff  uint64
	srcLen  uint64
	tgtLen  uint64
	instr   []byte
	newData []byte
}

// encodeWindow computes instructions for one target view and returns the
// serialisable window.
func encodeWindow(srcOff uint64, srcView, tgtView []byte) []byte {
	w := window{
		srcOff: srcOff,
		srcLen: uint64(len(srcView)),
		tgtLen: uint64(len(tgtView)),
	}

	index := indexBlocks(srcView)

	pending := 0 // start of the unmatched span
	pos := 0
	for pos+blockSize <= len(tgtView) {
		cand, ok := index[blockKey(tgtView[pos:pos+blockSize])]
		if !ok {
			pos++
			continue
		}
		matchSrc, matchTgt, length := extendMatch(srcView, tgtView, cand, pos, pending)
		if length < blockSize {
			pos++
			continue
		}
		if matchTgt > pending {
			w.appendNew(tgtView[pending:matchTgt])
		}
		w.appendCopySource(uint64(matchSrc), uint64(length))
		pos = matchTgt + length
		pending = pos
	}
	if pending < len(tgtView) {
		w.appendNew(tgtView[pending:])
	}

	out := appendVarint(nil, w.srcOff)
	out = appendVarint(out, w.srcLen)
	out = appendVarint(out, w.tgtLen)
	out = appendVarint(out, uint64(len(w.instr)))
	out = appendVarint(out, uint64(len(w.newData)))
	out = append(out, w.instr...)
	out = append(out, w.newData...)
	return out
}

func (w *window) appendCopySource(off, length uint64) {
	w.instr = appendInstruction(w.instr, opCopySource, length)
	w.instr = appendVarint(w.instr, off)
}

func (w *window) appendNew(data []byte) {
	w.instr = appendInstruction(w.instr, opCopyNew, uint64(len(data)))
	w.newData = append(w.newData, data...)
}

func appendInstruction(dst []byte, op int, length uint64) []byte {
	if length < 64 {
		return append(dst, byte(op<<6)|byte(length))
	}
	dst = append(dst, byte(op<<6))
	return appendVarint(dst, length)
}

type key [blockSize]byte

func blockKey(b []byte) key {
	var k key
	copy(k[:], b)
	return k
}

// indexBlocks maps each aligned source block to its offset. Later duplicates
// win, which is fine for greedy matching.
func indexBlocks(src []byte) map[key]int {
	index := make(map[key]int, len(src)/blockSize+1)
	for off := 0; off+blockSize <= len(src); off += blockSize {
		index[blockKey(src[off:off+blockSize])] = off
	}
	return index
}

// extendMatch grows the aligned block match backwards and forwards and
// returns the final source offset, target offset and length. The backward
// extension never crosses the pending unmatched span start.
func extendMatch(src, tgt []byte, srcPos, tgtPos, floor int) (int, int, int) {
	length := blockSize
	for srcPos > 0 && tgtPos > floor && src[srcPos-1] == tgt[tgtPos-1] {
		srcPos--
		tgtPos--
		length++
	}
	for srcPos+length < len(src) && tgtPos+length < len(tgt) && src[srcPos+length] == tgt[tgtPos+length] {
		length++
	}
	return srcPos, tgtPos, length
}

// encodeSections finalises a window for the stream. For Version1 the
// instruction and new-data sections are individually zlib-compressed when
// that shrinks them; each compressed section is prefixed with its original
// length per the svndiff1 format.
func (e *Encoder) encodeSections(win []byte) []byte {
	if e.version == Version0 {
		return win
	}

	rest := win
	var hdr [3]uint64
	var err error
	for i := range hdr {
		if hdr[i], rest, err = takeVarint(rest); err != nil {
			return win
		}
	}
	instrLen, rest, err := takeVarint(rest)
	if err != nil {
		return win
	}
	newLen, rest, err := takeVarint(rest)
	if err != nil || uint64(len(rest)) != instrLen+newLen {
		return win
	}

	instr := compressSection(rest[:instrLen])
	newData := compressSection(rest[instrLen:])

	out := appendVarint(nil, hdr[0])
	out = appendVarint(out, hdr[1])
	out = appendVarint(out, hdr[2])
	out = appendVarint(out, uint64(len(instr)))
	out = appendVarint(out, uint64(len(newData)))
	out = append(out, instr...)
	out = append(out, newData...)
	return out
}

// compressSection produces originalLen || body, where body is the zlib
// stream when it is smaller than the raw section, else the raw bytes.
func compressSection(section []byte) []byte {
	out := appendVarint(nil, uint64(len(section)))
	plain := len(out) + len(section)

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(section); err == nil {
		if err := zw.Close(); err == nil && len(out)+buf.Len() < plain {
			return append(out, buf.Bytes()...)
		}
	}
	return append(out, section...)
}
