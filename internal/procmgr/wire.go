package procmgr

import "encoding/binary"

// writer is a tiny append-only binary encoder for request/response payloads: a flat byte buffer
// with length-prefixed strings and fixed-width integers, used instead of a general serialization
// library because every message here is a handful of scalar fields (spec.md §4.K "thin wrappers").
type writer struct {
	buf []byte
}

func (w *writer) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }
func (w *writer) i32(v int32)  { w.u32(uint32(v)) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) strs(ss []string) {
	w.u32(uint32(len(ss)))
	for _, s := range ss {
		w.str(s)
	}
}

func (w *writer) bytes() []byte { return w.buf }

type reader struct {
	buf []byte
	off int
}

func newReader(buf []byte) *reader { return &reader{buf: buf} }

func (r *reader) u8() uint8 {
	v := r.buf[r.off]
	r.off++

	return v
}

func (r *reader) u32() uint32 {
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4

	return v
}

func (r *reader) i32() int32 { return int32(r.u32()) }
func (r *reader) pid() PID   { return PID(r.u32()) }

func (r *reader) u64() uint64 {
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8

	return v
}

func (r *reader) str() string {
	n := r.u32()
	s := string(r.buf[r.off : r.off+int(n)])
	r.off += int(n)

	return s
}

func (r *reader) strs() []string {
	n := r.u32()
	out := make([]string, n)

	for i := range out {
		out[i] = r.str()
	}

	return out
}
