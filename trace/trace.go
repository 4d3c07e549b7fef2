// Package trace records the frames of RFCOMM sessions to a CBOR stream and reads
// them back.
package trace

import (
	"io"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/rs/xid"

	"github.com/progrium/rfcomm-go/mux"
	"github.com/progrium/rfcomm-go/mux/frame"
)

// Record is one traced frame.
type Record struct {
	_        struct{} `cbor:",toarray"`
	Time     int64    // unix nanoseconds
	Session  string
	Outbound bool
	Role     uint8 // role of the sender as known when the frame was traced
	Credits  bool  // the frame carries a credit octet
	Raw      []byte
}

// Timestamp returns the time the frame was traced.
func (r Record) Timestamp() time.Time {
	return time.Unix(0, r.Time)
}

// Frame decodes the raw bytes of the record.
func (r Record) Frame() (frame.Frame, error) {
	return frame.Parse(frame.Role(r.Role), r.Credits, r.Raw)
}

// Recorder writes records to a stream. It is a mux.Tracer safe for concurrent
// use by several sessions.
type Recorder struct {
	mu  sync.Mutex
	enc *cbor.Encoder
	now func() time.Time
}

var _ mux.Tracer = (*Recorder)(nil)

func NewRecorder(w io.Writer) *Recorder {
	return &Recorder{
		enc: cbor.NewEncoder(w),
		now: time.Now,
	}
}

// Write appends rec to the stream.
func (r *Recorder) Write(rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(rec)
}

// TraceFrame records f under the id of the session that carried it.
func (r *Recorder) TraceFrame(session xid.ID, outbound bool, f frame.Frame, raw []byte) {
	r.trace(session.String(), outbound, f, raw)
}

// Labeled returns a tracer that tags records with label and the session id,
// as in "client/<id>".
func (r *Recorder) Labeled(label string) mux.Tracer {
	return &labeledTracer{r: r, label: label}
}

func (r *Recorder) trace(session string, outbound bool, f frame.Frame, raw []byte) {
	rec := Record{
		Time:     r.now().UnixNano(),
		Session:  session,
		Outbound: outbound,
		Role:     uint8(f.Role),
		Credits:  f.Credits != nil,
		Raw:      append([]byte(nil), raw...),
	}
	// Tracing never interrupts a session; a failing sink loses records.
	r.Write(rec)
}

type labeledTracer struct {
	r     *Recorder
	label string
}

func (t *labeledTracer) TraceFrame(session xid.ID, outbound bool, f frame.Frame, raw []byte) {
	t.r.trace(t.label+"/"+session.String(), outbound, f, raw)
}

// Reader reads records written by a Recorder.
type Reader struct {
	dec *cbor.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: cbor.NewDecoder(r)}
}

// Next returns the next record, or io.EOF at the end of the stream.
func (r *Reader) Next() (Record, error) {
	var rec Record
	if err := r.dec.Decode(&rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}
