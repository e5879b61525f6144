package eventlog

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/slurmscope/slurmscope/pkg/events"
	"github.com/slurmscope/slurmscope/pkg/preflight"
)

// DefaultMaxLineBytes caps a single JSONL line on the read side.
const DefaultMaxLineBytes = 1 << 20

// Writer writes export records as newline-delimited JSON.
//
// Writer is safe for concurrent use. Writes are serialized using a mutex
// to ensure atomic line writes (no interleaved output).
type Writer struct {
	w        io.Writer
	exportID string
	mu       sync.Mutex
	closed   bool
}

// NewWriter creates a JSONL writer. exportID correlates all lines of one
// export run.
func NewWriter(w io.Writer, exportID string) *Writer {
	return &Writer{w: w, exportID: exportID}
}

// WriteEvent emits a derived job event record.
func (w *Writer) WriteEvent(ctx context.Context, ev *events.JobEvent) error {
	return w.writeRecord(ctx, TypeEvent, ev)
}

// WriteTrace emits a per-job trace record.
func (w *Writer) WriteTrace(ctx context.Context, trace *JobTrace) error {
	return w.writeRecord(ctx, TypeTrace, trace)
}

// WriteSummary emits the final summary record.
func (w *Writer) WriteSummary(ctx context.Context, sum *Summary) error {
	return w.writeRecord(ctx, TypeSummary, sum)
}

// WritePreflight emits a preflight report record. Preflight records are
// written early, before long-running operations, as an explicit contract
// for what was checked.
func (w *Writer) WritePreflight(ctx context.Context, rep *preflight.Report) error {
	return w.writeRecord(ctx, TypePreflight, rep)
}

// WriteLog writes an assembled log: every event, every trace, then the
// summary line last.
func (w *Writer) WriteLog(ctx context.Context, log *Log) error {
	for i := range log.Events {
		if err := w.WriteEvent(ctx, &log.Events[i]); err != nil {
			return err
		}
	}
	for i := range log.Traces {
		if err := w.WriteTrace(ctx, &log.Traces[i]); err != nil {
			return err
		}
	}
	return w.WriteSummary(ctx, &log.Summary)
}

// Close marks the writer as closed. The underlying io.Writer is not
// closed; the caller owns it.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

func (w *Writer) writeRecord(ctx context.Context, recordType string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dataBytes, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", recordType, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	rec := Record{
		Type:     recordType,
		TS:       time.Now().UTC(),
		ExportID: w.exportID,
		Data:     dataBytes,
	}
	recordBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", recordType, err)
	}

	// io.Writer may return n < len(p) with nil error; loop so lines are
	// never silently truncated.
	recordBytes = append(recordBytes, '\n')
	for len(recordBytes) > 0 {
		n, err := w.w.Write(recordBytes)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		recordBytes = recordBytes[n:]
	}
	return nil
}

// Decoder reads export records line by line.
type Decoder struct {
	r            *bufio.Reader
	maxLineBytes int
}

func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r), maxLineBytes: DefaultMaxLineBytes}
}

func (d *Decoder) SetMaxLineBytes(n int) {
	if n <= 0 {
		d.maxLineBytes = DefaultMaxLineBytes
		return
	}
	d.maxLineBytes = n
}

// Next returns the next record, or io.EOF when the input is exhausted.
func (d *Decoder) Next() (Record, error) {
	line, err := readLineLimited(d.r, d.maxLineBytes)
	if err != nil {
		return Record{}, err
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return Record{}, io.EOF
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ReadLog decodes a whole JSONL export back into its parts.
func ReadLog(r io.Reader) (*Log, error) {
	d := NewDecoder(r)
	log := &Log{}
	for {
		rec, err := d.Next()
		if errors.Is(err, io.EOF) {
			return log, nil
		}
		if err != nil {
			return nil, err
		}

		switch rec.Type {
		case TypeEvent:
			var ev events.JobEvent
			if err := json.Unmarshal(rec.Data, &ev); err != nil {
				return nil, fmt.Errorf("decode event record: %w", err)
			}
			log.Events = append(log.Events, ev)
		case TypeTrace:
			var trace JobTrace
			if err := json.Unmarshal(rec.Data, &trace); err != nil {
				return nil, fmt.Errorf("decode trace record: %w", err)
			}
			log.Traces = append(log.Traces, trace)
		case TypeSummary:
			if err := json.Unmarshal(rec.Data, &log.Summary); err != nil {
				return nil, fmt.Errorf("decode summary record: %w", err)
			}
		default:
			// Unknown record types are skipped so newer exports stay
			// readable by older tooling.
		}
	}
}

func readLineLimited(r *bufio.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxLineBytes
	}

	var out []byte
	for {
		frag, err := r.ReadSlice('\n')
		out = append(out, frag...)
		if len(out) > maxBytes {
			return nil, errors.New("jsonl line exceeds max bytes")
		}
		if err == nil {
			return bytes.TrimSuffix(out, []byte("\n")), nil
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(out) == 0 {
				return nil, io.EOF
			}
			return out, nil
		}
		return nil, err
	}
}
