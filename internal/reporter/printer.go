package reporter

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/yairfalse/runqslower/internal/config"
	"github.com/yairfalse/runqslower/internal/sampler"
)

// StreamPrinter writes one line per sample
type StreamPrinter struct {
	w      io.Writer
	format string
	enc    *json.Encoder
	now    func() time.Time
}

type jsonSample struct {
	Time      string `json:"time"`
	Comm      string `json:"comm"`
	TID       uint32 `json:"tid"`
	PID       uint32 `json:"pid"`
	LatencyUS int64  `json:"latency_us"`
	Timestamp uint64 `json:"ts_ns"`
}

// NewStreamPrinter prints samples to w in config.FormatText or config.FormatJSON
func NewStreamPrinter(w io.Writer, format string) *StreamPrinter {
	p := &StreamPrinter{w: w, format: format, now: time.Now}
	if format == config.FormatJSON {
		p.enc = json.NewEncoder(w)
	}
	return p
}

// Header writes the column header; JSON output has none
func (p *StreamPrinter) Header() {
	if p.format == config.FormatJSON {
		return
	}
	fmt.Fprintf(p.w, "%-8s %-16s %-7s %-7s %14s\n", "TIME", "COMM", "TID", "PID", "LAT(us)")
}

// Print writes one sample
func (p *StreamPrinter) Print(s sampler.LatencySample) error {
	ts := p.now().Format("15:04:05")
	if p.enc != nil {
		return p.enc.Encode(jsonSample{
			Time:      ts,
			Comm:      s.Command.String(),
			TID:       s.TaskID,
			PID:       s.ProcessID,
			LatencyUS: s.LatencyMicros(),
			Timestamp: s.Timestamp,
		})
	}
	_, err := fmt.Fprintf(p.w, "%-8s %-16s %-7d %-7d %14d\n",
		ts, s.Command.String(), s.TaskID, s.ProcessID, s.LatencyMicros())
	return err
}
