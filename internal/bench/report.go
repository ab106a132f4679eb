package bench

import (
	"io"
	"runtime"
	"time"

	"github.com/goccy/go-json"
)

// Report is the JSON form of a sweep.
type Report struct {
	Started    time.Time `json:"started"`
	GoVersion  string    `json:"go_version"`
	GOMAXPROCS int       `json:"gomaxprocs"`
	Workers    int       `json:"workers"`
	DotWidth   int       `json:"dot_width"`
	Entries    []Entry   `json:"entries"`
}

// NewReport stamps the runtime environment onto entries.
func NewReport(started time.Time, workers, dotWidth int, entries []Entry) Report {
	return Report{
		Started:    started,
		GoVersion:  runtime.Version(),
		GOMAXPROCS: runtime.GOMAXPROCS(0),
		Workers:    workers,
		DotWidth:   dotWidth,
		Entries:    entries,
	}
}

// WriteJSON writes r as indented JSON.
func (r Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// ReadReport decodes a report written by WriteJSON.
func ReadReport(rd io.Reader) (Report, error) {
	var r Report
	err := json.NewDecoder(rd).Decode(&r)
	return r, err
}
