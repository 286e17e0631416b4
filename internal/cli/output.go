package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/citypulse/eventharvest/internal/pipeline"
)

// OutputFormat specifies the output format.
type OutputFormat string

const (
	FormatText OutputFormat = "text"
	FormatJSON OutputFormat = "json"
)

func parseFormat(s string) OutputFormat {
	if strings.EqualFold(s, string(FormatJSON)) {
		return FormatJSON
	}
	return FormatText
}

// statusOutput is the JSON shape of a backlog snapshot.
type statusOutput struct {
	CheckedAt time.Time      `json:"checked_at"`
	Backlog   map[string]int `json:"backlog"`
	Total     int            `json:"total"`
}

// statusOrder lists the stages in pipeline order for text output.
var statusOrder = []pipeline.Stage{
	pipeline.StageDiscovered,
	pipeline.StageAnalyzing,
	pipeline.StageAwaitingFetch,
	pipeline.StageExtracted,
	pipeline.StageReadyToPersist,
}

// WriteStatus writes a backlog snapshot in the requested format.
func WriteStatus(w io.Writer, backlog map[pipeline.Stage]int, format OutputFormat) error {
	switch format {
	case FormatJSON:
		out := statusOutput{
			CheckedAt: time.Now().UTC(),
			Backlog:   make(map[string]int, len(backlog)),
		}
		for stage, n := range backlog {
			out.Backlog[stage.String()] = n
			out.Total += n
		}
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		return encoder.Encode(out)
	case FormatText:
		total := 0
		for _, n := range backlog {
			total += n
		}
		if total == 0 {
			fmt.Fprintln(w, "Backlog is empty.")
			return nil
		}
		for _, stage := range statusOrder {
			if n := backlog[stage]; n > 0 {
				fmt.Fprintf(w, "%-18s %d\n", stage, n)
			}
		}
		fmt.Fprintf(w, "%-18s %d\n", "total", total)
		return nil
	default:
		return fmt.Errorf("unknown format: %s", format)
	}
}
