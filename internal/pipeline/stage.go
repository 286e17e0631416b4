package pipeline

import "fmt"

// Stage is a phase in the ingestion queue. Items move strictly forward
// through the processing stages; Failed is reachable from any of them.
type Stage int

const (
	StageDiscovered Stage = iota
	StageAnalyzing
	StageAwaitingFetch
	StageExtracted
	StageReadyToPersist
	StageIndexed
	StageFailed
)

var stageNames = map[Stage]string{
	StageDiscovered:     "discovered",
	StageAnalyzing:      "analyzing",
	StageAwaitingFetch:  "awaiting_fetch",
	StageExtracted:      "extracted",
	StageReadyToPersist: "ready_to_persist",
	StageIndexed:        "indexed",
	StageFailed:         "failed",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

// ParseStage converts a stage name back to its Stage value.
func ParseStage(name string) (Stage, error) {
	for stage, n := range stageNames {
		if n == name {
			return stage, nil
		}
	}
	return 0, fmt.Errorf("unknown pipeline stage %q", name)
}

// Terminal reports whether items in this stage are retired from cycles.
func (s Stage) Terminal() bool {
	return s == StageIndexed || s == StageFailed
}
