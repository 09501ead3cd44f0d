package agent

import (
	"encoding/json"
	"strings"

	"querychat/worker"
)

// SQLExecution is one resolved SQL tool call within a turn. A semantic query
// failure lives in Error; the turn itself still completes so the model can
// narrate around it.
type SQLExecution struct {
	Index           int                 `json:"index"`
	Query           string              `json:"query"`
	Columns         []worker.ColumnInfo `json:"columns,omitempty"`
	Rows            [][]any             `json:"rows,omitempty"`
	TotalRows       int64               `json:"total_rows"`
	Error           *worker.JobError    `json:"error,omitempty"`
	ExecutionTimeMs int64               `json:"execution_time_ms"`
	ChartSpec       json.RawMessage     `json:"chart_spec,omitempty"`
}

// StreamState tracks one conversation's in-flight assistant turn. Created
// when the first token or tool call of a new turn arrives; cleared only by
// the finalize path, which runs on completion, error, and channel close
// alike.
type StreamState struct {
	IsStreaming        bool
	StreamingMessageID string

	answer    strings.Builder
	reasoning strings.Builder

	IsReasoning       bool
	PendingToolCall   string
	PendingChartSpecs map[int]json.RawMessage
}

func newStreamState(messageID string) *StreamState {
	return &StreamState{
		IsStreaming:        true,
		StreamingMessageID: messageID,
		PendingChartSpecs:  make(map[int]json.RawMessage),
	}
}

func (s *StreamState) appendAnswer(token string) {
	s.answer.WriteString(token)
}

func (s *StreamState) appendReasoning(token string) {
	s.reasoning.WriteString(token)
}

func (s *StreamState) Answer() string    { return s.answer.String() }
func (s *StreamState) Reasoning() string { return s.reasoning.String() }

// MergeChartSpecs splices pending chart specs into the executions they
// target. It is a pure function: inputs are not mutated, and specs whose
// index matches no execution are dropped.
func MergeChartSpecs(executions []SQLExecution, pending map[int]json.RawMessage) []SQLExecution {
	if len(executions) == 0 || len(pending) == 0 {
		out := make([]SQLExecution, len(executions))
		copy(out, executions)
		return out
	}

	out := make([]SQLExecution, len(executions))
	copy(out, executions)
	for i := range out {
		if spec, ok := pending[out[i].Index]; ok {
			out[i].ChartSpec = spec
		}
	}
	return out
}
