package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
)

// CreateChartTool is a pure passthrough: the model's chart specification is
// forwarded to the client as-is and success is reported back. No server-side
// rendering happens.
type CreateChartTool struct{}

func NewCreateChartTool() *CreateChartTool {
	return &CreateChartTool{}
}

type chartToolInput struct {
	ChartType string          `json:"chart_type"`
	Title     string          `json:"title"`
	XField    string          `json:"x_field"`
	YField    string          `json:"y_field"`
	Options   json.RawMessage `json:"options"`
	// ExecutionIndex ties the chart to a prior execute_sql result. Defaults
	// to the most recent execution.
	ExecutionIndex *int `json:"execution_index"`
}

func (t *CreateChartTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "create_chart",
		Desc: "Create a chart visualization from a previous execute_sql result. The chart is rendered client-side; this tool only records the specification.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"chart_type": {
				Type:     schema.String,
				Desc:     "Chart type: bar, line, pie, scatter or area.",
				Required: true,
			},
			"title": {
				Type:     schema.String,
				Desc:     "Chart title.",
				Required: true,
			},
			"x_field": {
				Type: schema.String,
				Desc: "Column used for the x axis (or category labels).",
			},
			"y_field": {
				Type: schema.String,
				Desc: "Column used for the y axis (or values).",
			},
			"options": {
				Type: schema.Object,
				Desc: "Additional renderer options, passed through untouched.",
			},
			"execution_index": {
				Type: schema.Integer,
				Desc: "Index of the execute_sql result this chart visualizes. Defaults to the most recent one.",
			},
		}),
	}, nil
}

// parseChartSpec validates the input and returns the raw spec plus the
// execution index it targets. latestIndex is the index of the most recent
// SQL execution, or -1 when none exist yet.
func parseChartSpec(input string, latestIndex int) (json.RawMessage, int, error) {
	var in chartToolInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return nil, 0, fmt.Errorf("invalid chart specification: %v", err)
	}
	if in.ChartType == "" {
		return nil, 0, fmt.Errorf("chart_type is required")
	}

	idx := latestIndex
	if in.ExecutionIndex != nil {
		idx = *in.ExecutionIndex
	}
	return json.RawMessage(input), idx, nil
}

// InvokableRun reports success; the orchestrator handles the actual
// passthrough so the event carries the right conversation id.
func (t *CreateChartTool) InvokableRun(ctx context.Context, input string, opts ...tool.Option) (string, error) {
	if _, _, err := parseChartSpec(input, 0); err != nil {
		return "", err
	}
	return `{"status":"chart specification accepted"}`, nil
}
