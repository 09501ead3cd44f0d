package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"

	"querychat/worker"
	"querychat/workerpool"
)

// ExecuteSQLTool lets the model run read-only SQL against the turn's
// datasets through the worker pool. A tool instance is created per turn with
// the datasets already bound.
type ExecuteSQLTool struct {
	pool     *workerpool.Pool
	datasets []worker.DatasetRef
	pageSize int
	timeout  time.Duration
}

// NewExecuteSQLTool binds the pool and the turn's datasets.
func NewExecuteSQLTool(pool *workerpool.Pool, datasets []worker.DatasetRef, pageSize int, timeout time.Duration) *ExecuteSQLTool {
	if pageSize <= 0 {
		pageSize = 100
	}
	return &ExecuteSQLTool{
		pool:     pool,
		datasets: datasets,
		pageSize: pageSize,
		timeout:  timeout,
	}
}

type sqlToolInput struct {
	Query string `json:"query"`
	Page  int    `json:"page"`
}

func (t *ExecuteSQLTool) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return &schema.ToolInfo{
		Name: "execute_sql",
		Desc: "Execute a read-only SQL query against the conversation's datasets and return one page of results as JSON with columns, rows and the total row count. Only SELECT statements (and WITH CTEs) are allowed.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Type:     schema.String,
				Desc:     "The SQL query to execute (e.g., 'SELECT region, SUM(amount) FROM sales GROUP BY region').",
				Required: true,
			},
			"page": {
				Type: schema.Integer,
				Desc: "Result page to return, starting at 1. Defaults to 1.",
			},
		}),
	}, nil
}

// Execute submits the query to the pool and waits for its result. Semantic
// query errors and timeouts come back inside the execution record rather than
// as Go errors, so a bad query fails only that tool call.
func (t *ExecuteSQLTool) Execute(ctx context.Context, query string, page int) (*SQLExecution, error) {
	handle, err := t.pool.Submit(ctx, &workerpool.Job{
		Query:    query,
		Datasets: t.datasets,
		Page:     page,
		PageSize: t.pageSize,
		Timeout:  t.timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit query job: %v", err)
	}

	res, err := handle.Wait(ctx)
	if err != nil {
		// A double worker crash is still an inline execution error; the
		// model gets to see it and narrate around it.
		return &SQLExecution{
			Query: query,
			Error: &worker.JobError{Kind: worker.KindCrash, Message: err.Error()},
		}, nil
	}

	return &SQLExecution{
		Query:           query,
		Columns:         res.Columns,
		Rows:            res.Rows,
		TotalRows:       res.TotalRows,
		Error:           res.Error,
		ExecutionTimeMs: res.ExecutionTimeMs,
	}, nil
}

// InvokableRun implements tool.InvokableTool for direct eino graph use.
func (t *ExecuteSQLTool) InvokableRun(ctx context.Context, input string, opts ...tool.Option) (string, error) {
	var in sqlToolInput
	if err := json.Unmarshal([]byte(input), &in); err != nil {
		return "", fmt.Errorf("invalid input: %v", err)
	}

	exec, err := t.Execute(ctx, in.Query, in.Page)
	if err != nil {
		return "", err
	}
	return marshalExecutionForModel(exec), nil
}

// marshalExecutionForModel renders an execution as the JSON the model reads
// back as the tool result.
func marshalExecutionForModel(exec *SQLExecution) string {
	if exec.Error != nil {
		out, _ := json.Marshal(map[string]any{
			"error":   exec.Error.Message,
			"kind":    exec.Error.Kind,
			"message": "The query failed. Fix the query and try again, or explain the problem to the user.",
		})
		return string(out)
	}
	out, err := json.Marshal(map[string]any{
		"columns":           exec.Columns,
		"rows":              exec.Rows,
		"total_rows":        exec.TotalRows,
		"execution_time_ms": exec.ExecutionTimeMs,
	})
	if err != nil {
		return `{"error":"failed to encode result"}`
	}
	return string(out)
}
