package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/routecore/routecore/internal/executor"
)

// Dimensions is the judge's four-axis quality breakdown, each in [0,1].
type Dimensions struct {
	Correctness float64 `json:"correctness"`
	Completeness float64 `json:"completeness"`
	Clarity     float64 `json:"clarity"`
	Safety      float64 `json:"safety"`
}

// Evaluation is the judge's full verdict: dimensions, per-dimension notes,
// a compliance score, and the taskType-weighted overall.
type Evaluation struct {
	Dimensions     Dimensions        `json:"dimensions"`
	DimensionNotes map[string]string `json:"dimensionNotes,omitempty"`
	Compliance     float64           `json:"compliance"`
	Overall        float64           `json:"overall"`
}

// weights holds the five-way weighting {correctness, compliance,
// completeness, clarity, safety} by taskType.
var weights = map[string][5]float64{
	"code":     {0.50, 0.20, 0.15, 0.10, 0.05},
	"writing":  {0.15, 0.30, 0.30, 0.20, 0.05},
	"analysis": {0.30, 0.25, 0.25, 0.15, 0.05},
	"general":  {0.2375, 0.2375, 0.2375, 0.2375, 0.05},
}

// Overall computes the taskType-weighted sum. Unknown taskTypes fall back
// to the "general" weighting.
func Overall(taskType string, d Dimensions, compliance float64) float64 {
	w, ok := weights[taskType]
	if !ok {
		w = weights["general"]
	}
	return w[0]*d.Correctness + w[1]*compliance + w[2]*d.Completeness + w[3]*d.Clarity + w[4]*d.Safety
}

// Judge evaluates worker output by calling a fixed judge model through an
// executor.Sender. A judge failure never fails the caller's run: Evaluate
// returns (nil, err) and the task runner treats that as "no eval
// available".
type Judge struct {
	Sender  executor.Sender
	ModelID string
}

func New(sender executor.Sender, modelID string) *Judge {
	return &Judge{Sender: sender, ModelID: modelID}
}

// Evaluate asks the judge model to score taskOutput against the original
// task description and returns the parsed Evaluation with Overall computed
// for taskType.
func (j *Judge) Evaluate(ctx context.Context, taskType, taskDescription, output string) (*Evaluation, error) {
	prompt := buildJudgePrompt(taskType, taskDescription, output)
	req := executor.Request{
		Messages: []executor.Message{
			{Role: "system", Content: "You are a strict evaluator. Respond with a single JSON object and nothing else."},
			{Role: "user", Content: prompt},
		},
	}
	resp, err := j.Sender.Send(ctx, j.ModelID, req)
	if err != nil {
		return nil, fmt.Errorf("judge call failed: %w", err)
	}
	text := executor.ExtractContent(resp)
	eval, err := parseJudgeResponse(text)
	if err != nil {
		return nil, fmt.Errorf("judge response unparseable: %w", err)
	}
	eval.Overall = Overall(taskType, eval.Dimensions, eval.Compliance)
	return eval, nil
}

func buildJudgePrompt(taskType, taskDescription, output string) string {
	var b strings.Builder
	b.WriteString("Task type: ")
	b.WriteString(taskType)
	b.WriteString("\nTask description:\n")
	b.WriteString(taskDescription)
	b.WriteString("\nOutput to evaluate:\n")
	b.WriteString(output)
	b.WriteString("\n\nRespond with JSON: {\"dimensions\":{\"correctness\":0..1,\"completeness\":0..1,\"clarity\":0..1,\"safety\":0..1},\"dimensionNotes\":{...},\"compliance\":0..1}")
	return b.String()
}

// rawJudgeResponse keeps dimensionNotes and compliance optional on read for
// back-compat with old calibration records, while the prompt requires them
// from the judge.
type rawJudgeResponse struct {
	Dimensions     Dimensions        `json:"dimensions"`
	DimensionNotes map[string]string `json:"dimensionNotes"`
	Compliance     *float64          `json:"compliance"`
}

func parseJudgeResponse(text string) (*Evaluation, error) {
	jsonText := extractJSONObject(text)
	var raw rawJudgeResponse
	if err := json.Unmarshal([]byte(jsonText), &raw); err != nil {
		return nil, err
	}
	compliance := 0.0
	if raw.Compliance != nil {
		compliance = *raw.Compliance
	}
	return &Evaluation{
		Dimensions:     raw.Dimensions,
		DimensionNotes: raw.DimensionNotes,
		Compliance:     compliance,
	}, nil
}

// extractJSONObject pulls the first {...} span out of text, tolerating a
// model that wraps its JSON in prose or a markdown fence.
func extractJSONObject(text string) string {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start == -1 || end == -1 || end < start {
		return text
	}
	return text[start : end+1]
}
