package judge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// QAReport is the structured verdict every QA execution must produce:
// {pass, qualityScore, defects[]}.
type QAReport struct {
	Pass         bool     `json:"pass"`
	QualityScore float64  `json:"qualityScore"`
	Defects      []string `json:"defects"`
}

// QAOutputSchema is the wire contract enforced against QA model output at
// validation time, so a QA attempt that fails to emit the verdict shape is
// a validation failure like any other malformed output.
var QAOutputSchema = json.RawMessage(`{
	"type": "object",
	"required": ["pass", "qualityScore", "defects"],
	"properties": {
		"pass": {"type": "boolean"},
		"qualityScore": {"type": "number"},
		"defects": {"type": "array"}
	}
}`)

// ParseQAReport extracts the QAReport from QA model output, tolerating
// prose or markdown fencing around the JSON object.
func ParseQAReport(output string) (*QAReport, error) {
	var r QAReport
	if err := json.Unmarshal([]byte(extractJSONObject(output)), &r); err != nil {
		return nil, fmt.Errorf("qa report unparseable: %w", err)
	}
	if r.QualityScore < 0 || r.QualityScore > 1 {
		return nil, fmt.Errorf("qa qualityScore %v out of range", r.QualityScore)
	}
	if r.Defects == nil {
		r.Defects = []string{}
	}
	return &r, nil
}

// QAReportFromValidation synthesizes a report from the deterministic
// validator alone, for QA policies that skip the LLM second pass.
func QAReportFromValidation(v ValidationResult) *QAReport {
	r := &QAReport{Pass: v.OK, Defects: append([]string{}, v.Reasons...)}
	if r.Defects == nil {
		r.Defects = []string{}
	}
	if v.OK {
		r.QualityScore = 1.0
	}
	return r
}

// JSON renders the report as its wire form.
func (r *QAReport) JSON() []byte {
	b, _ := json.Marshal(r)
	return b
}

// BuildQAPrompt asks a QA model to review workerOutput against the
// package's acceptance criteria and answer with the strict verdict JSON.
func BuildQAPrompt(title, workerOutput string, acceptanceCriteria []string) string {
	var b strings.Builder
	b.WriteString("Review the following output for the package \"")
	b.WriteString(title)
	b.WriteString("\".\n\nAcceptance criteria:\n")
	for _, c := range acceptanceCriteria {
		b.WriteString("- ")
		b.WriteString(c)
		b.WriteString("\n")
	}
	b.WriteString("\nOutput under review:\n")
	b.WriteString(workerOutput)
	b.WriteString("\n\nRespond with a single JSON object and nothing else: {\"pass\":true|false,\"qualityScore\":0..1,\"defects\":[\"...\"]}")
	return b.String()
}
