// Package packager is the C10 Packager: expands a project plan's subtasks
// into a Worker+QA work-package DAG, inferring taskType/difficulty
// deterministically and drawing acceptance criteria from a fixed template
// bank. Decomposition and classification are pure functions so the same
// directive always yields the same plan.
package packager

import (
	"fmt"
	"strings"
)

// Role is a work package's role.
type Role string

const (
	RoleWorker Role = "worker"
	RoleQA     Role = "qa"
)

// Package is one node in the work-package DAG.
type Package struct {
	ID                 string
	Role               Role
	TaskType           string
	Difficulty         string
	Title              string
	Description        string
	AcceptanceCriteria []string
	DependsOn          []string
	Importance         int // 1-5
	EstimatedTokens    int
	QAPolicy             QAPolicy
	TierOverride        string
	CheapestViableChosen bool
}

// QAPolicy describes how a package's output gets checked: deterministic
// structural validation always runs; the LLM second pass is gated by
// importance, with high-risk work forcing it for high difficulty.
type QAPolicy struct {
	DeterministicChecks              bool
	LLMSecondPass                    bool
	LLMSecondPassImportanceThreshold int
	AlwaysLLMForHighRisk             bool
	RiskScore                        float64
}

// RequiresLLM reports whether this policy demands an LLM review pass for a
// package of the given difficulty.
func (p QAPolicy) RequiresLLM(difficulty string) bool {
	if p.LLMSecondPass {
		return true
	}
	return p.AlwaysLLMForHighRisk && difficulty == "high"
}

// riskKeywords mark work where a defect is expensive to ship.
var riskKeywords = []string{"security", "auth", "payment", "billing", "migrat", "delete", "encryption", "credential"}

// riskScore is a deterministic 0..1 estimate from keyword hits in
// title+description.
func riskScore(title, description string) float64 {
	hay := strings.ToLower(title + " " + description)
	score := 0.0
	for _, kw := range riskKeywords {
		if strings.Contains(hay, kw) {
			score += 0.3
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

// chooseQaPolicy derives a package's QA policy from difficulty, importance,
// and risk. The importance threshold for the LLM second pass stays at 4
// even when risk is high; high risk instead flips AlwaysLLMForHighRisk so
// only high-difficulty risky work gets the forced pass.
func chooseQaPolicy(difficulty string, importance int, risk float64) QAPolicy {
	p := QAPolicy{
		DeterministicChecks:              true,
		LLMSecondPassImportanceThreshold: 4,
		RiskScore:                        risk,
	}
	if risk >= 0.6 {
		p.AlwaysLLMForHighRisk = true
	}
	p.LLMSecondPass = importance >= p.LLMSecondPassImportanceThreshold
	return p
}

// Subtask is one planner-produced unit before packaging.
type Subtask struct {
	ID          string
	Title       string
	Description string
	Importance  int

	// DifficultyHint, when set to a valid difficulty, overrides keyword
	// inference for this subtask.
	DifficultyHint string
}

// Decompose splits a directive into subtasks on sentence boundaries and
// coordinating connectives. It is a pure deterministic function: the same
// directive always yields the same plan.
func Decompose(directive string) []Subtask {
	parts := splitDirective(directive)
	out := make([]Subtask, 0, len(parts))
	for i, p := range parts {
		out = append(out, Subtask{
			ID:          fmt.Sprintf("t%d", i+1),
			Title:       titleOf(p),
			Description: p,
			Importance:  3,
		})
	}
	return out
}

func splitDirective(directive string) []string {
	normalized := strings.NewReplacer(
		"; ", ". ",
		" and then ", ". ",
		" then ", ". ",
	).Replace(directive)

	var parts []string
	for _, chunk := range strings.Split(normalized, ". ") {
		chunk = strings.TrimSpace(strings.TrimSuffix(chunk, "."))
		if chunk != "" {
			parts = append(parts, chunk)
		}
	}
	if len(parts) == 0 {
		trimmed := strings.TrimSpace(directive)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

func titleOf(s string) string {
	const maxTitle = 60
	if len(s) <= maxTitle {
		return s
	}
	cut := strings.LastIndexByte(s[:maxTitle], ' ')
	if cut <= 0 {
		cut = maxTitle
	}
	return s[:cut]
}

var difficultyFactor = map[string]float64{"low": 0.7, "medium": 1.0, "high": 1.5}

// difficultyKeywords classifies a subtask's difficulty from title/description
// keywords, deterministically and without any model call.
var difficultyKeywords = []struct {
	difficulty string
	keywords   []string
}{
	{"high", []string{"architecture", "redesign", "migrate", "security", "concurrency", "distributed"}},
	{"low", []string{"typo", "rename", "comment", "formatting", "readme", "log message"}},
}

var taskTypeKeywords = []struct {
	taskType string
	keywords []string
}{
	{"code", []string{"implement", "refactor", "fix bug", "function", "api", "endpoint", "class"}},
	{"analysis", []string{"analyze", "investigate", "review", "assess", "evaluate", "audit"}},
	{"writing", []string{"write", "draft", "document", "readme", "blog", "summary"}},
}

// InferTaskType deterministically classifies a subtask's taskType from
// keyword matches in title+description, defaulting to "general".
func InferTaskType(title, description string) string {
	hay := strings.ToLower(title + " " + description)
	for _, tk := range taskTypeKeywords {
		for _, kw := range tk.keywords {
			if strings.Contains(hay, kw) {
				return tk.taskType
			}
		}
	}
	return "general"
}

// InferDifficulty deterministically classifies difficulty, defaulting to
// "medium".
func InferDifficulty(title, description string) string {
	hay := strings.ToLower(title + " " + description)
	for _, dk := range difficultyKeywords {
		for _, kw := range dk.keywords {
			if strings.Contains(hay, kw) {
				return dk.difficulty
			}
		}
	}
	return "medium"
}

// acceptanceCriteriaBank is indexed by taskType and holds 3-5 candidate
// criteria; acceptanceCriteria takes the first 3, 4 or 5 by difficulty.
var acceptanceCriteriaBank = map[string][]string{
	"code":     {"Code compiles without errors", "Existing tests pass", "New behavior is covered by a test", "No unused imports or dead code", "Follows existing package conventions"},
	"analysis": {"Conclusion is directly supported by evidence cited", "Covers at least the stated scope", "Identifies key risks or unknowns", "States a clear recommendation"},
	"writing":  {"Matches requested tone and length", "Free of factual contradictions", "Organized with clear structure", "Readable by the stated audience"},
	"general":  {"Addresses the stated task directly", "Free of placeholder or TODO text", "Internally consistent"},
}

func acceptanceCriteria(taskType string, difficulty string) []string {
	bank, ok := acceptanceCriteriaBank[taskType]
	if !ok {
		bank = acceptanceCriteriaBank["general"]
	}
	n := 3
	if difficulty == "high" {
		n = min(len(bank), 5)
	} else if difficulty == "medium" {
		n = min(len(bank), 4)
	}
	if n > len(bank) {
		n = len(bank)
	}
	if n < 3 && len(bank) >= 3 {
		n = 3
	}
	return append([]string{}, bank[:n]...)
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// estimatedTokens is 500 + min(2*len(desc), 3000) + (worker?800:200),
// scaled by the difficulty factor.
func estimatedTokens(description string, role Role, difficulty string) int {
	base := 500 + min(2*len(description), 3000)
	if role == RoleWorker {
		base += 800
	} else {
		base += 200
	}
	factor := difficultyFactor[difficulty]
	if factor == 0 {
		factor = 1.0
	}
	return int(float64(base) * factor)
}

// Expand builds one Worker package per subtask, adding a dependent QA
// package for every Worker whose inferred difficulty is medium or high.
func Expand(subtasks []Subtask) ([]Package, error) {
	var out []Package
	seen := map[string]bool{}

	for _, st := range subtasks {
		if seen[st.ID] {
			return nil, fmt.Errorf("duplicate subtask id %q", st.ID)
		}
		seen[st.ID] = true

		taskType := InferTaskType(st.Title, st.Description)
		difficulty := st.DifficultyHint
		switch difficulty {
		case "low", "medium", "high":
		default:
			difficulty = InferDifficulty(st.Title, st.Description)
		}
		workerID := st.ID
		worker := Package{
			ID:                 workerID,
			Role:               RoleWorker,
			TaskType:           taskType,
			Difficulty:         difficulty,
			Title:              st.Title,
			Description:        st.Description,
			AcceptanceCriteria: acceptanceCriteria(taskType, difficulty),
			Importance:         st.Importance,
			EstimatedTokens:    estimatedTokens(st.Description, RoleWorker, difficulty),
			QAPolicy:           chooseQaPolicy(difficulty, st.Importance, riskScore(st.Title, st.Description)),
		}
		out = append(out, worker)

		if difficulty == "medium" || difficulty == "high" {
			qaID := st.ID + "_qa"
			qa := Package{
				ID:         qaID,
				Role:       RoleQA,
				TaskType:   taskType,
				Difficulty: difficulty,
				Title:      "QA: " + st.Title,
				Description: "Review the output of " + workerID,
				AcceptanceCriteria: []string{
					"Verdict is strict JSON with pass, qualityScore, and defects",
					"qualityScore reflects the reviewed package's acceptance criteria",
					"Each defect names the problem it found",
				},
				DependsOn:       []string{workerID},
				Importance:      st.Importance,
				EstimatedTokens: estimatedTokens(st.Description, RoleQA, difficulty),
				QAPolicy:        worker.QAPolicy,
			}
			out = append(out, qa)
		}
	}

	if err := Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// Validate runs DFS cycle detection plus uniqueness and QA-single-dependency
// checks.
func Validate(pkgs []Package) error {
	byID := make(map[string]Package, len(pkgs))
	for _, p := range pkgs {
		if _, dup := byID[p.ID]; dup {
			return fmt.Errorf("duplicate package id %q", p.ID)
		}
		byID[p.ID] = p
	}
	for _, p := range pkgs {
		if p.Role == RoleQA && len(p.DependsOn) != 1 {
			return fmt.Errorf("QA package %q must depend on exactly one Worker package, has %d", p.ID, len(p.DependsOn))
		}
		for _, dep := range p.DependsOn {
			if _, ok := byID[dep]; !ok {
				return fmt.Errorf("package %q depends on unknown package %q", p.ID, dep)
			}
		}
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(pkgs))
	var dfs func(id string) error
	dfs = func(id string) error {
		color[id] = gray
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				return fmt.Errorf("cycle detected involving package %q", dep)
			case white:
				if err := dfs(dep); err != nil {
					return err
				}
			}
		}
		color[id] = black
		return nil
	}
	for _, p := range pkgs {
		if color[p.ID] == white {
			if err := dfs(p.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
