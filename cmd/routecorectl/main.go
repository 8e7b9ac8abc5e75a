// Command routecorectl is the operator CLI: it submits tasks and project
// runs, inspects trust/variance/portfolio state, and toggles governance
// settings against a running routecore server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL  string
	adminToken string
	apiKey     string
	timeout    time.Duration
)

func main() {
	root := &cobra.Command{
		Use:   "routecorectl",
		Short: "Operator CLI for the routecore routing engine",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", envOr("ROUTECORE_SERVER", "http://localhost:8080"), "routecore server base URL")
	root.PersistentFlags().StringVar(&adminToken, "admin-token", os.Getenv("ROUTECORE_ADMIN_TOKEN"), "admin bearer token for governance mutations")
	root.PersistentFlags().StringVar(&apiKey, "api-key", os.Getenv("ROUTECORE_API_KEY"), "tenant API key for run submission")
	root.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "request timeout")

	root.AddCommand(runCmd())
	root.AddCommand(projectCmd())
	root.AddCommand(governanceCmd())
	root.AddCommand(trustCmd())
	root.AddCommand(varianceCmd())
	root.AddCommand(modelsCmd())
	root.AddCommand(statsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func runCmd() *cobra.Command {
	var taskType, difficulty, profile string
	var maxCost, minQuality float64
	var testMode bool

	cmd := &cobra.Command{
		Use:   "run [message]",
		Short: "Submit a single task",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body := map[string]any{
				"message":    args[0],
				"taskType":   taskType,
				"difficulty": difficulty,
				"testMode":   testMode,
			}
			if profile != "" {
				body["profile"] = profile
			}
			constraints := map[string]any{}
			if maxCost > 0 {
				constraints["maxCostUSD"] = maxCost
			}
			if minQuality > 0 {
				constraints["minQuality"] = minQuality
			}
			if len(constraints) > 0 {
				body["constraints"] = constraints
			}
			return call(http.MethodPost, "/run", body, apiKey)
		},
	}
	cmd.Flags().StringVar(&taskType, "task-type", "general", "task type: code|writing|analysis|general")
	cmd.Flags().StringVar(&difficulty, "difficulty", "medium", "difficulty: low|medium|high")
	cmd.Flags().StringVar(&profile, "profile", "", "profile: fast|strict|low_cost")
	cmd.Flags().Float64Var(&maxCost, "max-cost", 0, "maximum cost in USD")
	cmd.Flags().Float64Var(&minQuality, "min-quality", 0, "minimum quality threshold override")
	cmd.Flags().BoolVar(&testMode, "test-mode", false, "run against the deterministic test adapter")
	return cmd
}

func projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project-run operations",
	}

	var budget float64
	var tierProfile, presetID, portfolioMode string
	var estimateOnly, async, audit bool
	var workers, qa int

	runScenario := &cobra.Command{
		Use:   "run [directive]",
		Short: "Run (or estimate) a project scenario",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			body := map[string]any{
				"projectBudgetUSD":    budget,
				"tierProfile":         tierProfile,
				"estimateOnly":        estimateOnly,
				"async":               async,
				"includeCouncilAudit": audit,
			}
			if len(args) == 1 {
				body["directive"] = args[0]
			}
			if presetID != "" {
				body["presetId"] = presetID
			}
			if portfolioMode != "" {
				body["portfolioMode"] = portfolioMode
			}
			if workers > 0 || qa > 0 {
				body["concurrency"] = map[string]int{"worker": workers, "qa": qa}
			}
			return call(http.MethodPost, "/projects/run-scenario", body, apiKey)
		},
	}
	runScenario.Flags().Float64Var(&budget, "budget", 5.0, "project budget in USD")
	runScenario.Flags().StringVar(&tierProfile, "tier-profile", "balanced", "tier profile")
	runScenario.Flags().StringVar(&presetID, "preset", "", "preset scenario id")
	runScenario.Flags().StringVar(&portfolioMode, "portfolio-mode", "", "portfolio mode: off|prefer|lock")
	runScenario.Flags().BoolVar(&estimateOnly, "estimate-only", false, "return plan and packages without executing")
	runScenario.Flags().BoolVar(&async, "async", false, "run in the background, returning a run session id")
	runScenario.Flags().BoolVar(&audit, "audit", false, "include trust/variance snapshots in the bundle")
	runScenario.Flags().IntVar(&workers, "workers", 0, "worker pool size override")
	runScenario.Flags().IntVar(&qa, "qa", 0, "qa pool size override")

	get := &cobra.Command{
		Use:   "get [run-session-id]",
		Short: "Fetch a project run by session id",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodGet, "/projects/runs/"+args[0], nil, apiKey)
		},
	}

	cmd.AddCommand(runScenario, get)
	return cmd
}

func governanceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "governance",
		Short: "Governance controls",
	}

	portfolio := &cobra.Command{
		Use:   "portfolio",
		Short: "Show the current portfolio recommendation",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/governance/portfolio", nil, "")
		},
	}

	mode := &cobra.Command{
		Use:   "mode [off|prefer|lock]",
		Short: "Get or set the portfolio enforcement mode",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return call(http.MethodGet, "/governance/portfolio-config", nil, "")
			}
			return call(http.MethodPost, "/governance/portfolio-config", map[string]string{"mode": args[0]}, adminToken)
		},
	}

	analytics := &cobra.Command{
		Use:   "analytics",
		Short: "Aggregated KPIs over the recent run window",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/governance/analytics", nil, "")
		},
	}

	cmd.AddCommand(portfolio, mode, analytics)
	return cmd
}

func trustCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "trust",
		Short: "Show per-model trust scores",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/governance/trust", nil, "")
		},
	}
}

func varianceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "variance",
		Short: "Show per-model variance buckets",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/governance/variance", nil, "")
		},
	}
}

func modelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Model registry operations",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/governance/models", nil, "")
		},
	}
	status := &cobra.Command{
		Use:   "status [model-id] [active|probation|deprecated|disabled]",
		Short: "Change a model's lifecycle status",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return call(http.MethodPatch, "/governance/models/"+args[0], map[string]string{"status": args[1]}, adminToken)
		},
	}
	cmd.AddCommand(list, status)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show per-model execution counters",
		RunE: func(_ *cobra.Command, _ []string) error {
			return call(http.MethodGet, "/governance/stats", nil, "")
		},
	}
}

// call performs one JSON request and pretty-prints the response body.
func call(method, path string, body any, bearer string) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, serverURL+path, buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
