// Package engine runs the external cost report engine.
//
// The engine is an opaque command line program. It is started once per job
// with its own argument list and environment, and its combined output is
// written to the sink supplied by the caller.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

var (
	// ErrEngineFailure wraps every failure reported by the engine.
	ErrEngineFailure = errors.New("report engine failed")

	// ErrUnknownReport is returned for report codes outside the catalog.
	ErrUnknownReport = errors.New("unknown report")

	// ErrNoReports is returned when a run names no report.
	ErrNoReports = errors.New("no reports selected")
)

// DefaultRegion is used when a request names none.
const DefaultRegion = "us-east-1"

// NonInteractiveEnv tells the engine never to prompt on stdin.
const NonInteractiveEnv = "COSTMINIMIZER_NON_INTERACTIVE"

// Report describes one report the engine can produce.
type Report struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// Catalog lists the reports the engine supports, in display order.
var Catalog = []Report{
	{Code: "ce", Description: "Cost Explorer - Analyze spending patterns, trends, and Reserved Instance utilization"},
	{Code: "ta", Description: "Trusted Advisor - Get AWS best practice recommendations for cost optimization"},
	{Code: "co", Description: "Compute Optimizer - Get rightsizing recommendations for EC2, EBS, Lambda"},
	{Code: "cur", Description: "Cost & Usage Report - Detailed billing analysis with custom queries"},
}

// CatalogMap returns the catalog keyed by report code.
func CatalogMap() map[string]string {
	m := make(map[string]string, len(Catalog))
	for _, r := range Catalog {
		m[r.Code] = r.Description
	}
	return m
}

// ValidateReports checks that codes is non-empty and fully known.
func ValidateReports(codes []string) error {
	if len(codes) == 0 {
		return ErrNoReports
	}
	for _, code := range codes {
		if !slices.ContainsFunc(Catalog, func(r Report) bool { return r.Code == code }) {
			return fmt.Errorf("%w: %q", ErrUnknownReport, code)
		}
	}
	return nil
}

// Credentials are the cloud credentials a single job runs with.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
}

// Env returns the credential variables that have a value.
func (c Credentials) Env() []string {
	var env []string
	add := func(k, v string) {
		if v != "" {
			env = append(env, k+"="+v)
		}
	}
	add("AWS_ACCESS_KEY_ID", c.AccessKeyID)
	add("AWS_SECRET_ACCESS_KEY", c.SecretAccessKey)
	add("AWS_SESSION_TOKEN", c.SessionToken)
	add("AWS_DEFAULT_REGION", c.Region)
	return env
}

// Request describes one report run.
type Request struct {
	Reports     []string
	Region      string
	Credentials Credentials
}

// Result is what a successful run reports back.
type Result struct {
	Summary string
}

// Engine runs report jobs. Implementations write every line of output to
// out and return once the run has finished. A non-nil error wraps
// ErrEngineFailure.
type Engine interface {
	Run(ctx context.Context, req Request, out io.Writer) (Result, error)
}

// Func adapts a function to the Engine interface.
type Func func(ctx context.Context, req Request, out io.Writer) (Result, error)

// Run calls f.
func (f Func) Run(ctx context.Context, req Request, out io.Writer) (Result, error) {
	return f(ctx, req, out)
}

// RunArgs builds the engine arguments for a report run.
func RunArgs(req Request) []string {
	args := make([]string, 0, len(req.Reports)+5)
	for _, r := range req.Reports {
		args = append(args, "--"+r)
	}
	args = append(args, "--checks", "ALL", "--auto-update-conf")
	if slices.Contains(req.Reports, "co") {
		region := req.Region
		if region == "" {
			region = DefaultRegion
		}
		args = append(args, "--region", region)
	}
	return args
}

// QueryArgs builds the engine arguments for a question. The report file is
// passed only when it exists on disk.
func QueryArgs(question, reportFile string) []string {
	args := []string{"-q", question}
	if reportFile != "" {
		if info, err := os.Stat(reportFile); err == nil && !info.IsDir() {
			args = append(args, "-f", reportFile)
		}
	}
	return args
}

// Summary renders the human-readable outcome of a successful run.
func Summary(reports []string) string {
	return fmt.Sprintf("CostMinimizer completed: %s report(s) generated", strings.Join(reports, ", "))
}
