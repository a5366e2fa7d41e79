package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/txn2/cost-report-runner/pkg/engine"
)

// availableReports returns the report catalog keyed by code.
func (h *Handler) availableReports(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"reports": engine.CatalogMap(),
	})
}

type dockerCommandRequest struct {
	Reports []string `json:"reports"`
	Region  string   `json:"region"`
}

// dockerCommand renders the equivalent container invocation for running the
// selected reports outside the service.
func (h *Handler) dockerCommand(w http.ResponseWriter, r *http.Request) {
	var req dockerCommandRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := engine.ValidateReports(req.Reports); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Region == "" {
		req.Region = engine.DefaultRegion
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"command": renderDockerCommand(req.Reports, req.Region),
	})
}

func renderDockerCommand(reports []string, region string) string {
	flags := make([]string, len(reports))
	for i, code := range reports {
		flags[i] = "--" + code
	}
	return fmt.Sprintf(`docker run -it \
  -v $HOME/.aws:/root/.aws \
  -v $HOME/cow:/root/cow \
  -e AWS_ACCESS_KEY_ID \
  -e AWS_SECRET_ACCESS_KEY \
  -e AWS_SESSION_TOKEN \
  costminimizer %s --region %s`, strings.Join(flags, " "), region)
}
