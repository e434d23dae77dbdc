package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const promptDateLayout = "2006-01-02"

// renderPrompt expands {{variable}} placeholders in the job's prompt.
// Built-in time variables are evaluated in the service timezone at the
// run instant; a VariableResolver may add or override entries. Unknown
// placeholders are left untouched.
func (s *Service) renderPrompt(ctx context.Context, job Job, runAt time.Time, ws *WorkspaceContext) (string, error) {
	local := runAt.In(s.location())
	vars := map[string]string{
		"now":       local.Format(time.RFC3339),
		"today":     local.Format(promptDateLayout),
		"tomorrow":  local.AddDate(0, 0, 1).Format(promptDateLayout),
		"next_week": local.AddDate(0, 0, 7).Format(promptDateLayout),
		"job_name":  job.Name,
		"workspace": ws.WorkspaceID,
	}
	if s.deps.Variables != nil {
		var prev time.Time
		if job.LastRunAtMS > 0 {
			prev = time.UnixMilli(job.LastRunAtMS)
		}
		extra, err := s.deps.Variables.Variables(ctx, job, runAt, prev)
		if err != nil {
			return "", fmt.Errorf("resolve variables: %w", err)
		}
		for k, v := range extra {
			vars[k] = v
		}
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	prompt := strings.NewReplacer(pairs...).Replace(job.Prompt)

	if ws.RunRelPath != "" {
		prompt += "\n\nWork inside the " + ws.RunRelPath + " subfolder of this workspace; it was created for this run."
	}
	return prompt, nil
}
