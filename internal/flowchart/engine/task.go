package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/llmctl/llmctl/internal/executor/contract"
	"github.com/llmctl/llmctl/internal/executor/dispatch"
)

// Provider-specific instruction filenames for native materialization.
var nativeInstructionFiles = map[string]string{
	"codex":  "AGENTS.md",
	"gemini": "GEMINI.md",
	"claude": "CLAUDE.md",
}

const (
	adapterNative   = "native"
	adapterFallback = "fallback"
)

// taskHandler builds the prompt envelope, materializes instructions and
// skills, and hands the work to the dispatcher. Plan nodes share the shape
// under a different entrypoint.
func (d *handlerDeps) taskHandler(entrypoint string) HandlerFunc {
	return func(ctx context.Context, hc *HandlerContext) (map[string]any, map[string]any, error) {
		if d.dispatcher == nil {
			return nil, nil, fmt.Errorf("dispatcher not configured")
		}
		provider := resolveProvider(hc)
		modelID := hc.Node.ModelID
		if modelID == "" {
			modelID = hc.DefaultModelID
		}
		if modelID == "" {
			return nil, nil, fmt.Errorf("node %q has no model and no default_model_id", hc.NodeID)
		}

		workspace := d.workspaceFor(hc)
		instructionMode, materializedName, instructionsMarkdown, err := d.materializeInstructions(hc, provider, workspace)
		if err != nil {
			return nil, nil, err
		}
		skillMode, skills, err := d.materializeSkills(hc, workspace)
		if err != nil {
			return nil, nil, err
		}

		envelope := map[string]any{
			"user_request": hc.Node.ConfigString("task_prompt", ""),
			"task_context": map[string]any{
				"instructions": map[string]any{
					"mode":                  instructionMode,
					"materialized_filename": materializedName,
					"instructions_markdown": instructionsMarkdown,
				},
				"skills":       skills,
				"agent_prompt": hc.Node.ConfigString("agent_prompt", ""),
				"priorities":   toAnySlice(hc.Node.ConfigStrings("priorities")),
				"inputs":       hc.InputContext,
			},
			"output_contract": hc.Node.ConfigString("output_contract", ""),
		}

		payload := &contract.ExecutionPayload{
			ContractVersion: contract.Version,
			RequestID:       uuid.NewString(),
			Provider:        "kubernetes",
			NodeExecution: &contract.NodeExecution{
				Entrypoint: entrypoint,
				Request: map[string]any{
					"provider": provider,
					"model_id": modelID,
					"envelope": envelope,
				},
				RequestContext: map[string]any{
					"run_id":            hc.RunID,
					"node_id":           hc.NodeID,
					"node_run_id":       hc.ExecutionID,
					"execution_index":   hc.ExecutionIndex,
					"execution_task_id": hc.ExecutionTaskID,
					"mcp_server_keys":   toAnySlice(hc.MCPServerKeys),
				},
			},
			Cwd:               workspace,
			TimeoutSeconds:    hc.Node.ConfigInt("timeout_seconds", d.cfg.DefaultTimeoutSeconds),
			CaptureLimitBytes: hc.Node.ConfigInt("capture_limit_bytes", d.cfg.DefaultCaptureLimitBytes),
		}

		out, err := d.dispatcher.Dispatch(ctx, hc.RunID, hc.ExecutionID, payload)
		if err != nil {
			return failureOutput(out), nil, err
		}
		res := out.Result
		if res.Status != contract.StatusSuccess {
			msg := string(res.Status)
			if res.Error != nil {
				msg = res.Error.Message
			}
			return failureOutput(out), res.RoutingState, fmt.Errorf("%s: %s", res.Status, msg)
		}

		output := map[string]any{
			"raw_output":               res.Stdout,
			"structured_output":        res.OutputState,
			"resolved_provider":        provider,
			"resolved_model_id":        modelID,
			"skill_adapter_mode":       skillMode,
			"instruction_adapter_mode": instructionMode,
			"runtime_evidence":         out.Evidence,
		}
		if len(res.Warnings) > 0 {
			output["warnings"] = toAnySlice(res.Warnings)
		}
		return withCommonKeys(output, "completed", nil), res.RoutingState, nil
	}
}

// failureOutput preserves the dispatch evidence on the failed node-run.
func failureOutput(out *dispatch.Dispatch) map[string]any {
	if out == nil {
		return nil
	}
	return withCommonKeys(map[string]any{"runtime_evidence": out.Evidence}, "failed", nil)
}

func resolveProvider(hc *HandlerContext) string {
	want := hc.Node.ConfigString("provider", "")
	if want != "" {
		for _, p := range hc.EnabledProviders {
			if p == want {
				return want
			}
		}
	}
	if len(hc.EnabledProviders) > 0 {
		return hc.EnabledProviders[0]
	}
	return want
}

func (d *handlerDeps) workspaceFor(hc *HandlerContext) string {
	if d.cfg.WorkspaceRoot == "" {
		return ""
	}
	return filepath.Join(d.cfg.WorkspaceRoot, hc.RunID, hc.ExecutionID)
}

// materializeInstructions writes the provider's native instruction file into
// the workspace, or inlines the markdown when native mode is unavailable.
func (d *handlerDeps) materializeInstructions(hc *HandlerContext, provider, workspace string) (mode, filename, markdown string, err error) {
	instructions := hc.Node.ConfigString("instructions_markdown", "")
	if instructions == "" {
		return adapterFallback, "", "", nil
	}
	name := d.cfg.CustomInstructionFile
	if name == "" {
		name = nativeInstructionFiles[provider]
	}
	if workspace == "" || name == "" {
		return adapterFallback, name, instructions, nil
	}
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", "", "", fmt.Errorf("workspace: %w", err)
	}
	if err := os.WriteFile(filepath.Join(workspace, name), []byte(instructions), 0o644); err != nil {
		return "", "", "", fmt.Errorf("materialize instructions: %w", err)
	}
	return adapterNative, name, "", nil
}

// materializeSkills packages skill files under <workspace>/.llmctl/skills/
// for native mode, or inlines them into the envelope for fallback.
func (d *handlerDeps) materializeSkills(hc *HandlerContext, workspace string) (string, []any, error) {
	var skills []any
	mode := adapterFallback
	if workspace != "" {
		mode = adapterNative
	}
	for _, skillID := range hc.Node.SkillIDs {
		slug := slugify(skillID)
		body := hc.Node.ConfigString("skill_"+skillID, "")
		entry := map[string]any{"id": skillID, "slug": slug}
		if mode == adapterNative && body != "" {
			dir := filepath.Join(workspace, ".llmctl", "skills", slug)
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return "", nil, fmt.Errorf("skill workspace: %w", err)
			}
			if err := os.WriteFile(filepath.Join(dir, "SKILL.md"), []byte(body), 0o644); err != nil {
				return "", nil, fmt.Errorf("materialize skill %q: %w", skillID, err)
			}
			entry["path"] = filepath.Join(".llmctl", "skills", slug, "SKILL.md")
		} else if body != "" {
			entry["markdown"] = body
		}
		skills = append(skills, entry)
	}
	return mode, skills, nil
}

func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		out = "skill"
	}
	return out
}

func toAnySlice(in []string) []any {
	out := make([]any, 0, len(in))
	for _, s := range in {
		out = append(out, s)
	}
	return out
}
