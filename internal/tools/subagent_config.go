package tools

import "fmt"

// DefaultSubagentConfig returns sensible defaults for subagent spawning
// when a config file leaves the subagents block unset.
func DefaultSubagentConfig() SubagentConfig {
	return SubagentConfig{
		MaxConcurrent:       8,
		MaxSpawnDepth:       1,
		MaxChildrenPerAgent: 5,
		ArchiveAfterMinutes: 60,
	}
}

// applyDenyList removes tools a subagent at depth shouldn't have access to:
// always-denied tools (SubagentDenyAlways: cron, memory, sessions_send and
// others), plus the leaf-only denials, including the spawn tools, once the
// subagent has hit its own max spawn depth.
func (sm *SubagentManager) applyDenyList(reg *Registry, depth int) {
	for _, name := range SubagentDenyAlways {
		reg.Unregister(name)
	}
	if depth >= sm.config.MaxSpawnDepth {
		for _, name := range SubagentDenyLeaf {
			reg.Unregister(name)
		}
	}
}

// buildSubagentSystemPrompt constructs the system prompt for a subagent,
// scoping it to its single task and telling it whether it may spawn
// further children of its own.
func (sm *SubagentManager) buildSubagentSystemPrompt(task *SubagentTask) string {
	parentLabel := "main agent"
	if task.Depth >= 2 {
		parentLabel = "parent orchestrator"
	}

	canSpawn := task.Depth < sm.config.MaxSpawnDepth

	prompt := fmt.Sprintf(`# Subagent Context

You are a subagent spawned by the %s for a specific task.

## Your Role
- You were created to handle: %s
- Complete this task. That is your entire purpose.
- You are NOT the %s. Do not try to be.

## Rules
1. Stay focused — do your assigned task, nothing else.
2. Complete the task — your final message is reported to the %s automatically.
3. Never ask for clarification. Work with what you have.
4. Be ephemeral — you may be archived after task completion.

## Output Format
Your final response IS the deliverable; it will be forwarded as-is.
- If asked to create content, output the full content directly, not a description of it.
- If the task is research or analysis, provide the complete findings.`,
		parentLabel, task.Task, parentLabel, parentLabel)

	if canSpawn {
		prompt += `

## Sub-Agent Spawning
You can spawn your own subagents for parallel or complex work. Their results
announce back to you, not to the main agent — coordinate and synthesize
before reporting back.`
	} else if task.Depth >= 2 {
		prompt += `

## Sub-Agent Spawning
You are a leaf worker and cannot spawn further subagents.`
	}

	prompt += fmt.Sprintf(`

## Session Context
- Label: %s
- Depth: %d / %d`, task.Label, task.Depth, sm.config.MaxSpawnDepth)

	return prompt
}
