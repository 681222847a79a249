package backend

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
)

// AgentRunAdapter implements spec.md §6.1's literal agent invocation
// contract: `agent-run --agent <NAME>` run in the worktree directory, issue
// identity passed via environment variables, structured stdout log lines,
// exit code as the success/failure signal. It is the default backend when
// no specific CLI (claude/codex/goose) is configured.
type AgentRunAdapter struct {
	agentName   string
	workDir     string
	issueNumber int
	sessionID   string
	procMgr     *ProcessManager
}

// NewAgentRunAdapter creates an agent-run adapter for the named agent.
// issueNumber is exported as AGENT_RUN_ISSUE_NUMBER on every invocation, per
// spec.md §6.1's "environment variables identifying the issue".
func NewAgentRunAdapter(cfg Config, issueNumber int, procMgr *ProcessManager) (*AgentRunAdapter, error) {
	agentName := cfg.Model
	if agentName == "" {
		agentName = "default"
	}

	sessionID := cfg.SessionID
	if sessionID == "" {
		var err error
		sessionID, err = generateUUID()
		if err != nil {
			return nil, fmt.Errorf("failed to generate session ID: %w", err)
		}
	}

	return &AgentRunAdapter{
		agentName:   agentName,
		workDir:     cfg.WorkDir,
		issueNumber: issueNumber,
		sessionID:   sessionID,
		procMgr:     procMgr,
	}, nil
}

// Send runs `agent-run --agent <NAME>` with msg.Content on stdin and
// collects stdout as the structured log. Exit code 0 is success; any other
// exit code (including a context-deadline kill) is a failure.
func (a *AgentRunAdapter) Send(ctx context.Context, msg Message) (Response, error) {
	cmd := newCommand(ctx, "agent-run", "--agent", a.agentName)
	cmd.Dir = a.workDir
	cmd.Env = append(cmd.Environ(),
		fmt.Sprintf("AGENT_RUN_ISSUE_NUMBER=%d", a.issueNumber),
		"AGENT_RUN_SESSION_ID="+a.sessionID,
	)
	cmd.Stdin = bytes.NewBufferString(msg.Content)

	stdout, stderr, err := executeCommand(ctx, cmd, a.procMgr)
	if err != nil {
		return Response{
			Error:     fmt.Sprintf("agent-run failed: %v (stderr: %s)", err, string(stderr)),
			SessionID: a.sessionID,
		}, err
	}

	return Response{
		Content:   lastLogLine(stdout),
		SessionID: a.sessionID,
	}, nil
}

// lastLogLine returns the final non-empty stdout line, since agent-run's
// contract is "structured stdout log lines" rather than a single JSON blob
// like the other three adapters.
func lastLogLine(data []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	var last string
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			last = line
		}
	}
	return last
}

// Close is a no-op; agent-run is a subprocess-per-invocation model like the
// other three adapters.
func (a *AgentRunAdapter) Close() error {
	return nil
}

// SessionID returns the current session identifier.
func (a *AgentRunAdapter) SessionID() string {
	return a.sessionID
}
