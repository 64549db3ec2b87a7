package crystal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fathom-vault/fathom/errors"
)

// progressRe matches the progress markers the agent emits in its output,
// e.g. {"progress": 50, "stage": "Synthesizing"}.
var progressRe = regexp.MustCompile(`\{"progress"\s*:\s*(\d+)\s*,\s*"stage"\s*:\s*"([^"]+)"\}`)

// Delimiters around the crystal text in the agent's output.
const (
	crystalStartMarker = "---CRYSTAL-START---"
	crystalEndMarker   = "---CRYSTAL-END---"
)

// defaultPrompt instructs the agent to read vault files over plain shell
// commands, emit progress markers as it works, and wrap the finished
// crystal in the capture delimiters.
const defaultPrompt = `You are a crystallization agent. Your job: read the vault files provided and distill a
~1300-word first-person identity crystal — what this agent cares about, what it's working on,
what persists across sessions.

IMPORTANT: You are running in simple mode. You have Bash but NOT Read/Glob/Grep/Edit tools.
Use Bash commands (find, cat, ls, head) to read vault files.

Throughout your work, emit progress markers on their own line so the UI can track you:
{"progress": 5, "stage": "Reading vault files"}
{"progress": 50, "stage": "Synthesizing"}
{"progress": 90, "stage": "Outputting crystal"}
{"progress": 100, "stage": "Done"}

Emit each marker EXACTLY when you reach that stage — not all at the start.

Steps:
1. Use find or ls to discover vault files (reflections/, thinking/, daily/)
2. Use cat to read the most relevant files (up to 20 reflections, 7 heartbeats)
3. Synthesize a fresh ~1300-word first-person identity crystal
4. Output the crystal text between these exact delimiters:

---CRYSTAL-START---
(your crystal text here)
---CRYSTAL-END---

The infrastructure will capture the text between the delimiters and save it.

Workspace: %s
`

// RunnerConfig configures the agent invocation.
type RunnerConfig struct {
	Binary     string // agent CLI binary, e.g. "claude"
	Model      string
	PromptPath string // optional prompt override file; empty falls back to the built-in prompt
	VaultDir   string // directory of notes the agent may read
	WorkDir    string // working directory for the spawned process
}

// AgentRunner runs the synthesis task by spawning the agent CLI and
// parsing its stream-json output for progress markers and the delimited
// crystal text. The finished crystal goes to the CrystalWriter before the
// terminal event is reported.
type AgentRunner struct {
	cfg    RunnerConfig
	writer CrystalWriter
	logger *zap.SugaredLogger
}

// NewAgentRunner creates a runner for the configured agent CLI
func NewAgentRunner(cfg RunnerConfig, writer CrystalWriter, logger *zap.SugaredLogger) *AgentRunner {
	return &AgentRunner{cfg: cfg, writer: writer, logger: logger}
}

// Run spawns the agent process and returns its event channel. The channel
// carries progress events as markers appear and closes after one terminal
// event. Cancelling ctx kills the process.
func (r *AgentRunner) Run(ctx context.Context, workspace string, req SpawnRequest) (<-chan Event, error) {
	prompt := r.buildPrompt(workspace, req)

	cmd := exec.CommandContext(ctx, r.cfg.Binary,
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--include-partial-messages",
		"--model", r.cfg.Model,
		"--dangerously-skip-permissions",
		"--add-dir", r.cfg.VaultDir,
	)
	cmd.Dir = r.cfg.WorkDir
	cmd.Env = agentEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "failed to open agent stdout")
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start agent %s", r.cfg.Binary)
	}

	events := make(chan Event)
	go func() {
		defer close(events)

		fullText := r.scanOutput(bufio.NewScanner(stdout), events)
		waitErr := cmd.Wait()

		events <- r.finish(ctx, workspace, fullText, waitErr)
	}()

	return events, nil
}

// buildPrompt assembles the synthesis prompt: the base prompt (file
// override or built-in) unless stripped, plus any additional context.
func (r *AgentRunner) buildPrompt(workspace string, req SpawnRequest) string {
	var base string
	if !req.StripSystemPrompt {
		if r.cfg.PromptPath != "" {
			if data, err := os.ReadFile(r.cfg.PromptPath); err == nil {
				// Prompt override files reference the workspace by token
				base = strings.ReplaceAll(string(data), "{workspace}", workspace)
			}
		}
		if base == "" {
			base = fmt.Sprintf(defaultPrompt, workspace)
		}
	}

	extra := strings.TrimSpace(req.AdditionalContext)
	if extra != "" {
		if base != "" {
			base += "\n\n## Additional context for this run\n" + extra + "\n"
		} else {
			base = extra
		}
	}
	return base
}

// scanOutput reads stream-json lines, accumulates the agent's text deltas,
// and emits a progress event for each complete marker. Returns the full
// concatenated text for crystal extraction.
func (r *AgentRunner) scanOutput(scanner *bufio.Scanner, events chan<- Event) string {
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var fullText strings.Builder
	textBuf := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		chunk, ok := extractTextDelta(line)
		if !ok {
			continue
		}
		textBuf += chunk
		fullText.WriteString(chunk)

		// Emit every complete marker, then advance past the last match
		lastEnd := 0
		for _, m := range progressRe.FindAllStringSubmatchIndex(textBuf, -1) {
			progress, _ := strconv.Atoi(textBuf[m[2]:m[3]])
			events <- Event{
				Type:     EventTypeProgress,
				Progress: progress,
				Stage:    textBuf[m[4]:m[5]],
			}
			lastEnd = m[1]
		}
		if lastEnd > 0 {
			textBuf = textBuf[lastEnd:]
		} else if idx := strings.LastIndexByte(textBuf, '\n'); idx >= 0 {
			// No markers yet - keep only the trailing partial line
			textBuf = textBuf[idx+1:]
		}
	}

	return fullText.String()
}

// streamEnvelope is the subset of the agent's stream-json output we care
// about: text deltas inside stream_event wrappers.
type streamEnvelope struct {
	Type  string `json:"type"`
	Event struct {
		Type  string `json:"type"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta"`
	} `json:"event"`
}

func extractTextDelta(line string) (string, bool) {
	var msg streamEnvelope
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return "", false
	}
	if msg.Type != "stream_event" ||
		msg.Event.Type != "content_block_delta" ||
		msg.Event.Delta.Type != "text_delta" {
		return "", false
	}
	return msg.Event.Delta.Text, true
}

// finish resolves the run: extract the crystal, persist it, and build the
// single terminal event.
func (r *AgentRunner) finish(ctx context.Context, workspace, fullText string, waitErr error) Event {
	if waitErr != nil {
		return Event{
			Type:   EventTypeDone,
			Status: JobStatusFailed,
			Error:  errors.Wrap(waitErr, "agent process failed").Error(),
		}
	}

	crystalText := ExtractCrystal(fullText)
	if crystalText == "" {
		return Event{
			Type:   EventTypeDone,
			Status: JobStatusFailed,
			Error:  "no crystal text found between delimiters in agent output",
		}
	}

	if err := r.writer.WriteCrystal(ctx, workspace, crystalText); err != nil {
		r.logger.Errorw("Failed to write crystal",
			"workspace", workspace,
			"error", err)
		return Event{
			Type:   EventTypeDone,
			Status: JobStatusFailed,
			Error:  errors.Wrap(err, "failed to write crystal").Error(),
		}
	}

	r.logger.Infow("Crystal written",
		"workspace", workspace,
		"length", len(crystalText))
	return Event{Type: EventTypeDone, Status: JobStatusDone}
}

// ExtractCrystal returns the trimmed text between the crystal delimiters,
// or the empty string when the delimiters are absent or out of order.
func ExtractCrystal(text string) string {
	start := strings.Index(text, crystalStartMarker)
	end := strings.Index(text, crystalEndMarker)
	if start == -1 || end == -1 || end <= start {
		return ""
	}
	return strings.TrimSpace(text[start+len(crystalStartMarker) : end])
}

// agentEnv strips the nested-session guard variable so the agent CLI can
// run under a parent agent session.
func agentEnv() []string {
	env := os.Environ()
	out := env[:0]
	for _, kv := range env {
		if strings.HasPrefix(kv, "CLAUDECODE=") {
			continue
		}
		out = append(out, kv)
	}
	return out
}
