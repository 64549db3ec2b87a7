package crystal

import (
	"bufio"
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestExtractCrystal(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "delimited crystal",
			text: "preamble\n---CRYSTAL-START---\nI am the crystal.\n---CRYSTAL-END---\ntrailer",
			want: "I am the crystal.",
		},
		{
			name: "missing start",
			text: "no markers\n---CRYSTAL-END---",
			want: "",
		},
		{
			name: "missing end",
			text: "---CRYSTAL-START---\ntruncated output",
			want: "",
		},
		{
			name: "end before start",
			text: "---CRYSTAL-END---\n---CRYSTAL-START---",
			want: "",
		},
		{
			name: "empty between delimiters",
			text: "---CRYSTAL-START---\n   \n---CRYSTAL-END---",
			want: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractCrystal(tt.text))
		})
	}
}

func TestProgressMarkerRegex(t *testing.T) {
	m := progressRe.FindStringSubmatch(`text before {"progress": 45, "stage": "Synthesizing"} after`)
	require.Len(t, m, 3)
	assert.Equal(t, "45", m[1])
	assert.Equal(t, "Synthesizing", m[2])

	// Whitespace variants the agent actually produces
	assert.True(t, progressRe.MatchString(`{"progress":5,"stage":"Reading vault files"}`))
	assert.True(t, progressRe.MatchString(`{"progress" : 100 , "stage" : "Done"}`))

	// Reversed key order is not a marker
	assert.False(t, progressRe.MatchString(`{"stage": "Done", "progress": 100}`))
}

func streamLine(text string) string {
	return fmt.Sprintf(`{"type":"stream_event","event":{"type":"content_block_delta","delta":{"type":"text_delta","text":%q}}}`, text)
}

func TestExtractTextDelta(t *testing.T) {
	got, ok := extractTextDelta(streamLine("hello"))
	require.True(t, ok)
	assert.Equal(t, "hello", got)

	_, ok = extractTextDelta(`{"type":"system","subtype":"init"}`)
	assert.False(t, ok)

	_, ok = extractTextDelta("not json at all")
	assert.False(t, ok)
}

func TestScanOutputEmitsMarkersAcrossChunks(t *testing.T) {
	runner := NewAgentRunner(RunnerConfig{}, nil, zap.NewNop().Sugar())

	// Marker split across two deltas, plus one complete marker
	lines := strings.Join([]string{
		streamLine(`{"progress": 5, "stage": "Read`),
		streamLine(`ing vault files"}` + "\n"),
		streamLine(`working...` + "\n" + `{"progress": 50, "stage": "Synthesizing"}` + "\n"),
	}, "\n")

	events := make(chan Event, 16)
	var full string
	done := make(chan struct{})
	go func() {
		full = runner.scanOutput(bufio.NewScanner(strings.NewReader(lines)), events)
		close(events)
		close(done)
	}()

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	<-done

	require.Len(t, got, 2)
	assert.Equal(t, 5, got[0].Progress)
	assert.Equal(t, "Reading vault files", got[0].Stage)
	assert.Equal(t, 50, got[1].Progress)
	assert.Equal(t, "Synthesizing", got[1].Stage)
	assert.Contains(t, full, "working...")
}

func TestBuildPromptVariants(t *testing.T) {
	runner := NewAgentRunner(RunnerConfig{}, nil, zap.NewNop().Sugar())

	base := runner.buildPrompt("fathom", SpawnRequest{})
	assert.Contains(t, base, "crystallization agent")
	assert.Contains(t, base, "Workspace: fathom")

	withExtra := runner.buildPrompt("fathom", SpawnRequest{AdditionalContext: "  focus on recent work  "})
	assert.Contains(t, withExtra, "## Additional context for this run\nfocus on recent work")

	stripped := runner.buildPrompt("fathom", SpawnRequest{
		StripSystemPrompt: true,
		AdditionalContext: "only this",
	})
	assert.Equal(t, "only this", stripped)
}

type capturingWriter struct {
	workspace string
	text      string
	err       error
}

func (w *capturingWriter) WriteCrystal(_ context.Context, workspace, text string) error {
	w.workspace = workspace
	w.text = text
	return w.err
}

func TestFinishWritesCrystal(t *testing.T) {
	writer := &capturingWriter{}
	runner := NewAgentRunner(RunnerConfig{}, writer, zap.NewNop().Sugar())

	output := "preamble\n---CRYSTAL-START---\nmy crystal\n---CRYSTAL-END---\n"
	ev := runner.finish(context.Background(), "fathom", output, nil)

	assert.Equal(t, JobStatusDone, ev.Status)
	assert.Equal(t, "fathom", writer.workspace)
	assert.Equal(t, "my crystal", writer.text)
}

func TestFinishFailsWithoutCrystal(t *testing.T) {
	runner := NewAgentRunner(RunnerConfig{}, &capturingWriter{}, zap.NewNop().Sugar())

	ev := runner.finish(context.Background(), "fathom", "no delimiters here", nil)
	assert.Equal(t, JobStatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "no crystal text found")
}

func TestFinishFailsOnWriteError(t *testing.T) {
	writer := &capturingWriter{err: assert.AnError}
	runner := NewAgentRunner(RunnerConfig{}, writer, zap.NewNop().Sugar())

	output := "---CRYSTAL-START---\ncrystal\n---CRYSTAL-END---"
	ev := runner.finish(context.Background(), "fathom", output, nil)
	assert.Equal(t, JobStatusFailed, ev.Status)
	assert.Contains(t, ev.Error, "failed to write crystal")
}
