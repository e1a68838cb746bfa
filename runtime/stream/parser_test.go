package stream

import (
	"bytes"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

func encodeAll(t *testing.T, frames ...Frame) []byte {
	t.Helper()
	var buf bytes.Buffer
	for _, f := range frames {
		raw, err := Encode(f)
		require.NoError(t, err)
		buf.Write(raw)
	}
	return buf.Bytes()
}

func TestParserRoundTrip(t *testing.T) {
	t.Parallel()

	wire := encodeAll(t,
		Content([]byte("hello ")),
		ToolCall("search", map[string]any{"query": "go"}),
		Progress(50),
		Log("info", "halfway"),
		Content([]byte("world")),
		Completion(task.StatusCompleted),
	)
	p := NewParser(bytes.NewReader(wire))

	var got []Frame
	for {
		f, err := p.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, f)
	}

	require.Len(t, got, 6)
	assert.Equal(t, FrameContent, got[0].Type)
	assert.Equal(t, []byte("hello "), got[0].Data)
	assert.Equal(t, "search", got[1].Tool)
	assert.Equal(t, 50.0, got[2].Percent)
	assert.Equal(t, "halfway", got[3].Text)
	assert.True(t, got[5].Terminal())
	assert.Equal(t, task.StatusCompleted, got[5].Status)
}

func TestParserDrainsAfterCompletion(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	buf.Write(encodeAll(t, Completion(task.StatusCompleted)))
	buf.Write(encodeAll(t, Content([]byte("late output"))))

	p := NewParser(&buf)
	f, err := p.Next()
	require.NoError(t, err)
	require.True(t, f.Terminal())

	// Everything after the completion frame is discarded.
	_, err = p.Next()
	assert.Equal(t, io.EOF, err)
	assert.Equal(t, 0, buf.Len())
}

func TestParserUnknownTypeBecomesLog(t *testing.T) {
	t.Parallel()

	body := `{"type":"telemetry","heap":123}`
	wire := []byte(strconv.Itoa(len(body)) + "\n" + body)
	wire = append(wire, encodeAll(t, Completion(task.StatusCompleted))...)

	p := NewParser(bytes.NewReader(wire))
	f, err := p.Next()
	require.NoError(t, err)
	assert.Equal(t, FrameLog, f.Type)
	assert.Equal(t, "warn", f.Level)
	assert.Equal(t, body, f.Text)

	f, err = p.Next()
	require.NoError(t, err)
	assert.True(t, f.Terminal())
}

func TestParserMalformed(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		wire string
	}{
		{"garbage length prefix", "not-a-number\n{}"},
		{"negative length", "-5\n"},
		{"oversized length", "99999999\n"},
		{"truncated body", "40\n{\"type\":\"content\""},
		{"truncated prefix", "12"},
		{"invalid JSON body", "8\nnot json"},
		{"completion with unknown status", "42\n{\"type\":\"completion\",\"status\":\"exploded\"}"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := NewParser(strings.NewReader(tc.wire))
			_, err := p.Next()
			require.Error(t, err)
			assert.True(t, orcerrors.IsKind(err, orcerrors.KindStreamParse), "got %v", err)
		})
	}
}

func TestParserEmptyStream(t *testing.T) {
	t.Parallel()

	p := NewParser(strings.NewReader(""))
	_, err := p.Next()
	assert.Equal(t, io.EOF, err)
}

func TestParserDrainCountsFrames(t *testing.T) {
	t.Parallel()

	wire := encodeAll(t,
		Content([]byte("a")),
		Content([]byte("b")),
		Completion(task.StatusCancelled),
	)
	p := NewParser(bytes.NewReader(wire))
	assert.Equal(t, 3, p.Drain())
}
