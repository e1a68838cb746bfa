package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"github.com/mahavishnu-ai/mahavishnu/runtime/orcerrors"
	"github.com/mahavishnu-ai/mahavishnu/runtime/task"
)

// parserState tracks where the parser is in the framed record protocol.
type parserState int

const (
	// stateAwaitingBoundary: the parser expects a length prefix next.
	stateAwaitingBoundary parserState = iota
	// stateAccumulating: the parser is reading a frame body.
	stateAccumulating
	// stateDraining: a completion frame has been returned; remaining input is
	// consumed and discarded.
	stateDraining
)

// maxFrameBytes bounds a single frame body. A prefix beyond this is treated
// as a parse error rather than an allocation request.
const maxFrameBytes = 4 << 20

// Parser decodes a worker's framed output into a sequence of frames. The
// wire format is a sequence of length-delimited JSON records: an ASCII
// decimal length, a newline, then that many bytes of JSON.
//
// A Parser is a finite, non-restartable sequence: call Next until it returns
// io.EOF. Records with an unrecognized type become warn-level log frames and
// do not abort the stream. A malformed length prefix or truncated body is a
// parse error: Next returns an error of kind stream_parse and the stream is
// dead. The worker manager converts that error into a faulted worker plus a
// synthetic completion(failed) frame.
type Parser struct {
	r     *bufio.Reader
	state parserState
}

// NewParser constructs a Parser reading framed records from r.
func NewParser(r io.Reader) *Parser {
	return &Parser{r: bufio.NewReader(r)}
}

// Next returns the next frame. It returns io.EOF once the stream is
// exhausted. After a completion frame has been returned, Next consumes and
// discards the remainder of the input before reporting io.EOF.
func (p *Parser) Next() (Frame, error) {
	if p.state == stateDraining {
		// Drain whatever the worker still writes after completion so the
		// child is not blocked on a full pipe.
		_, _ = io.Copy(io.Discard, p.r)
		return Frame{}, io.EOF
	}

	body, err := p.readRecord()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		return Frame{}, err
	}

	frame, err := decodeFrame(body)
	if err != nil {
		return Frame{}, err
	}
	if frame.Terminal() {
		p.state = stateDraining
	} else {
		p.state = stateAwaitingBoundary
	}
	return frame, nil
}

// Drain consumes the rest of the stream, returning the number of frames
// discarded. Used during cancellation to unblock the producer.
func (p *Parser) Drain() int {
	n := 0
	for {
		if _, err := p.Next(); err != nil {
			return n
		}
		n++
	}
}

// readRecord reads one length-prefixed record body.
func (p *Parser) readRecord() ([]byte, error) {
	p.state = stateAwaitingBoundary
	line, err := p.r.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line == "" {
			return nil, io.EOF
		}
		if errors.Is(err, io.EOF) {
			return nil, orcerrors.New(orcerrors.KindStreamParse, "truncated length prefix")
		}
		return nil, orcerrors.Wrap(orcerrors.KindStreamParse, "read length prefix", err)
	}
	n, err := strconv.Atoi(string(bytes.TrimSpace([]byte(line))))
	if err != nil || n < 0 || n > maxFrameBytes {
		return nil, orcerrors.Newf(orcerrors.KindStreamParse, "malformed length prefix %q", bytes.TrimSpace([]byte(line)))
	}

	p.state = stateAccumulating
	body := make([]byte, n)
	if _, err := io.ReadFull(p.r, body); err != nil {
		return nil, orcerrors.Wrap(orcerrors.KindStreamParse, "truncated frame body", err)
	}
	return body, nil
}

// decodeFrame interprets one record body. Unknown types degrade to log
// frames; invalid JSON is a parse error.
func decodeFrame(body []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, orcerrors.Wrap(orcerrors.KindStreamParse, "invalid frame JSON", err)
	}
	switch f.Type {
	case FrameContent, FrameToolCall, FrameProgress, FrameLog:
		return f, nil
	case FrameCompletion:
		switch f.Status {
		case task.StatusCompleted, task.StatusFailed, task.StatusTimedOut, task.StatusCancelled:
			return f, nil
		default:
			return Frame{}, orcerrors.Newf(orcerrors.KindStreamParse, "completion frame with unknown status %q", f.Status)
		}
	default:
		return Log("warn", string(body)), nil
	}
}
