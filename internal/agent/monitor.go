package agent

import (
	"bufio"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tomatitito/ralph/internal/tokens"
)

// Scanner limits. Agent JSON lines can be large; a line above the max
// is split by the scanner and each chunk processed separately, which
// only skews the estimate, never breaks the stream.
const (
	scanInitialBuffer = 64 * 1024
	scanMaxLine       = 10 * 1024 * 1024
)

// monitor drains one stdio stream of the child line by line, updating
// the shared iteration state and requesting a kill when the token
// count crosses the context limit. Both streams run the identical
// pipeline; stdout happens to carry the JSON events.
type monitor struct {
	stream    string
	state     *IterationState
	estimator *tokens.Estimator
	promise   string
	tagged    string

	contextLimit  int
	warnThreshold int

	killCh   chan<- struct{}
	killOnce *sync.Once
	warnOnce *sync.Once

	logger zerolog.Logger
}

// run reads until EOF. Read errors terminate the monitor the same way
// EOF does; they are never fatal to the invocation.
func (m *monitor) run(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, scanInitialBuffer), scanMaxLine)
	scanner.Split(func(data []byte, atEOF bool) (int, []byte, error) {
		advance, token, err := bufio.ScanLines(data, atEOF)
		if advance == 0 && token == nil && err == nil && len(data) >= scanMaxLine {
			// Full buffer without a newline: hand it on as one chunk.
			return len(data), data, nil
		}
		return advance, token, err
	})

	lines := 0
	for scanner.Scan() {
		lines++
		m.processLine(strings.ToValidUTF8(scanner.Text(), "�"))
	}
	if err := scanner.Err(); err != nil {
		m.logger.Debug().Err(err).Str("stream", m.stream).Int("lines", lines).Msg("stream read ended early")
		return
	}
	m.logger.Debug().Str("stream", m.stream).Int("lines", lines).Msg("stream closed")
}

func (m *monitor) processLine(line string) {
	m.state.AppendTail(line)
	count := m.state.AddTokens(m.estimator.Count(line))

	if event, ok := ParseEvent(line); ok {
		count = m.applyEvent(event)
	}

	m.scanPromise(line)

	if m.warnThreshold > 0 && count >= m.warnThreshold && count < m.contextLimit {
		m.warnOnce.Do(func() {
			m.logger.Warn().Int("tokens", count).Int("threshold", m.warnThreshold).Msg("approaching context limit")
		})
	}

	if count >= m.contextLimit {
		m.killOnce.Do(func() {
			m.logger.Info().Int("tokens", count).Int("limit", m.contextLimit).Msg("context limit reached, requesting kill")
			m.killCh <- struct{}{}
		})
	}
}

func (m *monitor) applyEvent(event Event) int {
	count := m.state.Tokens()

	switch {
	case event.IsInit():
		if event.SessionID != "" {
			m.logger.Debug().Str("session_id", event.SessionID).Msg("session announced")
			m.state.SetSessionID(event.SessionID)
		}
	case event.IsResult():
		m.state.SetSessionID(event.SessionID)
		if event.Usage != nil {
			m.state.SetUsage(*event.Usage)
			count = m.state.SetTokens(event.Usage.Total())
		}
	default:
		if event.Text != "" {
			m.scanPromise(event.Text)
		}
	}

	return count
}

// scanPromise searches text, then the cross-stream recent tail, for
// the completion promise. The anchored tag form takes priority over a
// bare substring match; the latching state makes repeated hits inert.
func (m *monitor) scanPromise(text string) {
	if strings.Contains(text, m.tagged) {
		m.state.MarkPromise(m.promise)
		return
	}
	if strings.Contains(text, m.promise) {
		m.state.MarkPromise(m.promise)
		return
	}
	// A tag may arrive split across line or stream boundaries; the
	// concatenated tail catches those.
	tail := strings.ReplaceAll(m.state.Tail(), "\n", "")
	if strings.Contains(tail, m.tagged) || strings.Contains(tail, m.promise) {
		m.state.MarkPromise(m.promise)
	}
}
