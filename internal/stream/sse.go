package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
)

const maxEventBytes = 16 << 20

// SSESource reads `data:` events from a text/event-stream endpoint.
type SSESource struct {
	url        string
	scenarioID string
	opts       options

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSSESource creates a source for url. Events without a scenario id are
// attributed to scenarioID.
func NewSSESource(url, scenarioID string, opts ...Option) *SSESource {
	return &SSESource{url: url, scenarioID: scenarioID, opts: buildOptions(opts)}
}

func (s *SSESource) Transport() string { return TransportSSE }

func (s *SSESource) Start(ctx context.Context, onEvent EventFunc, onError ErrorFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return fmt.Errorf("sse %s: already started", s.url)
	}

	ctx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		cancel()
		return connectionError(TransportSSE, s.url, 0, err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.opts.http.Do(req)
	if err != nil {
		cancel()
		return connectionError(TransportSSE, s.url, 0, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return connectionError(TransportSSE, s.url, resp.StatusCode, fmt.Errorf("unexpected status %s", resp.Status))
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.read(ctx, resp.Body, onEvent, onError)
	return nil
}

func (s *SSESource) read(ctx context.Context, body io.ReadCloser, onEvent EventFunc, onError ErrorFunc) {
	defer close(s.done)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventBytes)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) > 0 {
				s.opts.deliver(ctx, TransportSSE, s.scenarioID, []byte(strings.Join(data, "\n")), onEvent)
				data = data[:0]
			}
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "data:"):
			v := strings.TrimPrefix(line, "data:")
			data = append(data, strings.TrimPrefix(v, " "))
		}
	}

	if ctx.Err() != nil {
		return
	}
	err := scanner.Err()
	if err == nil {
		err = errors.New("event stream ended")
	}
	s.opts.fail(ctx, TransportSSE, connectionError(TransportSSE, s.url, 0, err), onError)
}

// Close stops reading. Later calls are no-ops.
func (s *SSESource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Done is closed once the reader goroutine has exited.
func (s *SSESource) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}
