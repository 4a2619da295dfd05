package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/diegous2023/gestorgastos/internal/api"
	"github.com/diegous2023/gestorgastos/internal/autherr"
)

// ErrStreamClosed is returned by Next once the stream has ended.
var ErrStreamClosed = errors.New("change stream closed")

// Stream is a live, non-restartable sequence of change events for the
// caller's row.
type Stream interface {
	// Next blocks until the next event arrives or the stream ends.
	Next() (api.ChangeEvent, error)
	Close() error
}

// Changes opens the caller's change stream. It returns once the server has
// subscribed, so writes made afterwards are delivered.
func (c *Client) Changes(ctx context.Context, token string) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(ctx, http.MethodGet, "/identity/changes", token, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.stream.Do(req)
	if err != nil {
		cancel()
		return nil, transportError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		cancel()
		return nil, decodeError(resp)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: unexpected content type %q", autherr.ErrTransport, ct)
	}
	return newSSEStream(resp.Body, cancel), nil
}

type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	cancel context.CancelFunc
	once   sync.Once
}

func newSSEStream(body io.ReadCloser, cancel context.CancelFunc) *sseStream {
	return &sseStream{body: body, reader: bufio.NewReader(body), cancel: cancel}
}

// Next parses Server-Sent Events and returns the next "change" event.
// Comments and other event types are skipped.
func (s *sseStream) Next() (api.ChangeEvent, error) {
	var (
		eventType string
		data      strings.Builder
	)
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return api.ChangeEvent{}, ErrStreamClosed
			}
			return api.ChangeEvent{}, fmt.Errorf("%w: %v", autherr.ErrTransport, err)
		}
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if data.Len() == 0 {
				eventType = ""
				continue
			}
			if eventType != "" && eventType != "change" {
				eventType = ""
				data.Reset()
				continue
			}
			var event api.ChangeEvent
			if err := json.Unmarshal([]byte(data.String()), &event); err != nil {
				return api.ChangeEvent{}, fmt.Errorf("%w: decode change event: %v", autherr.ErrTransport, err)
			}
			return event, nil
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

func (s *sseStream) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.body.Close()
	})
	return err
}
