package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/convoyd/convoy/internal/server"
)

// Events subscribes to the daemon's SSE event stream starting after fromSeq
// (0 replays everything). Service output events are only included when
// includeLogs is set; they dominate the stream on chatty services.
//
// The returned channel closes when ctx is cancelled, the daemon goes away,
// or the stream ends. Decoding errors terminate the stream silently; callers
// that need the cause should check ctx.
func (c *Client) Events(ctx context.Context, fromSeq uint64, includeLogs bool) (<-chan server.Event, error) {
	url := c.baseURL + "/events"
	if includeLogs {
		url += "?logs=1"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if fromSeq > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprint(fromSeq))
	}

	// The stream is long-lived; the client's request timeout must not
	// apply to it.
	resp, err := (&http.Client{}).Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, decodeError(resp)
	}

	ch := make(chan server.Event)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}

			var event server.Event
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
				continue
			}
			select {
			case ch <- event:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}
