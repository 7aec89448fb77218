package sluice

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// maxEventBytes bounds a single SSE record. Response-phase payloads carry
// the full generated text, so this tracks the server's request body cap
// with headroom.
const maxEventBytes = 4 * 1024 * 1024

// Events opens the job's Server-Sent Events stream and decodes it onto a
// channel, in order. fromSeq resumes after that sequence number (sent as
// Last-Event-ID); pass 0 to stream from the first update.
//
// The updates channel closes after the terminal complete or cancelled
// update, or when ctx is cancelled. If the stream breaks before the
// terminal update, one error arrives on the second channel before both
// close; reconnect with the last seen Seq to resume. The setup error
// return covers failures before any event could arrive (bad job ID,
// authentication, connection refused).
func (c *Client) Events(ctx context.Context, jobID uuid.UUID, fromSeq int64) (<-chan PhaseUpdate, <-chan error, error) {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/jobs/"+jobID.String()+"/events", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("sluice: create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/event-stream")
	if fromSeq > 0 {
		req.Header.Set("Last-Event-ID", fmt.Sprintf("%d", fromSeq))
	}

	// The configured client timeout would sever a long-running stream, so
	// the stream gets a timeout-free client on the same transport. Overall
	// lifetime is the caller's ctx.
	streamClient := &http.Client{
		Transport:     c.client.Transport,
		CheckRedirect: c.client.CheckRedirect,
		Jar:           c.client.Jar,
	}

	resp, err := streamClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("sluice: open event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		_ = resp.Body.Close()
		return nil, nil, parseErrorResponse(resp.StatusCode, body)
	}

	updates := make(chan PhaseUpdate, 32)
	errs := make(chan error, 1)
	go c.readEvents(ctx, resp.Body, updates, errs)
	return updates, errs, nil
}

// readEvents parses SSE records off the wire until the terminal update,
// a read error, or ctx cancellation.
func (c *Client) readEvents(ctx context.Context, body io.ReadCloser, updates chan<- PhaseUpdate, errs chan<- error) {
	defer func() {
		_ = body.Close()
		close(updates)
		close(errs)
	}()

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxEventBytes)

	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			// Blank line dispatches the accumulated record.
			if data.Len() == 0 {
				continue
			}
			var u PhaseUpdate
			if err := json.Unmarshal([]byte(data.String()), &u); err != nil {
				errs <- fmt.Errorf("sluice: decode event: %w", err)
				return
			}
			data.Reset()

			select {
			case updates <- u:
			case <-ctx.Done():
				return
			}
			if u.Terminal() {
				return
			}
		case strings.HasPrefix(line, "data:"):
			// Multi-line data fields concatenate with a newline, per the
			// SSE format.
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		default:
			// id: is redundant with the decoded Seq; comments and unknown
			// fields are skipped.
		}
	}

	// The loop only falls through when the stream ended with no terminal
	// update delivered.
	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		errs <- fmt.Errorf("sluice: event stream: %w", err)
		return
	}
	errs <- fmt.Errorf("sluice: event stream ended before the terminal update")
}
