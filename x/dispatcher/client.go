package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
)

// Wire sentinels. The dispatcher signals "done" conditions inside otherwise
// successful bodies; they are load-bearing and matched verbatim here, then
// translated to Outcome variants before anything crosses into the core.
const (
	sentinelNoJobReceived = "No job received from jobDispatcher"
	sentinelNoJobs        = "Dispatcher has no jobs"
	sentinelNoMoreEvents  = "No more events"
	sentinelFailed        = "Failed"
)

// ErrBadStatus indicates a non-2xx HTTP response.
var ErrBadStatus = errors.New("dispatcher: bad http status")

// HTTPClient is the HTTP/JSON dispatcher client.
type HTTPClient struct {
	cfg    Config
	http   *http.Client
	logger zerolog.Logger
}

// NewHTTPClient builds the client with fixed connect/receive timeouts.
func NewHTTPClient(cfg Config, logger zerolog.Logger) *HTTPClient {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
	}
	return &HTTPClient{
		cfg: cfg,
		http: &http.Client{
			Transport: transport,
			Timeout:   cfg.ReceiveTimeout,
		},
		logger: logger.With().Str("component", "dispatcher").Logger(),
	}
}

type getJobResponse struct {
	StatusCode int       `json:"StatusCode"`
	Message    string    `json:"message,omitempty"`
	Jobs       []JobSpec `json:"jobs"`
}

func (c *HTTPClient) GetJob(ctx context.Context, n int) ([]JobSpec, Outcome, error) {
	body, err := c.post(ctx, "getJob", map[string]any{"nJobs": n})
	if err != nil {
		return nil, TransientError, err
	}

	var resp getJobResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		// Not a job reply; the body may carry a bare sentinel string.
		if outcome := classify(string(body)); outcome != OutcomeOK {
			return nil, outcome, nil
		}
		return nil, TransientError, fmt.Errorf("dispatcher: decode getJob reply: %w", err)
	}
	if resp.StatusCode != 0 || len(resp.Jobs) == 0 {
		if outcome := classify(resp.Message); outcome != OutcomeOK {
			return nil, outcome, nil
		}
	}
	if resp.StatusCode != 0 {
		return nil, TransientError, fmt.Errorf("dispatcher: getJob status %d: %s", resp.StatusCode, resp.Message)
	}
	return resp.Jobs, OutcomeOK, nil
}

func (c *HTTPClient) UpdateJob(ctx context.Context, update JobUpdate) error {
	_, err := c.post(ctx, "updateJob", update)
	return err
}

func (c *HTTPClient) DownloadEventRanges(ctx context.Context, jobID, jobsetID, taskID string, numRanges int) ([]EventRangeDef, Outcome, error) {
	body, err := c.post(ctx, "getEventRanges", map[string]any{
		"pandaID":   jobID,
		"jobsetID":  jobsetID,
		"taskID":    taskID,
		"nRanges":   numRanges,
	})
	if err != nil {
		return nil, TransientError, err
	}

	var ranges []EventRangeDef
	if err := json.Unmarshal(body, &ranges); err != nil {
		// Some dispatchers wrap the array in an eventRanges field.
		var wrapped struct {
			EventRanges []EventRangeDef `json:"eventRanges"`
		}
		if werr := json.Unmarshal(body, &wrapped); werr != nil {
			// Not a range reply; check for the wire sentinels.
			if outcome := classify(string(body)); outcome != OutcomeOK {
				return nil, outcome, nil
			}
			return nil, TransientError, fmt.Errorf("dispatcher: decode event ranges: %w", err)
		}
		ranges = wrapped.EventRanges
	}
	return ranges, OutcomeOK, nil
}

func (c *HTTPClient) UpdateEventRanges(ctx context.Context, updates []EventRangeUpdate) error {
	_, err := c.post(ctx, "updateEventRanges", map[string]any{"eventRanges": updates})
	return err
}

func (c *HTTPClient) post(ctx context.Context, op string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: encode %s: %w", op, err)
	}

	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + op
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: %s: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: read %s reply: %w", op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: %s returned %d", ErrBadStatus, op, resp.StatusCode)
	}

	c.logger.Debug().Str("op", op).Int("bytes", len(body)).Msg("dispatcher call")
	return body, nil
}

// classify translates wire sentinels into outcomes.
func classify(body string) Outcome {
	switch {
	case strings.Contains(body, sentinelNoJobReceived), strings.Contains(body, sentinelNoJobs):
		return NoJobsAvailable
	case strings.Contains(body, sentinelNoMoreEvents):
		return NoMoreEvents
	case strings.Contains(body, sentinelFailed):
		return TransientError
	default:
		return OutcomeOK
	}
}
