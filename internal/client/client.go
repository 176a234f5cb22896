package client

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/codebuildervaibhav/meeting-recorder/internal/audio"
	"github.com/codebuildervaibhav/meeting-recorder/internal/recorder"
	"github.com/codebuildervaibhav/meeting-recorder/internal/storage"
	"github.com/codebuildervaibhav/meeting-recorder/internal/types"
)

// DefaultBaseURL is where the daemon listens unless configured otherwise
const DefaultBaseURL = "http://127.0.0.1:9847"

// APIError is the error envelope every failing endpoint returns
type APIError struct {
	Status  int    `json:"-"`
	Message string `json:"error"`
	Code    string `json:"code"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("daemon returned %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// StartRequest mirrors the POST /start body
type StartRequest struct {
	MeetingID string     `json:"meetingId"`
	Title     string     `json:"title,omitempty"`
	Attendees []string   `json:"attendees,omitempty"`
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	Device    string     `json:"device,omitempty"`
}

// StopResult is the POST /stop response
type StopResult struct {
	Stopped      bool   `json:"stopped"`
	ArtifactPath string `json:"artifactPath"`
}

// Health is the GET /health response
type Health struct {
	OK        bool   `json:"ok"`
	Recording bool   `json:"recording"`
	Version   string `json:"version"`
}

// Event is one frame read off the /live stream
type Event struct {
	Type string
	Data json.RawMessage
}

// Client talks to a running recorder daemon
type Client struct {
	http   *resty.Client
	stream *resty.Client
}

// New creates a client for the daemon at baseURL
func New(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	baseURL = strings.TrimRight(baseURL, "/")
	return &Client{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		// no timeout, the live stream lasts as long as the session
		stream: resty.New().
			SetBaseURL(baseURL).
			SetHeader("Accept", "text/event-stream"),
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	apiErr := &APIError{}
	req := c.http.R().SetContext(ctx).SetResult(result).SetError(apiErr)
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	if resp.IsError() {
		apiErr.Status = resp.StatusCode()
		if apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(resp.String())
		}
		return apiErr
	}
	return nil
}

// Health checks that the daemon is up
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, resty.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Start begins a recording
func (c *Client) Start(ctx context.Context, req StartRequest) (*recorder.Status, error) {
	var out recorder.Status
	if err := c.do(ctx, resty.MethodPost, "/start", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop ends the active recording
func (c *Client) Stop(ctx context.Context) (*StopResult, error) {
	var out StopResult
	if err := c.do(ctx, resty.MethodPost, "/stop", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Status returns the active session summary
func (c *Client) Status(ctx context.Context) (*recorder.Status, error) {
	var out recorder.Status
	if err := c.do(ctx, resty.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Devices lists the daemon's input devices
func (c *Client) Devices(ctx context.Context) ([]audio.Device, error) {
	var out struct {
		Devices []audio.Device `json:"devices"`
	}
	if err := c.do(ctx, resty.MethodGet, "/devices", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// Sessions lists recorded sessions, newest first
func (c *Client) Sessions(ctx context.Context, limit int) ([]types.SessionRecord, error) {
	var out struct {
		Sessions []types.SessionRecord `json:"sessions"`
	}
	path := "/sessions"
	if limit > 0 {
		path = fmt.Sprintf("/sessions?limit=%d", limit)
	}
	if err := c.do(ctx, resty.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Session fetches the live artifact of a recorded meeting
func (c *Client) Session(ctx context.Context, meetingID string) (*storage.LiveArtifact, error) {
	var out storage.LiveArtifact
	if err := c.do(ctx, resty.MethodGet, "/sessions/"+meetingID, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Tail reads /live and calls fn for every event until the daemon closes the
// stream, ctx is cancelled or fn returns an error. Heartbeats are skipped.
func (c *Client) Tail(ctx context.Context, fn func(Event) error) error {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get("/live")
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("daemon unreachable: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= 400 {
		return &APIError{Status: resp.StatusCode(), Message: resp.Status()}
	}

	err = ParseSSE(bufio.NewReader(body), fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// ErrStopTail can be returned from a Tail callback to end the stream quietly
var ErrStopTail = errors.New("stop tail")

// ParseSSE splits a server-sent-events stream into events. Comment lines are
// ignored; data lines of one event are joined with newlines.
func ParseSSE(r *bufio.Reader, fn func(Event) error) error {
	var (
		ev   Event
		data []string
	)
	for {
		line, err := r.ReadString('\n')
		if line != "" {
			line = strings.TrimRight(line, "\r\n")
			switch {
			case line == "":
				if ev.Type != "" || len(data) > 0 {
					if ev.Type == "" {
						ev.Type = "message"
					}
					ev.Data = json.RawMessage(strings.Join(data, "\n"))
					if ferr := fn(ev); ferr != nil {
						if errors.Is(ferr, ErrStopTail) {
							return nil
						}
						return ferr
					}
				}
				ev, data = Event{}, nil
			case strings.HasPrefix(line, ":"):
				// heartbeat
			case strings.HasPrefix(line, "event:"):
				ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
