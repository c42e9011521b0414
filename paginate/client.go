// Package paginate talks to the layout sidecar - the browser-engine
// process that computes text geometry. This package owns only the wire
// contract and process plumbing; layout itself happens on the other side.
package paginate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"rab/bundle"
	"rab/config"
)

// SchemaVersion is the request/response contract version both sides must
// agree on.
const SchemaVersion = 1

// Profile is the rendering geometry sent to the sidecar.
type Profile struct {
	ViewportWidth  int     `json:"viewportWidth"`
	ViewportHeight int     `json:"viewportHeight"`
	Margins        Margins `json:"margins"`
	FontSize       float64 `json:"fontSize"`
	LineHeight     float64 `json:"lineHeight"`
	FontFamily     string  `json:"fontFamily"`
}

// Margins are page margins in CSS pixels.
type Margins struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

// Chapter is one prepared chapter submitted for layout.
type Chapter struct {
	ChapterID string `json:"chapterId"`
	HTML      string `json:"html"`
}

// Request is the full sidecar request payload.
type Request struct {
	SchemaVersion int       `json:"schemaVersion"`
	Profile       Profile   `json:"profile"`
	Chapters      []Chapter `json:"chapters"`
}

// Response is the sidecar response payload. Errors come back as structured
// payloads, never as bare exit codes.
type Response struct {
	SchemaVersion int           `json:"schemaVersion"`
	Pages         []bundle.Page `json:"pages"`
	Error         *SidecarError `json:"error,omitempty"`
}

// SidecarError is a structured failure reported by the sidecar.
type SidecarError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *SidecarError) Error() string {
	return fmt.Sprintf("paginator error [%s]: %s", e.Code, e.Message)
}

// ProfileFromDevice converts a registry profile to the wire shape.
func ProfileFromDevice(p config.DeviceProfile) Profile {
	return Profile{
		ViewportWidth:  p.ViewportWidth,
		ViewportHeight: p.ViewportHeight,
		Margins: Margins{
			Top:    p.MarginTop,
			Right:  p.MarginRight,
			Bottom: p.MarginBottom,
			Left:   p.MarginLeft,
		},
		FontSize:   p.FontSizePx,
		LineHeight: p.LineHeight,
		FontFamily: p.FontFamily,
	}
}

// Client runs the pagination sidecar binary. Timeout and retry policy
// belong to the caller - pass a context with a deadline.
type Client struct {
	bin    string
	args   []string
	log    *zap.Logger
	runner func(ctx context.Context, request []byte) ([]byte, error)
}

// NewClient creates a sidecar client for the given binary.
func NewClient(bin string, args []string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{bin: bin, args: args, log: log.Named("paginator")}
}

// WithRunner sets a custom transport (for testing).
func (c *Client) WithRunner(runner func(ctx context.Context, request []byte) ([]byte, error)) {
	c.runner = runner
}

// Paginate submits chapters for layout and returns pages in book order.
func (c *Client) Paginate(ctx context.Context, profile Profile, chapters []Chapter) ([]bundle.Page, error) {
	req := Request{
		SchemaVersion: SchemaVersion,
		Profile:       profile,
		Chapters:      chapters,
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("unable to serialize pagination request: %w", err)
	}

	c.log.Debug("Submitting chapters for layout", zap.Int("chapters", len(chapters)), zap.Int("request_bytes", len(payload)))

	out, runErr := c.run(ctx, payload)

	var resp Response
	if err := json.Unmarshal(out, &resp); err != nil {
		if runErr != nil {
			return nil, fmt.Errorf("paginator failed: %w", runErr)
		}
		return nil, fmt.Errorf("unable to decode pagination response: %w", err)
	}
	// a structured error payload wins over the raw exit status
	if resp.Error != nil {
		return nil, resp.Error
	}
	if runErr != nil {
		return nil, fmt.Errorf("paginator failed: %w", runErr)
	}
	if resp.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("paginator schema version mismatch: got %d, want %d", resp.SchemaVersion, SchemaVersion)
	}

	c.validatePages(resp.Pages)
	return resp.Pages, nil
}

func (c *Client) run(ctx context.Context, request []byte) ([]byte, error) {
	if c.runner != nil {
		return c.runner(ctx, request)
	}

	cmd := exec.CommandContext(ctx, c.bin, c.args...) //nolint:gosec
	cmd.Stdin = bytes.NewReader(request)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) != 0 {
			return stdout.Bytes(), fmt.Errorf("%s: %w: %s", c.bin, err, msg)
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w", c.bin, err)
	}
	return stdout.Bytes(), nil
}

// validatePages warns about suspicious sidecar output without failing the
// compile - downstream records what it gets.
func (c *Client) validatePages(pages []bundle.Page) {
	last := -1
	for _, p := range pages {
		if p.PageIndex <= last {
			c.log.Warn("Pagination output is not monotonic", zap.String("page", p.PageID), zap.Int("index", p.PageIndex), zap.Int("previous", last))
		}
		last = p.PageIndex
	}
}
