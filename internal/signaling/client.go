package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// DefaultTimeout bounds the single HTTP round trip Exchange performs.
const DefaultTimeout = 10 * time.Second

// ClientConfig configures a new Client.
type ClientConfig struct {
	// ServerURL is the signaling endpoint the offer is POSTed to.
	ServerURL string

	// Timeout bounds the exchange. Defaults to DefaultTimeout.
	Timeout time.Duration

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client performs the one-shot HTTP signaling exchange this module uses in
// place of a persistent signaling connection: POST the local offer, parse
// the server's answer and ICE candidate out of the JSON response.
type Client struct {
	serverURL string
	http      *http.Client
	log       *slog.Logger
}

// NewClient creates a Client from cfg.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		serverURL: cfg.ServerURL,
		http:      &http.Client{Timeout: timeout},
		log:       log,
	}
}

// Exchange POSTs offerSDP as the request body and parses the JSON response
// into a SessionResponse.
func (c *Client) Exchange(ctx context.Context, offerSDP string) (SessionResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL, nil)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("signaling: failed to build request: %w", err)
	}
	req.Body = io.NopCloser(strings.NewReader(offerSDP))
	req.ContentLength = int64(len(offerSDP))
	req.Header.Set("Content-Length", strconv.Itoa(len(offerSDP)))

	c.log.Debug("posting offer", "server_url", c.serverURL, "bytes", len(offerSDP))

	resp, err := c.http.Do(req)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("signaling: session request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return SessionResponse{}, fmt.Errorf("signaling: failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return SessionResponse{}, fmt.Errorf("signaling: server returned %s", resp.Status)
	}

	var sess SessionResponse
	if err := json.Unmarshal(body, &sess); err != nil {
		return SessionResponse{}, fmt.Errorf("signaling: failed to parse session response: %w", err)
	}
	if sess.Answer.SDP == "" {
		return SessionResponse{}, fmt.Errorf("signaling: session response missing answer.sdp")
	}
	if sess.Candidate.Candidate == "" {
		return SessionResponse{}, fmt.Errorf("signaling: session response missing candidate.candidate")
	}

	c.log.Debug("received session response", "candidate", sess.Candidate.Candidate)
	return sess, nil
}
