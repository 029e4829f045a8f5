// Package api is the HTTP client for the platform's REST collaborators.
// Responses use the `{status, data}` envelope; anything non-2xx (304
// excepted) or with a non-success status becomes an *Error carrying the
// server's message, suitable for inline display.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/vexalo/streamkit/internal/models"
)

// Error is a REST collaborator failure.
type Error struct {
	StatusCode int
	Status     string
	Message    string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("api: status %d", e.StatusCode)
}

// Client talks to the platform REST API.
type Client struct {
	base   string
	token  string
	http   *http.Client
	logger *zap.Logger
}

// NewClient creates an API client. The token may be empty for anonymous
// endpoints; the logger may be nil.
func NewClient(base, token string, timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		base:   base,
		token:  token,
		http:   &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type envelope struct {
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return nil
	}

	var env envelope
	decodeErr := json.NewDecoder(resp.Body).Decode(&env)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &Error{StatusCode: resp.StatusCode, Status: env.Status, Message: env.Message}
		c.logger.Debug("api error", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.String("message", env.Message))
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if env.Status != "success" {
		return &Error{StatusCode: resp.StatusCode, Status: env.Status, Message: env.Message}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// Videos lists a streamer's past broadcasts, paginated.
func (c *Client) Videos(ctx context.Context, username string, page int) ([]models.VideoItem, error) {
	var out []models.VideoItem
	path := fmt.Sprintf("/api/stream/videos/%s", username)
	if page > 0 {
		path = fmt.Sprintf("%s?page=%d", path, page)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Followers lists a profile's followers, paginated.
func (c *Client) Followers(ctx context.Context, username string, page int) ([]models.Follower, error) {
	var out []models.Follower
	path := fmt.Sprintf("/api/profile/%s/followers", username)
	if page > 0 {
		path = fmt.Sprintf("%s?page=%d", path, page)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Like likes a stream.
func (c *Client) Like(ctx context.Context, streamID string) error {
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/stream/%s/like", streamID), nil, nil)
}

// Liked reports whether the viewer already liked the stream.
func (c *Client) Liked(ctx context.Context, streamID string) (bool, error) {
	var out struct {
		Liked bool `json:"liked"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/stream/%s/liked", streamID), nil, &out)
	return out.Liked, err
}

// Likes returns the stream's like count.
func (c *Client) Likes(ctx context.Context, streamID string) (int, error) {
	var out struct {
		Likes int `json:"likes"`
	}
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/stream/%s/likes", streamID), nil, &out)
	return out.Likes, err
}

// ReportRequest flags a stream for moderation.
type ReportRequest struct {
	StreamID string `json:"streamId"`
	Reason   string `json:"reason"`
	Details  string `json:"details,omitempty"`
}

// Report files a moderation report.
func (c *Client) Report(ctx context.Context, req ReportRequest) error {
	return c.do(ctx, http.MethodPost, "/api/stream/report", req, nil)
}

// ClipRequest asks the server to cut a clip from the live stream.
type ClipRequest struct {
	StreamID string `json:"streamId"`
	Title    string `json:"title,omitempty"`
	Duration int    `json:"duration,omitempty"` // seconds back from live
}

// ClipResult is the created clip reference.
type ClipResult struct {
	ClipID string `json:"clipId"`
	URL    string `json:"url"`
}

// Clip creates a clip.
func (c *Client) Clip(ctx context.Context, req ClipRequest) (ClipResult, error) {
	var out ClipResult
	err := c.do(ctx, http.MethodPost, "/api/stream/clip", req, &out)
	return out, err
}

// DonationRequest initiates a donation to a streamer.
type DonationRequest struct {
	Username string  `json:"username"`
	Chain    string  `json:"chain"`
	Currency string  `json:"currency"`
	Amount   float64 `json:"amount"`
	Message  string  `json:"message,omitempty"`
}

// DonationResult carries the pending donation reference.
type DonationResult struct {
	DonationID string `json:"donationId"`
	Address    string `json:"address"` // destination wallet for the transfer
}

// SendDonation initiates a donation; settlement is verified server-side.
func (c *Client) SendDonation(ctx context.Context, req DonationRequest) (DonationResult, error) {
	var out DonationResult
	err := c.do(ctx, http.MethodPost, "/api/stream/donations/send", req, &out)
	return out, err
}

// VerifyRequest submits the transaction hash for a pending donation.
type VerifyRequest struct {
	DonationID string `json:"donationId"`
	TxHash     string `json:"txHash"`
}

// VerifyDonation asks the server to verify a donation transaction.
func (c *Client) VerifyDonation(ctx context.Context, req VerifyRequest) (bool, error) {
	var out struct {
		Verified bool `json:"verified"`
	}
	err := c.do(ctx, http.MethodPost, "/api/stream/donations/verify", req, &out)
	return out.Verified, err
}

// StreamerWallets returns the wallets a streamer accepts donations on.
func (c *Client) StreamerWallets(ctx context.Context, username string) ([]models.WalletRecord, error) {
	var out []models.WalletRecord
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/stream/%s/wallets", username), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// WalletRequest identifies one of the viewer's wallets.
type WalletRequest struct {
	Address string `json:"address"`
	Chain   string `json:"chain"`
	Label   string `json:"label,omitempty"`
}

// ConnectWallet links a wallet to the viewer's account.
func (c *Client) ConnectWallet(ctx context.Context, req WalletRequest) error {
	return c.do(ctx, http.MethodPost, "/api/user/wallet/connect", req, nil)
}

// DisconnectWallet unlinks a wallet.
func (c *Client) DisconnectWallet(ctx context.Context, req WalletRequest) error {
	return c.do(ctx, http.MethodPost, "/api/user/wallet/disconnect", req, nil)
}

// SetPrimaryWallet marks a wallet as the payout default.
func (c *Client) SetPrimaryWallet(ctx context.Context, req WalletRequest) error {
	return c.do(ctx, http.MethodPost, "/api/user/wallet/set-primary", req, nil)
}

// UserWallets lists the viewer's linked wallets.
func (c *Client) UserWallets(ctx context.Context) ([]models.WalletRecord, error) {
	var out []models.WalletRecord
	if err := c.do(ctx, http.MethodGet, "/api/user/wallets", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// StreamStats returns the authenticated streamer's analytics summary.
func (c *Client) StreamStats(ctx context.Context) (models.StreamStats, error) {
	var out models.StreamStats
	err := c.do(ctx, http.MethodGet, "/api/analytics/stream-stats", nil, &out)
	return out, err
}
