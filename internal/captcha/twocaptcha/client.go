// Package twocaptcha solves AWS WAF challenges through the 2Captcha task API.
package twocaptcha

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/fitment-scraper/internal/gate"
)

// TaskType is the 2Captcha task used for AWS WAF walls.
const TaskType = "AmazonTaskProxyless"

// ErrNotReady is returned when polling ends before a solution arrives.
var ErrNotReady = errors.New("captcha solution not ready")

// Config controls the API client.
type Config struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	MaxPolls     int
}

// Client implements gate.Solver.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New builds a Client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.2captcha.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 24
	}
	return &Client{cfg: cfg, http: httpClient, logger: logger.Named("twocaptcha")}
}

type task struct {
	Type            string `json:"type"`
	WebsiteURL      string `json:"websiteURL"`
	WebsiteKey      string `json:"websiteKey"`
	IV              string `json:"iv"`
	Context         string `json:"context"`
	ChallengeScript string `json:"challengeScript,omitempty"`
	CaptchaScript   string `json:"captchaScript,omitempty"`
}

type createTaskRequest struct {
	ClientKey string `json:"clientKey"`
	Task      task   `json:"task"`
}

type taskResultRequest struct {
	ClientKey string `json:"clientKey"`
	TaskID    int64  `json:"taskId"`
}

type apiResponse struct {
	ErrorID          int           `json:"errorId"`
	ErrorCode        string        `json:"errorCode"`
	ErrorDescription string        `json:"errorDescription"`
	TaskID           int64         `json:"taskId"`
	Status           string        `json:"status"`
	Solution         *gate.Voucher `json:"solution"`
}

func (r apiResponse) err() error {
	if r.ErrorID == 0 {
		return nil
	}
	return fmt.Errorf("2captcha error %d %s: %s", r.ErrorID, r.ErrorCode, r.ErrorDescription)
}

// Solve creates a task and polls until the voucher is ready.
func (c *Client) Solve(ctx context.Context, ch gate.Challenge) (gate.Voucher, error) {
	if c.cfg.APIKey == "" {
		return gate.Voucher{}, errors.New("2captcha api key not configured")
	}
	var created apiResponse
	err := c.post(ctx, "/createTask", createTaskRequest{
		ClientKey: c.cfg.APIKey,
		Task: task{
			Type:            TaskType,
			WebsiteURL:      ch.PageURL,
			WebsiteKey:      ch.Key,
			IV:              ch.IV,
			Context:         ch.Context,
			ChallengeScript: ch.ChallengeScript,
			CaptchaScript:   ch.CaptchaScript,
		},
	}, &created)
	if err != nil {
		return gate.Voucher{}, err
	}
	if err := created.err(); err != nil {
		return gate.Voucher{}, fmt.Errorf("create task: %w", err)
	}
	c.logger.Info("captcha task created", zap.Int64("task_id", created.TaskID))

	for poll := 0; poll < c.cfg.MaxPolls; poll++ {
		if err := sleep(ctx, c.cfg.PollInterval); err != nil {
			return gate.Voucher{}, fmt.Errorf("poll task %d: %w", created.TaskID, err)
		}
		var result apiResponse
		if err := c.post(ctx, "/getTaskResult", taskResultRequest{ClientKey: c.cfg.APIKey, TaskID: created.TaskID}, &result); err != nil {
			return gate.Voucher{}, err
		}
		if err := result.err(); err != nil {
			return gate.Voucher{}, fmt.Errorf("get task result: %w", err)
		}
		if result.Status == "ready" {
			if result.Solution == nil || result.Solution.CaptchaVoucher == "" {
				return gate.Voucher{}, fmt.Errorf("task %d: empty solution", created.TaskID)
			}
			return *result.Solution, nil
		}
	}
	return gate.Voucher{}, fmt.Errorf("task %d after %d polls: %w", created.TaskID, c.cfg.MaxPolls, ErrNotReady)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("call %s: %w", path, err)
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("call %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
