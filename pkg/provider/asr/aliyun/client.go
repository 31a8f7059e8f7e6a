// Package aliyun provides an asr.Provider backed by the Aliyun intelligent
// speech file-transcription service.
//
// Recognition is asynchronous: [Client.Submit] creates a task for a publicly
// fetchable recording and returns its id, then [Client.Poll] queries the task
// until it reaches a terminal status or the attempt budget runs out. Every
// request is signed with the POP HMAC-SHA1 scheme from package signature.
//
// Typical usage:
//
//	c, err := aliyun.New(aliyun.Credentials{
//	    AccessKeyID:     id,
//	    AccessKeySecret: secret,
//	    AppKey:          appKey,
//	}, aliyun.WithPollInterval(5*time.Second))
//	res, err := c.Transcribe(ctx, asr.Request{FileURL: url})
package aliyun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/voxtalk/pkg/provider/asr"
	"github.com/MrWong99/voxtalk/pkg/signature"
)

const (
	// DefaultEndpoint is the Shanghai region file-transcription gateway.
	DefaultEndpoint = "https://filetrans.cn-shanghai.aliyuncs.com/"

	// DefaultPollInterval is the wait between two poll attempts.
	DefaultPollInterval = 5 * time.Second

	// DefaultMaxAttempts bounds the number of GetTaskResult requests per task.
	DefaultMaxAttempts = 30

	apiVersion  = "2018-08-17"
	taskVersion = "4.0"

	maxBodyBytes = 4 << 20
)

// Compile-time assertion that Client implements asr.Provider.
var _ asr.Provider = (*Client)(nil)

// errPending marks a poll attempt that saw a non-terminal status.
var errPending = errors.New("aliyun: task still pending")

// Status is the lifecycle state of a recognition task.
type Status string

const (
	StatusSubmitted        Status = "submitted"
	StatusRunning          Status = "running"
	StatusQueued           Status = "queued"
	StatusSucceeded        Status = "succeeded"
	StatusSucceededPartial Status = "succeeded-partial"
	StatusFailed           Status = "failed"
	StatusTimedOut         Status = "timed-out"
)

// Terminal reports whether no further polling can change s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusSucceededPartial, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Task is the state of one recognition task as observed by the poll loop. It
// is owned by the call that created it and never shared.
type Task struct {
	ID         string
	Status     Status
	StatusText string
	Transcript string
	Attempts   int
}

// Credentials identify the caller to the service.
type Credentials struct {
	AccessKeyID     string
	AccessKeySecret string
	AppKey          string
}

// Validate reports every missing credential field.
func (c Credentials) Validate() error {
	var errs []error
	if c.AccessKeyID == "" {
		errs = append(errs, errors.New("aliyun: access key id must not be empty"))
	}
	if c.AccessKeySecret == "" {
		errs = append(errs, errors.New("aliyun: access key secret must not be empty"))
	}
	if c.AppKey == "" {
		errs = append(errs, errors.New("aliyun: app key must not be empty"))
	}
	return errors.Join(errs...)
}

// Option is a functional option for [New].
type Option func(*Client)

// WithEndpoint overrides [DefaultEndpoint].
func WithEndpoint(endpoint string) Option {
	return func(c *Client) { c.endpoint = endpoint }
}

// WithHTTPClient sets the HTTP client used for all requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPollInterval sets the fixed wait between poll attempts. Zero polls
// back-to-back.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// WithMaxAttempts sets the poll attempt budget. Values below 1 are ignored.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithEnableWords requests word-level timestamps.
func WithEnableWords(enable bool) Option {
	return func(c *Client) { c.enableWords = enable }
}

// WithClock replaces the clock used for the Timestamp parameter.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithNonce replaces the SignatureNonce generator.
func WithNonce(nonce func() string) Option {
	return func(c *Client) { c.nonce = nonce }
}

// WithMetrics records the number of poll attempts per finished task, tagged
// with the final status.
func WithMetrics(pollAttempts metric.Int64Histogram) Option {
	return func(c *Client) { c.pollAttempts = pollAttempts }
}

// Client is an asynchronous recognition task client. It is safe for
// concurrent use; every call owns its own task.
type Client struct {
	creds        Credentials
	endpoint     string
	httpClient   *http.Client
	pollInterval time.Duration
	maxAttempts  int
	enableWords  bool
	now          func() time.Time
	nonce        func() string
	pollAttempts metric.Int64Histogram
}

// New returns a Client for creds. Missing credentials are reported before any
// network call is made.
func New(creds Credentials, opts ...Option) (*Client, error) {
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	c := &Client{
		creds:        creds,
		endpoint:     DefaultEndpoint,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: DefaultPollInterval,
		maxAttempts:  DefaultMaxAttempts,
		now:          time.Now,
		nonce:        uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	if c.endpoint == "" {
		return nil, errors.New("aliyun: endpoint must not be empty")
	}
	return c, nil
}

// Transcribe submits req.FileURL and polls the task to completion.
func (c *Client) Transcribe(ctx context.Context, req asr.Request) (*asr.Result, error) {
	if req.FileURL == "" {
		return nil, errors.New("aliyun: transcribe: file url must not be empty")
	}
	id, err := c.Submit(ctx, req.FileURL)
	if err != nil {
		return nil, err
	}
	task, err := c.Poll(ctx, id)
	if err != nil {
		return nil, err
	}
	return &asr.Result{Text: task.Transcript, TaskID: task.ID, Status: task.StatusText}, nil
}

// Submit creates a recognition task for fileURL and returns its id. Any
// response other than HTTP 200 with StatusText SUCCESS and a task id is a
// *asr.TaskError carrying the provider's status text and code verbatim.
func (c *Client) Submit(ctx context.Context, fileURL string) (string, error) {
	doc, err := json.Marshal(taskDoc{
		AppKey:                   c.creds.AppKey,
		FileLink:                 fileURL,
		Version:                  taskVersion,
		EnableWords:              c.enableWords,
		EnableSampleRateAdaptive: true,
	})
	if err != nil {
		return "", fmt.Errorf("aliyun: submit: encode task: %w", err)
	}

	params := c.commonParams("SubmitTask")
	params["Task"] = string(doc)
	form, err := c.signed(http.MethodPost, params)
	if err != nil {
		return "", fmt.Errorf("aliyun: submit: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("aliyun: submit: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	var body submitResponse
	code, raw, err := c.do(req, &body)
	if err != nil {
		return "", &asr.TaskError{Phase: asr.PhaseSubmit, Err: err}
	}
	if code != http.StatusOK || body.StatusText != statusSuccess || body.TaskID == "" {
		te := &asr.TaskError{
			Phase:   asr.PhaseSubmit,
			TaskID:  body.TaskID,
			Status:  body.StatusText,
			Code:    providerCode(body.Code, body.StatusCode),
			Message: body.Message,
		}
		if te.Status == "" && te.Code == "" && te.Message == "" {
			te.Message = fmt.Sprintf("http %d: %s", code, truncate(raw))
		}
		if unsupported(body.StatusText, body.StatusCode, body.Code) {
			te.Err = asr.ErrFormatUnsupported
		}
		return "", te
	}

	slog.Debug("aliyun: task submitted", "task_id", body.TaskID, "request_id", body.RequestID)
	return body.TaskID, nil
}

// Poll queries taskID until it reaches a terminal status. Between attempts it
// waits the configured interval exactly once.
//
// Terminal success returns a nil error; an empty transcript is valid. A
// terminal failure status returns a *asr.TaskError. Running out of attempts
// returns an error wrapping [asr.ErrPollTimeout]. Transport errors and
// non-200 responses count as attempts and are retried. The returned Task is
// non-nil in every case except an empty taskID.
func (c *Client) Poll(ctx context.Context, taskID string) (*Task, error) {
	if taskID == "" {
		return nil, errors.New("aliyun: poll: task id must not be empty")
	}
	task := &Task{ID: taskID, Status: StatusSubmitted}

	var lastErr error
	err := retry.Do(ctx, c.backoff(), func(ctx context.Context) error {
		task.Attempts++
		resp, err := c.query(ctx, taskID)
		if err != nil {
			lastErr = err
			slog.Debug("aliyun: poll attempt failed", "task_id", taskID, "attempt", task.Attempts, "err", err)
			return retry.RetryableError(err)
		}
		lastErr = nil
		task.StatusText = resp.StatusText

		switch resp.StatusText {
		case statusSuccess, statusSuccessNoFragment:
			task.Status = StatusSucceeded
			if resp.StatusText == statusSuccessNoFragment {
				task.Status = StatusSucceededPartial
			}
			if resp.Result != nil {
				task.Transcript = resp.Result.Sentences.text()
			}
			return nil
		case statusRunning, statusQueueing:
			task.Status = StatusRunning
			if resp.StatusText == statusQueueing {
				task.Status = StatusQueued
			}
			slog.Debug("aliyun: task pending", "task_id", taskID, "attempt", task.Attempts, "status", resp.StatusText)
			return retry.RetryableError(errPending)
		default:
			task.Status = StatusFailed
			te := &asr.TaskError{
				Phase:   asr.PhasePoll,
				TaskID:  taskID,
				Status:  resp.StatusText,
				Code:    providerCode(resp.Code, resp.StatusCode),
				Message: resp.Message,
			}
			if unsupported(resp.StatusText, resp.StatusCode, resp.Code) {
				te.Err = asr.ErrFormatUnsupported
			}
			return te
		}
	})
	defer c.recordAttempts(ctx, task)

	var te *asr.TaskError
	switch {
	case err == nil:
		return task, nil
	case errors.As(err, &te):
		return task, err
	case ctx.Err() != nil:
		return task, fmt.Errorf("aliyun: poll task %s: %w", taskID, ctx.Err())
	default:
		task.Status = StatusTimedOut
		if lastErr != nil {
			return task, fmt.Errorf("aliyun: poll task %s: no terminal status after %d attempts (last error: %v): %w",
				taskID, task.Attempts, lastErr, asr.ErrPollTimeout)
		}
		return task, fmt.Errorf("aliyun: poll task %s: still %s after %d attempts: %w",
			taskID, task.StatusText, task.Attempts, asr.ErrPollTimeout)
	}
}

// backoff allows maxAttempts calls in total with a constant wait in between.
func (c *Client) backoff() retry.Backoff {
	var b retry.Backoff
	if c.pollInterval > 0 {
		b = retry.NewConstant(c.pollInterval)
	} else {
		b = retry.BackoffFunc(func() (time.Duration, bool) { return 0, false })
	}
	return retry.WithMaxRetries(uint64(c.maxAttempts-1), b)
}

// query performs one signed GetTaskResult request.
func (c *Client) query(ctx context.Context, taskID string) (*pollResponse, error) {
	params := c.commonParams("GetTaskResult")
	params["TaskId"] = taskID
	q, err := c.signed(http.MethodGet, params)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	var body pollResponse
	code, raw, err := c.do(req, &body)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", code, truncate(raw))
	}
	return &body, nil
}

// do sends req and decodes a JSON body into out. A body that is not JSON is
// only an error for 200 responses.
func (c *Client) do(req *http.Request, out any) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode == http.StatusOK {
		return resp.StatusCode, raw, fmt.Errorf("decode body: %w", err)
	}
	return resp.StatusCode, raw, nil
}

func (c *Client) commonParams(action string) map[string]string {
	return map[string]string{
		"Action":           action,
		"Version":          apiVersion,
		"Format":           "JSON",
		"Timestamp":        c.now().UTC().Format("2006-01-02T15:04:05Z"),
		"SignatureMethod":  "HMAC-SHA1",
		"SignatureVersion": "1.0",
		"SignatureNonce":   c.nonce(),
		"AccessKeyId":      c.creds.AccessKeyID,
	}
}

// signed returns params plus their Signature as url.Values.
func (c *Client) signed(method string, params map[string]string) (url.Values, error) {
	sig, err := signature.Sign(method, params, c.creds.AccessKeySecret)
	if err != nil {
		return nil, err
	}
	v := make(url.Values, len(params)+1)
	for k, val := range params {
		v.Set(k, val)
	}
	v.Set("Signature", sig)
	return v, nil
}

func (c *Client) recordAttempts(ctx context.Context, task *Task) {
	if c.pollAttempts == nil {
		return
	}
	c.pollAttempts.Record(ctx, int64(task.Attempts),
		metric.WithAttributes(attribute.String("status", string(task.Status))))
}

// unsupportedCodes are status codes for recordings the service cannot
// decode or resample.
var unsupportedCodes = map[int64]bool{
	41050005: true, // FILE_NORMALIZE_FAILED
	41050006: true, // FILE_PARSE_FAILED
	41050007: true, // MKV_PARSE_FAILED
	41050008: true, // UNSUPPORTED_SAMPLE_RATE
}

func unsupported(statusText string, statusCode int64, code string) bool {
	if unsupportedCodes[statusCode] {
		return true
	}
	if n, err := strconv.ParseInt(code, 10, 64); err == nil && unsupportedCodes[n] {
		return true
	}
	s := strings.ToUpper(statusText + " " + code)
	return strings.Contains(s, "UNSUPPORTED") ||
		strings.Contains(s, "FILE_PARSE_FAILED") ||
		strings.Contains(s, "FILE_NORMALIZE_FAILED")
}

func providerCode(code string, statusCode int64) string {
	if code != "" {
		return code
	}
	if statusCode != 0 {
		return strconv.FormatInt(statusCode, 10)
	}
	return ""
}

func truncate(b []byte) string {
	const limit = 256
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
