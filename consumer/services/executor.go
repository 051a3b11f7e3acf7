package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sumit189/cronhook/common/models"
	"github.com/Sumit189/cronhook/common/utils"
	"golang.org/x/time/rate"
)

const summaryLimit = 512

// Executor performs the webhook call for one attempt and classifies the result.
type Executor struct {
	client  *http.Client
	limiter *rate.Limiter
	sealer  *utils.Sealer
	timeout time.Duration
}

func NewExecutor(timeout time.Duration, perSecond float64, sealer *utils.Sealer) *Executor {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &Executor{
		client:  &http.Client{},
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		sealer:  sealer,
		timeout: timeout,
	}
}

func (e *Executor) Execute(ctx context.Context, task models.Task) models.Outcome {
	outcome := models.Outcome{RunID: task.RunID}
	if err := e.limiter.Wait(ctx); err != nil {
		outcome.Status = models.RunFailed
		outcome.ErrorMessage = "rate limiter: " + err.Error()
		return outcome
	}

	req, err := e.buildRequest(task.Target)
	if err != nil {
		outcome.Status = models.RunFailed
		outcome.ErrorMessage = err.Error()
		return outcome
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	resp, err := e.client.Do(req.WithContext(callCtx))
	if err != nil {
		outcome.DurationMs = time.Since(start).Milliseconds()
		outcome.Status = models.RunFailed
		if isTimeout(err) {
			outcome.Status = models.RunTimedOut
		}
		outcome.ErrorMessage = err.Error()
		return outcome
	}
	defer resp.Body.Close()

	snippet, err := io.ReadAll(io.LimitReader(resp.Body, summaryLimit))
	outcome.DurationMs = time.Since(start).Milliseconds()
	if err != nil && isTimeout(err) {
		outcome.Status = models.RunTimedOut
		outcome.ErrorMessage = err.Error()
		return outcome
	}
	outcome.ResponseSummary = summarize(resp.StatusCode, snippet)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		outcome.Status = models.RunSuccess
		return outcome
	}
	outcome.Status = models.RunFailed
	outcome.ErrorMessage = fmt.Sprintf("HTTP %d", resp.StatusCode)
	return outcome
}

func (e *Executor) buildRequest(target models.Target) (*http.Request, error) {
	u, err := url.Parse(target.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid target url: %w", err)
	}
	if len(target.Query) > 0 {
		q := u.Query()
		for k, v := range target.Query {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}

	body, err := e.sealer.Open(target.Body)
	if err != nil {
		return nil, fmt.Errorf("open body: %w", err)
	}
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	method := strings.ToUpper(target.Method)
	if method == "" {
		method = http.MethodPost
	}
	req, err := http.NewRequest(method, u.String(), reader)
	if err != nil {
		return nil, err
	}
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if target.ContentType != "" {
		req.Header.Set("Content-Type", target.ContentType)
	} else if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func summarize(status int, snippet []byte) string {
	s := strings.TrimSpace(string(snippet))
	if s == "" {
		return fmt.Sprintf("HTTP %d", status)
	}
	return fmt.Sprintf("HTTP %d: %s", status, s)
}
