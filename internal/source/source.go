package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"signalq/internal/model"
)

// HTTPSource is a bearer-token client for the X API v2 mentions timeline and
// reply endpoint. It smooths request bursts with a local token bucket and
// surfaces the service's rate headers so the limiter can reconcile against
// them. Compose turns a claimed mention into reply text; what to say is the
// caller's concern, not this client's.
type HTTPSource struct {
	baseURL     string
	bearerToken string
	username    string
	userID      string
	httpClient  *http.Client
	limiter     *rate.Limiter
	maxAttempts int
	baseBackoff time.Duration
	Compose     func(m model.Mention) string
}

func NewHTTPSource(bearerToken, username string) *HTTPSource {
	return &HTTPSource{
		baseURL:     "https://api.twitter.com/2",
		bearerToken: bearerToken,
		username:    username,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		limiter:     newSmoothingLimiter(),
		maxAttempts: getEnvInt("X_API_MAX_ATTEMPTS", 5),
		baseBackoff: time.Duration(getEnvInt("X_API_BASE_BACKOFF_MS", 500)) * time.Millisecond,
	}
}

func (c *HTTPSource) auth(req *http.Request) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	req.Header.Set("Accept", "application/json")
}

// resolveUserID looks up and caches the authenticated account's id.
func (c *HTTPSource) resolveUserID(ctx context.Context) (string, error) {
	if c.userID != "" { return c.userID, nil }
	if c.username == "" { return "", errors.New("empty username") }
	u := fmt.Sprintf("%s/users/by/username/%s", c.baseURL, url.PathEscape(c.username))
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	c.auth(req)
	if err := c.limiter.Wait(ctx); err != nil { return "", err }
	resp, err := c.doWithRetry(ctx, req)
	if err != nil { return "", err }
	defer resp.Body.Close()
	if resp.StatusCode >= 400 { return "", fmt.Errorf("x api status %d", resp.StatusCode) }
	var raw struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil { return "", err }
	c.userID = raw.Data.ID
	return c.userID, nil
}

// FetchMentionsSince returns mentions with ids strictly greater than
// sinceID, oldest fields included for queue ordering.
func (c *HTTPSource) FetchMentionsSince(ctx context.Context, sinceID int64, limit int) ([]model.Mention, error) {
	userID, err := c.resolveUserID(ctx)
	if err != nil { return nil, err }
	u := fmt.Sprintf("%s/users/%s/mentions?max_results=%d&tweet.fields=created_at,author_id&expansions=author_id&user.fields=username",
		c.baseURL, url.PathEscape(userID), clamp(limit, 10, 100))
	if sinceID > 0 {
		u += "&since_id=" + strconv.FormatInt(sinceID, 10)
	}
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	c.auth(req)
	if err := c.limiter.Wait(ctx); err != nil { return nil, err }
	resp, err := c.doWithRetry(ctx, req)
	if err != nil { return nil, err }
	defer resp.Body.Close()
	if resp.StatusCode >= 400 { return nil, fmt.Errorf("x api status %d", resp.StatusCode) }
	var raw struct {
		Data []struct {
			ID        string    `json:"id"`
			Text      string    `json:"text"`
			AuthorID  string    `json:"author_id"`
			CreatedAt time.Time `json:"created_at"`
		} `json:"data"`
		Includes struct {
			Users []struct {
				ID       string `json:"id"`
				Username string `json:"username"`
			} `json:"users"`
		} `json:"includes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil { return nil, err }
	handles := map[string]string{}
	for _, u := range raw.Includes.Users {
		handles[u.ID] = u.Username
	}
	var out []model.Mention
	for _, t := range raw.Data {
		id, err := strconv.ParseInt(t.ID, 10, 64)
		if err != nil { continue }
		out = append(out, model.Mention{
			ID:        id,
			AuthorID:  t.AuthorID,
			Handle:    handles[t.AuthorID],
			Text:      t.Text,
			CreatedAt: t.CreatedAt.UTC(),
		})
	}
	return out, nil
}

// Reply posts a reply to the mention and reports the response's rate
// headers. A non-2xx status is a transient execution failure; the queue's
// retry budget decides whether it becomes terminal.
func (c *HTTPSource) Reply(ctx context.Context, m model.Mention) (model.RateInfo, error) {
	var ri model.RateInfo
	if c.Compose == nil {
		return ri, errors.New("no reply composer configured")
	}
	body, _ := json.Marshal(map[string]any{
		"text":  c.Compose(m),
		"reply": map[string]string{"in_reply_to_tweet_id": strconv.FormatInt(m.ID, 10)},
	})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tweets", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.auth(req)
	if err := c.limiter.Wait(ctx); err != nil { return ri, err }
	resp, err := c.httpClient.Do(req)
	if err != nil { return ri, err }
	defer resp.Body.Close()
	ri = parseRateHeaders(resp.Header)
	if resp.StatusCode >= 400 {
		return ri, fmt.Errorf("x api status %d", resp.StatusCode)
	}
	return ri, nil
}

// parseRateHeaders extracts the authoritative quota view from a response.
func parseRateHeaders(h http.Header) model.RateInfo {
	var ri model.RateInfo
	limit, err1 := strconv.Atoi(h.Get("x-rate-limit-limit"))
	remaining, err2 := strconv.Atoi(h.Get("x-rate-limit-remaining"))
	reset, err3 := strconv.ParseInt(h.Get("x-rate-limit-reset"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return ri
	}
	ri.Limit = limit
	ri.Remaining = remaining
	ri.ResetAt = time.Unix(reset, 0).UTC()
	ri.OK = true
	return ri
}

func (c *HTTPSource) doWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	backoff := c.baseBackoff
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		resp, err := c.httpClient.Do(req.Clone(ctx))
		if err == nil {
			if resp.StatusCode == http.StatusTooManyRequests || (resp.StatusCode >= 500 && resp.StatusCode <= 599) {
				ra := resp.Header.Get("Retry-After")
				_ = resp.Body.Close()
				wait := backoff
				if ra != "" {
					if secs, err := strconv.Atoi(ra); err == nil {
						wait = time.Duration(secs) * time.Second
					} else if t, err := http.ParseTime(ra); err == nil {
						if d := time.Until(t); d > 0 { wait = d }
					}
				}
				// jitter +/-20%
				jitter := time.Duration(float64(wait) * 0.2)
				if jitter > 0 {
					wait = wait - jitter + time.Duration(time.Now().UnixNano()%int64(2*jitter))
				}
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
				backoff *= 2
				continue
			}
			return resp, nil
		}
		lastErr = err
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		backoff *= 2
	}
	return nil, fmt.Errorf("request failed after %d attempts: %v", c.maxAttempts, lastErr)
}

// newSmoothingLimiter builds the local burst smoother using env overrides if present.
func newSmoothingLimiter() *rate.Limiter {
	rps := 2.0
	burst := 10
	if v := os.Getenv("X_API_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 { rps = f }
	}
	if v := os.Getenv("X_API_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 { burst = n }
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" { return def }
	n, err := strconv.Atoi(v)
	if err != nil { return def }
	return n
}

func clamp(v, lo, hi int) int {
	if v < lo { return lo }
	if v > hi { return hi }
	return v
}
