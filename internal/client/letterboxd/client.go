// Package letterboxd is the authenticated Letterboxd client used by the
// reconciliation engine: login with retry, paginated list scraping, and the
// single-film add/remove mutations.
package letterboxd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"listsync/internal/retry"
)

const csrfCookieName = "com.xk72.webparts.csrf"

const defaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36"

var (
	ErrBadCredentials = errors.New("letterboxd: invalid credentials")
	ErrLoginExhausted = errors.New("letterboxd: login attempts exhausted")
	ErrNoCSRF         = errors.New("letterboxd: csrf cookie not present")
)

// Phrases in the server's error messages that mark a credential failure.
// These are never retried: the credentials will not get better.
var credentialErrorPhrases = []string{
	"credentials don't match",
	"credentials do not match",
	"incorrect",
	"invalid",
	"wrong password",
	"human error",
	"authentication failed",
}

// StatusError reports a non-200 response from the site.
type StatusError struct {
	Status int
	URL    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("letterboxd: http %d from %s", e.Status, e.URL)
}

func (e *StatusError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

type Options struct {
	BaseURL      string
	HTTPClient   *http.Client
	UserAgent    string
	PageDelay    time.Duration
	LoginRetries int
	LoginBackoff time.Duration
	LoginJitter  time.Duration
}

// Client owns one authenticated session for one account. Sessions are not
// safe to share across accounts; the orchestration layer caches one client
// per member.
type Client struct {
	base         string
	http         *http.Client
	username     string
	password     string
	ua           string
	pageDelay    time.Duration
	loginRetries int
	loginBackoff time.Duration
	loginJitter  time.Duration
}

func New(username, password string, opts Options) (*Client, error) {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = "https://letterboxd.com"
	}

	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if hc.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, err
		}
		hc.Jar = jar
	}

	c := &Client{
		base:         base,
		http:         hc,
		username:     username,
		password:     password,
		ua:           opts.UserAgent,
		pageDelay:    opts.PageDelay,
		loginRetries: opts.LoginRetries,
		loginBackoff: opts.LoginBackoff,
		loginJitter:  opts.LoginJitter,
	}
	if c.ua == "" {
		c.ua = defaultUserAgent
	}
	if c.pageDelay < 0 {
		c.pageDelay = 0
	}
	if c.loginRetries <= 0 {
		c.loginRetries = 3
	}
	if c.loginBackoff <= 0 {
		c.loginBackoff = 5 * time.Second
	}
	if c.loginJitter < 0 {
		c.loginJitter = 0
	}
	return c, nil
}

func (c *Client) Username() string {
	return c.username
}

type loginResponse struct {
	Result   string   `json:"result"`
	Messages []string `json:"messages"`
}

// Login walks the CSRF-then-credentials handshake. Transient failures
// (network, 429, missing token, unparseable body) are retried with doubling
// backoff plus jitter; credential errors fail immediately.
func (c *Client) Login(ctx context.Context) error {
	policy := retry.Policy{
		MaxAttempts: c.loginRetries,
		BaseDelay:   c.loginBackoff,
		MaxJitter:   c.loginJitter,
		Retryable: func(err error) bool {
			return !errors.Is(err, ErrBadCredentials)
		},
	}

	err := retry.Do(ctx, policy, func() error {
		return c.loginOnce(ctx)
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrBadCredentials) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrLoginExhausted, err)
}

func (c *Client) loginOnce(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.base+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("fetch homepage: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode, URL: c.base + "/"}
	}

	token := c.csrfToken()
	if token == "" {
		return ErrNoCSRF
	}

	form := url.Values{
		"__csrf":             {token},
		"authenticationCode": {""},
		"username":           {c.username},
		"password":           {c.password},
	}
	loginURL := c.base + "/user/login.do"
	req, err = c.newRequest(ctx, http.MethodPost, loginURL, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Origin", c.base)
	req.Header.Set("Referer", c.base+"/")

	resp, err = c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode, URL: loginURL}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read login response: %w", err)
	}
	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return fmt.Errorf("parse login response: %w", err)
	}

	switch lr.Result {
	case "success":
		return nil
	case "error":
		return classifyLoginError(lr.Messages)
	default:
		return fmt.Errorf("unexpected login result %q", lr.Result)
	}
}

func classifyLoginError(messages []string) error {
	msg := "unknown error"
	if len(messages) > 0 {
		msg = messages[0]
	}
	normalized := strings.ToLower(msg)
	normalized = strings.NewReplacer("‘", "'", "’", "'").Replace(normalized)
	for _, phrase := range credentialErrorPhrases {
		if strings.Contains(normalized, phrase) {
			return fmt.Errorf("%w: %s", ErrBadCredentials, msg)
		}
	}
	return fmt.Errorf("login rejected: %s", msg)
}

func (c *Client) csrfToken() string {
	u, err := url.Parse(c.base)
	if err != nil {
		return ""
	}
	for _, ck := range c.http.Jar.Cookies(u) {
		if ck.Name == csrfCookieName {
			return ck.Value
		}
	}
	return ""
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.ua)
	return req, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
