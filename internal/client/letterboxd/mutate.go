package letterboxd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type mutationResponse struct {
	Result     bool     `json:"result"`
	Messages   []string `json:"messages"`
	ErrorCodes []string `json:"errorCodes"`
}

// AddMovie puts one film on a list. Neither mutation is verifiably
// idempotent remote-side: a lost response after the server applied the
// change looks identical to a failure, so callers must tolerate partial
// success.
func (c *Client) AddMovie(ctx context.Context, filmID, listID string) error {
	token := c.csrfToken()
	if token == "" {
		return ErrNoCSRF
	}

	form := url.Values{
		"__csrf":     {token},
		"filmId":     {filmID},
		"filmListId": {listID},
	}
	if err := c.postMutation(ctx, c.base+"/s/add-film-to-list", c.base+"/", form); err != nil {
		return fmt.Errorf("add film %s: %w", filmID, err)
	}
	return nil
}

// RemoveMovie takes one film off the list identified by listURL.
func (c *Client) RemoveMovie(ctx context.Context, filmID, listURL string) error {
	token := c.csrfToken()
	if token == "" {
		return ErrNoCSRF
	}

	username, slug, err := SplitListURL(listURL)
	if err != nil {
		return err
	}

	form := url.Values{
		"__csrf": {token},
		"filmId": {filmID},
	}
	target := fmt.Sprintf("%s/%s/list/%s/remove-film/", c.base, url.PathEscape(username), url.PathEscape(slug))
	referer := fmt.Sprintf("%s/%s/list/%s/", c.base, username, slug)
	if err := c.postMutation(ctx, target, referer, form); err != nil {
		return fmt.Errorf("remove film %s: %w", filmID, err)
	}
	return nil
}

func (c *Client) postMutation(ctx context.Context, target, referer string, form url.Values) error {
	req, err := c.newRequest(ctx, http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Origin", c.base)
	req.Header.Set("Referer", referer)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Status: resp.StatusCode, URL: target}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var mr mutationResponse
	if err := json.Unmarshal(body, &mr); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	if !mr.Result {
		if len(mr.ErrorCodes) > 0 {
			return fmt.Errorf("rejected: %s", strings.Join(mr.ErrorCodes, ", "))
		}
		if len(mr.Messages) > 0 {
			return fmt.Errorf("rejected: %s", mr.Messages[0])
		}
		return fmt.Errorf("rejected without detail")
	}
	return nil
}
