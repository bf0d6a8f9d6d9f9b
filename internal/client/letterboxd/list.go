package letterboxd

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// pageURL builds the address of one list page; page 1 has no suffix.
func pageURL(baseURL string, page int) string {
	base := strings.TrimRight(baseURL, "/")
	if page <= 1 {
		return base + "/"
	}
	return fmt.Sprintf("%s/page/%d/", base, page)
}

// FetchListPage fetches and parses a single page of a list. The bool result
// reports whether the page advertises a next page.
func (c *Client) FetchListPage(ctx context.Context, listURL string, page int) ([]MovieEntry, bool, error) {
	target := pageURL(listURL, page)
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Referer", listURL)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch page %d: %w", page, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, false, &StatusError{Status: resp.StatusCode, URL: target}
	}

	return parseMovies(resp.Body)
}

// FetchAllPages walks a list page by page until a page comes back empty or
// stops advertising a next page, with a politeness delay between fetches.
func (c *Client) FetchAllPages(ctx context.Context, listURL string) ([]MovieEntry, error) {
	var all []MovieEntry
	for page := 1; ; page++ {
		entries, hasNext, err := c.FetchListPage(ctx, listURL, page)
		if err != nil {
			return nil, err
		}
		if len(entries) == 0 {
			break
		}
		all = append(all, entries...)
		if !hasNext {
			break
		}
		if err := sleepCtx(ctx, c.pageDelay); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// FetchAllLists paginates a user's list-of-lists page with the same
// termination rule as FetchAllPages.
func (c *Client) FetchAllLists(ctx context.Context, username string) ([]ListSummary, error) {
	if username == "" {
		username = c.username
	}
	listsURL := fmt.Sprintf("%s/%s/lists", c.base, url.PathEscape(username))

	var all []ListSummary
	for page := 1; ; page++ {
		target := pageURL(listsURL, page)
		req, err := c.newRequest(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		req.Header.Set("Referer", listsURL+"/")

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch lists page %d: %w", page, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, &StatusError{Status: resp.StatusCode, URL: target}
		}
		lists, hasNext, err := parseLists(resp.Body, c.base, username)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		if len(lists) == 0 {
			break
		}
		all = append(all, lists...)
		if !hasNext {
			break
		}
		if err := sleepCtx(ctx, c.pageDelay); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// FetchListID scrapes a list page for its numeric remote identifier.
func (c *Client) FetchListID(ctx context.Context, listURL string) (string, error) {
	req, err := c.newRequest(ctx, http.MethodGet, strings.TrimRight(listURL, "/")+"/", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch list page: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{Status: resp.StatusCode, URL: listURL}
	}

	return parseListID(resp.Body)
}

// SplitListURL extracts the owner username and list slug from a list URL
// such as https://letterboxd.com/user/list/watchlist/.
func SplitListURL(listURL string) (username, slug string, err error) {
	u, err := url.Parse(listURL)
	if err != nil {
		return "", "", fmt.Errorf("parse list url: %w", err)
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) < 3 || segs[1] != "list" {
		return "", "", fmt.Errorf("not a list url: %s", listURL)
	}
	return segs[0], segs[2], nil
}
