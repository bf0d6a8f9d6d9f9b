package letterboxd

import (
	"errors"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var ErrListIDNotFound = errors.New("letterboxd: list id not found on page")

// MovieEntry is one film scraped from a list page.
type MovieEntry struct {
	FilmID string
	Name   string
	Slug   string
	Link   string
	Rating string
}

// ListSummary is one list scraped from a user's list-of-lists page.
type ListSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Slug        string `json:"slug"`
	URL         string `json:"url"`
	FilmCount   string `json:"film_count"`
	Description string `json:"description"`
	Owner       string `json:"owner"`
}

// parseMovies scrapes the poster grid. Items missing their film id are
// skipped rather than failing the page. The second return reports whether a
// next-page affordance is present.
func parseMovies(r io.Reader) ([]MovieEntry, bool, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, false, err
	}

	var entries []MovieEntry
	doc.Find("li.posteritem").Each(func(_ int, item *goquery.Selection) {
		comp := item.Find("div.react-component").First()
		if comp.Length() == 0 {
			return
		}
		filmID, _ := comp.Attr("data-film-id")
		if filmID == "" {
			return
		}
		entry := MovieEntry{FilmID: filmID}
		entry.Name, _ = comp.Attr("data-item-name")
		entry.Slug, _ = comp.Attr("data-item-slug")
		entry.Link, _ = comp.Attr("data-item-link")
		entry.Rating, _ = item.Attr("data-owner-rating")
		entries = append(entries, entry)
	})

	return entries, hasNextPage(doc), nil
}

func parseLists(r io.Reader, base, owner string) ([]ListSummary, bool, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, false, err
	}

	var lists []ListSummary
	doc.Find("article.list-summary").Each(func(_ int, article *goquery.Selection) {
		nameLink := article.Find("h2.name a").First()
		if nameLink.Length() == 0 {
			return
		}
		href, _ := nameLink.Attr("href")
		if href == "" {
			return
		}

		summary := ListSummary{
			Name:  strings.TrimSpace(nameLink.Text()),
			URL:   base + href,
			Owner: owner,
		}
		summary.ID, _ = article.Attr("data-film-list-id")
		if idx := strings.Index(href, "/list/"); idx >= 0 {
			summary.Slug = strings.Trim(href[idx+len("/list/"):], "/")
		}

		if value := article.Find("div.content-reactions-strip span.value").First(); value.Length() > 0 {
			count := strings.TrimSpace(value.Text())
			count = strings.ReplaceAll(count, "films", "")
			count = strings.ReplaceAll(count, "film", "")
			count = strings.ReplaceAll(count, "\u00a0", " ")
			summary.FilmCount = strings.TrimSpace(count)
		}

		if notes := article.Find("div.notes").First(); notes.Length() > 0 {
			desc := strings.TrimSpace(notes.Text())
			if len(desc) > 150 {
				desc = desc[:147] + "..."
			}
			summary.Description = desc
		}

		lists = append(lists, summary)
	})

	return lists, hasNextPage(doc), nil
}

func hasNextPage(doc *goquery.Document) bool {
	return doc.Find("a.next").Length() > 0
}

var (
	reportURLListID = regexp.MustCompile(`/ajax/filmlist:(\d+)/`)
	popmenuListID   = regexp.MustCompile(`report-member-.+-list-(\d+)`)
)

// parseListID digs the numeric list id out of a list page. The markup moved
// over time, hence the fallbacks.
func parseListID(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", err
	}

	if reportURL, ok := doc.Find("span.report-link").First().Attr("data-report-url"); ok {
		if m := reportURLListID.FindStringSubmatch(reportURL); m != nil {
			return m[1], nil
		}
	}

	if id, ok := doc.Find(`div[id^="report-member-"]`).First().Attr("id"); ok {
		if m := popmenuListID.FindStringSubmatch(id); m != nil {
			return m[1], nil
		}
	}

	if id, ok := doc.Find(`a[data-popmenu-id^="report-member-"]`).First().Attr("data-popmenu-id"); ok {
		if m := popmenuListID.FindStringSubmatch(id); m != nil {
			return m[1], nil
		}
	}

	return "", ErrListIDNotFound
}
