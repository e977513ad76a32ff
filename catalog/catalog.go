// Package catalog enumerates the remote image gallery and produces the
// items eligible for download. It talks to the NASA Images API, which
// replaced the old scraping-only gallery pages.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Item is one remote image eligible for download. Items are immutable
// once enumerated.
type Item struct {
	// URL is the stable identity of the item, and the address the bytes
	// are fetched from.
	URL string
	// Title is the human-readable gallery title, used for logging only.
	Title string
}

// Source produces the full, finite sequence of downloadable items.
type Source interface {
	ListItems(ctx context.Context) ([]Item, error)
}

// EnumerationError means the remote catalog could not be listed. It is
// always fatal: no partial queue is ever built from a failed listing.
type EnumerationError struct {
	err error
	url string
}

func (e *EnumerationError) Error() string {
	return fmt.Sprintf("enumerating catalog from %s: %s", e.url, e.err)
}

func (e *EnumerationError) Unwrap() error { return e.err }

const (
	searchEndpoint = "https://images-api.nasa.gov/search"
	clientTimeout  = time.Minute
)

// NASASource lists images from the NASA Images API, one search page at
// a time.
type NASASource struct {
	client *http.Client

	// Endpoint is the search API address, overridable in tests.
	Endpoint string
	// Query narrows the listing; empty lists the whole gallery.
	Query string
	// MaxPages bounds how many search pages are walked. Zero means walk
	// until the API stops returning items.
	MaxPages int
}

func NewNASASource(query string, maxPages int) *NASASource {
	return &NASASource{
		client:   &http.Client{Timeout: clientTimeout},
		Endpoint: searchEndpoint,
		Query:    query,
		MaxPages: maxPages,
	}
}

// searchResult mirrors the parts of the API response we care about.
type searchResult struct {
	Collection struct {
		Items []searchEntry `json:"items"`
		Links []searchLink  `json:"links"`
	} `json:"collection"`
}

type searchEntry struct {
	Data []struct {
		Title  string `json:"title"`
		NASAID string `json:"nasa_id"`
	} `json:"data"`
	Links []searchLink `json:"links"`
}

type searchLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

// ListItems walks the search pages and returns every image item found.
// Any request or decode failure aborts the whole listing.
func (s *NASASource) ListItems(ctx context.Context) ([]Item, error) {
	var (
		items []Item
		seen  = make(map[string]struct{})
	)

	for page := 1; s.MaxPages == 0 || page <= s.MaxPages; page++ {
		result, err := s.fetchPage(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(result.Collection.Items) == 0 {
			break
		}

		for _, entry := range result.Collection.Items {
			item, ok := entryToItem(entry)
			if !ok {
				continue
			}
			// The API occasionally repeats assets across pages.
			if _, dup := seen[item.URL]; dup {
				continue
			}
			seen[item.URL] = struct{}{}
			items = append(items, item)
		}

		if !hasNextPage(result) {
			break
		}
	}

	return items, nil
}

func (s *NASASource) fetchPage(ctx context.Context, page int) (*searchResult, error) {
	u := s.pageURL(page)

	request, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, &EnumerationError{err: err, url: u}
	}

	response, err := s.client.Do(request)
	if err != nil {
		return nil, &EnumerationError{err: err, url: u}
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusOK {
		return nil, &EnumerationError{
			err: fmt.Errorf("unexpected status: %s", http.StatusText(response.StatusCode)),
			url: u,
		}
	}

	result := &searchResult{}
	if err := json.NewDecoder(response.Body).Decode(result); err != nil {
		return nil, &EnumerationError{err: err, url: u}
	}

	return result, nil
}

func (s *NASASource) pageURL(page int) string {
	query := url.Values{}
	query.Set("media_type", "image")
	query.Set("page", strconv.Itoa(page))
	if s.Query != "" {
		query.Set("q", s.Query)
	}
	return s.Endpoint + "?" + query.Encode()
}

func entryToItem(entry searchEntry) (Item, bool) {
	if len(entry.Data) == 0 || len(entry.Links) == 0 {
		return Item{}, false
	}

	for _, link := range entry.Links {
		if link.Rel != "preview" || link.Href == "" {
			continue
		}
		return Item{
			URL:   link.Href,
			Title: entry.Data[0].Title,
		}, true
	}

	return Item{}, false
}

func hasNextPage(result *searchResult) bool {
	for _, link := range result.Collection.Links {
		if link.Rel == "next" {
			return true
		}
	}
	return false
}
