package profile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var (
	// ErrRateLimited is returned when the upstream API throttles us.
	ErrRateLimited = errors.New("profile upstream rate limited")
	// ErrUnknownUser is returned when the upstream has no such account.
	ErrUnknownUser = errors.New("profile user not found")
	// ErrUpstream is returned for any other non-success upstream response.
	ErrUpstream = errors.New("profile upstream error")
)

// maxPayload caps the upstream response body.
const maxPayload = 1 << 20

// Fetcher retrieves raw JSON payloads from the third-party profile API.
type Fetcher interface {
	Fetch(ctx context.Context, kind Kind, username string) ([]byte, error)
}

// HTTPFetcher calls a REST profile API:
//
//	GET {BaseURL}/users/{username}         -> KindProfile
//	GET {BaseURL}/users/{username}/tweets  -> KindTweets
type HTTPFetcher struct {
	BaseURL string
	// Token is sent as a bearer credential when set.
	Token  string
	Client *http.Client
}

var _ Fetcher = (*HTTPFetcher)(nil)

// NewHTTPFetcher returns a fetcher with a bounded client timeout.
func NewHTTPFetcher(baseURL, token string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, kind Kind, username string) ([]byte, error) {
	endpoint := f.BaseURL + "/users/" + url.PathEscape(username)
	if kind == KindTweets {
		endpoint += "/tweets"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, ErrRateLimited
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%s: %w", username, ErrUnknownUser)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: %s returned %d", ErrUpstream, kind, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s payload: %w", kind, err)
	}
	if len(body) > maxPayload {
		return nil, fmt.Errorf("%w: %s payload exceeds %d bytes", ErrUpstream, kind, maxPayload)
	}
	return body, nil
}
