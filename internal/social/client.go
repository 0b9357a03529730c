// Package social is the client for the Threads-style graph API: OAuth
// token exchange and refresh, two-step publish, insights, media listing.
package social

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/itskum47/PostForge/internal/observability"
)

// DefaultTimeout bounds every social API call.
const DefaultTimeout = 30 * time.Second

// publishRetries bounds retries of the publish step while the media
// container is still processing.
const publishRetries = 5

// Insights is the engagement metric set for one media.
type Insights struct {
	Views   int
	Likes   int
	Replies int
	Reposts int
}

// Media is one item from the recent-media listing.
type Media struct {
	ID        string
	Text      string
	Permalink string
	Timestamp time.Time
}

// Profile identifies the authorized account.
type Profile struct {
	ExternalID string
	Username   string
}

// Client calls the social graph API.
type Client struct {
	authBase     string
	graphBase    string
	clientID     string
	clientSecret string
	redirectURI  string

	http *http.Client
	// sleep is swapped out by tests to skip real container-settle waits.
	sleep func(time.Duration)
}

// NewClient builds a Client against the given API bases.
func NewClient(authBase, graphBase, clientID, clientSecret, redirectURI string) *Client {
	return &Client{
		authBase:     strings.TrimRight(authBase, "/"),
		graphBase:    strings.TrimRight(graphBase, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		http:         &http.Client{Timeout: DefaultTimeout},
		sleep:        time.Sleep,
	}
}

type apiErrorEnvelope struct {
	Error struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
		Subcode int    `json:"error_subcode"`
	} `json:"error"`
}

func (c *Client) call(ctx context.Context, op, method, rawURL string, form url.Values, out any) error {
	var body io.Reader
	if form != nil && method == http.MethodPost {
		body = strings.NewReader(form.Encode())
	}
	if form != nil && method == http.MethodGet {
		rawURL = rawURL + "?" + form.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return &APIError{Code: CodeUnknown, Operation: op, Msg: err.Error()}
	}
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		observability.SocialAPICalls.WithLabelValues(op, string(CodeNetwork)).Inc()
		return &APIError{Code: CodeNetwork, Operation: op, Msg: err.Error()}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		observability.SocialAPICalls.WithLabelValues(op, string(CodeNetwork)).Inc()
		return &APIError{Code: CodeNetwork, Operation: op, Msg: err.Error()}
	}

	if resp.StatusCode != http.StatusOK {
		var env apiErrorEnvelope
		_ = json.Unmarshal(raw, &env)
		code := classifyStatus(resp.StatusCode, env.Error.Subcode)
		observability.SocialAPICalls.WithLabelValues(op, string(code)).Inc()
		msg := env.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("http %d", resp.StatusCode)
		}
		return &APIError{Code: code, Status: resp.StatusCode, Operation: op, Msg: msg}
	}

	observability.SocialAPICalls.WithLabelValues(op, "ok").Inc()
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return &APIError{Code: CodeUnknown, Operation: op, Msg: "malformed response: " + err.Error()}
		}
	}
	return nil
}

// ExchangeCode trades an OAuth authorization code for a short-lived token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (string, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	err := c.call(ctx, "exchange_code", http.MethodPost, c.authBase+"/oauth/access_token", url.Values{
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {c.redirectURI},
		"code":          {code},
	}, &resp)
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// ExchangeForLongLived trades a short-lived token for a long-lived one.
// Always invoked immediately after ExchangeCode.
func (c *Client) ExchangeForLongLived(ctx context.Context, shortToken string) (string, time.Time, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	err := c.call(ctx, "exchange_long_lived", http.MethodGet, c.graphBase+"/access_token", url.Values{
		"grant_type":    {"th_exchange_token"},
		"client_secret": {c.clientSecret},
		"access_token":  {shortToken},
	}, &resp)
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.AccessToken, time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second), nil
}

// Refresh extends a long-lived token. Callers enforce the platform rules:
// the token must have at least one day of life left and must not have been
// refreshed within the last 24 hours.
func (c *Client) Refresh(ctx context.Context, token string) (string, time.Time, error) {
	var resp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	err := c.call(ctx, "refresh", http.MethodGet, c.graphBase+"/refresh_access_token", url.Values{
		"grant_type":   {"th_refresh_token"},
		"access_token": {token},
	}, &resp)
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.AccessToken, time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second), nil
}

// Publish performs the two-step container-then-publish flow and returns the
// media ID and permalink. The publish step retries a bounded number of
// times while the container settles; 4xx responses other than rate limit
// are never retried.
func (c *Client) Publish(ctx context.Context, externalAccountID, token, text string) (string, string, error) {
	var container struct {
		ID string `json:"id"`
	}
	err := c.call(ctx, "create_container", http.MethodPost,
		fmt.Sprintf("%s/%s/threads", c.graphBase, externalAccountID), url.Values{
			"media_type":   {"TEXT"},
			"text":         {text},
			"access_token": {token},
		}, &container)
	if err != nil {
		return "", "", err
	}

	var published struct {
		ID string `json:"id"`
	}
	for attempt := 0; ; attempt++ {
		err = c.call(ctx, "publish", http.MethodPost,
			fmt.Sprintf("%s/%s/threads_publish", c.graphBase, externalAccountID), url.Values{
				"creation_id":  {container.ID},
				"access_token": {token},
			}, &published)
		if err == nil {
			break
		}
		code := Classify(err)
		if !Retriable(code) || attempt >= publishRetries {
			return "", "", err
		}
		c.sleep(2 * time.Second)
	}

	var perma struct {
		Permalink string `json:"permalink"`
	}
	err = c.call(ctx, "permalink", http.MethodGet,
		fmt.Sprintf("%s/%s", c.graphBase, published.ID), url.Values{
			"fields":       {"permalink"},
			"access_token": {token},
		}, &perma)
	if err != nil {
		// The post is live; a missing permalink should not fail the publish.
		return published.ID, "", nil
	}
	return published.ID, perma.Permalink, nil
}

// FetchInsights returns engagement metrics for a media. Posts outside the
// metric window return zeros rather than an error.
func (c *Client) FetchInsights(ctx context.Context, mediaID, token string) (Insights, error) {
	var resp struct {
		Data []struct {
			Name   string `json:"name"`
			Values []struct {
				Value int `json:"value"`
			} `json:"values"`
		} `json:"data"`
	}
	err := c.call(ctx, "insights", http.MethodGet,
		fmt.Sprintf("%s/%s/insights", c.graphBase, mediaID), url.Values{
			"metric":       {"views,likes,replies,reposts"},
			"access_token": {token},
		}, &resp)
	if err != nil {
		var ae *APIError
		// A 400 on insights means the media predates the metric window.
		if errors.As(err, &ae) && ae.Status == http.StatusBadRequest {
			return Insights{}, nil
		}
		return Insights{}, err
	}

	var out Insights
	for _, metric := range resp.Data {
		if len(metric.Values) == 0 {
			continue
		}
		v := metric.Values[0].Value
		switch metric.Name {
		case "views":
			out.Views = v
		case "likes":
			out.Likes = v
		case "replies":
			out.Replies = v
		case "reposts":
			out.Reposts = v
		}
	}
	return out, nil
}

// ListRecentMedia returns up to limit recent text posts for the account,
// following pagination as needed.
func (c *Client) ListRecentMedia(ctx context.Context, externalAccountID, token string, limit int) ([]Media, error) {
	var out []Media
	next := fmt.Sprintf("%s/%s/threads", c.graphBase, externalAccountID)
	form := url.Values{
		"fields":       {"id,text,permalink,timestamp"},
		"limit":        {fmt.Sprintf("%d", limit)},
		"access_token": {token},
	}

	for next != "" && len(out) < limit {
		var resp struct {
			Data []struct {
				ID        string `json:"id"`
				Text      string `json:"text"`
				Permalink string `json:"permalink"`
				Timestamp string `json:"timestamp"`
			} `json:"data"`
			Paging struct {
				Next string `json:"next"`
			} `json:"paging"`
		}
		if err := c.call(ctx, "list_media", http.MethodGet, next, form, &resp); err != nil {
			return nil, err
		}
		for _, m := range resp.Data {
			ts, _ := time.Parse(time.RFC3339, m.Timestamp)
			out = append(out, Media{ID: m.ID, Text: m.Text, Permalink: m.Permalink, Timestamp: ts})
			if len(out) >= limit {
				break
			}
		}
		next = resp.Paging.Next
		form = nil // the next URL already carries the query
	}
	return out, nil
}

// FetchProfile returns the profile of the token's account.
func (c *Client) FetchProfile(ctx context.Context, token string) (Profile, error) {
	var resp struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	err := c.call(ctx, "profile", http.MethodGet, c.graphBase+"/me", url.Values{
		"fields":       {"id,username"},
		"access_token": {token},
	}, &resp)
	if err != nil {
		return Profile{}, err
	}
	return Profile{ExternalID: resp.ID, Username: resp.Username}, nil
}
