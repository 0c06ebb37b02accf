package feedback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DirectusSink writes records to a Directus collection through its REST API.
type DirectusSink struct {
	baseURL    string
	collection string
	token      string
	httpClient *http.Client
}

// NewDirectusSink creates a sink for {baseURL}/items/{collection}.
func NewDirectusSink(baseURL, collection, token string) (*DirectusSink, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("directus url is required")
	}
	if collection == "" {
		collection = "kft_bot"
	}
	return &DirectusSink{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		collection: collection,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type directusItem struct {
	Prompt   string  `json:"prompt"`
	Response string  `json:"response"`
	Letter   *string `json:"letter,omitempty"`
}

type directusUpdate struct {
	UserRating   int    `json:"user_rating"`
	UserFeedback string `json:"user_feedback"`
}

type directusResponse struct {
	Data struct {
		ID json.RawMessage `json:"id"`
	} `json:"data"`
}

// Record creates an item and returns its id.
func (d *DirectusSink) Record(ctx context.Context, rec Record) (string, error) {
	item := directusItem{Prompt: rec.Query, Response: rec.Visible, Letter: rec.Letter}
	resp, err := d.do(ctx, http.MethodPost, d.itemsURL(""), item)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out directusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	id := strings.Trim(string(out.Data.ID), `"`)
	if id == "" || id == "null" {
		return "", fmt.Errorf("directus returned no id")
	}
	return id, nil
}

// Rate patches the item with the user's rating.
func (d *DirectusSink) Rate(ctx context.Context, id string, rating Rating) error {
	if err := rating.Validate(); err != nil {
		return err
	}
	resp, err := d.do(ctx, http.MethodPatch, d.itemsURL(id), directusUpdate{UserRating: rating.Stars, UserFeedback: rating.Comment})
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (d *DirectusSink) itemsURL(id string) string {
	u := d.baseURL + "/items/" + url.PathEscape(d.collection)
	if id != "" {
		u += "/" + url.PathEscape(id)
	}
	if d.token != "" {
		u += "?" + url.Values{"access_token": {d.token}}.Encode()
	}
	return u
}

func (d *DirectusSink) do(ctx context.Context, method, u string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directus request failed: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || (resp.StatusCode == http.StatusForbidden && method == http.MethodPatch):
		// Directus answers 403 for items that do not exist.
		resp.Body.Close()
		return nil, ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("directus returned status %d: %s", resp.StatusCode, string(raw))
	}
	return resp, nil
}
