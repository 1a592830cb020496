// Copyright (C) 2025 MonteBryce Environmental (ops@montebryce.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MonteBryce/thermalog/services/fieldsync/datatypes"
	"github.com/MonteBryce/thermalog/services/fieldsync/syncerr"
)

// HTTPConfig configures the REST client for the hosted log store.
type HTTPConfig struct {
	// BaseURL is the API root, e.g. "https://sync.montebryce.io".
	BaseURL string

	// APIToken is sent as a bearer token when set.
	APIToken string

	// Timeout bounds each request. Default: 15s.
	Timeout time.Duration

	// Logger for request failures. Defaults to slog.Default().
	Logger *slog.Logger
}

// Validate checks the config.
func (c *HTTPConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("remote base URL must not be empty")
	}
	if _, err := url.Parse(c.BaseURL); err != nil {
		return fmt.Errorf("remote base URL: %w", err)
	}
	return nil
}

// HTTPStore is the JSON/REST implementation of Store.
//
// Failure classification:
//
//	429, 402            -> quota
//	400, 404(put), 422  -> permanent
//	404 (get)           -> not found
//	5xx, timeouts, dial -> transient
//
// Thread Safety: safe for concurrent use.
type HTTPStore struct {
	base   string
	token  string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPStore creates the client.
func NewHTTPStore(cfg HTTPConfig) (*HTTPStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPStore{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		token:  cfg.APIToken,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

func (s *HTTPStore) entryURL(key datatypes.EntryKey) string {
	return fmt.Sprintf("%s/v1/projects/%s/days/%s/entries/%s",
		s.base, url.PathEscape(key.ProjectID), key.DateKey, key.HourID)
}

func (s *HTTPStore) dayURL(projectID, dateKey, doc string) string {
	return fmt.Sprintf("%s/v1/projects/%s/days/%s/%s",
		s.base, url.PathEscape(projectID), dateKey, doc)
}

// do runs one request and classifies the failure modes. The body is
// returned only for 2xx responses.
func (s *HTTPStore) do(ctx context.Context, method, rawURL string, payload any) ([]byte, int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, syncerr.Permanent(fmt.Errorf("encode request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, 0, syncerr.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		// Timeouts and connection failures: the request may or may not
		// have reached the store, so the caller must replay it.
		return nil, 0, syncerr.Transient(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, syncerr.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, resp.StatusCode, nil
	}

	err = classifyStatus(resp.StatusCode, data)
	s.logger.Warn("remote request failed",
		"method", method,
		"url", rawURL,
		"status", resp.StatusCode,
		"class", syncerr.Classify(err).String())
	return nil, resp.StatusCode, err
}

func classifyStatus(status int, body []byte) error {
	detail := strings.TrimSpace(string(body))
	if len(detail) > 200 {
		detail = detail[:200]
	}
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusPaymentRequired:
		return fmt.Errorf("%w: status %d: %s", syncerr.ErrQuotaExceeded, status, detail)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: status %d: %s", syncerr.ErrPermanentValidation, status, detail)
	case status == http.StatusNotFound:
		return syncerr.ErrNotFound
	case status >= 500:
		return fmt.Errorf("%w: status %d: %s", syncerr.ErrTransientNetwork, status, detail)
	default:
		// Unexpected statuses stay retryable; a compliance record is
		// never dropped on a status this client does not recognize.
		return fmt.Errorf("%w: unexpected status %d: %s", syncerr.ErrTransientNetwork, status, detail)
	}
}

// GetProject implements ProjectDirectory.
func (s *HTTPStore) GetProject(ctx context.Context, projectID string) (*datatypes.CachedProject, error) {
	u := fmt.Sprintf("%s/v1/projects/%s", s.base, url.PathEscape(projectID))
	data, _, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var project datatypes.CachedProject
	if err := json.Unmarshal(data, &project); err != nil {
		return nil, syncerr.Permanent(fmt.Errorf("decode project: %w", err))
	}
	return &project, nil
}

// GetEntry implements Store.
func (s *HTTPStore) GetEntry(ctx context.Context, key datatypes.EntryKey) (*datatypes.Entry, error) {
	data, _, err := s.do(ctx, http.MethodGet, s.entryURL(key), nil)
	if err != nil {
		return nil, err
	}
	return decodeEntry(data)
}

// PutEntry implements Store. A 404 on write is a permanent error: the
// project or day path does not exist, and retrying cannot fix that.
func (s *HTTPStore) PutEntry(ctx context.Context, entry *datatypes.Entry) error {
	_, status, err := s.do(ctx, http.MethodPut, s.entryURL(entry.EntryKey), entry)
	if errors.Is(err, syncerr.ErrNotFound) {
		return syncerr.Permanent(fmt.Errorf("put entry: status %d", status))
	}
	return err
}

// ListEntries implements Store.
func (s *HTTPStore) ListEntries(ctx context.Context, projectID, dateKey string) ([]*datatypes.Entry, error) {
	data, _, err := s.do(ctx, http.MethodGet, s.dayURL(projectID, dateKey, "entries"), nil)
	if errors.Is(err, syncerr.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, syncerr.Permanent(fmt.Errorf("decode entry list: %w", err))
	}
	entries := make([]*datatypes.Entry, 0, len(raw))
	for _, doc := range raw {
		entry, err := decodeEntry(doc)
		if err != nil {
			return nil, syncerr.Permanent(err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// GetDailyLog implements Store.
func (s *HTTPStore) GetDailyLog(ctx context.Context, projectID, dateKey string) (*datatypes.DailyLog, error) {
	data, _, err := s.do(ctx, http.MethodGet, s.dayURL(projectID, dateKey, "log"), nil)
	if err != nil {
		return nil, err
	}
	var log datatypes.DailyLog
	if err := json.Unmarshal(data, &log); err != nil {
		return nil, syncerr.Permanent(fmt.Errorf("decode daily log: %w", err))
	}
	return &log, nil
}

// PutDailyLog implements Store as read-merge-write: the current remote
// rollup is fetched first and its Notes carried over when the incoming
// recompute has none (nil). A non-nil empty string is a deliberate
// clear and is written through. The window between read and write is
// accepted — the next recompute repeats the merge, so a lost note
// reappears within one sync cycle.
func (s *HTTPStore) PutDailyLog(ctx context.Context, log *datatypes.DailyLog) error {
	merged := log.Clone()
	if merged.Notes == nil {
		existing, err := s.GetDailyLog(ctx, log.ProjectID, log.DateKey)
		switch {
		case err == nil:
			merged.Notes = existing.Notes
		case errors.Is(err, syncerr.ErrNotFound):
			// First rollup for the day.
		default:
			return err
		}
	}
	_, _, err := s.do(ctx, http.MethodPut, s.dayURL(log.ProjectID, log.DateKey, "log"), merged)
	return err
}
