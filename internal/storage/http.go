package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dosewise/internal/errors"
)

// HTTPStore is a RecordStore backed by a remote JSON document service.
// Connectivity failures surface as ErrStoreUnavailable so the sync
// drainer can tell transient loss from a rejected payload.
type HTTPStore struct {
	baseURL string
	client  *http.Client
	apiKey  string
}

// NewHTTPStore creates a remote record-store client. timeoutSeconds of 0
// defaults to 15.
func NewHTTPStore(baseURL, apiKey string, timeoutSeconds int) *HTTPStore {
	if timeoutSeconds == 0 {
		timeoutSeconds = 15
	}
	return &HTTPStore{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: time.Duration(timeoutSeconds) * time.Second,
		},
	}
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body []byte) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrStoreUnavailable.Code, errors.ErrStoreUnavailable.Message)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, errors.Wrap(err, errors.ErrStoreUnavailable.Code, errors.ErrStoreUnavailable.Message)
	}
	return data, resp.StatusCode, nil
}

func (s *HTTPStore) Get(ctx context.Context, collection, id string) (json.RawMessage, error) {
	data, status, err := s.do(ctx, http.MethodGet, fmt.Sprintf("/v1/%s/%s", collection, id), nil)
	if err != nil {
		return nil, err
	}
	switch {
	case status == http.StatusNotFound:
		return nil, errors.ErrRecordNotFound
	case status >= 500:
		return nil, errors.Wrap(fmt.Errorf("status %d", status), errors.ErrStoreUnavailable.Code, errors.ErrStoreUnavailable.Message)
	case status >= 400:
		return nil, errors.Wrap(fmt.Errorf("status %d: %s", status, data), errors.ErrBadRequest.Code, errors.ErrBadRequest.Message)
	}
	return data, nil
}

func (s *HTTPStore) Query(ctx context.Context, collection string, preds ...Predicate) ([]json.RawMessage, error) {
	body, err := json.Marshal(map[string]any{"predicates": preds})
	if err != nil {
		return nil, err
	}
	data, status, err := s.do(ctx, http.MethodPost, fmt.Sprintf("/v1/%s/query", collection), body)
	if err != nil {
		return nil, err
	}
	if status >= 500 {
		return nil, errors.Wrap(fmt.Errorf("status %d", status), errors.ErrStoreUnavailable.Code, errors.ErrStoreUnavailable.Message)
	}
	if status >= 400 {
		return nil, errors.Wrap(fmt.Errorf("status %d: %s", status, data), errors.ErrBadRequest.Code, errors.ErrBadRequest.Message)
	}

	var result struct {
		Records []json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	return result.Records, nil
}

func (s *HTTPStore) Upsert(ctx context.Context, collection, id string, payload json.RawMessage) error {
	data, status, err := s.do(ctx, http.MethodPut, fmt.Sprintf("/v1/%s/%s", collection, id), payload)
	if err != nil {
		return err
	}
	if status >= 500 {
		return errors.Wrap(fmt.Errorf("status %d", status), errors.ErrStoreUnavailable.Code, errors.ErrStoreUnavailable.Message)
	}
	if status >= 400 {
		// The remote rejected the payload shape; retrying will not help.
		return errors.Wrap(fmt.Errorf("status %d: %s", status, data), errors.ErrSyncRejected.Code, errors.ErrSyncRejected.Message)
	}
	return nil
}

func (s *HTTPStore) Delete(ctx context.Context, collection, id string) error {
	data, status, err := s.do(ctx, http.MethodDelete, fmt.Sprintf("/v1/%s/%s", collection, id), nil)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusNotFound:
		return nil // idempotent
	case status >= 500:
		return errors.Wrap(fmt.Errorf("status %d", status), errors.ErrStoreUnavailable.Code, errors.ErrStoreUnavailable.Message)
	case status >= 400:
		return errors.Wrap(fmt.Errorf("status %d: %s", status, data), errors.ErrSyncRejected.Code, errors.ErrSyncRejected.Message)
	}
	return nil
}
