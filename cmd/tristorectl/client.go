package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// apiError is the server's {code, message} envelope plus the HTTP status.
type apiError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server returned %d (%s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

type tristoreClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newClient() *tristoreClient {
	token := authToken
	if token == "" {
		token = os.Getenv("TRISTORE_TOKEN")
	}
	return &tristoreClient{
		baseURL: serverURL,
		token:   token,
		// Migrations stage and validate tens of thousands of records;
		// give them room.
		http: &http.Client{Timeout: 30 * time.Minute},
	}
}

func (c *tristoreClient) do(method, path string, body any, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		apiErr := &apiError{Status: resp.StatusCode, Message: string(data)}
		var envelope apiError
		if json.Unmarshal(data, &envelope) == nil && envelope.Code != "" {
			envelope.Status = resp.StatusCode
			apiErr = &envelope
		}
		return apiErr
	}

	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

func (c *tristoreClient) getJSON(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

func (c *tristoreClient) postJSON(path string, body, v any) error {
	return c.do(http.MethodPost, path, body, v)
}
