package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// apiClient talks to the local strata daemon. Control-plane calls are
// short; the watch command streams events through its own client.
var apiClient = &http.Client{Timeout: 10 * time.Second}

func apiGet(path string) ([]byte, error) {
	resp, err := apiClient.Get(apiAddr + path)
	if err != nil {
		return nil, fmt.Errorf("strata daemon unreachable at %s (is it running?): %w", apiAddr, err)
	}
	return readResponse(resp)
}

func apiPost(path string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	resp, err := apiClient.Post(apiAddr+path, "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("strata daemon unreachable at %s (is it running?): %w", apiAddr, err)
	}
	return readResponse(resp)
}

// readResponse drains the body and surfaces HTTP-level failures with
// the daemon's own error message.
func readResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("daemon returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
