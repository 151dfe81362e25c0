package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"sketchsync/api/internal/command"
)

// Brancher creates a new sketch seeded with cmds and returns its id.
type Brancher interface {
	Branch(ctx context.Context, sourceID, name string, cmds []command.Command) (string, error)
}

// HTTPBrancher branches through the API server.
type HTTPBrancher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

type branchRequest struct {
	Name     string            `json:"name"`
	Commands []command.Command `json:"commands"`
}

type branchResponse struct {
	Sketch struct {
		ID string `json:"id"`
	} `json:"sketch"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

func (b HTTPBrancher) Branch(ctx context.Context, sourceID, name string, cmds []command.Command) (string, error) {
	if cmds == nil {
		cmds = []command.Command{}
	}
	body, err := json.Marshal(branchRequest{Name: name, Commands: cmds})
	if err != nil {
		return "", err
	}
	endpoint := strings.TrimRight(b.BaseURL, "/") + "/api/sketches/" + url.PathEscape(sourceID) + "/branch"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}
	client := b.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("branch %s: %w", sourceID, err)
	}
	defer resp.Body.Close()

	var out branchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("branch %s: %s: decode response: %w", sourceID, resp.Status, err)
	}
	if resp.StatusCode != http.StatusCreated {
		if out.Code != "" {
			return "", fmt.Errorf("branch %s: %s: %s", sourceID, out.Code, out.Error)
		}
		return "", fmt.Errorf("branch %s: %s", sourceID, resp.Status)
	}
	return out.Sketch.ID, nil
}
