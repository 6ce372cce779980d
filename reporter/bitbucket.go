package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// BitbucketServer posts build statuses to a Bitbucket Server instance
// through its build-status REST API.
type BitbucketServer struct {
	URL      string
	Username string
	Password string
	Client   *http.Client
}

// NewBitbucketServer returns a publisher for the server at url.
func NewBitbucketServer(url, username, password string) *BitbucketServer {
	return &BitbucketServer{
		URL:      strings.TrimRight(url, "/"),
		Username: username,
		Password: password,
		Client:   &http.Client{Timeout: 30 * time.Second},
	}
}

type bitbucketStatus struct {
	State       string `json:"state"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

func bitbucketState(s State) string {
	switch s {
	case StateSuccess:
		return "SUCCESSFUL"
	case StateFailure:
		return "FAILED"
	}

	return "INPROGRESS"
}

// Publish implements StatusPublisher.
func (b *BitbucketServer) Publish(ctx context.Context, s Status) error {
	body, err := json.Marshal(bitbucketStatus{
		State:       bitbucketState(s.State),
		Key:         s.Key,
		Name:        s.Name,
		URL:         s.URL,
		Description: s.Description,
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/rest/build-status/1.0/commits/%s", b.URL, s.Commit)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.Username != "" {
		req.SetBasicAuth(b.Username, b.Password)
	}

	logger.WithField("url", url).Debug("posting bitbucket build status")

	resp, err := b.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("bitbucket returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}

	return nil
}
