package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"codeberg.org/mutker/loxbridge/internal/errors"
)

const versionPath = "jdev/sps/LoxAPPversion3"

// HTTPProbe queries the controller's web interface for the structural
// document's last-modified timestamp.
type HTTPProbe struct {
	client   *http.Client
	baseURL  string
	username string
	password string
}

func NewHTTPProbe(host string, port int, username, password string) *HTTPProbe {
	return &HTTPProbe{
		client:   &http.Client{Timeout: 30 * time.Second},
		baseURL:  baseURL(host, port),
		username: username,
		password: password,
	}
}

func (p *HTTPProbe) LastModified(ctx context.Context) (time.Time, error) {
	errFactory := errors.New()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/"+versionPath, nil)
	if err != nil {
		return time.Time{}, errFactory.Wrap(ErrProbeFailed, err)
	}
	req.SetBasicAuth(p.username, p.password)

	resp, err := p.client.Do(req)
	if err != nil {
		return time.Time{}, errFactory.Wrap(ErrProbeFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, errFactory.WithData(ErrProbeFailed, resp.StatusCode)
	}

	var payload struct {
		LL struct {
			Value string `json:"value"`
		} `json:"LL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return time.Time{}, errFactory.Wrap(ErrProbeFailed, err)
	}

	stamp, err := time.Parse(metadataTimeFmt, payload.LL.Value)
	if err != nil {
		return time.Time{}, errFactory.WithData(ErrProbeFailed, payload.LL.Value)
	}

	return stamp, nil
}

func baseURL(host string, port int) string {
	scheme := "http"
	if port == 443 {
		scheme = "https"
	}
	if port == 80 || port == 443 {
		return fmt.Sprintf("%s://%s", scheme, host)
	}

	return fmt.Sprintf("%s://%s:%d", scheme, host, port)
}
