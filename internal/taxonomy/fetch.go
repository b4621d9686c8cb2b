package taxonomy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultURL is the published policy_sentry IAM definition dataset.
const DefaultURL = "https://raw.githubusercontent.com/salesforce/policy_sentry/master/policy_sentry/shared/data/iam-definition.json"

// maxDatasetBytes caps the downloaded dataset size (64 MiB).
const maxDatasetBytes = 64 << 20

// Fetch downloads the taxonomy dataset from url, validates that it parses, and
// writes it to path. The existing file is replaced only after validation.
func Fetch(ctx context.Context, client *http.Client, url, path string) (*Table, error) {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	var body []byte
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
			return fmt.Errorf("fetching taxonomy: HTTP %d", resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("fetching taxonomy: HTTP %d", resp.StatusCode))
		}

		body, err = io.ReadAll(io.LimitReader(resp.Body, maxDatasetBytes))
		return err
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}

	table, err := Load(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating taxonomy directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0644); err != nil {
		return nil, fmt.Errorf("writing taxonomy: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return nil, fmt.Errorf("replacing taxonomy: %w", err)
	}
	return table, nil
}
