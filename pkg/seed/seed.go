// Package seed adapts external seeding mechanisms (an HTTP reset endpoint or a
// local command) to the coordinator's Action signature.
package seed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
)

// HTTPAction calls a reset/seed endpoint. Any non-2xx response is an error.
func HTTPAction(client *http.Client, method, url string, headers map[string]string) func(ctx context.Context) error {
	if client == nil {
		client = http.DefaultClient
	}
	if method == "" {
		method = http.MethodPost
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, url, nil)
		if err != nil {
			return fmt.Errorf("build seed request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		res, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("seed request: %w", err)
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
			return fmt.Errorf("seed %s %s returned %d: %s", method, url, res.StatusCode, strings.TrimSpace(string(body)))
		}
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
}

// CommandAction runs name with args, forwarding its output. A non-zero exit
// status is an error.
func CommandAction(stdout, stderr io.Writer, name string, args ...string) func(ctx context.Context) error {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return func(ctx context.Context) error {
		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("seed command %s: %w", name, err)
		}
		return nil
	}
}

// ParseHeaders turns "Key=Value" pairs into a header map.
func ParseHeaders(pairs []string) (map[string]string, error) {
	headers := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid header %q (want Key=Value)", p)
		}
		headers[k] = strings.TrimSpace(os.ExpandEnv(v))
	}
	return headers, nil
}
