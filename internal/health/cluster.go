// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/tombee/overseer/internal/process"
	"github.com/tombee/overseer/internal/tracing"
)

const (
	// DefaultRetries is the number of cluster health queries made while the
	// node refuses connections.
	DefaultRetries = 600
	// DefaultRetryInterval paces queries while the node refuses connections.
	DefaultRetryInterval = 100 * time.Millisecond

	clusterHealthPath = "/_cluster/health"
	maxHealthBody     = 64 * 1024
)

// State is the outcome of one cluster health query.
type State int

const (
	// ConnectionRefused means the node is not listening yet.
	ConnectionRefused State = iota
	// KO covers every other failure: timeouts, bad status codes, bad bodies.
	KO
	Red
	Yellow
	Green
)

func (s State) String() string {
	switch s {
	case ConnectionRefused:
		return "CONNECTION_REFUSED"
	case KO:
		return "KO"
	case Red:
		return "RED"
	case Yellow:
		return "YELLOW"
	case Green:
		return "GREEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Operational reports whether the cluster can serve requests.
func (s State) Operational() bool {
	return s == Green || s == Yellow
}

// Checker performs one cluster health query.
type Checker interface {
	Check(ctx context.Context) State
}

// ClusterClient queries the search node's cluster health endpoint.
type ClusterClient struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewClusterClient creates a client for the node at baseURL, for example
// "http://127.0.0.1:9001".
func NewClusterClient(baseURL string, logger *slog.Logger) *ClusterClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClusterClient{
		endpoint: strings.TrimSuffix(baseURL, "/") + clusterHealthPath,
		client: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// WithHTTPClient sets a custom HTTP client.
func (c *ClusterClient) WithHTTPClient(client *http.Client) *ClusterClient {
	c.client = client
	return c
}

// Check performs a single health query.
func (c *ClusterClient) Check(ctx context.Context) State {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		c.logger.Debug("failed to create cluster health request", slog.Any("error", err))
		return KO
	}
	tracing.InjectHTTPHeaders(ctx, req)

	resp, err := c.client.Do(req)
	if err != nil {
		if errors.Is(err, syscall.ECONNREFUSED) {
			return ConnectionRefused
		}
		c.logger.Debug("cluster health request failed", slog.Any("error", err))
		return KO
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("cluster health returned unexpected status", slog.Int("status", resp.StatusCode))
		return KO
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHealthBody))
	if err != nil {
		return KO
	}

	switch strings.ToLower(gjson.GetBytes(body, "status").String()) {
	case "green":
		return Green
	case "yellow":
		return Yellow
	case "red":
		return Red
	default:
		return KO
	}
}

// ClusterStrategy watches the search node through cluster health. The node
// has no restart protocol and no graceful-stop protocol of its own.
type ClusterStrategy struct {
	handle   process.Handle
	checker  Checker
	retries  int
	interval time.Duration
	logger   *slog.Logger
}

// ClusterOption configures a ClusterStrategy.
type ClusterOption func(*ClusterStrategy)

// WithRetries sets the number of queries made while connections are refused.
func WithRetries(n int) ClusterOption {
	return func(s *ClusterStrategy) {
		if n > 0 {
			s.retries = n
		}
	}
}

// WithRetryInterval sets the pause between refused queries.
func WithRetryInterval(d time.Duration) ClusterOption {
	return func(s *ClusterStrategy) {
		if d > 0 {
			s.interval = d
		}
	}
}

// NewClusterStrategy creates the strategy for the search role.
func NewClusterStrategy(handle process.Handle, checker Checker, logger *slog.Logger, opts ...ClusterOption) *ClusterStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	s := &ClusterStrategy{
		handle:   handle,
		checker:  checker,
		retries:  DefaultRetries,
		interval: DefaultRetryInterval,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IsOperational queries cluster health, retrying only while the node refuses
// connections. Any other answer ends the loop at once.
func (s *ClusterStrategy) IsOperational(ctx context.Context) bool {
	limiter := rate.NewLimiter(rate.Every(s.interval), 1)

	state := KO
	for attempt := 1; ; attempt++ {
		if err := limiter.Wait(ctx); err != nil {
			s.logger.Debug("cluster health wait interrupted", slog.Any("error", err))
			return false
		}
		state = s.checker.Check(ctx)
		if state != ConnectionRefused || attempt >= s.retries {
			break
		}
	}

	s.logger.Debug("cluster health", slog.String("status", state.String()))
	return state.Operational()
}

// AskForStop terminates the node.
func (s *ClusterStrategy) AskForStop() error {
	return s.handle.Terminate()
}

// AskForHardStop terminates the node, like AskForStop.
func (s *ClusterStrategy) AskForHardStop() error {
	return s.handle.Terminate()
}

// AskedForRestart is always false.
func (s *ClusterStrategy) AskedForRestart() bool {
	return false
}

// AcknowledgeAskForRestart does nothing.
func (s *ClusterStrategy) AcknowledgeAskForRestart() {}
