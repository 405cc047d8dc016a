package scheduler

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/agentworkforce/relaycal/internal/gateway"
)

// HTTPLauncher asks the bot dispatcher to start a bot for a meeting. Each
// launch is sent once; a failure is final and never resent.
type HTTPLauncher struct {
	client *gateway.Client
}

func NewHTTPLauncher(baseURL, token string, httpClient *http.Client) *HTTPLauncher {
	return &HTTPLauncher{client: gateway.NewClient(baseURL, token, httpClient).WithoutRetries()}
}

func (l *HTTPLauncher) Launch(ctx context.Context, req LaunchRequest) error {
	if strings.TrimSpace(req.JoinURL) == "" {
		return fmt.Errorf("meeting %d has no join url", req.MeetingID)
	}
	headers := map[string]string{
		// Lets the dispatcher drop a launch it has already seen.
		"Idempotency-Key": fmt.Sprintf("meeting-%d", req.MeetingID),
	}
	if err := l.client.DoJSON(ctx, http.MethodPost, "/v1/launches", headers, req, nil); err != nil {
		return fmt.Errorf("launch meeting %d: %w", req.MeetingID, err)
	}
	return nil
}

// LogLauncher only logs; used by the memory profile and dry runs.
type LogLauncher struct {
	Logger Logger
}

func (l LogLauncher) Launch(_ context.Context, req LaunchRequest) error {
	if l.Logger != nil {
		l.Logger.Printf("dry-run launch for meeting %d: %s (%s)", req.MeetingID, req.JoinURL, req.Platform)
	}
	return nil
}
