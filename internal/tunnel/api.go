package tunnel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/frameline/frameline/internal/logger"
	"github.com/frameline/frameline/internal/store"
	"github.com/frameline/frameline/internal/supervisor"
	"github.com/frameline/frameline/internal/wire"
)

// handleAPI serves one tunneled control-plane request. Paths mirror a plain
// REST surface so the browser client can treat the tunnel as an HTTP origin.
func (c *Client) handleAPI(ctx context.Context, req wire.APIRequest) wire.APIResponse {
	resp := c.routeAPI(ctx, req)
	resp.Type = wire.TypeAPIResponse
	resp.ReqID = req.ReqID
	if resp.Headers == nil {
		resp.Headers = map[string]string{"Content-Type": "application/json"}
	}
	logger.Debug("api request", "method", req.Method, "path", req.Path, "status", resp.Status)
	return resp
}

func (c *Client) routeAPI(ctx context.Context, req wire.APIRequest) wire.APIResponse {
	parts := splitPath(req.Path)

	switch {
	case req.Method == http.MethodGet && len(parts) == 1 && parts[0] == "frames":
		return c.apiListFrames()
	case len(parts) >= 2 && parts[0] == "frames":
		return c.apiFrame(ctx, req, parts[1], parts[2:])
	}
	return apiError(http.StatusNotFound, "no such route")
}

func (c *Client) apiListFrames() wire.APIResponse {
	frames, err := c.Supervisor.ListFrames("")
	if err != nil {
		return apiError(http.StatusInternalServerError, err.Error())
	}
	return apiJSON(http.StatusOK, map[string]any{"frames": summarize(frames)})
}

func (c *Client) apiFrame(ctx context.Context, req wire.APIRequest, ref string, rest []string) wire.APIResponse {
	f, err := c.Supervisor.GetFrame(ref)
	if err != nil {
		return apiError(http.StatusNotFound, "frame not found")
	}

	if len(rest) == 0 {
		if req.Method != http.MethodGet {
			return apiError(http.StatusMethodNotAllowed, req.Method)
		}
		return apiJSON(http.StatusOK, summarize([]*store.Frame{f})[0])
	}

	switch {
	case req.Method == http.MethodGet && rest[0] == "events":
		events, err := c.Supervisor.GetFrameEvents(f.ID, 0)
		if err != nil {
			return apiError(http.StatusInternalServerError, err.Error())
		}
		return apiJSON(http.StatusOK, map[string]any{"events": eventSummaries(events)})

	case req.Method == http.MethodPost && rest[0] == "start":
		started, err := c.Supervisor.StartFrame(ctx, f.ID)
		if err != nil {
			if errors.Is(err, supervisor.ErrFrameRunning) {
				return apiError(http.StatusConflict, err.Error())
			}
			return apiError(http.StatusInternalServerError, err.Error())
		}
		return apiJSON(http.StatusOK, summarize([]*store.Frame{started})[0])

	case req.Method == http.MethodPost && rest[0] == "stop":
		stopped, err := c.Supervisor.StopFrame(ctx, f.ID)
		if err != nil {
			if errors.Is(err, supervisor.ErrFrameNotRunning) {
				return apiError(http.StatusConflict, err.Error())
			}
			return apiError(http.StatusInternalServerError, err.Error())
		}
		return apiJSON(http.StatusOK, summarize([]*store.Frame{stopped})[0])
	}
	return apiError(http.StatusNotFound, "no such route")
}

type eventSummary struct {
	ID        int64           `json:"id"`
	Kind      string          `json:"kind"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt int64           `json:"createdAt"`
}

func eventSummaries(events []*store.Event) []eventSummary {
	out := make([]eventSummary, 0, len(events))
	for _, e := range events {
		s := eventSummary{ID: e.ID, Kind: e.Kind, CreatedAt: e.CreatedAt.Unix()}
		if e.Details != "" {
			s.Details = json.RawMessage(e.Details)
		}
		out = append(out, s)
	}
	return out
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func apiJSON(status int, body any) wire.APIResponse {
	raw, _ := json.Marshal(body)
	return wire.APIResponse{Status: status, Body: raw}
}

func apiError(status int, msg string) wire.APIResponse {
	return apiJSON(status, map[string]string{"error": msg})
}
