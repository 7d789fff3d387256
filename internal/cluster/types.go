package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries a per-call identifier so a write can be traced
// across coordinator and replica logs.
const RequestIDHeader = "X-Request-ID"

// NodeInfo is a node as the placement directory knows it.
type NodeInfo struct {
	ID     string `json:"id"`
	Addr   string `json:"addr"`
	Status string `json:"status,omitempty"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Node NodeInfo `json:"node"`
}

// State is the shared state vocabulary for volume groups and their replicas.
// Groups use Unknown, Loading, Active and Offline; replicas use Loading,
// Syncing, Active and Offline.
type State string

const (
	StateUnknown State = "unknown"
	StateLoading State = "loading"
	StateSyncing State = "syncing"
	StateActive  State = "active"
	StateOffline State = "offline"
)

// Placement is the replica set backing a volume for one epoch.
type Placement struct {
	VolumeID    string   `json:"volume_id"`
	Coordinator string   `json:"coordinator"`
	Replicas    []string `json:"replicas"`
	Epoch       uint64   `json:"epoch"`
	Quorum      int      `json:"quorum"`
}

// Clone returns a copy that shares no slices with p.
func (p Placement) Clone() Placement {
	c := p
	c.Replicas = append([]string(nil), p.Replicas...)
	return c
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

// PostJSON posts body as JSON to url and decodes the reply into out when
// out is not nil. Non-2xx replies return a *StatusError.
func PostJSON(ctx context.Context, url string, body any, out any) error {
	return doJSON(ctx, httpClient, http.MethodPost, url, body, out)
}

// GetJSON fetches url and decodes the JSON reply into out.
func GetJSON(ctx context.Context, url string, out any) error {
	return doJSON(ctx, httpClient, http.MethodGet, url, nil, out)
}

func doJSON(ctx context.Context, c *http.Client, method, url string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(RequestIDHeader, requestID(ctx))
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return statusError(url, resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type requestIDKey struct{}

// WithRequestID returns a context whose outgoing calls carry id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}
