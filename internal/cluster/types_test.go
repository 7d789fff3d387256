package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// TestPlacementClone verifies that a cloned placement does not share its replica slice
func TestPlacementClone(t *testing.T) {
	p := Placement{VolumeID: "vol-1", Coordinator: "n1", Replicas: []string{"n1", "n2", "n3"}, Epoch: 4, Quorum: 2}
	c := p.Clone()
	c.Replicas[0] = "changed"

	if p.Replicas[0] != "n1" {
		t.Errorf("Clone shares replica slice: original now %v", p.Replicas)
	}
	if c.Epoch != 4 || c.Quorum != 2 || c.Coordinator != "n1" {
		t.Errorf("Clone lost fields: %+v", c)
	}
}

// TestPostJSON tests the PostJSON function with various scenarios
func TestPostJSON(t *testing.T) {
	tests := []struct {
		name           string
		serverResponse int
		serverBody     string
		requestBody    interface{}
		responseBody   interface{}
		expectError    bool
		contextTimeout bool
	}{
		{
			name:           "successful POST with response",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			responseBody:   &map[string]string{},
		},
		{
			name:           "successful POST without response body",
			serverResponse: http.StatusNoContent,
			requestBody:    map[string]string{"test": "data"},
		},
		{
			name:           "server error response",
			serverResponse: http.StatusInternalServerError,
			serverBody:     `{"error":"internal error"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
		},
		{
			name:           "context timeout",
			serverResponse: http.StatusOK,
			serverBody:     `{"status":"ok"}`,
			requestBody:    map[string]string{"test": "data"},
			expectError:    true,
			contextTimeout: true,
		},
		{
			name:           "unmarshalable request body",
			serverResponse: http.StatusOK,
			requestBody:    make(chan int),
			expectError:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("Expected POST method, got %s", r.Method)
				}
				if ct := r.Header.Get("Content-Type"); ct != "application/json" {
					t.Errorf("Expected Content-Type application/json, got %s", ct)
				}
				if tt.contextTimeout {
					time.Sleep(100 * time.Millisecond)
				}
				w.WriteHeader(tt.serverResponse)
				if tt.serverBody != "" {
					w.Write([]byte(tt.serverBody))
				}
			}))
			defer server.Close()

			ctx := context.Background()
			if tt.contextTimeout {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, 10*time.Millisecond)
				defer cancel()
			}

			err := PostJSON(ctx, server.URL, tt.requestBody, tt.responseBody)
			if tt.expectError && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

// TestGetJSON tests decoding of a GET response
func TestGetJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("Expected GET method, got %s", r.Method)
		}
		json.NewEncoder(w).Encode(Placement{VolumeID: "vol-1", Replicas: []string{"n1"}, Epoch: 2})
	}))
	defer server.Close()

	var out Placement
	if err := GetJSON(context.Background(), server.URL, &out); err != nil {
		t.Fatalf("GetJSON failed: %v", err)
	}
	if out.VolumeID != "vol-1" || out.Epoch != 2 {
		t.Errorf("Unexpected placement %+v", out)
	}
}

// TestRequestIDPropagation checks that outgoing calls carry the context's request id
func TestRequestIDPropagation(t *testing.T) {
	got := make(chan string, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(RequestIDHeader)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	ctx := WithRequestID(context.Background(), "req-42")
	if err := PostJSON(ctx, server.URL, map[string]string{}, nil); err != nil {
		t.Fatalf("PostJSON failed: %v", err)
	}
	if id := <-got; id != "req-42" {
		t.Errorf("Expected request id req-42, got %q", id)
	}

	if err := PostJSON(context.Background(), server.URL, map[string]string{}, nil); err != nil {
		t.Fatalf("PostJSON failed: %v", err)
	}
	if id := <-got; id == "" {
		t.Error("Expected a generated request id")
	}
}

// TestErrorCodes verifies the round trip between sentinel errors and wire codes
func TestErrorCodes(t *testing.T) {
	for _, ce := range codeErrors {
		if got := CodeOf(ce.err); got != ce.code {
			t.Errorf("CodeOf(%v) = %q, want %q", ce.err, got, ce.code)
		}
		if got := ce.code.Err(); got != ce.err {
			t.Errorf("%q.Err() = %v, want %v", ce.code, got, ce.err)
		}
	}

	if CodeOf(nil) != CodeOK || CodeOK.Err() != nil {
		t.Error("Expected nil error to map to CodeOK")
	}

	wrapped := fmt.Errorf("open vol-1: %w", ErrInvalidCoordinator)
	if CodeOf(wrapped) != CodeInvalidCoordinator {
		t.Errorf("Wrapped error lost its code: %q", CodeOf(wrapped))
	}

	if CodeOf(errors.New("disk on fire")) != CodeInternal {
		t.Error("Expected unknown errors to map to CodeInternal")
	}

	unknown := ErrorCode("quota_exceeded").Err()
	if CodeOf(unknown) != CodeInternal {
		t.Errorf("Expected unknown code to decode as internal, got %v", unknown)
	}
}

// TestGroupInfoLists checks membership lookup across the three lists
func TestGroupInfoLists(t *testing.T) {
	info := GroupInfo{
		Functional:    []string{"n1"},
		Syncing:       []string{"n2"},
		Nonfunctional: []string{"n3"},
	}

	tests := []struct {
		id    string
		state State
		found bool
	}{
		{"n1", StateActive, true},
		{"n2", StateSyncing, true},
		{"n3", StateOffline, true},
		{"n4", StateUnknown, false},
	}
	for _, tt := range tests {
		state, found := info.Lists(tt.id)
		if state != tt.state || found != tt.found {
			t.Errorf("Lists(%s) = %s,%v want %s,%v", tt.id, state, found, tt.state, tt.found)
		}
	}
}

// TestMutationValidation checks the payload codec rejects malformed mutations
func TestMutationValidation(t *testing.T) {
	payload, err := EncodeMutation(Mutation{Op: OpPut, Key: "a", Value: []byte("1")})
	if err != nil {
		t.Fatalf("EncodeMutation failed: %v", err)
	}
	m, err := DecodeMutation(payload)
	if err != nil {
		t.Fatalf("DecodeMutation failed: %v", err)
	}
	if m.Op != OpPut || m.Key != "a" || string(m.Value) != "1" {
		t.Errorf("Unexpected mutation %+v", m)
	}

	if _, err := EncodeMutation(Mutation{Op: OpPut}); err == nil {
		t.Error("Expected error for empty key")
	}
	if _, err := EncodeMutation(Mutation{Op: "truncate", Key: "a"}); err == nil {
		t.Error("Expected error for unknown op")
	}
	if _, err := DecodeMutation([]byte("not json")); err == nil {
		t.Error("Expected error for garbage payload")
	}
	if _, err := DecodeMutation([]byte(`{"op":"put"}`)); err == nil {
		t.Error("Expected error for payload without key")
	}
}
