package driftlock

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang/snappy"
)

func decodeBody(t *testing.T, r *http.Request, out any) {
	t.Helper()
	data, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if r.Header.Get("Content-Encoding") == "snappy" {
		data, err = snappy.Decode(nil, data)
		if err != nil {
			t.Fatalf("snappy decode: %v", err)
		}
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("json decode: %v", err)
	}
}

func TestHTTPTransportPushRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/sync/push" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization = %q", got)
		}
		var req PushRequest
		decodeBody(t, r, &req)
		if len(req.Entries) != 1 || req.Entries[0].RecordID != "n-1" {
			t.Errorf("entries = %+v", req.Entries)
		}

		resp := PushResponse{Results: []PushEntryResult{{
			IdempotencyKey: req.Entries[0].IdempotencyKey,
			RecordID:       "n-1",
			Status:         PushAccepted,
			ServerID:       "srv-1",
			NewRevision:    1,
		}}}
		data, _ := json.Marshal(resp)
		w.Header().Set("Content-Encoding", "snappy")
		w.Write(snappy.Encode(nil, data))
	}))
	defer srv.Close()

	cfg := DefaultHTTPTransportConfig(srv.URL)
	cfg.Credential = func(ctx context.Context) (string, error) { return "tok-1", nil }
	transport, err := NewHTTPTransport(cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}

	resp, err := transport.Push(context.Background(), &PushRequest{Entries: []PushEntry{{
		EntityType: "note", RecordID: "n-1", Op: "create",
		Payload: Payload{"a": 1}, IdempotencyKey: "k-1",
	}}})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Status != PushAccepted {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestHTTPTransportPullValidatesChanges(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page := ChangesPage{Changes: []RemoteChange{
			{EntityType: "note", RecordID: "n-1"}, // missing revision
		}}
		json.NewEncoder(w).Encode(page)
	}))
	defer srv.Close()

	cfg := DefaultHTTPTransportConfig(srv.URL)
	cfg.Compress = false
	transport, err := NewHTTPTransport(cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	if _, err := transport.Pull(context.Background(), &PullRequest{EntityType: "note"}); !errors.Is(err, ErrValidation) {
		t.Errorf("err = %v, want validation failure for bad change", err)
	}
}

func TestHTTPTransportStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrAuth},
		{http.StatusForbidden, ErrAuth},
		{http.StatusTooManyRequests, ErrNetwork},
		{http.StatusInternalServerError, ErrNetwork},
		{http.StatusBadGateway, ErrNetwork},
		{http.StatusBadRequest, ErrValidation},
		{http.StatusUnprocessableEntity, ErrValidation},
	}
	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			transport, err := NewHTTPTransport(DefaultHTTPTransportConfig(srv.URL))
			if err != nil {
				t.Fatalf("new transport: %v", err)
			}
			_, err = transport.Pull(context.Background(), &PullRequest{EntityType: "note"})
			if !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestHTTPTransportConnectionFailureIsNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse connections

	transport, err := NewHTTPTransport(DefaultHTTPTransportConfig(srv.URL))
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	_, err = transport.Pull(context.Background(), &PullRequest{EntityType: "note"})
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("err = %v, want network error", err)
	}
}

func TestHTTPTransportCredentialFailureIsAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	cfg := DefaultHTTPTransportConfig(srv.URL)
	cfg.Credential = func(ctx context.Context) (string, error) {
		return "", errors.New("keychain locked")
	}
	transport, err := NewHTTPTransport(cfg)
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	_, err = transport.Push(context.Background(), &PushRequest{})
	if !errors.Is(err, ErrAuth) {
		t.Errorf("err = %v, want auth error", err)
	}
}
