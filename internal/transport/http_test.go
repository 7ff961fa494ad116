package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestTransferGet(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer token123" {
			t.Errorf("Expected auth header, got %q", got)
		}
		w.Write([]byte("payload"))
	}))
	defer upstream.Close()

	transfer := NewTransfer()
	var body []byte
	err := transfer.Get(context.Background(), upstream.URL, func(resp *http.Response) error {
		var readErr error
		body, readErr = io.ReadAll(resp.Body)
		return readErr
	}, WithHeaders(map[string]string{"Authorization": "Bearer token123"}))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(body) != "payload" {
		t.Fatalf("Expected payload, got %q", body)
	}
}

func TestTransferRangeHeader(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Range"); got != "bytes=100-199" {
			t.Errorf("Expected range header, got %q", got)
		}
		w.WriteHeader(http.StatusPartialContent)
	}))
	defer upstream.Close()

	transfer := NewTransfer()
	err := transfer.Get(context.Background(), upstream.URL, func(resp *http.Response) error {
		if resp.StatusCode != http.StatusPartialContent {
			t.Errorf("Expected 206, got %d", resp.StatusCode)
		}
		return nil
	}, WithRange(100, 199))
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
}

func TestHTTPClientRedirectCap(t *testing.T) {
	var upstream *httptest.Server
	upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, upstream.URL, http.StatusFound)
	}))
	defer upstream.Close()

	client := NewHTTPClient(5*time.Second, 3)
	resp, err := client.Get(upstream.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatalf("Expected redirect loop to fail")
	}
	if !errors.Is(err, ErrTooManyRedirects) {
		t.Fatalf("Expected ErrTooManyRedirects, got %v", err)
	}
}

func TestHTTPClientFollowsRedirectsUnderCap(t *testing.T) {
	final := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("landed"))
	}))
	defer final.Close()
	hop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, final.URL, http.StatusFound)
	}))
	defer hop.Close()

	client := NewHTTPClient(5*time.Second, 3)
	resp, err := client.Get(hop.URL)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "landed" {
		t.Fatalf("Expected redirect to be followed, got %q", body)
	}
}
