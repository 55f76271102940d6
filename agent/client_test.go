package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

func TestHTTPClientUpdateStream(t *testing.T) {
	var got StartConfig
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stream/update" || r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	c := NewHTTPClient(port, 2*time.Second)
	err := c.UpdateStream(context.Background(), host, StartConfig{StreamID: 9, SourceFiles: []string{"/b.mp4"}})
	if err != nil {
		t.Fatal(err)
	}
	if got.StreamID != 9 || len(got.SourceFiles) != 1 {
		t.Errorf("agent received %+v", got)
	}
}

func TestHTTPClientUpdateStreamRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no such stream", http.StatusNotFound)
	}))
	defer srv.Close()

	u, _ := url.Parse(srv.URL)
	host, portStr, _ := net.SplitHostPort(u.Host)
	port, _ := strconv.Atoi(portStr)

	c := NewHTTPClient(port, 2*time.Second)
	if err := c.UpdateStream(context.Background(), host, StartConfig{StreamID: 9}); err == nil {
		t.Fatal("expected error on 404")
	}
}
