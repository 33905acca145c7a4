package logclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestPutStream_AcceptsConflictAsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	res, err := c.PutStream(context.Background(), DoKey("acme", "session:abc"), PutOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Errorf("expected 409 to be treated as ok, got status %d", res.Status)
	}
}

func TestDeleteStream_AcceptsNotFoundAsOK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	res, err := c.DeleteStream(context.Background(), DoKey("acme", "session:abc"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Errorf("expected 404 to be treated as ok, got status %d", res.Status)
	}
}

func TestPostStream_SetsProducerHeaders(t *testing.T) {
	var gotID, gotEpoch, gotSeq string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID = r.Header.Get("Producer-Id")
		gotEpoch = r.Header.Get("Producer-Epoch")
		gotSeq = r.Header.Get("Producer-Seq")
		w.Header().Set("Stream-Next-Offset", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	res, err := c.PostStream(context.Background(), DoKey("acme", "s1"), []byte("hi"), "text/plain", &ProducerID{ID: "fanout:s1", Epoch: "1", Seq: "7"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || res.NextOffset != "42" {
		t.Errorf("unexpected result: %+v", res)
	}
	if gotID != "fanout:s1" || gotEpoch != "1" || gotSeq != "7" {
		t.Errorf("producer headers not forwarded: id=%q epoch=%q seq=%q", gotID, gotEpoch, gotSeq)
	}
}

func TestHeadStream_NotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New(srv.URL, "")
	res, err := c.HeadStream(context.Background(), DoKey("acme", "missing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Error("expected 404 to not be ok for HeadStream")
	}
}

func TestAuthTokenForwarded(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, "secret-token")
	if _, err := c.HeadStream(context.Background(), DoKey("acme", "s1")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer token forwarded, got %q", gotAuth)
	}
}
