package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOrderClient_SendOrder(t *testing.T) {
	var gotToken, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotToken = r.Header.Get("x-api-token")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
	}))
	defer srv.Close()

	c := NewOrderClient(srv.URL, "tok")
	if err := c.SendOrder(context.Background(), json.RawMessage(`{"orderId":"ob-1"}`)); err != nil {
		t.Fatalf("SendOrder: %v", err)
	}
	if gotToken != "tok" {
		t.Errorf("token = %q", gotToken)
	}
	if gotBody != `{"orderId":"ob-1"}` {
		t.Errorf("body = %q", gotBody)
	}
}

func TestOrderClient_SendOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewOrderClient(srv.URL, "tok")
	if err := c.SendOrder(context.Background(), json.RawMessage(`{}`)); err == nil {
		t.Fatal("4xx response should be an error")
	}
}

func TestEventClient_SendEvent(t *testing.T) {
	var gotPath, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
	}))
	defer srv.Close()

	c := NewEventClient(srv.URL, "px123", "at456")
	if err := c.SendEvent(context.Background(), json.RawMessage(`{"data":[]}`)); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if gotPath != "/px123/events" {
		t.Errorf("path = %q", gotPath)
	}
	if gotQuery != "access_token=at456" {
		t.Errorf("query = %q", gotQuery)
	}
}

func TestEventClient_UnconfiguredIsNoop(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewEventClient(srv.URL, "", "")
	if err := c.SendEvent(context.Background(), json.RawMessage(`{}`)); err != nil {
		t.Fatalf("SendEvent: %v", err)
	}
	if called {
		t.Fatal("unconfigured client must not call the sink")
	}
}
