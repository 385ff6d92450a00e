package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestOllamaProvider_Chat(t *testing.T) {
	var got ollamaChatReq
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"message":{"role":"assistant","content":"drink water"}}`))
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL+"/", "m1")
	out, err := p.Chat(context.Background(), []Message{{Role: RoleUser, Content: "headache"}})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if out != "drink water" {
		t.Fatalf("unexpected reply %q", out)
	}
	if got.Model != "m1" || got.Stream || len(got.Messages) != 1 {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOpenRouterProvider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing bearer header")
		}
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("rate limited"))
	}))
	defer srv.Close()

	if _, err := NewOpenRouterProvider(srv.URL, "", "m", "", "").Chat(context.Background(), nil); err == nil {
		t.Fatal("expected api key error")
	}
	_, err := NewOpenRouterProvider(srv.URL, "k", "m", "", "").Chat(context.Background(), nil)
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected upstream message, got %v", err)
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	r.Register(" Ollama ", func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider("", model), nil
	})
	p, err := r.Get(context.Background(), "OLLAMA", "x")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.(*OllamaProvider).Model != "x" {
		t.Fatal("model not passed to factory")
	}
	if _, err := r.Get(context.Background(), "nope", ""); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected ErrUnknownProvider, got %v", err)
	}
}
