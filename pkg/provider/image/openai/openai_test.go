package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/stagehand/pkg/provider/image"
)

func newTestProvider(t *testing.T, model string, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p, err := New("sk-test", model, WithBaseURL(srv.URL))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "dall-e-3"); err == nil {
		t.Error("expected error for empty API key")
	}
	p, err := New("sk-test", "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.model != DefaultModel {
		t.Errorf("model = %q, want %q", p.model, DefaultModel)
	}
}

func TestGenerate_URL(t *testing.T) {
	var body map[string]any
	p := newTestProvider(t, "dall-e-3", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/images/generations" {
			t.Errorf("path = %q", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[{"url":"https://img.example/tavern.png","revised_prompt":"a smoky tavern"}]}`))
	})

	img, err := p.Generate(context.Background(), image.Request{Prompt: "the Rusty Hook at night", Size: "1024x1024"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if img.URL != "https://img.example/tavern.png" || img.RevisedPrompt != "a smoky tavern" || img.Data != nil {
		t.Errorf("image = %+v", img)
	}
	if body["prompt"] != "the Rusty Hook at night" || body["model"] != "dall-e-3" || body["size"] != "1024x1024" {
		t.Errorf("request body = %v", body)
	}
}

func TestGenerate_Base64(t *testing.T) {
	p := newTestProvider(t, "gpt-image-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		// "png!" base64-encoded.
		_, _ = w.Write([]byte(`{"created":1,"output_format":"webp","data":[{"b64_json":"cG5nIQ=="}]}`))
	})

	img, err := p.Generate(context.Background(), image.Request{Prompt: "a map"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(img.Data) != "png!" || img.MIMEType != "image/webp" {
		t.Errorf("image = %+v", img)
	}
}

func TestGenerate_EmptyData(t *testing.T) {
	p := newTestProvider(t, "dall-e-3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"created":1,"data":[]}`))
	})

	if _, err := p.Generate(context.Background(), image.Request{Prompt: "nothing"}); !errors.Is(err, image.ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestGenerate_BadRequest(t *testing.T) {
	p := newTestProvider(t, "dall-e-3", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"content policy","type":"invalid_request_error"}}`))
	})

	_, err := p.Generate(context.Background(), image.Request{Prompt: "forbidden"})
	if err == nil || errors.Is(err, image.ErrEmptyResponse) {
		t.Fatalf("err = %v, want provider error", err)
	}
}
