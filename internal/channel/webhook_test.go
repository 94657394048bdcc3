package channel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/scribeworks/minuterelay/internal/delivery"
)

func testRequest() *delivery.Request {
	return &delivery.Request{
		CorrelationID: "corr-42",
		ArtifactRef:   "https://minutes.example.com/m/42",
		Subject:       "Sprint review minutes",
		Body:          "<p>Decisions and action items.</p>",
		Recipients: []delivery.Recipient{
			{Name: "eng-team", Address: "eng@example.com"},
		},
		Channels: []delivery.Channel{delivery.ChannelChat},
	}
}

func TestWebhookSendSuccess(t *testing.T) {
	var gotBody []byte
	var gotSig, gotTS string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		gotSig = r.Header.Get(DefaultSignatureHeader)
		gotTS = r.Header.Get(DefaultTimestampHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := NewWebhook(WebhookConfig{URL: srv.URL, Secret: "s3cret"}, srv.Client())
	if err := w.Send(context.Background(), testRequest()); err != nil {
		t.Fatalf("Send() = %v, want nil", err)
	}

	var card chatCard
	if err := json.Unmarshal(gotBody, &card); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if card.CorrelationID != "corr-42" || card.Title != "Sprint review minutes" {
		t.Errorf("unexpected card %+v", card)
	}
	if len(card.Mentions) != 1 || card.Mentions[0] != "eng-team" {
		t.Errorf("mentions = %v, want [eng-team]", card.Mentions)
	}
	if err := VerifySignature("s3cret", gotBody, gotTS, gotSig, time.Minute); err != nil {
		t.Errorf("signature did not verify: %v", err)
	}
}

func TestWebhookStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   delivery.ErrorClass
		ok     bool
	}{
		{name: "200 ok", status: 200, ok: true},
		{name: "204 ok", status: 204, ok: true},
		{name: "500 transient", status: 500, want: delivery.ClassTransient},
		{name: "503 transient", status: 503, want: delivery.ClassTransient},
		{name: "429 transient", status: 429, want: delivery.ClassTransient},
		{name: "408 timeout", status: 408, want: delivery.ClassTimeout},
		{name: "400 permanent", status: 400, want: delivery.ClassPermanent},
		{name: "404 permanent", status: 404, want: delivery.ClassPermanent},
		{name: "401 permanent", status: 401, want: delivery.ClassPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			w := NewWebhook(WebhookConfig{URL: srv.URL, Secret: "s"}, srv.Client())
			err := w.Send(context.Background(), testRequest())
			if tt.ok {
				if err != nil {
					t.Fatalf("Send() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Send() = nil, want error")
			}
			if got := delivery.ClassOf(err); got != tt.want {
				t.Errorf("ClassOf() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWebhookConnectionFailureTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close() // nothing listening anymore

	w := NewWebhook(WebhookConfig{URL: url, Secret: "s"}, nil)
	err := w.Send(context.Background(), testRequest())
	if err == nil {
		t.Fatal("Send() = nil, want error")
	}
	if got := delivery.ClassOf(err); got != delivery.ClassTransient {
		t.Errorf("ClassOf() = %q, want %q", got, delivery.ClassTransient)
	}
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"title":"x"}`)
	ts := timeNowUnix()
	sig := "sha256=" + Sign("secret", body, ts)

	if err := VerifySignature("secret", body, ts, sig, time.Minute); err != nil {
		t.Errorf("VerifySignature() = %v, want nil", err)
	}
	if err := VerifySignature("other", body, ts, sig, time.Minute); err == nil {
		t.Error("VerifySignature() with wrong secret = nil, want error")
	}
	if err := VerifySignature("secret", []byte("tampered"), ts, sig, time.Minute); err == nil {
		t.Error("VerifySignature() with tampered body = nil, want error")
	}
	if err := VerifySignature("secret", body, "", sig, time.Minute); err == nil {
		t.Error("VerifySignature() without timestamp = nil, want error")
	}
	if err := VerifySignature("secret", body, "12345", sig, time.Minute); err == nil {
		t.Error("VerifySignature() with stale timestamp = nil, want error")
	}
}

func timeNowUnix() string {
	return strconv.FormatInt(time.Now().Unix(), 10)
}
