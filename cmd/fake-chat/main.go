// fake-chat is a stand-in chat platform for local development: it accepts
// signed webhook cards, optionally failing the first N requests to
// exercise the relay's retry and breaker behavior.
package main

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/scribeworks/minuterelay/internal/channel"
	"github.com/scribeworks/minuterelay/internal/config"
)

var reqCount atomic.Int64

func main() {
	cfg := config.FromEnv().FakeChat

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/hook", handleHook(cfg))

	log.Printf("fake-chat listening on %s", cfg.Port)
	log.Fatal(http.ListenAndServe(cfg.Port, mux))
}

func handleHook(cfg config.FakeChat) http.HandlerFunc {
	leeway := time.Duration(cfg.SigningLeewaySeconds) * time.Second
	return func(w http.ResponseWriter, r *http.Request) {
		n := reqCount.Add(1)
		body, _ := io.ReadAll(r.Body)
		defer r.Body.Close()

		if cfg.Secret != "" {
			ts := r.Header.Get(channel.DefaultTimestampHeader)
			sig := r.Header.Get(channel.DefaultSignatureHeader)
			if err := channel.VerifySignature(cfg.Secret, body, ts, sig, leeway); err != nil {
				log.Printf("fake-chat rejected signature: %v", err)
				http.Error(w, "invalid signature: "+err.Error(), http.StatusUnauthorized)
				return
			}
		}

		if cfg.ResponseDelayMS > 0 {
			time.Sleep(time.Duration(cfg.ResponseDelayMS) * time.Millisecond)
		}

		// Simulate flakiness: first N requests -> 500
		if n <= int64(cfg.FailFirstN) {
			log.Printf("FAILING (%d/%d) %s", n, cfg.FailFirstN, r.URL.Path)
			http.Error(w, "temporary failure", http.StatusInternalServerError)
			return
		}

		var card struct {
			CorrelationID string `json:"correlation_id"`
			Title         string `json:"title"`
		}
		if err := json.Unmarshal(body, &card); err != nil {
			http.Error(w, "invalid card payload", http.StatusBadRequest)
			return
		}

		log.Printf("fake-chat OK correlation=%s title=%q", card.CorrelationID, card.Title)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`ok`))
	}
}
