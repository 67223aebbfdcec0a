package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"sessiongen.org/internal/auth"
	"sessiongen.org/internal/orchestrator"
	"sessiongen.org/internal/outbox"
)

func main() {
	base := os.Getenv("SESSIONGEN_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	requester := os.Getenv("SESSIONGEN_SMOKE_REQUESTER")
	if requester == "" {
		log.Fatal("missing SESSIONGEN_SMOKE_REQUESTER (a roster member)")
	}

	token, err := auth.GenerateToken("smoke", []string{auth.RoleTransport}, 5*time.Minute)
	if err != nil {
		log.Fatalf("token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client := &http.Client{Timeout: 5 * time.Second}

	for _, path := range []string{"/healthz", "/readyz"} {
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		resp, err := client.Do(req)
		if err != nil {
			log.Fatalf("%s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			log.Fatalf("%s: status %d", path, resp.StatusCode)
		}
	}

	stats := send(ctx, client, base, token, requester, "/stats")
	if len(stats) != 1 || !strings.Contains(stats[0].Text, "Total requests logged") {
		log.Fatalf("unexpected /stats reply: %+v", stats)
	}

	cancelled := send(ctx, client, base, token, requester, "/cancel")
	if len(cancelled) != 1 || cancelled[0].Kind != outbox.KindText {
		log.Fatalf("unexpected /cancel reply: %+v", cancelled)
	}

	fmt.Printf("sessiongend smoke test passed: %s\n", strings.SplitN(stats[0].Text, "\n", 2)[0])
}

func send(ctx context.Context, client *http.Client, base, token, requester, text string) []outbox.Message {
	body, err := json.Marshal(orchestrator.Update{Requester: requester, Text: text})
	if err != nil {
		log.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/v1/updates", bytes.NewReader(body))
	if err != nil {
		log.Fatalf("request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s: %v", text, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		log.Fatalf("%s: status %d", text, resp.StatusCode)
	}
	var out struct {
		Messages []outbox.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("%s: decode: %v", text, err)
	}
	return out.Messages
}
