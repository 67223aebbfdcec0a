package main

import (
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"sessiongen.org/internal/auth"
)

func main() {
	log.SetFlags(0)
	var (
		subject = flag.String("subject", "chat-bridge", "Token subject (the bridge instance)")
		roles   = flag.String("roles", auth.RoleTransport, "Comma-separated roles")
		ttl     = flag.Duration("ttl", 24*time.Hour, "Token lifetime")
	)
	flag.Parse()

	if !auth.SecretConfigured() {
		log.Fatal("missing secret: set SESSIONGEN_AUTH_SECRET")
	}

	var list []string
	for _, role := range strings.Split(*roles, ",") {
		if role = strings.TrimSpace(role); role != "" {
			list = append(list, role)
		}
	}
	if len(list) == 0 {
		log.Fatal("roles are required")
	}

	token, err := auth.GenerateToken(*subject, list, *ttl)
	if err != nil {
		log.Fatalf("generate token: %v", err)
	}

	// Only the token goes to stdout so the output can be captured directly.
	log.Printf("issued token for %s roles=%s expires_at=%s",
		*subject, strings.Join(list, ","), time.Now().UTC().Add(*ttl).Format(time.RFC3339))
	fmt.Println(token)
}
