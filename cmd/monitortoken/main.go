// Command monitortoken mints a bearer token for a monitor identity, signed
// with the server's JWT_SECRET.
//
//	monitortoken -monitor mon-1 [-ttl 8h]
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/tbourn/go-crisis-chat/internal/auth"
	"github.com/tbourn/go-crisis-chat/internal/config"
)

func main() {
	_ = godotenv.Load()
	monitorID := flag.String("monitor", "", "monitor id to issue the token for")
	ttl := flag.Duration("ttl", 0, "token lifetime (default JWT_TTL)")
	flag.Parse()

	if *monitorID == "" {
		fmt.Fprintln(os.Stderr, "monitortoken: -monitor is required")
		os.Exit(2)
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitortoken:", err)
		os.Exit(1)
	}
	if *ttl > 0 {
		cfg.Auth.TokenTTL = *ttl
	}
	tok, err := auth.NewTokenManager(cfg.Auth).Issue(*monitorID)
	if err != nil {
		fmt.Fprintln(os.Stderr, "monitortoken:", err)
		os.Exit(1)
	}
	fmt.Println(tok)
}
