package main

import (
	"fmt"
	"os"

	atelier "github.com/atelier-hq/atelier-go"
)

// getClient creates an Atelier client authenticated with the stored token.
func getClient() *atelier.Client {
	cfg := mustLoadConfig()

	var opts []atelier.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, atelier.WithBaseURL(cfg.Default.BaseURL))
	}

	return atelier.NewClient(cfg.Default.Token, opts...)
}

// getEngine creates a realtime engine on top of the REST client.
func getEngine(client *atelier.Client) *atelier.Engine {
	cfg := mustLoadConfig()

	return atelier.NewEngine(client, &atelier.RealtimeConfig{
		Token:         cfg.Default.Token,
		AutoReconnect: cfg.Realtime.AutoReconnect != "false",
	})
}

func mustLoadConfig() *Config {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'atelier init <token>' first.")
		os.Exit(1)
	}
	return cfg
}
