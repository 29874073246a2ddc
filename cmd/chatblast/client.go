package main

import (
	"fmt"
	"net"
	"os"

	"github.com/foxzi/chatblast/internal/apiclient"
	"github.com/foxzi/chatblast/internal/config"
)

var (
	apiURL string
	apiKey string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "server API URL (default: derived from config, or CHATBLAST_API_URL)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "server API key (default: from config, or CHATBLAST_API_KEY)")
}

// newAPIClient builds a client from flags, then environment, then the config file
func newAPIClient() (*apiclient.Client, error) {
	url, key := apiURL, apiKey
	if url == "" {
		url = os.Getenv("CHATBLAST_API_URL")
	}
	if key == "" {
		key = os.Getenv("CHATBLAST_API_KEY")
	}

	if (url == "" || key == "") && cfgFile != "" {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		if url == "" {
			url = baseURLFromListen(cfg.API.ListenAddr)
		}
		if key == "" {
			key = cfg.API.APIKey
		}
	}

	if url == "" {
		return nil, fmt.Errorf("API URL is required (use --api-url or -c)")
	}
	return apiclient.NewClient(url, key), nil
}

// baseURLFromListen turns a listen address such as ":8080" into a URL the
// CLI can dial on the same host
func baseURLFromListen(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
