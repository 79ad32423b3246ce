package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/sandesh/internal/config"
	"github.com/harun/sandesh/pkg/gateway"
)

var pairCmd = &cobra.Command{
	Use:   "pair <session-id> <code>",
	Short: "Confirm a loopback pairing challenge through the gateway",
	Long: `Confirm the pairing challenge of a loopback session. The running
daemon's gateway must be enabled; the shared secret is taken from the config.`,
	Args: cobra.ExactArgs(2),
	RunE: runPair,
}

func init() {
	rootCmd.AddCommand(pairCmd)
}

// gatewayURL returns the base URL of the configured gateway.
func gatewayURL(cfg *config.Config) (string, error) {
	if !cfg.Gateway.Enabled {
		return "", fmt.Errorf("gateway is disabled in the configuration")
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)), nil
}

func runPair(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base, err := gatewayURL(cfg)
	if err != nil {
		return err
	}

	sessionID := strings.TrimSpace(args[0])
	body, err := json.Marshal(map[string]string{"code": strings.TrimSpace(args[1])})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, base+"/sessions/"+sessionID+"/pair", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.Gateway.SharedSecret != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Gateway.SharedSecret)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var failure gateway.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		if failure.Error == "" {
			failure.Error = resp.Status
		}
		return fmt.Errorf("pairing rejected: %s", failure.Error)
	}

	cmd.Printf("Pairing confirmed for session %s.\n", sessionID)
	return nil
}
