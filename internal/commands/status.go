package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	roomhttp "roomchat/internal/http"
)

// Status asks the log server at baseURL for its health and prints it to w.
func Status(w io.Writer, baseURL string) error {
	url := strings.TrimSuffix(baseURL, "/") + "/healthz"
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("failed to reach log server: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("log server unhealthy (Status: %d): %s", resp.StatusCode, string(body))
	}

	var health roomhttp.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Fprintf(w, "Server:      %s\n", baseURL)
	fmt.Fprintf(w, "Status:      %s\n", health.Status)
	fmt.Fprintf(w, "Connections: %d\n", health.Connections)
	return nil
}
