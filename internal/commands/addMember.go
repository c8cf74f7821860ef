package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"chatbox/internal/api"
	"chatbox/internal/config"
)

// AddMember calls the running admin API to create a member and prints
// the one-time setup link.
func AddMember(username string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddMemberRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/members", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add member (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddMemberResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nMember created successfully!\n")
	fmt.Printf("Username:   %s\n", result.Username)
	fmt.Printf("Member ID:  %d\n", result.MemberID)
	fmt.Printf("Setup link: %s\n\n", result.SetupLink)
	fmt.Println("Share this link with the member to complete registration.")
	return nil
}
