package commands

import (
	"bytes"
	"chatio/internal/api"
	"chatio/internal/config"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// AddUser asks the running server's admin API to create a user and prints
// the generated credentials.
func AddUser(username string, cfg *config.Config) error {
	reqBody, err := json.Marshal(api.AddUserRequest{Username: username})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("http://%s/admin/users", cfg.AdminAddr)
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to call admin API: %w. Is the server running?", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to add user (Status: %d): %s", resp.StatusCode, string(body))
	}

	var result api.AddUserResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("\nUser Created Successfully!\n")
	fmt.Printf("User ID:  %s\n", result.UserID)
	fmt.Printf("Username: %s\n", result.Username)
	fmt.Printf("Password: %s\n", result.Password)
	fmt.Printf("Login at: %s\n\n", result.LoginURL)
	fmt.Println("Please share these credentials with the user over a secure channel.")
	return nil
}
