// CrewClaw - Multi-agent coordination engine for personal AI assistants
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 CrewClaw contributors

package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Credential is one stored provider login.
type Credential struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	Expiry       time.Time `json:"expiry,omitempty"`
}

func (c *Credential) Expired() bool {
	return !c.Expiry.IsZero() && time.Now().After(c.Expiry)
}

var storeMu sync.Mutex

// CredentialsPath returns the on-disk credential store location.
func CredentialsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".crewclaw", "credentials.json")
	}
	return filepath.Join(home, ".crewclaw", "credentials.json")
}

func loadStore() (map[string]*Credential, error) {
	data, err := os.ReadFile(CredentialsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]*Credential{}, nil
		}
		return nil, err
	}
	store := map[string]*Credential{}
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("credential store corrupted: %w", err)
	}
	return store, nil
}

func saveStore(store map[string]*Credential) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return err
	}
	path := CredentialsPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// GetCredential returns the stored login for a provider, or nil when absent.
func GetCredential(provider string) (*Credential, error) {
	storeMu.Lock()
	defer storeMu.Unlock()
	store, err := loadStore()
	if err != nil {
		return nil, err
	}
	return store[provider], nil
}

// SaveCredential upserts one login.
func SaveCredential(cred *Credential) error {
	storeMu.Lock()
	defer storeMu.Unlock()
	store, err := loadStore()
	if err != nil {
		return err
	}
	store[cred.Provider] = cred
	return saveStore(store)
}

// DeleteCredential removes a stored login.
func DeleteCredential(provider string) error {
	storeMu.Lock()
	defer storeMu.Unlock()
	store, err := loadStore()
	if err != nil {
		return err
	}
	delete(store, provider)
	return saveStore(store)
}

// githubEndpoint carries the device-flow URLs; the GitHub login backs the
// Copilot provider.
var githubEndpoint = oauth2.Endpoint{
	DeviceAuthURL: "https://github.com/login/device/code",
	TokenURL:      "https://github.com/login/oauth/access_token",
}

// GitHub OAuth client ID used by the Copilot device-flow login.
const defaultGitHubClientID = "Iv1.b507a08c87ecfe98"

// DeviceFlowConfig builds the oauth2 configuration for a named provider.
func DeviceFlowConfig(provider, clientID string) (*oauth2.Config, error) {
	switch provider {
	case "github", "copilot":
		if clientID == "" {
			clientID = defaultGitHubClientID
		}
		return &oauth2.Config{
			ClientID: clientID,
			Endpoint: githubEndpoint,
			Scopes:   []string{"read:user"},
		}, nil
	default:
		return nil, fmt.Errorf("device flow not supported for provider: %s", provider)
	}
}

// LoginDeviceFlow runs the OAuth device flow interactively: it prints the
// verification URL and code, then polls until the user approves.
func LoginDeviceFlow(ctx context.Context, provider, clientID string) (*Credential, error) {
	cfg, err := DeviceFlowConfig(provider, clientID)
	if err != nil {
		return nil, err
	}

	da, err := cfg.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}

	fmt.Printf("Open %s and enter the code below.\n", da.VerificationURI)
	fmt.Printf("Code: %s\n", da.UserCode)

	token, err := cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return nil, fmt.Errorf("device token exchange failed: %w", err)
	}

	cred := &Credential{
		Provider:     provider,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
	}
	if err := SaveCredential(cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// TokenSource wraps a stored credential as an oauth2.TokenSource, refreshing
// through the provider's endpoint when a refresh token is present.
func TokenSource(ctx context.Context, provider string) (oauth2.TokenSource, error) {
	cred, err := GetCredential(provider)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, fmt.Errorf("no credentials for %s. Run: crewclaw auth login --provider %s", provider, provider)
	}

	token := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.Expiry,
	}
	if cred.RefreshToken == "" {
		return oauth2.StaticTokenSource(token), nil
	}

	cfg, err := DeviceFlowConfig(provider, "")
	if err != nil {
		return oauth2.StaticTokenSource(token), nil
	}
	return oauth2.ReuseTokenSource(token, cfg.TokenSource(ctx, token)), nil
}
