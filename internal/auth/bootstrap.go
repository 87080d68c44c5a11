package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// BootstrapResult describes the outcome of BootstrapDevKey.
type BootstrapResult struct {
	KeysFile string
	Campaign string
	Key      string
	Created  bool
}

// BootstrapDevKey writes a keys file holding one fresh key for campaign,
// unless the file already exists.
func BootstrapDevKey(keysPath, campaign string) (*BootstrapResult, error) {
	if keysPath == "" {
		keysPath = ResolveKeysPath()
	}
	if campaign == "" {
		campaign = "dev"
	}

	if _, err := os.Stat(keysPath); err == nil {
		return &BootstrapResult{KeysFile: keysPath, Created: false}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("check keys file: %w", err)
	}

	key, err := generateKey()
	if err != nil {
		return nil, err
	}

	cfg := keysFile{
		Campaigns: map[string]campaignKeys{
			campaign: {Keys: []string{key}},
		},
	}
	allowLocalhost := true
	cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &allowLocalhost

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(keysPath, data, 0600); err != nil {
		return nil, fmt.Errorf("write keys file: %w", err)
	}

	return &BootstrapResult{
		KeysFile: keysPath,
		Campaign: campaign,
		Key:      key,
		Created:  true,
	}, nil
}

func generateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// AddKey appends a fresh key for campaign to the keys file at path,
// creating the file when needed.
func AddKey(path, campaign string) (string, error) {
	path = strings.TrimSpace(path)
	campaign = strings.TrimSpace(campaign)
	if path == "" {
		return "", fmt.Errorf("keys file path required")
	}
	if campaign == "" {
		return "", fmt.Errorf("campaign required")
	}

	var cfg keysFile
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return "", fmt.Errorf("parse keys file: %w", err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return "", fmt.Errorf("read keys file: %w", err)
	}
	if cfg.Campaigns == nil {
		cfg.Campaigns = make(map[string]campaignKeys)
	}
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	ck := cfg.Campaigns[campaign]
	ck.Keys = append(ck.Keys, key)
	cfg.Campaigns[campaign] = ck
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth == nil {
		val := true
		cfg.DefaultPolicy.AllowLocalhostWithoutAuth = &val
	}

	out, err := yaml.Marshal(&cfg)
	if err != nil {
		return "", fmt.Errorf("marshal keys file: %w", err)
	}
	if err := os.WriteFile(path, out, 0600); err != nil {
		return "", fmt.Errorf("write keys file: %w", err)
	}
	return key, nil
}
