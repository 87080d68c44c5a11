package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultKeysFile = "canvass.keys.yaml"

type keysFile struct {
	DefaultPolicy struct {
		AllowLocalhostWithoutAuth *bool `yaml:"allow_localhost_without_auth"`
	} `yaml:"default_policy"`
	Campaigns map[string]campaignKeys `yaml:"campaigns"`
}

type campaignKeys struct {
	Keys []string `yaml:"keys"`
}

// Keyring maps API keys to the single campaign each one may act on.
type Keyring struct {
	AllowLocalhostWithoutAuth bool
	keyToCampaign             map[string]string
}

func ResolveKeysPath() string {
	if v := strings.TrimSpace(os.Getenv("CANVASS_KEYS_FILE")); v != "" {
		return v
	}
	return filepath.Join(".", defaultKeysFile)
}

// LoadKeyring reads a keys file, bootstrapping a dev key when the file does
// not exist yet. An empty path yields a keyring that only admits localhost.
func LoadKeyring(path string) (*Keyring, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return defaultKeyring(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if _, err := BootstrapDevKey(path, "dev"); err != nil {
			return nil, fmt.Errorf("bootstrap dev key: %w", err)
		}
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read keys file: %w", err)
	}
	var cfg keysFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse keys file: %w", err)
	}
	ring := defaultKeyring()
	if cfg.DefaultPolicy.AllowLocalhostWithoutAuth != nil {
		ring.AllowLocalhostWithoutAuth = *cfg.DefaultPolicy.AllowLocalhostWithoutAuth
	}
	for campaign, keys := range cfg.Campaigns {
		for _, key := range keys.Keys {
			key = strings.TrimSpace(key)
			if key == "" {
				continue
			}
			if existing, ok := ring.keyToCampaign[key]; ok && existing != campaign {
				return nil, fmt.Errorf("key reused across campaigns: %q", key)
			}
			ring.keyToCampaign[key] = campaign
		}
	}
	return ring, nil
}

func defaultKeyring() *Keyring {
	return &Keyring{AllowLocalhostWithoutAuth: true, keyToCampaign: make(map[string]string)}
}

func NewKeyring(allowLocalhost bool, keyToCampaign map[string]string) *Keyring {
	clone := make(map[string]string, len(keyToCampaign))
	for k, v := range keyToCampaign {
		clone[k] = v
	}
	return &Keyring{AllowLocalhostWithoutAuth: allowLocalhost, keyToCampaign: clone}
}

func (k *Keyring) CampaignForKey(key string) (string, bool) {
	if k == nil {
		return "", false
	}
	campaign, ok := k.keyToCampaign[key]
	return campaign, ok
}

// Campaigns lists every campaign holding at least one key.
func (k *Keyring) Campaigns() []string {
	if k == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, c := range k.keyToCampaign {
		seen[c] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
