package notify

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// userConfigPath is relative to the owner's home directory.
const userConfigPath = ".config/workspaces.yaml"

type userConfig struct {
	Email string `yaml:"email"`
}

// HomeRecipients reads each owner's address from ~/.config/workspaces.yaml.
type HomeRecipients struct {
	// HomeDir resolves an owner's home directory; defaults to os/user.
	HomeDir func(owner string) (string, error)
}

func (h HomeRecipients) Recipient(owner string) (string, error) {
	homeDir := h.HomeDir
	if homeDir == nil {
		homeDir = lookupHome
	}
	home, err := homeDir(owner)
	if err != nil {
		return "", fmt.Errorf("home directory of %s: %w", owner, err)
	}

	data, err := os.ReadFile(filepath.Join(home, userConfigPath))
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s has no ~/%s", ErrNoRecipient, owner, userConfigPath)
	}
	if err != nil {
		return "", err
	}

	var cfg userConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return "", fmt.Errorf("parse ~/%s of %s: %w", userConfigPath, owner, err)
	}
	if cfg.Email == "" {
		return "", fmt.Errorf("%w: %s", ErrNoRecipient, owner)
	}
	return cfg.Email, nil
}

func lookupHome(owner string) (string, error) {
	u, err := user.Lookup(owner)
	if err != nil {
		return "", err
	}
	return u.HomeDir, nil
}
