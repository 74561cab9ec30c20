package repository

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

type directoryDevice struct {
	ID      string `yaml:"id"`
	UUID    string `yaml:"uuid"`
	Secret  string `yaml:"secret"`
	Account string `yaml:"account"`
}

type directoryUser struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	Account      string `yaml:"account"`
	Role         string `yaml:"role"`
}

// Directory is the set of devices and users provisioned from a YAML file.
type Directory struct {
	Devices []Device
	Users   []User
}

// LoadDirectory reads a YAML file of the form
//
//	devices:
//	  - {id: "1", uuid: "...", secret: "...", account: "acme"}
//	users:
//	  - {username: "alice", password: "...", account: "acme"}
//
// Plain passwords are hashed with bcrypt on load.
func LoadDirectory(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read directory %q: %w", path, err)
	}
	var wrapper struct {
		Devices []directoryDevice `yaml:"devices"`
		Users   []directoryUser   `yaml:"users"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, fmt.Errorf("parse directory %q: %w", path, err)
	}
	if len(wrapper.Devices) == 0 {
		return nil, fmt.Errorf("directory %q must define at least one device", path)
	}

	dir := &Directory{}
	seenUUID := make(map[string]struct{}, len(wrapper.Devices))
	for idx, entry := range wrapper.Devices {
		uuid := strings.TrimSpace(entry.UUID)
		if uuid == "" {
			return nil, fmt.Errorf("device entry %d missing uuid", idx+1)
		}
		if entry.Secret == "" {
			return nil, fmt.Errorf("device %q missing secret", uuid)
		}
		if _, dup := seenUUID[uuid]; dup {
			return nil, fmt.Errorf("duplicate device uuid %q", uuid)
		}
		seenUUID[uuid] = struct{}{}
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			id = uuid
		}
		dir.Devices = append(dir.Devices, Device{
			ID:        id,
			UUID:      uuid,
			Secret:    entry.Secret,
			AccountID: strings.TrimSpace(entry.Account),
		})
	}

	seenUser := make(map[string]struct{}, len(wrapper.Users))
	for idx, entry := range wrapper.Users {
		username := strings.TrimSpace(entry.Username)
		if username == "" {
			return nil, fmt.Errorf("user entry %d missing username", idx+1)
		}
		if _, dup := seenUser[username]; dup {
			return nil, fmt.Errorf("duplicate username %q", username)
		}
		seenUser[username] = struct{}{}
		hash := entry.PasswordHash
		if hash == "" {
			if entry.Password == "" {
				return nil, fmt.Errorf("user %q missing password", username)
			}
			b, err := bcrypt.GenerateFromPassword([]byte(entry.Password), bcrypt.DefaultCost)
			if err != nil {
				return nil, fmt.Errorf("hash password for %q: %w", username, err)
			}
			hash = string(b)
		}
		id := strings.TrimSpace(entry.ID)
		if id == "" {
			id = username
		}
		role := entry.Role
		if role == "" {
			role = "user"
		}
		dir.Users = append(dir.Users, User{
			ID:           id,
			Username:     username,
			PasswordHash: hash,
			AccountID:    strings.TrimSpace(entry.Account),
			Role:         role,
		})
	}
	return dir, nil
}
