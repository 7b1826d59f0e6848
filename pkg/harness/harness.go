// Package harness resolves dev machines from a YAML inventory and hands out
// connected SSH targets for them. It covers the "point keel at a scratch VM"
// workflow; provisioning the VMs themselves is somebody else's job.
package harness

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/keelcm/keel/pkg/target"
	"github.com/keelcm/keel/pkg/transports/ssh"
)

// Machine is one inventory entry.
type Machine struct {
	Host                  string `yaml:"host" validate:"required"`
	Port                  int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
	User                  string `yaml:"user" validate:"required"`
	PrivateKey            string `yaml:"private_key" validate:"required_without=Password"`
	Password              string `yaml:"password"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`
	ConnectTimeoutSec     int    `yaml:"connect_timeout_sec" validate:"omitempty,min=1"`
}

// Inventory maps machine names to their connection settings.
type Inventory struct {
	Machines map[string]Machine `yaml:"machines" validate:"required,dive"`

	path string
}

// LoadInventory reads and validates a YAML inventory file.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading inventory: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parsing inventory %s: %w", path, err)
	}
	if len(inv.Machines) == 0 {
		return nil, fmt.Errorf("inventory %s declares no machines", path)
	}
	if err := validator.New().Struct(&inv); err != nil {
		return nil, fmt.Errorf("inventory %s validation failed: %w", path, err)
	}
	inv.path = path
	return &inv, nil
}

// Names returns the machine names in sorted order.
func (inv *Inventory) Names() []string {
	names := make([]string, 0, len(inv.Machines))
	for name := range inv.Machines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start connects to the named machine and returns it as a target. The
// caller owns the returned target and must Close it.
func (inv *Inventory) Start(ctx context.Context, name string) (*target.SSH, error) {
	m, ok := inv.Machines[name]
	if !ok {
		return nil, fmt.Errorf("machine %q not in inventory (have: %v)", name, inv.Names())
	}

	cfg := m.sshConfig(filepath.Dir(inv.path))
	client, err := ssh.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("machine %q: %w", name, err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connecting to machine %q: %w", name, err)
	}

	log.Info().Str("machine", name).Str("addr", cfg.Address()).Msg("harness machine ready")
	return target.NewSSH(name, client), nil
}

// sshConfig translates an inventory entry into transport settings. Relative
// key paths resolve against the inventory file's directory.
func (m Machine) sshConfig(baseDir string) *ssh.Config {
	keyPath := m.PrivateKey
	if keyPath != "" && !filepath.IsAbs(keyPath) {
		keyPath = filepath.Join(baseDir, keyPath)
	}
	timeout := time.Duration(m.ConnectTimeoutSec) * time.Second
	return &ssh.Config{
		Host:                  m.Host,
		Port:                  m.Port,
		User:                  m.User,
		PrivateKeyPath:        keyPath,
		Password:              m.Password,
		StrictHostKeyChecking: m.StrictHostKeyChecking,
		ConnectTimeout:        timeout,
	}
}
