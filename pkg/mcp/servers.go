package mcp

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dshills/flowagent/pkg/storage"
	"github.com/dshills/flowagent/pkg/validation"
)

// ServersFile is the on-disk list of MCP servers, keyed by id. Each server
// backs the connector of the same name, upper-cased.
type ServersFile struct {
	Servers map[string]*ServerConfig `yaml:"servers"`
}

// LoadServers reads path. A missing file yields an empty list.
func LoadServers(path string) (*ServersFile, error) {
	sf := &ServersFile{Servers: make(map[string]*ServerConfig)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return sf, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, sf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if sf.Servers == nil {
		sf.Servers = make(map[string]*ServerConfig)
	}
	for id, s := range sf.Servers {
		if s == nil {
			return nil, fmt.Errorf("server '%s' has no settings", id)
		}
		if s.ID == "" {
			s.ID = id
		}
		if err := s.Validate(); err != nil {
			return nil, err
		}
	}
	return sf, nil
}

// Save writes the list to path atomically.
func (sf *ServersFile) Save(path string) error {
	data, err := yaml.Marshal(sf)
	if err != nil {
		return fmt.Errorf("failed to marshal servers: %w", err)
	}
	return storage.WriteFileAtomic(path, data, 0o600)
}

// Add inserts s, refusing an existing id unless replace is set.
func (sf *ServersFile) Add(s *ServerConfig, replace bool) error {
	if err := s.Validate(); err != nil {
		return err
	}
	if _, ok := sf.Servers[s.ID]; ok && !replace {
		return fmt.Errorf("server '%s' already exists", s.ID)
	}
	sf.Servers[s.ID] = s
	return nil
}

// Remove deletes id.
func (sf *ServersFile) Remove(id string) error {
	if _, ok := sf.Servers[id]; !ok {
		return fmt.Errorf("server '%s' not found", id)
	}
	delete(sf.Servers, id)
	return nil
}

// Sorted returns the servers ordered by id.
func (sf *ServersFile) Sorted() []*ServerConfig {
	out := make([]*ServerConfig, 0, len(sf.Servers))
	for _, s := range sf.Servers {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Validate checks the id, command and action map.
func (s *ServerConfig) Validate() error {
	if !validation.IsIdentifier(s.ID) {
		return fmt.Errorf("invalid server id '%s': use letters, digits, '-' or '_'", s.ID)
	}
	if strings.TrimSpace(s.Command) == "" {
		return fmt.Errorf("server '%s' has no command", s.ID)
	}
	for action, tool := range s.Actions {
		if !validation.IsIdentifier(action) {
			return fmt.Errorf("server '%s': invalid action name '%s'", s.ID, action)
		}
		if strings.TrimSpace(tool) == "" {
			return fmt.Errorf("server '%s': action '%s' has no tool", s.ID, action)
		}
	}
	return nil
}

// ConnectorName is the connector this server backs.
func (s *ServerConfig) ConnectorName() string {
	return strings.ToUpper(s.ID)
}
