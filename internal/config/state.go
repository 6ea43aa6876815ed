package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// State is what the chat client remembers between runs
type State struct {
	LastConversation string `toml:"last_conversation"`
	RenderOrder      string `toml:"render_order"`
	BaseURL          string `toml:"base_url,omitempty"`
}

// NewState creates a new state with default values
func NewState() *State {
	return &State{
		LastConversation: "default",
		RenderOrder:      "asc",
	}
}

// SaveState writes the state to a TOML file
func SaveState(filePath string, state *State) error {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", dir, err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create state file %s: %w", filePath, err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err := toml.NewEncoder(writer).Encode(state); err != nil {
		return fmt.Errorf("failed to encode state to TOML file %s: %w", filePath, err)
	}
	if err := writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush state file %s: %w", filePath, err)
	}
	return nil
}

// LoadState loads the state from a TOML file, returning defaults when the
// file does not exist yet
func LoadState(filePath string) (*State, error) {
	state := NewState()
	if _, err := toml.DecodeFile(filePath, state); err != nil {
		if _, statErr := os.Stat(filePath); os.IsNotExist(statErr) {
			return NewState(), nil
		}
		return nil, fmt.Errorf("failed to decode TOML from file %s: %w", filePath, err)
	}
	return state, nil
}
