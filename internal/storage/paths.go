package storage

import (
	"os"
	"path/filepath"
	"runtime"
)

const dirName = ".convostore"

// PathManager resolves where convostore keeps its files
type PathManager struct {
	homeDir string
	dataDir string
}

// NewPathManager roots storage at ~/.convostore
func NewPathManager() *PathManager {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home dir is not available
		homeDir = "."
	}
	return &PathManager{
		homeDir: homeDir,
		dataDir: filepath.Join(homeDir, dirName),
	}
}

// NewPathManagerAt roots storage at dir; an empty dir means the default
func NewPathManagerAt(dir string) *PathManager {
	pm := NewPathManager()
	if dir != "" {
		pm.dataDir = dir
	}
	return pm
}

// GetDataDir returns the data directory, creating it if needed
func (pm *PathManager) GetDataDir() (string, error) {
	if err := os.MkdirAll(pm.dataDir, 0755); err != nil {
		return "", err
	}
	return pm.dataDir, nil
}

// GetDatabasePath returns the path of the conversation database
func (pm *PathManager) GetDatabasePath() (string, error) {
	return pm.file("convostore.db")
}

// GetCachePath returns the path of the client-side cache holding store
// snapshots between chat sessions
func (pm *PathManager) GetCachePath() (string, error) {
	return pm.file("cache.db")
}

// GetLogPath returns the path of the log file
func (pm *PathManager) GetLogPath() (string, error) {
	return pm.file("convostore.log")
}

// GetStatePath returns the path of the persisted UI state
func (pm *PathManager) GetStatePath() (string, error) {
	return pm.file("state.toml")
}

// GetHomeDir returns the user's home directory
func (pm *PathManager) GetHomeDir() string {
	return pm.homeDir
}

// GetPlatformInfo returns platform-specific information
func (pm *PathManager) GetPlatformInfo() map[string]string {
	return map[string]string{
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"home_dir": pm.homeDir,
		"data_dir": pm.dataDir,
	}
}

func (pm *PathManager) file(name string) (string, error) {
	dir, err := pm.GetDataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}
