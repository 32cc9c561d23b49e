package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ModelSource reads the raw rules artifact from storage
type ModelSource interface {
	// Fetch returns the raw decision document
	Fetch(ctx context.Context) ([]byte, error)

	// Describe names the source in errors and logs
	Describe() string
}

// FileModelSource reads the artifact from a fixed path on disk. Files
// ending in .yaml or .yml are converted to the JSON document form.
type FileModelSource struct {
	Path string
}

// NewFileModelSource creates a source for the given file path
func NewFileModelSource(path string) *FileModelSource {
	return &FileModelSource{Path: path}
}

// Fetch reads the whole file
func (s *FileModelSource) Fetch(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("rules file not found: %w", err)
		}
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(s.Path)) {
	case ".yaml", ".yml":
		return yamlToJSON(data)
	}
	return data, nil
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML rules file: %w", err)
	}
	return json.Marshal(doc)
}

func (s *FileModelSource) Describe() string {
	return "file:" + s.Path
}

// InMemoryModelSource holds a document in memory. Set replaces it, which
// makes it handy for tests and for embedding a fixed model.
type InMemoryModelSource struct {
	data  []byte
	reads int
	mu    sync.RWMutex
}

// NewInMemoryModelSource creates a source holding data
func NewInMemoryModelSource(data []byte) *InMemoryModelSource {
	return &InMemoryModelSource{data: data}
}

func (s *InMemoryModelSource) Fetch(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reads++
	if s.data == nil {
		return nil, fmt.Errorf("no decision document stored")
	}
	out := make([]byte, len(s.data))
	copy(out, s.data)
	return out, nil
}

func (s *InMemoryModelSource) Describe() string {
	return "memory"
}

// Set replaces the stored document; nil makes Fetch fail
func (s *InMemoryModelSource) Set(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = data
}

// Reads returns how many times Fetch has been called
func (s *InMemoryModelSource) Reads() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.reads
}
