package domain

import (
	"fmt"
	"time"
)

// Corpus is a named collection of source documents.
type Corpus struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Path        string    `json:"path"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c *Corpus) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("corpus name cannot be empty")
	}
	if c.Path == "" {
		return fmt.Errorf("corpus path cannot be empty")
	}
	return nil
}

// Service is a named conversion pipeline. Params are handed to workers
// verbatim with every assignment.
type Service struct {
	ID          int64             `json:"id"`
	Name        string            `json:"name"`
	Version     string            `json:"version"`
	Params      map[string]string `json:"params,omitempty"`
	Description string            `json:"description,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

func (s *Service) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("service name cannot be empty")
	}
	if s.Version == "" {
		s.Version = "0.1"
	}
	if s.Params == nil {
		s.Params = map[string]string{}
	}
	return nil
}
