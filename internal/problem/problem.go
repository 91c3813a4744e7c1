// Package problem holds the system-design problem catalog. Rooms are keyed
// by problem id; the statement seeds the conversation and the AI prompts.
package problem

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
)

// Problem is one catalog entry.
type Problem struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Category    string `json:"category"`
	Statement   string `json:"statement"`
	Description string `json:"description,omitempty"`
}

// Catalog resolves problem ids.
type Catalog interface {
	Get(id string) (*Problem, error)
}

// MemoryCatalog is an in-memory catalog, optionally loaded from a JSON file
// on top of the built-in set.
type MemoryCatalog struct {
	mu       sync.RWMutex
	problems map[string]Problem
}

// NewMemoryCatalog returns a catalog with the built-in problems.
func NewMemoryCatalog() *MemoryCatalog {
	c := &MemoryCatalog{problems: make(map[string]Problem)}
	for _, p := range builtins {
		c.problems[p.ID] = p
	}
	return c
}

// LoadFile merges problems from a JSON file (array of Problem). Entries with
// ids already present override the built-ins.
func (c *MemoryCatalog) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read problem catalog: %w", err)
	}
	var problems []Problem
	if err := json.Unmarshal(data, &problems); err != nil {
		return fmt.Errorf("parse problem catalog %s: %w", path, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range problems {
		if p.ID == "" {
			return fmt.Errorf("problem catalog %s: entry without id", path)
		}
		c.problems[p.ID] = p
	}
	return nil
}

// Get returns the problem by id.
func (c *MemoryCatalog) Get(id string) (*Problem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.problems[id]
	if !ok {
		return nil, fmt.Errorf("unknown problem %q", id)
	}
	out := p
	return &out, nil
}

// IDs returns all catalog ids, sorted.
func (c *MemoryCatalog) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.problems))
	for id := range c.problems {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

var builtins = []Problem{
	{
		ID:       "url-shortener",
		Title:    "URL Shortener",
		Category: "fundamentals",
		Statement: "Design a URL shortening service like bit.ly. Users submit a long URL " +
			"and receive a short alias that redirects to it. Start with the core read and " +
			"write paths, then consider how the design holds up at 100M new links per month.",
	},
	{
		ID:       "chat-app",
		Title:    "Real-Time Chat",
		Category: "realtime",
		Statement: "Design a real-time chat application supporting one-to-one and group " +
			"conversations. Messages must arrive in order and survive client reconnects. " +
			"Sketch the delivery path first, then address presence and message history.",
	},
	{
		ID:       "rate-limiter",
		Title:    "Distributed Rate Limiter",
		Category: "infrastructure",
		Statement: "Design a rate limiter that protects a fleet of API servers. A client is " +
			"allowed N requests per minute across all servers. Start with a single-node " +
			"algorithm, then make the limit hold across the fleet.",
	},
}
