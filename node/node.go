// Package node stores the on-disk representation of a generated runnable
// unit: its source, optional test source, an input schema hint, and the
// metrics from its most recent execution. Nodes are persisted independently
// from the Artifact Memory because the Sandbox Runner needs filesystem
// access to exec them, and because a Node's bulk content (source text)
// doesn't belong in a vector-search index.
package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/codeevolver/evolver/sandbox"
)

// Node is a saved runnable unit: a path to its source on disk, optional
// test source, an input schema hint describing the JSON it expects on
// stdin, and the metrics from its most recent run.
type Node struct {
	ID             string
	SourcePath     string
	TestPath       string
	InputSchema    string
	Entrypoint     string // command used to execute SourcePath, e.g. "go run" or "python3"
	LastMetrics    *sandbox.ExecutionMetrics
	CreatedAt      time.Time
	LastExecutedAt time.Time
}

// manifest is the on-disk index of nodes, stored alongside their source
// files so a Store can be reopened after a restart.
type manifest struct {
	Nodes map[string]*Node `json:"nodes"`
}

// Store manages Nodes under a root directory: <root>/<id>/source.txt,
// <root>/<id>/test.txt, and a single <root>/manifest.json index.
//
// Thread-safe: concurrent Save/Get/Delete calls serialize on one mutex,
// mirroring the teacher's ChecklistUpdater pattern of a mutex-guarded
// read-modify-write over a small on-disk JSON index.
type Store struct {
	mu           sync.Mutex
	root         string
	manifestPath string
}

// ErrNotFound is returned by Get and Delete for an unknown node id.
var ErrNotFound = errors.New("node: not found")

// NewStore creates a Store rooted at dir, creating it if necessary and
// loading any existing manifest.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("node: create root dir: %w", err)
	}
	s := &Store{root: dir, manifestPath: filepath.Join(dir, "manifest.json")}
	if _, err := os.Stat(s.manifestPath); os.IsNotExist(err) {
		if err := s.writeManifest(&manifest{Nodes: map[string]*Node{}}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Store) readManifest() (*manifest, error) {
	raw, err := os.ReadFile(s.manifestPath)
	if err != nil {
		return nil, fmt.Errorf("node: read manifest: %w", err)
	}
	var m manifest
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("node: decode manifest: %w", err)
	}
	if m.Nodes == nil {
		m.Nodes = map[string]*Node{}
	}
	return &m, nil
}

func (s *Store) writeManifest(m *manifest) error {
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("node: encode manifest: %w", err)
	}
	tmp := s.manifestPath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("node: write manifest: %w", err)
	}
	return os.Rename(tmp, s.manifestPath)
}

// Save writes source (and optional test source) to disk and records the
// node in the manifest, preserving LastMetrics/LastExecutedAt on update if
// the caller leaves them unset.
func (s *Store) Save(n *Node, source, testSource string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, n.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("node: create node dir: %w", err)
	}

	n.SourcePath = filepath.Join(dir, "source.txt")
	if err := os.WriteFile(n.SourcePath, []byte(source), 0o644); err != nil {
		return fmt.Errorf("node: write source: %w", err)
	}
	if testSource != "" {
		n.TestPath = filepath.Join(dir, "test.txt")
		if err := os.WriteFile(n.TestPath, []byte(testSource), 0o644); err != nil {
			return fmt.Errorf("node: write test source: %w", err)
		}
	}

	m, err := s.readManifest()
	if err != nil {
		return err
	}
	if existing, ok := m.Nodes[n.ID]; ok {
		if n.CreatedAt.IsZero() {
			n.CreatedAt = existing.CreatedAt
		}
		if n.LastMetrics == nil {
			n.LastMetrics = existing.LastMetrics
		}
		if n.LastExecutedAt.IsZero() {
			n.LastExecutedAt = existing.LastExecutedAt
		}
	} else if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	m.Nodes[n.ID] = n
	return s.writeManifest(m)
}

// RecordExecution updates a node's last-run metrics after the Sandbox
// Runner executes it.
func (s *Store) RecordExecution(id string, metrics *sandbox.ExecutionMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readManifest()
	if err != nil {
		return err
	}
	n, ok := m.Nodes[id]
	if !ok {
		return ErrNotFound
	}
	n.LastMetrics = metrics
	n.LastExecutedAt = time.Now()
	return s.writeManifest(m)
}

// Get retrieves a node's metadata by id. Callers read SourcePath/TestPath
// directly to obtain content.
func (s *Store) Get(id string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	n, ok := m.Nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

// ReadSource loads a node's source text from disk.
func (s *Store) ReadSource(n *Node) (string, error) {
	raw, err := os.ReadFile(n.SourcePath)
	if err != nil {
		return "", fmt.Errorf("node: read source: %w", err)
	}
	return string(raw), nil
}

// List returns every node currently in the manifest.
func (s *Store) List() ([]*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readManifest()
	if err != nil {
		return nil, err
	}
	out := make([]*Node, 0, len(m.Nodes))
	for _, n := range m.Nodes {
		out = append(out, n)
	}
	return out, nil
}

// Delete removes a node's directory and manifest entry.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, err := s.readManifest()
	if err != nil {
		return err
	}
	if _, ok := m.Nodes[id]; !ok {
		return ErrNotFound
	}
	delete(m.Nodes, id)
	if err := s.writeManifest(m); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, id))
}
