// Package registry keeps the node factories a process can instantiate.
package registry

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"sort"
	"sync"

	"github.com/dukex/operion-approval/pkg/protocol"
)

// pluginSymbol is the exported variable a node plugin must provide.
const pluginSymbol = "Node"

type Registry struct {
	logger        *slog.Logger
	mu            sync.RWMutex
	nodeFactories map[string]protocol.NodeFactory
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:        log.With("module", "registry"),
		nodeFactories: make(map[string]protocol.NodeFactory),
	}
}

// RegisterNode adds a factory, replacing any factory with the same ID.
func (r *Registry) RegisterNode(factory protocol.NodeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nodeFactories[factory.ID()] = factory

	r.logger.Debug("Registered node factory", "node_type", factory.ID())
}

// CreateNode instantiates a configured step of the given node type.
func (r *Registry) CreateNode(ctx context.Context, nodeType, id string, config map[string]any) (protocol.Step, error) {
	r.mu.RLock()
	factory, ok := r.nodeFactories[nodeType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("node type '%s' not registered", nodeType)
	}

	step, err := factory.Create(ctx, id, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s node %s: %w", nodeType, id, err)
	}

	return step, nil
}

// GetAvailableNodes returns every registered factory ordered by ID.
func (r *Registry) GetAvailableNodes() []protocol.NodeFactory {
	r.mu.RLock()
	defer r.mu.RUnlock()

	factories := make([]protocol.NodeFactory, 0, len(r.nodeFactories))
	for _, factory := range r.nodeFactories {
		factories = append(factories, factory)
	}

	sort.Slice(factories, func(i, j int) bool {
		return factories[i].ID() < factories[j].ID()
	})

	return factories
}

func (r *Registry) HasNode(nodeType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.nodeFactories[nodeType]

	return ok
}

// LoadNodePlugins opens every .so file below pluginsPath/nodes and registers the factory each
// one exports as Node.
func (r *Registry) LoadNodePlugins(pluginsPath string) ([]protocol.NodeFactory, error) {
	rootPath := filepath.Join(pluginsPath, "nodes")

	pluginPathList, err := fs.Glob(os.DirFS(rootPath), "*/*.so")
	if err != nil {
		return nil, err
	}

	l := r.logger.With(slog.String("path", rootPath))
	l.Info("Loading node plugins", "count", len(pluginPathList))

	factories := make([]protocol.NodeFactory, 0, len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(filepath.Join(rootPath, p))
		if err != nil {
			return nil, fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup(pluginSymbol)
		if err != nil {
			return nil, fmt.Errorf("plugin %s does not export %s: %w", p, pluginSymbol, err)
		}

		factory, ok := symbol.(protocol.NodeFactory)
		if !ok {
			if ptr, isPtr := symbol.(*protocol.NodeFactory); isPtr && ptr != nil {
				factory = *ptr
				ok = true
			}
		}

		if !ok {
			return nil, fmt.Errorf("plugin %s: %s is not a node factory", p, pluginSymbol)
		}

		r.RegisterNode(factory)
		factories = append(factories, factory)

		l.Info("Loaded node plugin", slog.String("plugin", p), slog.String("node_type", factory.ID()))
	}

	return factories, nil
}

// HealthCheck reports whether the registry can create approval steps.
func (r *Registry) HealthCheck() (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.nodeFactories) == 0 {
		return "No node factories registered", false
	}

	return fmt.Sprintf("%d node factories registered", len(r.nodeFactories)), true
}
