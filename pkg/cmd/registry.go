// Package cmd provides common initialization functions for command-line applications.
package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/dukex/operion-approval/pkg/nodes/approval"
	"github.com/dukex/operion-approval/pkg/registry"
)

// NewRegistry registers the native approval node and then any node plugins found below
// pluginsPath. A missing plugins directory is not an error.
func NewRegistry(log *slog.Logger, pluginsPath string, coordinator *approval.Coordinator) (*registry.Registry, error) {
	reg := registry.NewRegistry(log)
	reg.RegisterDefaultNodes(coordinator)

	if pluginsPath == "" {
		return reg, nil
	}

	_, err := os.Stat(pluginsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return reg, nil
	}

	_, err = reg.LoadNodePlugins(pluginsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load node plugins: %w", err)
	}

	return reg, nil
}
