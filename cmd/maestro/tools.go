package main

import (
	"github.com/openfleet/maestro/pkg/tool"
	"github.com/openfleet/maestro/pkg/tool/builtin"
)

// registerBuiltinTools installs the stock tool set. Deployments extend the
// registry here with their own domain tools.
func registerBuiltinTools(registry *tool.Registry) {
	builtin.Register(registry)
}
