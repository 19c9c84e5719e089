// Package browser exposes Ghost sessions to scripts run by goja.
package browser

import (
	"context"
	"errors"
	"os"

	"github.com/dop251/goja"

	"github.com/grafana/ghost/common"
)

// Version is the module version reported to scripts.
const Version = "0.1.0"

// ModuleName is the global name Register binds the module to.
const ModuleName = "ghost"

type (
	// Module is the JS module of a Ghost context bound to a runtime.
	Module struct {
		vu    moduleVU
		ghost *common.Ghost
	}

	// moduleVU carries the runtime and the context of the calls made by
	// scripts.
	moduleVU struct {
		rt  *goja.Runtime
		ctx context.Context //nolint:containedctx
	}
)

func (vu moduleVU) Runtime() *goja.Runtime { return vu.rt }

func (vu moduleVU) Context() context.Context { return vu.ctx }

// New returns the module of ghost for rt. Script calls run with ctx.
func New(ctx context.Context, rt *goja.Runtime, ghost *common.Ghost) *Module {
	return &Module{
		vu:    moduleVU{rt: rt, ctx: ctx},
		ghost: ghost,
	}
}

// Exports returns the object exposed to scripts.
func (m *Module) Exports() *goja.Object {
	obj := m.vu.rt.NewObject()
	for k, v := range mapGhost(m.vu, m.ghost) {
		_ = obj.Set(k, v)
	}
	_ = obj.Set("version", Version)

	return obj
}

// Register binds the module to the ModuleName global of the runtime.
// Setting GHOST_DISABLE_RUN refuses to, with GHOST_DISABLE_RUN_MSG as the
// reason.
func (m *Module) Register() error {
	if _, ok := os.LookupEnv("GHOST_DISABLE_RUN"); ok {
		msg := "Disable run flag enabled, script run aborted."
		if v, ok := os.LookupEnv("GHOST_DISABLE_RUN_MSG"); ok {
			msg = v
		}
		return errors.New(msg)
	}
	return m.vu.rt.Set(ModuleName, m.Exports()) //nolint:wrapcheck
}
