// Package logging configures the structured stderr logger and its
// subsystems.
package logging

import (
	"context"
	"os"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/hashicorp/terraform-plugin-log/tfsdklog"
)

const (
	// RootName is the name of the root logger.
	RootName = "altsecids"

	// EnvSubsystemPrefix prefixes per-subsystem level overrides, e.g. AD_LOG_LDAP=trace.
	EnvSubsystemPrefix = "AD_LOG"
)

// Subsystems are the logger subsystems used across the module.
var Subsystems = []string{"ldap", "kerberos", "command"}

// sensitiveKeys are masked in every subsystem.
var sensitiveKeys = []string{"password", "nt_hash"}

// ParseLevel converts a level name to an hclog level. Empty, "off" and
// unknown names disable logging.
func ParseLevel(name string) hclog.Level {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, "off") {
		return hclog.Off
	}
	if level := hclog.LevelFromString(name); level != hclog.NoLevel {
		return level
	}
	return hclog.Off
}

// New returns a context carrying a JSON root logger writing to stderr at
// the given level, with all subsystems registered.
func New(ctx context.Context, level string) context.Context {
	lvl := ParseLevel(level)

	ctx = tfsdklog.NewRootProviderLogger(ctx,
		tfsdklog.WithLogName(RootName),
		tfsdklog.WithLevel(lvl),
		tfsdklog.WithoutLocation(),
		tfsdklog.WithStderrFromInit(),
	)

	return WithSubsystems(ctx, lvl)
}

// WithSubsystems registers every subsystem on the root logger in ctx.
// AD_LOG_<SUBSYSTEM> overrides the level of a single subsystem.
func WithSubsystems(ctx context.Context, level hclog.Level) context.Context {
	ctx = tflog.MaskFieldValuesWithFieldKeys(ctx, sensitiveKeys...)

	for _, subsystem := range Subsystems {
		subLevel := level
		if v, ok := os.LookupEnv(EnvSubsystemPrefix + "_" + strings.ToUpper(subsystem)); ok {
			subLevel = ParseLevel(v)
		}

		ctx = tflog.NewSubsystem(ctx, subsystem, tflog.WithLevel(subLevel))
		ctx = tflog.SubsystemMaskFieldValuesWithFieldKeys(ctx, subsystem, sensitiveKeys...)
	}

	return ctx
}
