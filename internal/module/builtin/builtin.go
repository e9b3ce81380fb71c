// Package builtin holds the modules compiled into the binary. Each one registers
// through Register; nothing is discovered at runtime.
package builtin

import (
	"github.com/gyaneshwarpardhi/osintflow/internal/module"
)

// Register adds every built-in module to reg.
func Register(reg *module.Registry) {
	reg.MustRegister(dnsResolveDescriptor, newDNSResolve)
	reg.MustRegister(webFetchDescriptor, newWebFetch)
	reg.MustRegister(emailExtractDescriptor, newEmailExtract)
}

func stringOption(opts map[string]any, key, def string) string {
	if v, ok := opts[key].(string); ok && v != "" {
		return v
	}
	return def
}
