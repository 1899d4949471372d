package proxy

// Allowlist is the immutable set of fully qualified tool names one
// execution may call. Membership only, no wildcards: a name is allowed
// exactly when it appears verbatim in the configured list.
type Allowlist struct {
	names   map[string]struct{}
	ordered []string
}

// NewAllowlist builds an allowlist from the configured tool names.
// Empty strings and duplicates are dropped; the original order is kept
// for display.
func NewAllowlist(tools []string) *Allowlist {
	a := &Allowlist{names: make(map[string]struct{}, len(tools))}
	for _, name := range tools {
		if name == "" {
			continue
		}
		if _, ok := a.names[name]; ok {
			continue
		}
		a.names[name] = struct{}{}
		a.ordered = append(a.ordered, name)
	}
	return a
}

// IsAllowed reports whether name may be executed.
func (a *Allowlist) IsAllowed(name string) bool {
	_, ok := a.names[name]
	return ok
}

// AllowedTools returns the allowed names in configured order.
func (a *Allowlist) AllowedTools() []string {
	out := make([]string, len(a.ordered))
	copy(out, a.ordered)
	return out
}

// Len returns the number of allowed tools.
func (a *Allowlist) Len() int {
	return len(a.ordered)
}
