package wasm

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ABISection is the custom section in which a guest declares the host ABI
// version it was built against.
const ABISection = "oracle_abi"

// ImportPolicy lists what a guest may import.
type ImportPolicy struct {
	// Functions maps an import module name to the function names allowed from
	// it. A nil name set allows every function of that module.
	Functions map[string]map[string]bool
}

// CheckImports rejects any import outside the policy. Guests may only import
// functions; memories, tables and globals are refused.
func CheckImports(m *Module, policy ImportPolicy) error {
	for _, imp := range m.Imports {
		if imp.Kind != KindFunc {
			return fmt.Errorf("%w: import %s.%s is not a function", ErrUnsupported, imp.Module, imp.Name)
		}
		names, ok := policy.Functions[imp.Module]
		if !ok {
			return fmt.Errorf("%w: import module %q is not available", ErrUnsupported, imp.Module)
		}
		if names != nil && !names[imp.Name] {
			return fmt.Errorf("%w: function %s.%s is not available", ErrUnsupported, imp.Module, imp.Name)
		}
	}
	return nil
}

// CheckABI verifies the module's declared ABI version against constraint.
// Modules without an ABI section are accepted.
func CheckABI(m *Module, constraint string) error {
	raw, ok := m.CustomSection(ABISection)
	if !ok || constraint == "" {
		return nil
	}
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("wasm: invalid abi constraint %q: %w", constraint, err)
	}
	v, err := semver.NewVersion(strings.TrimSpace(string(raw)))
	if err != nil {
		return fmt.Errorf("%w: abi version %q: %v", ErrMalformed, string(raw), err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: abi version %s does not satisfy %s", ErrUnsupported, v, constraint)
	}
	return nil
}
