package artifacts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fluxprotocol/oraclevm/pkg/wasm"
)

// ErrInvalidModule is returned when published bytes are not a WebAssembly module.
var ErrInvalidModule = errors.New("artifacts: invalid module")

// ModuleInfo describes a published module.
type ModuleInfo struct {
	Digest     string   `json:"digest"`
	Size       int      `json:"size"`
	ABIVersion string   `json:"abi_version,omitempty"`
	Exports    []string `json:"exports"`
}

// Registry publishes and loads oracle modules on top of a Store. Modules are
// decoded before they are stored, and checked against their digest when loaded.
type Registry struct {
	store  Store
	logger *slog.Logger
}

// NewRegistry wraps store.
func NewRegistry(store Store) *Registry {
	return &Registry{
		store:  store,
		logger: slog.Default().With("component", "module_registry"),
	}
}

// Publish validates data as a WebAssembly module and stores it.
func (r *Registry) Publish(ctx context.Context, data []byte) (*ModuleInfo, error) {
	if err := checkSize(data); err != nil {
		return nil, err
	}
	info, err := Inspect(data)
	if err != nil {
		return nil, err
	}
	digest, err := r.store.Put(ctx, data)
	if err != nil {
		return nil, fmt.Errorf("failed to store module: %w", err)
	}
	if digest != info.Digest {
		return nil, fmt.Errorf("%w: store returned %s for %s", ErrCorrupt, digest, info.Digest)
	}
	r.logger.InfoContext(ctx, "module published", "digest", digest, "size", info.Size, "abi", info.ABIVersion)
	return info, nil
}

// Load returns the module stored under digest after verifying its content.
func (r *Registry) Load(ctx context.Context, digest string) ([]byte, error) {
	if _, err := ParseDigest(digest); err != nil {
		return nil, err
	}
	data, err := r.store.Get(ctx, digest)
	if err != nil {
		return nil, err
	}
	if err := checkSize(data); err != nil {
		return nil, err
	}
	if got := DigestOf(data); !strings.EqualFold(got, digest) {
		r.logger.ErrorContext(ctx, "stored module does not match its digest", "digest", digest, "actual", got)
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, digest)
	}
	return data, nil
}

// Inspect decodes data and summarises it without storing it.
func Inspect(data []byte) (*ModuleInfo, error) {
	m, err := wasm.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidModule, err)
	}
	info := &ModuleInfo{Digest: DigestOf(data), Size: len(data), Exports: []string{}}
	if raw, ok := m.CustomSection(wasm.ABISection); ok {
		info.ABIVersion = strings.TrimSpace(string(raw))
	}
	for _, e := range m.Exports {
		if e.Kind == wasm.KindFunc {
			info.Exports = append(info.Exports, e.Name)
		}
	}
	return info, nil
}
