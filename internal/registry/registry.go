// Package registry implements the Node Registry: a mapping from a
// node-type tag to a factory that produces an executable Node plus
// its static metadata.
//
// Grounded on the teacher's internal/node/registry.go (instance-based
// byID/byName maps guarded by sync.RWMutex), but switched to
// xsync.MapOf so that, per spec.md §5 ("Registry: written only during
// startup; readers are lock-free after registration"), lookups taken
// from worker goroutines never contend with each other or with the
// registration that happened at boot.
package registry

import (
	"context"
	"fmt"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/mbflow/engine/internal/domain"
)

// Node is the capability every registered node type exposes. Execute
// receives the already-assembled input — for a source node this is
// the execution's initial_input; for any other node it is the
// {predecessor_id: result} map spec.md §4.4.2 describes, which is the
// same thing §4.1 calls "predecessor_results": the scheduler never
// hands a node both a bare input and a separate predecessor map, it
// hands it the one value input assembly already produced.
//
// Execute may suspend (block, call out, wait on a channel); the
// worker pool owns the timeout via ctx.
type Node interface {
	Execute(ctx context.Context, input any) (any, error)
}

// Factory constructs a Node from a NodeSpec's config map. It must
// return an *domain.EngineError of kind ErrInvalidNodeConfig (or an
// error the registry will wrap as one) when config is invalid.
type Factory func(config map[string]any) (Node, error)

// Metadata is a node type's advertised shape, used by editors/clients;
// the engine itself only consults Type.
type Metadata struct {
	Type         string
	InputCount   int // -1 means variadic / fan-in
	OutputCount  int
	ConfigSchema map[string]any
}

type entry struct {
	factory  Factory
	metadata Metadata
}

// Registry maps type tags to factories. Zero value is not usable;
// use New.
type Registry struct {
	entries *xsync.MapOf[string, entry]
}

func New() *Registry {
	return &Registry{entries: xsync.NewMapOf[string, entry]()}
}

// DuplicateTypeError is returned by Register when type is already
// present. Kept distinct from domain.EngineError's taxonomy: spec.md
// §4.1 names it separately from the §7 error kinds, since it is a
// registration-time programmer error, not something a running
// execution can encounter.
type DuplicateTypeError struct{ Type string }

func (e *DuplicateTypeError) Error() string {
	return fmt.Sprintf("node type %q already registered", e.Type)
}

// Register adds a factory for type under metadata.Type. Returns
// *DuplicateTypeError if type is already present.
func (r *Registry) Register(typ string, factory Factory, metadata Metadata) error {
	metadata.Type = typ
	_, loaded := r.entries.LoadOrStore(typ, entry{factory: factory, metadata: metadata})
	if loaded {
		return &DuplicateTypeError{Type: typ}
	}
	return nil
}

// Instantiate produces a Node for typ from config. Returns an
// *domain.EngineError of kind ErrUnknownNodeType if typ was never
// registered, or ErrInvalidNodeConfig if the factory rejects config.
func (r *Registry) Instantiate(typ string, config map[string]any) (Node, error) {
	e, ok := r.entries.Load(typ)
	if !ok {
		return nil, domain.NewEngineError(domain.ErrUnknownNodeType,
			fmt.Sprintf("node type %q is not registered", typ), nil)
	}
	node, err := e.factory(config)
	if err != nil {
		if ee, isEngine := domain.AsEngineError(err); isEngine && ee.Kind == domain.ErrInvalidNodeConfig {
			return nil, err
		}
		return nil, domain.NewEngineError(domain.ErrInvalidNodeConfig,
			fmt.Sprintf("factory for node type %q rejected config", typ), err)
	}
	return node, nil
}

// ListTypes returns the metadata for every registered type.
func (r *Registry) ListTypes() []Metadata {
	out := make([]Metadata, 0, r.entries.Size())
	r.entries.Range(func(_ string, e entry) bool {
		out = append(out, e.metadata)
		return true
	})
	return out
}
