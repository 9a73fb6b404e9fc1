package domain

// NodeSpec is one typed operation inside a Workflow. Config is an
// opaque map consumed only by the node implementation the registry
// instantiates for Type; the scheduler never looks inside it.
//
// Editor-only fields (canvas position, color, notes) are accepted by
// the JSON/YAML decoders (an unknown key is not an error) but have no
// Go field here, so they are dropped on decode: they are neither
// stored nor seen by the engine.
type NodeSpec struct {
	ID     string         `json:"id" bun:"id,pk"`
	Type   string         `json:"type" bun:"type"`
	Config map[string]any `json:"config" bun:"config,type:jsonb"`
}
