// Package corutil holds small cross-cutting helpers shared by the engine's
// long-running components: service descriptors, retry policy, observation
// hooks, and list-limit clamping. None of it changes runtime behaviour on its
// own — it exists so the rest of the engine can be written against a common
// vocabulary instead of ad-hoc conventions per package.
package corutil

// Layer describes the architectural slice a component belongs to.
type Layer string

const (
	LayerAdapter Layer = "adapter"
	LayerEngine  Layer = "engine"
	LayerData    Layer = "data"
)

// Descriptor advertises a component's placement and capabilities for startup
// logging and introspection. It never changes behaviour.
type Descriptor struct {
	Name         string
	Domain       string
	Layer        Layer
	Capabilities []string
}
