package artifact

import "github.com/taskgraph/taskgraph/internal/model"

// ProducerRegistry maps an artifact instance's canonical string identity to
// the node ids (within one run) that produce it, compiled once by the
// template compiler (spec.md §4.3: "producer registry").
type ProducerRegistry map[string][]string

// BuildProducerRegistry scans a RunManifest's node outputs into a
// ProducerRegistry.
func BuildProducerRegistry(m *model.RunManifest) ProducerRegistry {
	reg := ProducerRegistry{}
	for _, n := range m.Nodes {
		for _, out := range n.Outputs {
			key := out.String()
			reg[key] = append(reg[key], n.NodeID)
		}
	}
	return reg
}

// ProducersOf returns the node ids that produce ref, or nil if none.
func (r ProducerRegistry) ProducersOf(ref model.ArtifactRef) []string {
	return r[ref.String()]
}
