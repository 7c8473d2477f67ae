package dispatch

import (
	"fmt"
	"sync"

	"github.com/mlos-go/mlos/mlosterr"
)

// Experiment is the capability set spec.md §9 assigns to "dynamic
// typing of the experiment session": a small polymorphic interface
// replacing the source's reflection-based dynamic dispatch.
type Experiment interface {
	Start(numRandom, numGuided uint32) error
	OptimizerID() string
	ParameterSpace() string
	RemainingRandom() uint32
	RemainingGuided() uint32
}

// ExperimentFactory constructs a fresh Experiment; implementations
// register one under a name via RegisterExperiment.
type ExperimentFactory func() Experiment

var (
	experimentRegistryMu sync.Mutex
	experimentRegistry   = map[string]ExperimentFactory{}
)

// RegisterExperiment makes factory available under name for later
// lookup by LookupExperiment (spec.md §9: "discovered by name through
// a plugin table"). Typically called from an init() in the package
// that defines the Experiment implementation.
func RegisterExperiment(name string, factory ExperimentFactory) {
	experimentRegistryMu.Lock()
	defer experimentRegistryMu.Unlock()
	experimentRegistry[name] = factory
}

// LookupExperiment builds a fresh Experiment from the factory
// registered under name.
func LookupExperiment(name string) (Experiment, error) {
	experimentRegistryMu.Lock()
	factory, ok := experimentRegistry[name]
	experimentRegistryMu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dispatch: %w: no experiment registered as %q", mlosterr.ErrNotFound, name)
	}
	return factory(), nil
}
