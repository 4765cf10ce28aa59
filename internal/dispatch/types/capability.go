package types

import (
	"fmt"

	"github.com/hashicorp/go-set/v3"
)

// CapabilityKind distinguishes what a Capability asserts: that a worker
// can run a given task type, that it sits in a given zone, or that it
// speaks a given bus protocol version.
type CapabilityKind string

const (
	TaskCapabilityKind    CapabilityKind = "task"
	ZoneCapabilityKind    CapabilityKind = "zone"
	VersionCapabilityKind CapabilityKind = "version"
)

// Capability is one fact a worker advertises about itself. It is a plain
// comparable value so it can live directly in a go-set.Set.
type Capability struct {
	Kind  CapabilityKind
	Value string
}

func (c Capability) String() string {
	return fmt.Sprintf("%s:%s", c.Kind, c.Value)
}

func TaskCapability(taskType string) Capability {
	return Capability{Kind: TaskCapabilityKind, Value: taskType}
}

func ZoneCapability(zone string) Capability {
	return Capability{Kind: ZoneCapabilityKind, Value: zone}
}

func VersionCapability(version int) Capability {
	return Capability{Kind: VersionCapabilityKind, Value: fmt.Sprintf("%d", version)}
}

// CapabilitySet is the set of capabilities a worker currently advertises.
// Workers only ever grow or replace this set wholesale on a heartbeat; the
// assignment engine only ever reads it.
type CapabilitySet struct {
	set *set.Set[Capability]
}

// NewCapabilitySet builds a CapabilitySet from zero or more capabilities.
func NewCapabilitySet(caps ...Capability) CapabilitySet {
	return CapabilitySet{set: set.From(caps)}
}

func (c CapabilitySet) Insert(cap Capability) {
	c.set.Insert(cap)
}

func (c CapabilitySet) Contains(cap Capability) bool {
	if c.set == nil {
		return false
	}
	return c.set.Contains(cap)
}

func (c CapabilitySet) Slice() []Capability {
	if c.set == nil {
		return nil
	}
	return c.set.Slice()
}

func (c CapabilitySet) Size() int {
	if c.set == nil {
		return 0
	}
	return c.set.Size()
}

// ZoneNames returns the names of every zone capability in the set, the Go
// analogue of rmake's WorkerInfo.zoneNames property.
func (c CapabilitySet) ZoneNames() []string {
	var names []string
	for _, cap := range c.Slice() {
		if cap.Kind == ZoneCapabilityKind {
			names = append(names, cap.Value)
		}
	}
	return names
}
