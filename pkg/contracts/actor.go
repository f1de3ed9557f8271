// Package contracts defines the shared data model of the FormBridge core:
// actors, submissions, intake definitions, events, review decisions and the
// structured error envelope returned to callers.
package contracts

// ActorKind classifies who is acting on a submission.
type ActorKind string

const (
	ActorAgent  ActorKind = "agent"
	ActorHuman  ActorKind = "human"
	ActorSystem ActorKind = "system"
)

// Actor identifies the party performing an operation. Actors are declarative;
// trust is established by the capability token, not by identity.
type Actor struct {
	Kind     ActorKind      `json:"kind"`
	ID       string         `json:"id"`
	Name     string         `json:"name,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Valid reports whether the actor carries the minimum required shape.
func (a Actor) Valid() bool {
	switch a.Kind {
	case ActorAgent, ActorHuman, ActorSystem:
	default:
		return false
	}
	return a.ID != ""
}
