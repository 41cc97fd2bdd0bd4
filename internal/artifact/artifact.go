// Package artifact holds the persisted record of one lowered function and
// the content hashing that identifies it.
package artifact

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// PlanEntry is the representation chosen for one local.
type PlanEntry struct {
	Local          int    `json:"local"`
	Name           string `json:"name"`
	Representation string `json:"representation"`
	FrameOffset    int    `json:"frame_offset"`
}

// AutoTrait records the auto-trait flags captured for a delegate
// environment.
type AutoTrait struct {
	Delegate string `json:"delegate"`
	EnvType  string `json:"env_type"`
	Send     bool   `json:"send"`
	Sync     bool   `json:"sync"`
}

// Artifact is the lowering output of one function.
type Artifact struct {
	Function   string      `json:"function"`
	Plan       []PlanEntry `json:"plan"`
	FrameSize  int         `json:"frame_size"`
	Listing    string      `json:"listing"`
	Bytecode   []byte      `json:"bytecode,omitempty"`
	Adapters   []string    `json:"adapters,omitempty"`
	AutoTraits []AutoTrait `json:"auto_traits,omitempty"`
}

// Object converts a to its canonical form. Bytecode is hex-encoded.
func (a *Artifact) Object() Object {
	plan := make(Array, len(a.Plan))
	for i, p := range a.Plan {
		plan[i] = Object{
			"local":          Int(p.Local),
			"name":           String(p.Name),
			"representation": String(p.Representation),
			"frame_offset":   Int(p.FrameOffset),
		}
	}
	adapters := make(Array, len(a.Adapters))
	for i, s := range a.Adapters {
		adapters[i] = String(s)
	}
	traits := make(Array, len(a.AutoTraits))
	for i, t := range a.AutoTraits {
		traits[i] = Object{
			"delegate": String(t.Delegate),
			"env_type": String(t.EnvType),
			"send":     Bool(t.Send),
			"sync":     Bool(t.Sync),
		}
	}
	return Object{
		"function":    String(a.Function),
		"plan":        plan,
		"frame_size":  Int(a.FrameSize),
		"listing":     String(a.Listing),
		"bytecode":    String(hex.EncodeToString(a.Bytecode)),
		"adapters":    adapters,
		"auto_traits": traits,
	}
}

// Hash is the content hash of a.
func (a *Artifact) Hash() (string, error) {
	return Hash(DomainArtifact, a.Object())
}

// PlanJSON encodes the plan for storage.
func (a *Artifact) PlanJSON() (string, error) {
	b, err := json.Marshal(a.Plan)
	if err != nil {
		return "", fmt.Errorf("encode plan: %w", err)
	}
	return string(b), nil
}

// DecodePlan is the inverse of PlanJSON.
func DecodePlan(s string) ([]PlanEntry, error) {
	var plan []PlanEntry
	if s == "" {
		return nil, nil
	}
	if err := json.Unmarshal([]byte(s), &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return plan, nil
}
