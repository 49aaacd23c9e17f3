package project

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrBadArchive = errors.New("Bad archive.")
var ErrUnclosedArchive = errors.New("Unclosed archive.")
var ErrBadBlockShape = errors.New("Bad block shape.")
var ErrBadVlbPrimitive = errors.New("Bad vlb primitive.")
var ErrInvalidVlbName = errors.New("Invalid vlb name.")
var ErrInvalidAsset = errors.New("Invalid asset.")
var ErrNotFound = errors.New("Not found.")
var ErrInvalidCloudVariable = errors.New("Invalid cloud variable.")
var ErrDuplicate = errors.New("Duplicate.")
var ErrInUse = errors.New("In use.")

const DefaultSemver = "3.0.0"
const DefaultVm = "0.2.0"
const DefaultAgent = "bringyour-scratch"

// the Scratch server limit. Zero or less disables the check.
const DefaultMaxCloudVariables = 10

type Platform struct {
	Name string `json:"name"`
	Url  string `json:"url"`
}

type Meta struct {
	Semver   string
	Vm       string
	Agent    string
	Platform *Platform

	Extra map[string]json.RawMessage
}

func DefaultMeta() *Meta {
	return &Meta{
		Semver: DefaultSemver,
		Vm:     DefaultVm,
		Agent:  DefaultAgent,
		Extra:  map[string]json.RawMessage{},
	}
}

// A Scratch 3 project. Targets are ordered, the stage first.
// Cross references between entities are ids at rest and pointers after linking.
type Project struct {
	Targets    []*Target
	Monitors   []*Monitor
	Extensions []string
	Meta       *Meta

	// not serialized
	MaxCloudVariables int

	// unknown top level keys, written back unchanged
	Extra map[string]json.RawMessage
}

// NewProject returns an empty project with only a stage.
func NewProject() *Project {
	project := &Project{
		Targets:    []*Target{},
		Monitors:   []*Monitor{},
		Extensions: []string{},
		Meta:       DefaultMeta(),

		MaxCloudVariables: DefaultMaxCloudVariables,

		Extra: map[string]json.RawMessage{},
	}
	project.AddTarget(NewStage())
	return project
}

func (self *Project) Stage() *Target {
	for _, target := range self.Targets {
		if target.IsStage {
			return target
		}
	}
	return nil
}

func (self *Project) Sprites() []*Target {
	sprites := []*Target{}
	for _, target := range self.Targets {
		if !target.IsStage {
			sprites = append(sprites, target)
		}
	}
	return sprites
}

func (self *Project) Target(name string) (*Target, error) {
	for _, target := range self.Targets {
		if target.Name == name {
			return target, nil
		}
	}
	return nil, fmt.Errorf("%w Target \"%s\".", ErrNotFound, name)
}

// AddTarget appends a target. A sprite name that is already used is made unique.
func (self *Project) AddTarget(target *Target) error {
	if target.IsStage && self.Stage() != nil {
		return fmt.Errorf("%w Stage.", ErrDuplicate)
	}
	if !target.IsStage {
		target.Name = uniqueName(target.Name, func(name string) bool {
			_, err := self.Target(name)
			return err == nil
		})
	}
	target.project = self
	self.Targets = append(self.Targets, target)
	return nil
}

// RemoveTarget removes a sprite and every entity it owns.
func (self *Project) RemoveTarget(target *Target) error {
	if target.IsStage {
		return fmt.Errorf("%w The stage cannot be removed.", ErrInUse)
	}
	for i, t := range self.Targets {
		if t == target {
			self.Targets = append(self.Targets[:i:i], self.Targets[i+1:]...)
			target.project = nil
			return nil
		}
	}
	return fmt.Errorf("%w Target \"%s\".", ErrNotFound, target.Name)
}

// vlbById finds a vlb anywhere in the project
func (self *Project) vlbById(id string) (*Vlb, bool) {
	for _, target := range self.Targets {
		if vlb, ok := target.Vlbs[id]; ok {
			return vlb, true
		}
	}
	return nil, false
}

func (self *Project) CloudVariables() []*Vlb {
	stage := self.Stage()
	if stage == nil {
		return []*Vlb{}
	}
	cloudVariables := []*Vlb{}
	for _, vlb := range stage.sortedVlbs() {
		if vlb.IsCloud {
			cloudVariables = append(cloudVariables, vlb)
		}
	}
	return cloudVariables
}

func (self *Project) maxCloudVariables() int {
	if self == nil {
		return DefaultMaxCloudVariables
	}
	return self.MaxCloudVariables
}

func (self *Project) Assets() []*Asset {
	assets := []*Asset{}
	for _, target := range self.Targets {
		assets = append(assets, target.Costumes...)
		assets = append(assets, target.Sounds...)
	}
	return assets
}
