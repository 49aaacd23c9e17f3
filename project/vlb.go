package project

import (
	"fmt"
)

type VlbKind int

const (
	VariableKind  VlbKind = 0
	ListKind      VlbKind = 1
	BroadcastKind VlbKind = 2
)

func (self VlbKind) String() string {
	switch self {
	case VariableKind:
		return "variable"
	case ListKind:
		return "list"
	case BroadcastKind:
		return "broadcast"
	default:
		return fmt.Sprintf("vlb(%d)", int(self))
	}
}

func ParseVlbKind(kindName string) (VlbKind, error) {
	switch kindName {
	case "variable":
		return VariableKind, nil
	case "list":
		return ListKind, nil
	case "broadcast":
		return BroadcastKind, nil
	default:
		return 0, fmt.Errorf("%w \"%s\"", ErrInvalidVlbName, kindName)
	}
}

// A variable, list, or broadcast.
// The id is unique in the project and the name is unique per kind in the owning target.
type Vlb struct {
	Kind VlbKind
	Id   string
	Name string
	// variable value, a string or `json.Number`
	Value any
	// list values
	Values []any
	// variables only. Cloud variables live on the stage.
	IsCloud bool

	target *Target
}

// NewVlb creates a detached vlb of the named kind with a new id.
func NewVlb(kindName string, name string) (*Vlb, error) {
	kind, err := ParseVlbKind(kindName)
	if err != nil {
		return nil, err
	}
	vlb := &Vlb{
		Kind: kind,
		Id:   NewId(),
		Name: name,
	}
	switch kind {
	case VariableKind:
		vlb.Value = "0"
	case ListKind:
		vlb.Values = []any{}
	}
	return vlb, nil
}

func NewVariable(name string, value any) *Vlb {
	return &Vlb{
		Kind:  VariableKind,
		Id:    NewId(),
		Name:  name,
		Value: value,
	}
}

func NewCloudVariable(name string, value any) *Vlb {
	vlb := NewVariable(name, value)
	vlb.IsCloud = true
	return vlb
}

func NewList(name string, values ...any) *Vlb {
	if values == nil {
		values = []any{}
	}
	return &Vlb{
		Kind:   ListKind,
		Id:     NewId(),
		Name:   name,
		Values: values,
	}
}

func NewBroadcast(name string) *Vlb {
	return &Vlb{
		Kind: BroadcastKind,
		Id:   NewId(),
		Name: name,
	}
}

// Target is the owner, or nil when detached.
func (self *Vlb) Target() *Target {
	return self.target
}

func (self *Vlb) String() string {
	return fmt.Sprintf("%s %s(%s)", self.Kind, self.Name, self.Id)
}

// vlb kind selected by a field name
func fieldVlbKind(fieldName string) (VlbKind, bool) {
	switch fieldName {
	case "VARIABLE":
		return VariableKind, true
	case "LIST":
		return ListKind, true
	case "BROADCAST_OPTION":
		return BroadcastKind, true
	default:
		return 0, false
	}
}
