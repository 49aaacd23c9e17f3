package project

import (
	"fmt"
)

// wire type tags
type PrimitiveKind int

const (
	MathNumberPrimitive     PrimitiveKind = 4
	PositiveNumberPrimitive PrimitiveKind = 5
	WholeNumberPrimitive    PrimitiveKind = 6
	IntegerPrimitive        PrimitiveKind = 7
	AnglePrimitive          PrimitiveKind = 8
	ColorPrimitive          PrimitiveKind = 9
	TextPrimitive           PrimitiveKind = 10
	BroadcastPrimitive      PrimitiveKind = 11
	VariablePrimitive       PrimitiveKind = 12
	ListPrimitive           PrimitiveKind = 13
)

func (self PrimitiveKind) IsVlb() bool {
	switch self {
	case BroadcastPrimitive, VariablePrimitive, ListPrimitive:
		return true
	default:
		return false
	}
}

func (self PrimitiveKind) VlbKind() (VlbKind, error) {
	switch self {
	case BroadcastPrimitive:
		return BroadcastKind, nil
	case VariablePrimitive:
		return VariableKind, nil
	case ListPrimitive:
		return ListKind, nil
	default:
		return 0, fmt.Errorf("%w Kind %d.", ErrBadVlbPrimitive, int(self))
	}
}

func primitiveKindOf(vlbKind VlbKind) PrimitiveKind {
	switch vlbKind {
	case ListKind:
		return ListPrimitive
	case BroadcastKind:
		return BroadcastPrimitive
	default:
		return VariablePrimitive
	}
}

func validPrimitiveKind(kind int) bool {
	return int(MathNumberPrimitive) <= kind && kind <= int(ListPrimitive)
}

// A leaf program node. Literal kinds carry `Value`.
// Vlb kinds carry `Name` and `VlbId`, and a position when top level.
type Primitive struct {
	Kind PrimitiveKind
	// literal value, a string or `json.Number`
	Value any

	Name  string
	VlbId string
	// resolved by linking
	Vlb *Vlb

	// top level vlb primitives live in the block pool under this id
	Id       string
	TopLevel bool
	X        float64
	Y        float64
}

func NewLiteral(kind PrimitiveKind, value any) *Primitive {
	return &Primitive{
		Kind:  kind,
		Value: value,
	}
}

func NewText(value string) *Primitive {
	return NewLiteral(TextPrimitive, value)
}

// NewVlbPrimitive creates a reference to `vlb`.
func NewVlbPrimitive(vlb *Vlb) *Primitive {
	return &Primitive{
		Kind:  primitiveKindOf(vlb.Kind),
		Name:  vlb.Name,
		VlbId: vlb.Id,
		Vlb:   vlb,
	}
}

// refreshes the name and id from the linked vlb
func (self *Primitive) syncVlb() {
	if self.Vlb != nil {
		self.Name = self.Vlb.Name
		self.VlbId = self.Vlb.Id
	}
}

func (self *Primitive) String() string {
	if self.Kind.IsVlb() {
		return fmt.Sprintf("[%d %s %s]", int(self.Kind), self.Name, self.VlbId)
	}
	return fmt.Sprintf("[%d %v]", int(self.Kind), self.Value)
}
