package project

import (
	"fmt"
)

type ShadowStatus int

const (
	// the slot holds only its shadow default
	ShadowOnly ShadowStatus = 1
	// the slot holds a block and has no shadow, e.g. boolean slots and substacks
	NoShadow ShadowStatus = 2
	// a block is plugged over the shadow default
	Obscured ShadowStatus = 3
)

// InputNode is what occupies a slot: a block, or a primitive.
// Top level vlb primitives are referenced by id like blocks.
type InputNode struct {
	// id stub, set when the node is referenced by id
	Id string

	Block     *Block
	Primitive *Primitive
}

func BlockNode(block *Block) *InputNode {
	return &InputNode{
		Id:    block.Id,
		Block: block,
	}
}

func PrimitiveNode(primitive *Primitive) *InputNode {
	node := &InputNode{
		Primitive: primitive,
	}
	if primitive.TopLevel {
		node.Id = primitive.Id
	}
	return node
}

func (self *InputNode) IsBlock() bool {
	return self.Block != nil
}

// the id the node is written under, or empty for inline primitives
func (self *InputNode) ref() string {
	if self.Block != nil {
		return self.Block.Id
	}
	if self.Primitive != nil {
		if self.Primitive.TopLevel {
			return self.Primitive.Id
		}
		return ""
	}
	return self.Id
}

func (self *InputNode) sameAs(other *InputNode) bool {
	if self == nil || other == nil {
		return false
	}
	if self == other {
		return true
	}
	if self.Block != nil && self.Block == other.Block {
		return true
	}
	if self.Primitive != nil && self.Primitive == other.Primitive {
		return true
	}
	ref := self.ref()
	return ref != "" && ref == other.ref()
}

func (self *InputNode) String() string {
	if self.Primitive != nil && !self.Primitive.TopLevel {
		return self.Primitive.String()
	}
	return self.ref()
}

// A slot on a block.
type Input struct {
	Status ShadowStatus
	// the shadow default, or the block when there is no shadow
	Value *InputNode
	// the block plugged over the shadow
	Obscurer *InputNode
}

func NewShadowInput(value *InputNode) *Input {
	return &Input{
		Status: ShadowOnly,
		Value:  value,
	}
}

func NewBlockInput(block *Block) *Input {
	return &Input{
		Status: NoShadow,
		Value:  BlockNode(block),
	}
}

// the block that occupies the slot, if any
func (self *Input) Block() *Block {
	if self.Obscurer != nil && self.Obscurer.Block != nil {
		return self.Obscurer.Block
	}
	if self.Status == NoShadow && self.Value != nil {
		return self.Value.Block
	}
	return nil
}

// nodes in the slot, obscurer first
func (self *Input) nodes() []*InputNode {
	nodes := []*InputNode{}
	if self.Obscurer != nil {
		nodes = append(nodes, self.Obscurer)
	}
	if self.Value != nil {
		nodes = append(nodes, self.Value)
	}
	return nodes
}

// restores invariants between status, value, and obscurer
func (self *Input) normalize() {
	if self.Obscurer.sameAs(self.Value) {
		self.Obscurer = nil
	}
	switch {
	case self.Obscurer != nil:
		self.Status = Obscured
	case self.Status == Obscured:
		self.Status = ShadowOnly
	}
}

// Plug places a block in the slot. A shadow default is kept under the block.
func (self *Input) Plug(block *Block) {
	if self.Status == NoShadow || self.Value == nil {
		self.Status = NoShadow
		self.Value = BlockNode(block)
		self.Obscurer = nil
		return
	}
	self.Obscurer = BlockNode(block)
	self.Status = Obscured
}

// Unplug removes `block` from the slot. Returns false when the block is not in the slot.
func (self *Input) Unplug(block *Block) bool {
	if self.Obscurer != nil && self.Obscurer.Block == block {
		self.Obscurer = nil
		self.normalize()
		return true
	}
	if self.Value != nil && self.Value.Block == block {
		self.Value = nil
		if self.Obscurer != nil {
			self.Value = self.Obscurer
			self.Obscurer = nil
			self.Status = NoShadow
		}
		return true
	}
	return false
}

func (self *Input) IsEmpty() bool {
	return self.Value == nil && self.Obscurer == nil
}

func (self *Input) String() string {
	return fmt.Sprintf("[%d %s %s]", int(self.Status), self.Obscurer, self.Value)
}

// A dropdown slot on a block.
type Field struct {
	// a string or `json.Number`
	Value any
	// set when the dropdown selects a named vlb
	VlbId string
	Vlb   *Vlb
}

func NewField(value any) *Field {
	return &Field{
		Value: value,
	}
}

func NewVlbField(vlb *Vlb) *Field {
	return &Field{
		Value: vlb.Name,
		VlbId: vlb.Id,
		Vlb:   vlb,
	}
}

func (self *Field) syncVlb() {
	if self.Vlb != nil {
		self.Value = self.Vlb.Name
		self.VlbId = self.Vlb.Id
	}
}
