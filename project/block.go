package project

import (
	"fmt"
	"slices"

	"golang.org/x/exp/maps"
)

// A typed program node. `NextId`, `ParentId`, and `CommentId` are id stubs
// that the link pass resolves into `Next`, `Parent`, and `Comment`.
type Block struct {
	Id       string
	Opcode   string
	Shadow   bool
	TopLevel bool
	// only meaningful for top level blocks
	X float64
	Y float64

	Inputs   map[string]*Input
	Fields   map[string]*Field
	Mutation *Mutation

	NextId    string
	ParentId  string
	CommentId string

	Next    *Block
	Parent  *Block
	Comment *Comment

	target *Target
}

func NewBlock(opcode string) *Block {
	return &Block{
		Id:     NewId(),
		Opcode: opcode,
		Inputs: map[string]*Input{},
		Fields: map[string]*Field{},
	}
}

func NewShadowBlock(opcode string) *Block {
	block := NewBlock(opcode)
	block.Shadow = true
	return block
}

func (self *Block) Target() *Target {
	return self.target
}

func (self *Block) Shape() BlockShape {
	return ShapeOf(self)
}

// SetInput places a value in the named slot.
// Blocks placed in the slot get this block as parent.
func (self *Block) SetInput(name string, input *Input) {
	self.Inputs[name] = input
	for _, node := range input.nodes() {
		if node.Block != nil {
			node.Block.Parent = self
			node.Block.ParentId = self.Id
			node.Block.TopLevel = false
		}
	}
}

func (self *Block) SetField(name string, field *Field) {
	self.Fields[name] = field
}

// InputBlocks returns the blocks held by inputs, in input name order.
func (self *Block) InputBlocks() []*Block {
	blocks := []*Block{}
	names := maps.Keys(self.Inputs)
	slices.Sort(names)
	for _, name := range names {
		for _, node := range self.Inputs[name].nodes() {
			if node.Block != nil {
				blocks = append(blocks, node.Block)
			}
		}
	}
	return blocks
}

// inputHolding returns the input that holds `block`
func (self *Block) inputHolding(block *Block) (string, *Input, bool) {
	for name, input := range self.Inputs {
		for _, node := range input.nodes() {
			if node.Block == block {
				return name, input, true
			}
		}
	}
	return "", nil, false
}

// Chain returns this block and every block after it.
func (self *Block) Chain() []*Block {
	chain := []*Block{}
	visited := map[*Block]bool{}
	for block := self; block != nil && !visited[block]; block = block.Next {
		visited[block] = true
		chain = append(chain, block)
	}
	return chain
}

func (self *Block) Last() *Block {
	chain := self.Chain()
	return chain[len(chain)-1]
}

// TopBlock follows parents to the top of the script.
func (self *Block) TopBlock() *Block {
	visited := map[*Block]bool{}
	block := self
	for block.Parent != nil && !visited[block] {
		visited[block] = true
		block = block.Parent
	}
	return block
}

// Subtree returns this block and every block below it through inputs, without following `Next`.
func (self *Block) Subtree() []*Block {
	blocks := []*Block{}
	visited := map[*Block]bool{}
	var visit func(block *Block)
	visit = func(block *Block) {
		if visited[block] {
			return
		}
		visited[block] = true
		blocks = append(blocks, block)
		for _, child := range block.InputBlocks() {
			visit(child)
			for _, next := range child.Chain()[1:] {
				visit(next)
			}
		}
	}
	visit(self)
	return blocks
}

// refreshes id stubs from resolved references
func (self *Block) syncIds() {
	self.NextId = ""
	if self.Next != nil {
		self.NextId = self.Next.Id
	}
	self.ParentId = ""
	if self.Parent != nil {
		self.ParentId = self.Parent.Id
	}
	self.CommentId = ""
	if self.Comment != nil {
		self.CommentId = self.Comment.Id
	}
	for _, input := range self.Inputs {
		for _, node := range input.nodes() {
			if node.Block != nil {
				node.Id = node.Block.Id
			}
			if node.Primitive != nil {
				node.Primitive.syncVlb()
			}
		}
	}
	for _, field := range self.Fields {
		field.syncVlb()
	}
}

func (self *Block) String() string {
	return fmt.Sprintf("%s(%s)", self.Opcode, self.Id)
}
