package project

import (
	"fmt"
	"slices"
)

// AddVlb adds a detached vlb. Cloud variables must go on the stage.
// A name already used by the same kind in this target is made unique.
func (self *Target) AddVlb(vlb *Vlb) error {
	if vlb.target != nil {
		return fmt.Errorf("%w %s is owned by %s.", ErrInUse, vlb, vlb.target)
	}
	if vlb.IsCloud && (vlb.Kind != VariableKind || !self.IsStage) {
		return fmt.Errorf("%w %s must be a stage variable.", ErrInvalidCloudVariable, vlb)
	}
	if vlb.IsCloud {
		limit := self.project.maxCloudVariables()
		if 0 < limit && limit <= self.cloudVariableCount() {
			return fmt.Errorf("%w %s: the limit is %d cloud variables.", ErrInvalidCloudVariable, vlb, limit)
		}
	}
	if self.project != nil {
		if _, taken := self.project.vlbById(vlb.Id); taken {
			return fmt.Errorf("%w Vlb id %s.", ErrDuplicate, vlb.Id)
		}
	} else if _, taken := self.Vlbs[vlb.Id]; taken {
		return fmt.Errorf("%w Vlb id %s.", ErrDuplicate, vlb.Id)
	}
	vlb.Name = self.uniqueVlbName(vlb.Kind, vlb.Name)
	self.putVlb(vlb)
	return nil
}

func (self *Target) cloudVariableCount() int {
	count := 0
	for _, vlb := range self.Vlbs {
		if vlb.IsCloud {
			count += 1
		}
	}
	return count
}

// RemoveVlb removes a vlb that no block refers to.
func (self *Target) RemoveVlb(vlb *Vlb) error {
	if vlb.target != self {
		return fmt.Errorf("%w %s in %s.", ErrNotFound, vlb, self)
	}
	referrers := []*Target{self}
	if self.IsStage && self.project != nil {
		referrers = self.project.Targets
	}
	for _, target := range referrers {
		if blocks := target.FindVlbReferences(vlb); 0 < len(blocks) {
			return fmt.Errorf("%w %s is used by %s.", ErrInUse, vlb, blocks[0])
		}
		for _, primitive := range target.Primitives {
			if primitive.Vlb == vlb {
				return fmt.Errorf("%w %s is used by a top level reporter.", ErrInUse, vlb)
			}
		}
	}
	delete(self.Vlbs, vlb.Id)
	vlb.target = nil
	return nil
}

// RenameVlb renames a vlb. References pick up the name when serialized.
func (self *Target) RenameVlb(vlb *Vlb, name string) error {
	if vlb.target != self {
		return fmt.Errorf("%w %s in %s.", ErrNotFound, vlb, self)
	}
	if vlb.Name == name {
		return nil
	}
	if self.hasVlbName(vlb.Kind, name) {
		return fmt.Errorf("%w %s \"%s\".", ErrDuplicate, vlb.Kind, name)
	}
	vlb.Name = name
	return nil
}

// AddReporter adds a top level variable or list reporter.
func (self *Target) AddReporter(vlb *Vlb, x float64, y float64) (*Primitive, error) {
	if !self.visible(vlb) {
		return nil, fmt.Errorf("%w %s is not visible from %s.", ErrNotFound, vlb, self)
	}
	primitive := NewVlbPrimitive(vlb)
	primitive.Id = NewId()
	primitive.TopLevel = true
	primitive.X = x
	primitive.Y = y
	self.Primitives[primitive.Id] = primitive
	return primitive, nil
}

// AddScript adds a chain of blocks as a new top level script.
func (self *Target) AddScript(x float64, y float64, blocks ...*Block) error {
	if len(blocks) == 0 {
		return nil
	}
	top := blocks[0]
	if top.Parent != nil {
		return fmt.Errorf("%w %s is attached.", ErrInUse, top)
	}
	if err := self.adopt(top); err != nil {
		return err
	}
	top.TopLevel = true
	top.X = x
	top.Y = y
	after := top.Last()
	for _, block := range blocks[1:] {
		if err := self.AttachBlock(after, block); err != nil {
			return err
		}
		after = block.Last()
	}
	return nil
}

// chainMembers returns the chain starting at `block` and everything plugged into it
func chainMembers(block *Block) []*Block {
	members := []*Block{}
	for _, b := range block.Chain() {
		members = append(members, b.Subtree()...)
	}
	return members
}

// adopt adds a detached chain and everything plugged into it to the pool
func (self *Target) adopt(block *Block) error {
	members := chainMembers(block)
	for _, member := range members {
		if member.target != nil && member.target != self {
			return fmt.Errorf("%w %s is owned by %s.", ErrInUse, member, member.target)
		}
		if existing, ok := self.Blocks[member.Id]; ok && existing != member {
			return fmt.Errorf("%w Block id %s.", ErrDuplicate, member.Id)
		}
		if err := self.checkVlbRefs(member); err != nil {
			return err
		}
	}
	for _, member := range members {
		member.target = self
		self.Blocks[member.Id] = member
	}
	return nil
}

func (self *Target) checkVlbRefs(block *Block) error {
	for name, field := range block.Fields {
		if field.Vlb != nil && !self.visible(field.Vlb) {
			return fmt.Errorf("%w %s field %s: %s is not visible from %s.", ErrNotFound, block, name, field.Vlb, self)
		}
	}
	for name, input := range block.Inputs {
		for _, node := range input.nodes() {
			if node.Primitive != nil && node.Primitive.Vlb != nil && !self.visible(node.Primitive.Vlb) {
				return fmt.Errorf("%w %s input %s: %s is not visible from %s.", ErrNotFound, block, name, node.Primitive.Vlb, self)
			}
		}
	}
	return nil
}

// AttachBlock places `block`, and any chain below it, directly after `after`.
// Blocks that followed `after` move below the end of the chain.
func (self *Target) AttachBlock(after *Block, block *Block) error {
	if after.target != self {
		return fmt.Errorf("%w %s in %s.", ErrNotFound, after, self)
	}
	if block.Parent != nil {
		return fmt.Errorf("%w %s is attached.", ErrInUse, block)
	}
	chain := block.Chain()
	if slices.Contains(chainMembers(block), after) {
		return fmt.Errorf("%w %s is in the attached chain.", ErrBadBlockShape, after)
	}
	if !after.Shape().AttachableBottom {
		return fmt.Errorf("%w Cannot attach below %s (%s).", ErrBadBlockShape, after, after.Shape().Kind)
	}
	if !block.Shape().AttachableTop {
		return fmt.Errorf("%w Cannot attach %s (%s).", ErrBadBlockShape, block, block.Shape().Kind)
	}
	last := chain[len(chain)-1]
	oldNext := after.Next
	if oldNext != nil && !last.Shape().AttachableBottom {
		return fmt.Errorf("%w %s cannot have %s below.", ErrBadBlockShape, last, oldNext)
	}
	if err := self.adopt(block); err != nil {
		return err
	}

	after.Next = block
	block.Parent = after
	block.TopLevel = false
	if oldNext != nil {
		last.Next = oldNext
		oldNext.Parent = last
	}
	return nil
}

// SlotAbove places `block`, and any chain below it, directly above `existing`.
// At the top of a script the new block takes over the script position.
func (self *Target) SlotAbove(existing *Block, block *Block) error {
	if existing.target != self {
		return fmt.Errorf("%w %s in %s.", ErrNotFound, existing, self)
	}
	if block.Parent != nil {
		return fmt.Errorf("%w %s is attached.", ErrInUse, block)
	}
	chain := block.Chain()
	if slices.Contains(chainMembers(block), existing) {
		return fmt.Errorf("%w %s is in the slotted chain.", ErrBadBlockShape, existing)
	}
	if !existing.Shape().AttachableTop {
		return fmt.Errorf("%w Cannot slot above %s (%s).", ErrBadBlockShape, existing, existing.Shape().Kind)
	}
	last := chain[len(chain)-1]
	if !last.Shape().AttachableBottom {
		return fmt.Errorf("%w %s cannot have %s below.", ErrBadBlockShape, last, existing)
	}

	parent := existing.Parent
	switch {
	case parent == nil:
		if err := self.adopt(block); err != nil {
			return err
		}
		block.TopLevel = true
		block.X = existing.X
		block.Y = existing.Y
		existing.TopLevel = false
	case parent.Next == existing:
		parent.Next = nil
		existing.Parent = nil
		if err := self.AttachBlock(parent, block); err != nil {
			parent.Next = existing
			existing.Parent = parent
			return err
		}
	default:
		// the first block of a substack
		if !block.Shape().AttachableTop {
			return fmt.Errorf("%w Cannot slot %s into a substack (%s).", ErrBadBlockShape, block, block.Shape().Kind)
		}
		_, input, ok := parent.inputHolding(existing)
		if !ok {
			return fmt.Errorf("%w %s is not below %s.", ErrNotFound, existing, parent)
		}
		if err := self.adopt(block); err != nil {
			return err
		}
		for _, node := range input.nodes() {
			if node.Block == existing {
				node.Block = block
				node.Id = block.Id
			}
		}
		block.Parent = parent
		block.TopLevel = false
	}
	last.Next = existing
	existing.Parent = last
	return nil
}

// detach unlinks `block` from its parent. The block keeps its own next.
func (self *Target) detach(block *Block) {
	parent := block.Parent
	if parent == nil {
		return
	}
	if parent.Next == block {
		parent.Next = nil
	} else if name, input, ok := parent.inputHolding(block); ok {
		input.Unplug(block)
		if input.IsEmpty() {
			delete(parent.Inputs, name)
		}
	}
	block.Parent = nil
}

// drop removes blocks from the pool and frees comments anchored to them
func (self *Target) drop(blocks []*Block) {
	dropped := map[*Block]bool{}
	for _, block := range blocks {
		dropped[block] = true
		delete(self.Blocks, block.Id)
		block.target = nil
	}
	for _, comment := range self.Comments {
		if comment.Block != nil && dropped[comment.Block] {
			comment.Block = nil
			comment.BlockId = ""
		}
	}
}

// DeleteChain removes `block`, every block after it, and everything plugged into them.
func (self *Target) DeleteChain(block *Block) error {
	if block.target != self {
		return fmt.Errorf("%w %s in %s.", ErrNotFound, block, self)
	}
	self.detach(block)
	block.TopLevel = false
	removed := []*Block{}
	for _, b := range block.Chain() {
		removed = append(removed, b.Subtree()...)
	}
	self.drop(removed)
	return nil
}

// RemoveBlock removes one block and everything plugged into it.
// The blocks after it move up to take its place.
func (self *Target) RemoveBlock(block *Block) error {
	if block.target != self {
		return fmt.Errorf("%w %s in %s.", ErrNotFound, block, self)
	}
	parent := block.Parent
	next := block.Next
	block.Next = nil
	if next != nil {
		next.Parent = nil
	}

	switch {
	case parent == nil:
		if next != nil {
			next.TopLevel = true
			next.X = block.X
			next.Y = block.Y
		}
	case parent.Next == block:
		parent.Next = next
		if next != nil {
			next.Parent = parent
		}
	default:
		name, input, ok := parent.inputHolding(block)
		if ok && next != nil {
			for _, node := range input.nodes() {
				if node.Block == block {
					node.Block = next
					node.Id = next.Id
				}
			}
			next.Parent = parent
		} else if ok {
			input.Unplug(block)
			if input.IsEmpty() {
				delete(parent.Inputs, name)
			}
		}
	}
	block.Parent = nil
	block.TopLevel = false
	self.drop(block.Subtree())
	return nil
}

// PlugInput places a detached block into a slot of `block`.
func (self *Target) PlugInput(block *Block, name string, child *Block) error {
	if block.target != self {
		return fmt.Errorf("%w %s in %s.", ErrNotFound, block, self)
	}
	if child.Parent != nil {
		return fmt.Errorf("%w %s is attached.", ErrInUse, child)
	}
	if slices.Contains(chainMembers(child), block) {
		return fmt.Errorf("%w %s is plugged into %s.", ErrBadBlockShape, block, child)
	}
	input, ok := block.Inputs[name]
	if !ok {
		input = &Input{
			Status: NoShadow,
		}
		block.Inputs[name] = input
	}
	if previous := input.Block(); previous != nil {
		return fmt.Errorf("%w Input %s of %s holds %s.", ErrInUse, name, block, previous)
	}
	if err := self.adopt(child); err != nil {
		return err
	}
	input.Plug(child)
	child.Parent = block
	child.TopLevel = false
	return nil
}

// AddComment adds a comment, anchored to `block` when it is not nil.
func (self *Target) AddComment(comment *Comment, block *Block) error {
	if _, ok := self.Comments[comment.Id]; ok {
		return fmt.Errorf("%w Comment id %s.", ErrDuplicate, comment.Id)
	}
	if block != nil {
		if block.target != self {
			return fmt.Errorf("%w %s in %s.", ErrNotFound, block, self)
		}
		comment.Block = block
		comment.BlockId = block.Id
		block.Comment = comment
		block.CommentId = comment.Id
	}
	self.Comments[comment.Id] = comment
	return nil
}

func (self *Target) RemoveComment(comment *Comment) error {
	if _, ok := self.Comments[comment.Id]; !ok {
		return fmt.Errorf("%w Comment %s.", ErrNotFound, comment.Id)
	}
	if comment.Block != nil && comment.Block.Comment == comment {
		comment.Block.Comment = nil
		comment.Block.CommentId = ""
	}
	delete(self.Comments, comment.Id)
	return nil
}

func (self *Target) AddCostume(asset *Asset) {
	asset.Kind = CostumeAsset
	self.Costumes = append(self.Costumes, asset)
}

func (self *Target) AddSound(asset *Asset) {
	asset.Kind = SoundAsset
	self.Sounds = append(self.Sounds, asset)
}
