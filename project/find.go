package project

import (
	"fmt"
)

// FindVlb looks up a vlb by name in this target, then the stage.
func (self *Target) FindVlb(kind VlbKind, name string) (*Vlb, error) {
	for _, target := range self.scope() {
		for _, vlb := range target.sortedVlbs() {
			if vlb.Kind == kind && vlb.Name == name {
				return vlb, nil
			}
		}
	}
	return nil, fmt.Errorf("%w %s \"%s\".", ErrNotFound, kind, name)
}

// FindVlbById looks up a vlb by id in this target, then the stage.
func (self *Target) FindVlbById(id string) (*Vlb, error) {
	for _, target := range self.scope() {
		if vlb, ok := target.Vlbs[id]; ok {
			return vlb, nil
		}
	}
	return nil, fmt.Errorf("%w Vlb %s.", ErrNotFound, id)
}

// FindVlbs returns every vlb of a kind visible from this target, owned ones first.
func (self *Target) FindVlbs(kind VlbKind) []*Vlb {
	vlbs := []*Vlb{}
	for _, target := range self.scope() {
		for _, vlb := range target.sortedVlbs() {
			if vlb.Kind == kind {
				vlbs = append(vlbs, vlb)
			}
		}
	}
	return vlbs
}

// this target, then the stage when this is a sprite
func (self *Target) scope() []*Target {
	stage := self.stage()
	if stage == nil || stage == self {
		return []*Target{self}
	}
	return []*Target{self, stage}
}

func (self *Target) hasVlbName(kind VlbKind, name string) bool {
	for _, vlb := range self.Vlbs {
		if vlb.Kind == kind && vlb.Name == name {
			return true
		}
	}
	return false
}

func (self *Target) uniqueVlbName(kind VlbKind, name string) string {
	return uniqueName(name, func(candidate string) bool {
		return self.hasVlbName(kind, candidate)
	})
}

func (self *Target) FindBlockById(id string) (*Block, error) {
	if block, ok := self.Blocks[id]; ok {
		return block, nil
	}
	return nil, fmt.Errorf("%w Block %s.", ErrNotFound, id)
}

// FindBlocksByOpcode returns matches in id order.
func (self *Target) FindBlocksByOpcode(opcode string) []*Block {
	blocks := []*Block{}
	for _, id := range sortedKeys(self.Blocks) {
		if block := self.Blocks[id]; block.Opcode == opcode {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func (self *Target) FindBlockByOpcode(opcode string) (*Block, error) {
	blocks := self.FindBlocksByOpcode(opcode)
	if len(blocks) == 0 {
		return nil, fmt.Errorf("%w Block %s.", ErrNotFound, opcode)
	}
	return blocks[0], nil
}

// FindBlocksByArgumentIds returns the procedure blocks whose mutation has
// exactly these argument ids, i.e. a prototype and its calls.
func (self *Target) FindBlocksByArgumentIds(argumentIds []string) []*Block {
	blocks := []*Block{}
	for _, id := range sortedKeys(self.Blocks) {
		block := self.Blocks[id]
		if block.Mutation != nil && block.Mutation.hasProcCode && block.Mutation.hasArgumentIds(argumentIds) {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

// FindPrototype returns the prototype of a custom procedure.
func (self *Target) FindPrototype(procCode string) (*Block, error) {
	for _, block := range self.FindBlocksByOpcode(OpcodeProceduresPrototype) {
		if block.Mutation != nil && block.Mutation.ProcCode == procCode {
			return block, nil
		}
	}
	return nil, fmt.Errorf("%w Procedure \"%s\".", ErrNotFound, procCode)
}

// FindVlbReferences returns the blocks with a field or primitive that refers to `vlb`.
func (self *Target) FindVlbReferences(vlb *Vlb) []*Block {
	blocks := []*Block{}
	for _, id := range sortedKeys(self.Blocks) {
		block := self.Blocks[id]
		if blockRefers(block, vlb) {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func blockRefers(block *Block, vlb *Vlb) bool {
	for _, field := range block.Fields {
		if field.Vlb == vlb {
			return true
		}
	}
	for _, input := range block.Inputs {
		for _, node := range input.nodes() {
			if node.Primitive != nil && node.Primitive.Vlb == vlb {
				return true
			}
		}
	}
	return false
}

// TopLevelBlocks returns the first block of each script, in id order.
func (self *Target) TopLevelBlocks() []*Block {
	blocks := []*Block{}
	for _, id := range sortedKeys(self.Blocks) {
		if block := self.Blocks[id]; block.TopLevel {
			blocks = append(blocks, block)
		}
	}
	return blocks
}

func (self *Target) FindCommentById(id string) (*Comment, error) {
	if comment, ok := self.Comments[id]; ok {
		return comment, nil
	}
	return nil, fmt.Errorf("%w Comment %s.", ErrNotFound, id)
}

// FindComments returns comments with the given text, in id order.
func (self *Target) FindComments(text string) []*Comment {
	comments := []*Comment{}
	for _, id := range sortedKeys(self.Comments) {
		if comment := self.Comments[id]; comment.Text == text {
			comments = append(comments, comment)
		}
	}
	return comments
}

func (self *Target) FindAsset(kind AssetKind, name string) (*Asset, error) {
	assets := self.Costumes
	if kind == SoundAsset {
		assets = self.Sounds
	}
	for _, asset := range assets {
		if asset.Name == name {
			return asset, nil
		}
	}
	return nil, fmt.Errorf("%w %s \"%s\".", ErrNotFound, kind, name)
}
