package project

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var ErrInvalidProject = errors.New("Invalid project.")

// Validate checks the structural invariants of a linked project.
// All violations are returned joined.
func (self *Project) Validate() error {
	errs := []error{}
	fail := func(format string, a ...any) {
		errs = append(errs, fmt.Errorf("%w "+format, append([]any{ErrInvalidProject}, a...)...))
	}

	stages := 0
	vlbOwners := map[string]*Target{}
	for _, target := range self.Targets {
		if target.IsStage {
			stages += 1
		}
		if target.project != self {
			fail("%s is not owned by the project.", target)
		}
		for _, id := range sortedKeys(target.Vlbs) {
			vlb := target.Vlbs[id]
			if owner, ok := vlbOwners[id]; ok {
				fail("Vlb id %s in %s and %s.", id, owner, target)
			}
			vlbOwners[id] = target
			if vlb.Id != id || vlb.target != target {
				fail("%s is stored under %s in %s.", vlb, id, target)
			}
			if vlb.IsCloud && (!target.IsStage || vlb.Kind != VariableKind) {
				fail("Cloud %s in %s.", vlb, target)
			}
		}
		names := map[string]bool{}
		for _, vlb := range target.sortedVlbs() {
			key := fmt.Sprintf("%d/%s", vlb.Kind, vlb.Name)
			if names[key] {
				fail("Duplicate %s name \"%s\" in %s.", vlb.Kind, vlb.Name, target)
			}
			names[key] = true
		}
		for _, id := range sortedKeys(target.Blocks) {
			if err := target.validateBlock(id, target.Blocks[id]); err != nil {
				errs = append(errs, err)
			}
		}
		for _, id := range sortedKeys(target.Primitives) {
			primitive := target.Primitives[id]
			if primitive.Vlb == nil || !target.visible(primitive.Vlb) {
				fail("%s reporter %s does not resolve.", target, id)
			}
		}
		for _, id := range sortedKeys(target.Comments) {
			comment := target.Comments[id]
			if comment.Block != nil && target.Blocks[comment.Block.Id] != comment.Block {
				fail("%s comment %s is anchored outside the target.", target, id)
			}
		}
		for _, asset := range append(append([]*Asset{}, target.Costumes...), target.Sounds...) {
			if !asset.IsLoaded() {
				continue
			}
			if err := asset.Verify(context.Background()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if stages != 1 {
		fail("%d stages.", stages)
	}
	if limit := self.MaxCloudVariables; 0 < limit {
		if count := len(self.CloudVariables()); limit < count {
			fail("%d cloud variables, the limit is %d.", count, limit)
		}
	}
	return errors.Join(errs...)
}

func (self *Target) validateBlock(id string, block *Block) error {
	errs := []error{}
	fail := func(format string, a ...any) {
		prefix := []any{ErrInvalidProject, self, block}
		errs = append(errs, fmt.Errorf("%w %s %s: "+format, append(prefix, a...)...))
	}

	if block.Id != id || block.target != self {
		fail("stored under %s.", id)
	}
	if block.Next != nil {
		if self.Blocks[block.Next.Id] != block.Next {
			fail("next %s is not in the target.", block.Next.Id)
		} else if block.Next.Parent != block {
			fail("next %s has parent %v.", block.Next, block.Next.Parent)
		}
		if !block.Shape().AttachableBottom {
			fail("%s block has a next.", block.Shape().Kind)
		}
	}
	if block.Parent != nil {
		if self.Blocks[block.Parent.Id] != block.Parent {
			fail("parent %s is not in the target.", block.Parent.Id)
		} else if block.Parent.Next != block {
			if _, _, ok := block.Parent.inputHolding(block); !ok {
				fail("parent %s does not hold the block.", block.Parent)
			}
		}
	}
	if block.TopLevel == (block.Parent != nil) {
		fail("top level %t with parent %v.", block.TopLevel, block.Parent)
	}
	// parents must lead to a top level block
	visited := map[*Block]bool{}
	for b := block; b != nil; b = b.Parent {
		if visited[b] {
			fail("is in a parent cycle.")
			break
		}
		visited[b] = true
	}

	for _, name := range sortedKeys(block.Inputs) {
		input := block.Inputs[name]
		if input.Obscurer != nil && input.Obscurer.sameAs(input.Value) {
			fail("input %s obscurer is the value.", name)
		}
		if input.Obscurer != nil && input.Status != Obscured {
			fail("input %s has an obscurer with status %d.", name, int(input.Status))
		}
		for _, node := range input.nodes() {
			switch {
			case node.Block != nil:
				if self.Blocks[node.Block.Id] != node.Block {
					fail("input %s block %s is not in the target.", name, node.Block.Id)
				} else if node.Block.Parent != block {
					fail("input %s block %s has parent %v.", name, node.Block, node.Block.Parent)
				}
			case node.Primitive != nil:
				if node.Primitive.Kind.IsVlb() && (node.Primitive.Vlb == nil || !self.visible(node.Primitive.Vlb)) {
					fail("input %s %s does not resolve.", name, node.Primitive)
				}
			case node.Id != "":
				fail("input %s %s is not linked.", name, node.Id)
			}
		}
	}
	for _, name := range sortedKeys(block.Fields) {
		field := block.Fields[name]
		if _, ok := fieldVlbKind(name); !ok || (field.VlbId == "" && field.Vlb == nil) {
			continue
		}
		if field.Vlb == nil || !self.visible(field.Vlb) {
			fail("field %s %s does not resolve.", name, field.VlbId)
		}
	}
	return errors.Join(errs...)
}

// VerifyAssets loads every asset body and checks its md5.
func (self *Project) VerifyAssets(ctx context.Context) error {
	errs := []error{}
	for _, asset := range self.Assets() {
		if err := asset.Verify(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// CloudVariableNames returns the stage cloud variable names without the cloud marker.
func (self *Project) CloudVariableNames() []string {
	names := []string{}
	for _, vlb := range self.CloudVariables() {
		names = append(names, strings.TrimPrefix(vlb.Name, "☁ "))
	}
	return names
}
