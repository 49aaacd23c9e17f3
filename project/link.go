package project

import (
	"fmt"
	"slices"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// link is the second load pass. Id stubs become references, vlb references
// resolve in the owning target then the stage, and call mutations take
// argument names and defaults from their prototype.
func (self *Project) link(settings *LoadSettings) error {
	stage := self.Stage()
	if stage == nil {
		return fmt.Errorf("%w No stage.", ErrBadArchive)
	}

	linker := &vlbLinker{
		project:  self,
		stage:    stage,
		settings: settings,
		repaired: map[string]*Vlb{},
	}
	for _, target := range self.Targets {
		target.linkBlocks()
		if err := linker.linkTarget(target); err != nil {
			return err
		}
		target.linkComments()
		target.resolveMutations()
	}
	return nil
}

func (self *Target) linkBlocks() {
	for _, id := range sortedKeys(self.Blocks) {
		block := self.Blocks[id]
		if block.NextId != "" {
			if next, ok := self.Blocks[block.NextId]; ok {
				block.Next = next
			} else {
				glog.Warningf("[p]%s %s next %s not found\n", self, block, block.NextId)
				block.NextId = ""
			}
		}
		if block.ParentId != "" {
			if parent, ok := self.Blocks[block.ParentId]; ok {
				block.Parent = parent
			} else {
				glog.Warningf("[p]%s %s parent %s not found\n", self, block, block.ParentId)
				block.ParentId = ""
			}
		}
		if block.TopLevel != (block.Parent == nil) {
			glog.Warningf("[p]%s %s top level %t with parent %s\n", self, block, block.TopLevel, block.ParentId)
			block.TopLevel = block.Parent == nil
		}
		if block.CommentId != "" {
			if comment, ok := self.Comments[block.CommentId]; ok {
				block.Comment = comment
			} else {
				glog.Warningf("[p]%s %s comment %s not found\n", self, block, block.CommentId)
				block.CommentId = ""
			}
		}

		for _, name := range sortedKeys(block.Inputs) {
			input := block.Inputs[name]
			input.Obscurer = self.linkInputNode(block, name, input.Obscurer)
			input.Value = self.linkInputNode(block, name, input.Value)
			input.normalize()
		}
	}
}

// resolves an id node to a block or a top level primitive. Dangling ids are dropped.
func (self *Target) linkInputNode(block *Block, name string, node *InputNode) *InputNode {
	if node == nil || node.Primitive != nil || node.Id == "" {
		return node
	}
	if child, ok := self.Blocks[node.Id]; ok {
		node.Block = child
		return node
	}
	if primitive, ok := self.Primitives[node.Id]; ok {
		node.Primitive = primitive
		return node
	}
	glog.Warningf("[p]%s %s input %s: %s not found\n", self, block, name, node.Id)
	return nil
}

func (self *Target) linkComments() {
	for _, id := range sortedKeys(self.Comments) {
		comment := self.Comments[id]
		if comment.BlockId == "" {
			continue
		}
		if block, ok := self.Blocks[comment.BlockId]; ok {
			comment.Block = block
		} else {
			glog.Warningf("[p]%s comment %s block %s not found\n", self, id, comment.BlockId)
			comment.BlockId = ""
		}
	}
}

// copies argument names and defaults from the matching prototype into calls
func (self *Target) resolveMutations() {
	prototypes := self.FindBlocksByOpcode(OpcodeProceduresPrototype)
	for _, call := range self.FindBlocksByOpcode(OpcodeProceduresCall) {
		if call.Mutation == nil {
			continue
		}
		argumentIds := call.Mutation.ArgumentIds()
		var prototype *Block
		for _, p := range prototypes {
			if p.Mutation != nil && p.Mutation.hasArgumentIds(argumentIds) {
				prototype = p
				break
			}
		}
		if prototype != nil {
			for i, argument := range call.Mutation.Arguments {
				argument.Name = prototype.Mutation.Arguments[i].Name
				argument.Default = prototype.Mutation.Arguments[i].Default
			}
			continue
		}
		// no prototype, infer defaults from the proc code
		defaults := ProcCodeDefaults(call.Mutation.ProcCode)
		if len(defaults) == len(call.Mutation.Arguments) {
			for i, argument := range call.Mutation.Arguments {
				argument.Default = defaults[i]
			}
		}
	}
}

type vlbLinker struct {
	project  *Project
	stage    *Target
	settings *LoadSettings
	// dangling ids to the stage vlb synthesized for them
	repaired map[string]*Vlb
}

func (self *vlbLinker) linkTarget(target *Target) error {
	for _, id := range sortedKeys(target.Blocks) {
		block := target.Blocks[id]
		for _, name := range sortedKeys(block.Fields) {
			field := block.Fields[name]
			kind, ok := fieldVlbKind(name)
			if !ok || field.VlbId == "" {
				continue
			}
			vlb, err := self.resolve(target, kind, field.VlbId, fmt.Sprint(field.Value))
			if err != nil {
				return fmt.Errorf("%s %s field %s: %w", target, block, name, err)
			}
			field.Vlb = vlb
		}
		for _, name := range sortedKeys(block.Inputs) {
			for _, node := range block.Inputs[name].nodes() {
				if err := self.linkPrimitive(target, node.Primitive); err != nil {
					return fmt.Errorf("%s %s input %s: %w", target, block, name, err)
				}
			}
		}
	}
	for _, id := range sortedKeys(target.Primitives) {
		if err := self.linkPrimitive(target, target.Primitives[id]); err != nil {
			return fmt.Errorf("%s primitive %s: %w", target, id, err)
		}
	}
	return nil
}

func (self *vlbLinker) linkPrimitive(target *Target, primitive *Primitive) error {
	if primitive == nil || !primitive.Kind.IsVlb() || primitive.Vlb != nil {
		return nil
	}
	kind, err := primitive.Kind.VlbKind()
	if err != nil {
		return err
	}
	vlb, err := self.resolve(target, kind, primitive.VlbId, primitive.Name)
	if err != nil {
		return err
	}
	primitive.Vlb = vlb
	return nil
}

// resolve looks in the target then the stage. A dangling reference gets a new
// stage vlb with the referenced id and name.
func (self *vlbLinker) resolve(target *Target, kind VlbKind, id string, name string) (*Vlb, error) {
	if vlb, ok := target.Vlbs[id]; ok && vlb.Kind == kind {
		return vlb, nil
	}
	if vlb, ok := self.stage.Vlbs[id]; ok && vlb.Kind == kind {
		return vlb, nil
	}
	if vlb, ok := self.repaired[id]; ok && vlb.Kind == kind {
		return vlb, nil
	}
	if !self.settings.RepairLinks {
		return nil, fmt.Errorf("%w %s %s(%s).", ErrNotFound, kind, name, id)
	}

	vlbId := id
	if _, taken := self.project.vlbById(id); taken || vlbId == "" {
		vlbId = NewId()
	}
	if name == "" {
		name = kind.String()
	}
	vlb := &Vlb{
		Kind: kind,
		Id:   vlbId,
		Name: self.stage.uniqueVlbName(kind, name),
	}
	switch kind {
	case VariableKind:
		vlb.Value = "0"
	case ListKind:
		vlb.Values = []any{}
	}
	self.stage.putVlb(vlb)
	self.repaired[id] = vlb
	glog.Warningf("[p]%s references missing %s %s(%s), created %s on the stage\n", target, kind, name, id, vlb)
	return vlb, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := maps.Keys(m)
	slices.Sort(keys)
	return keys
}
