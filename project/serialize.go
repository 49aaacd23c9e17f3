package project

import (
	"bytes"
	"context"
	"encoding/json"
	"os"

	"github.com/golang/glog"
)

func (self *Primitive) toJson() []any {
	if !self.Kind.IsVlb() {
		return []any{int(self.Kind), self.Value}
	}
	if self.TopLevel {
		return []any{int(self.Kind), self.Name, self.VlbId, self.X, self.Y}
	}
	return []any{int(self.Kind), self.Name, self.VlbId}
}

func (self *InputNode) toJson() any {
	if self == nil {
		return nil
	}
	if self.Primitive != nil && !self.Primitive.TopLevel {
		self.Primitive.syncVlb()
		return self.Primitive.toJson()
	}
	return self.ref()
}

func (self *Input) toJson() []any {
	if self.Status == Obscured {
		return []any{int(self.Status), self.Obscurer.toJson(), self.Value.toJson()}
	}
	return []any{int(self.Status), self.Value.toJson()}
}

func (self *Field) toJson() []any {
	self.syncVlb()
	if self.VlbId == "" {
		return []any{self.Value, nil}
	}
	return []any{self.Value, self.VlbId}
}

// only top level blocks write a position. Null mutations are elided.
func (self *Block) toJson() map[string]any {
	self.syncIds()

	inputs := map[string]any{}
	for name, input := range self.Inputs {
		inputs[name] = input.toJson()
	}
	fields := map[string]any{}
	for name, field := range self.Fields {
		fields[name] = field.toJson()
	}

	obj := map[string]any{
		"opcode":   self.Opcode,
		"next":     nullableId(self.NextId),
		"parent":   nullableId(self.ParentId),
		"inputs":   inputs,
		"fields":   fields,
		"shadow":   self.Shadow,
		"topLevel": self.TopLevel,
	}
	if self.TopLevel {
		obj["x"] = self.X
		obj["y"] = self.Y
	}
	if self.Mutation != nil {
		obj["mutation"] = self.Mutation.toJson(self.Opcode)
	}
	if self.CommentId != "" {
		obj["comment"] = self.CommentId
	}
	return obj
}

func nullableId(id string) any {
	if id == "" {
		return nil
	}
	return id
}

func (self *Meta) toJson() map[string]any {
	obj := map[string]any{}
	for key, value := range self.Extra {
		obj[key] = value
	}
	obj["semver"] = self.Semver
	obj["vm"] = self.Vm
	obj["agent"] = self.Agent
	if self.Platform != nil {
		obj["platform"] = self.Platform
	}
	return obj
}

// ProjectJson writes `project.json`. Object keys are sorted so equal projects
// produce equal bytes.
func (self *Project) ProjectJson() ([]byte, error) {
	obj := map[string]any{}
	for key, value := range self.Extra {
		obj[key] = value
	}

	targets := make([]any, len(self.Targets))
	for i, target := range self.Targets {
		targets[i] = target.toJson()
	}
	monitors := make([]any, len(self.Monitors))
	for i, monitor := range self.Monitors {
		monitors[i] = monitor.toJson()
	}
	extensions := self.Extensions
	if extensions == nil {
		extensions = []string{}
	}
	meta := self.Meta
	if meta == nil {
		meta = DefaultMeta()
	}

	obj["targets"] = targets
	obj["monitors"] = monitors
	obj["extensions"] = extensions
	obj["meta"] = meta.toJson()

	buffer := &bytes.Buffer{}
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(obj); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buffer.Bytes(), []byte("\n")), nil
}

// Serialize writes the project archive. Asset bodies that were not loaded yet
// are read from their source.
func (self *Project) Serialize(ctx context.Context) ([]byte, error) {
	projectJson, err := self.ProjectJson()
	if err != nil {
		return nil, err
	}
	assets := self.Assets()
	archive, err := writeArchive(ctx, projectJson, assets)
	if err != nil {
		return nil, err
	}
	glog.V(1).Infof("[p]serialized %d targets, %d assets, %d bytes\n", len(self.Targets), len(assets), len(archive))
	return archive, nil
}

func (self *Project) SaveFile(ctx context.Context, path string) error {
	archive, err := self.Serialize(ctx)
	if err != nil {
		return err
	}
	return os.WriteFile(path, archive, 0644)
}
