package project

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"slices"

	"github.com/golang/glog"
)

type LoadSettings struct {
	// reads asset bodies when the input is plain json. Nil leaves assets unloadable.
	AssetFetcher *AssetFetcher
	// synthesize stage vlbs for dangling references instead of failing
	RepairLinks bool
}

func DefaultLoadSettings() *LoadSettings {
	return &LoadSettings{
		AssetFetcher: NewAssetFetcherWithDefaults(),
		RepairLinks:  true,
	}
}

// Parse reads a project archive, or plain project json.
func Parse(data []byte) (*Project, error) {
	return ParseWithSettings(data, DefaultLoadSettings())
}

func ParseWithSettings(data []byte, settings *LoadSettings) (*Project, error) {
	projectJson, source, err := readArchive(data)
	if err != nil {
		return nil, err
	}
	if source == nil && settings.AssetFetcher != nil {
		source = settings.AssetFetcher
	}
	project, err := parseProject(projectJson, source)
	if err != nil {
		return nil, err
	}
	if err := project.link(settings); err != nil {
		return nil, err
	}
	glog.V(1).Infof("[p]parsed %d targets\n", len(project.Targets))
	return project, nil
}

func LoadFile(path string) (*Project, error) {
	return LoadFileWithSettings(path, DefaultLoadSettings())
}

func LoadFileWithSettings(path string, settings *LoadSettings) (*Project, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseWithSettings(data, settings)
}

var projectKeys = []string{"targets", "monitors", "extensions", "meta"}

var metaKeys = []string{"semver", "vm", "agent", "platform"}

// parseProject is the structural pass over project json
func parseProject(projectJson []byte, source assetSource) (*Project, error) {
	var p struct {
		Targets    []json.RawMessage `json:"targets"`
		Monitors   []json.RawMessage `json:"monitors"`
		Extensions []string          `json:"extensions"`
		Meta       json.RawMessage   `json:"meta"`
	}
	if err := json.Unmarshal(projectJson, &p); err != nil {
		return nil, fmt.Errorf("%w %s", ErrBadArchive, err)
	}
	extra, err := extraKeys(projectJson, projectKeys)
	if err != nil {
		return nil, err
	}

	project := &Project{
		Targets:    []*Target{},
		Monitors:   []*Monitor{},
		Extensions: p.Extensions,
		Meta:       DefaultMeta(),

		MaxCloudVariables: DefaultMaxCloudVariables,

		Extra: extra,
	}
	if project.Extensions == nil {
		project.Extensions = []string{}
	}

	if len(p.Meta) != 0 {
		meta, err := parseMeta(p.Meta)
		if err != nil {
			return nil, err
		}
		project.Meta = meta
	}

	for _, targetRaw := range p.Targets {
		target, err := parseTarget(targetRaw, source)
		if err != nil {
			return nil, err
		}
		target.project = project
		project.Targets = append(project.Targets, target)
	}
	// the stage is always first on the wire
	slices.SortStableFunc(project.Targets, func(a *Target, b *Target) int {
		switch {
		case a.IsStage && !b.IsStage:
			return -1
		case !a.IsStage && b.IsStage:
			return 1
		default:
			return 0
		}
	})

	for _, monitorRaw := range p.Monitors {
		monitor, err := parseMonitor(monitorRaw)
		if err != nil {
			return nil, fmt.Errorf("%w Monitor: %s", ErrBadArchive, err)
		}
		project.Monitors = append(project.Monitors, monitor)
	}

	return project, nil
}

func parseMeta(raw json.RawMessage) (*Meta, error) {
	var m struct {
		Semver   string    `json:"semver"`
		Vm       string    `json:"vm"`
		Agent    string    `json:"agent"`
		Platform *Platform `json:"platform"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("%w Meta: %s", ErrBadArchive, err)
	}
	extra, err := extraKeys(raw, metaKeys)
	if err != nil {
		return nil, err
	}
	return &Meta{
		Semver:   m.Semver,
		Vm:       m.Vm,
		Agent:    m.Agent,
		Platform: m.Platform,
		Extra:    extra,
	}, nil
}

type blockJson struct {
	Opcode   string                     `json:"opcode"`
	Next     *string                    `json:"next"`
	Parent   *string                    `json:"parent"`
	Inputs   map[string]json.RawMessage `json:"inputs"`
	Fields   map[string]json.RawMessage `json:"fields"`
	Shadow   bool                       `json:"shadow"`
	TopLevel bool                       `json:"topLevel"`
	X        *float64                   `json:"x"`
	Y        *float64                   `json:"y"`
	Mutation json.RawMessage            `json:"mutation"`
	Comment  *string                    `json:"comment"`
}

func parseBlock(id string, raw json.RawMessage) (*Block, error) {
	var b blockJson
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("%w %s", ErrBadArchive, err)
	}
	block := &Block{
		Id:       id,
		Opcode:   b.Opcode,
		Shadow:   b.Shadow,
		TopLevel: b.TopLevel,
		Inputs:   map[string]*Input{},
		Fields:   map[string]*Field{},
	}
	if b.Next != nil {
		block.NextId = *b.Next
	}
	if b.Parent != nil {
		block.ParentId = *b.Parent
	}
	if b.Comment != nil {
		block.CommentId = *b.Comment
	}
	if block.TopLevel {
		if b.X != nil {
			block.X = *b.X
		}
		if b.Y != nil {
			block.Y = *b.Y
		}
	}
	if len(b.Mutation) != 0 && string(b.Mutation) != "null" {
		mutation, err := parseMutation(b.Mutation)
		if err != nil {
			return nil, err
		}
		block.Mutation = mutation
	}
	for name, inputRaw := range b.Inputs {
		input, err := parseInput(inputRaw)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", name, err)
		}
		block.Inputs[name] = input
	}
	for name, fieldRaw := range b.Fields {
		field, err := parseField(fieldRaw)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", name, err)
		}
		block.Fields[name] = field
	}
	return block, nil
}

// `[status, value]` or `[3, obscurer, value]`
func parseInput(raw json.RawMessage) (*Input, error) {
	var entry []json.RawMessage
	if err := json.Unmarshal(raw, &entry); err != nil || len(entry) < 1 {
		return nil, fmt.Errorf("%w Input %s.", ErrBadArchive, string(raw))
	}
	var status int
	if err := json.Unmarshal(entry[0], &status); err != nil {
		return nil, fmt.Errorf("%w Input status %s.", ErrBadArchive, string(entry[0]))
	}
	input := &Input{
		Status: ShadowStatus(status),
	}
	switch input.Status {
	case ShadowOnly, NoShadow:
		if 2 <= len(entry) {
			value, err := parseInputNode(entry[1])
			if err != nil {
				return nil, err
			}
			input.Value = value
		}
	case Obscured:
		if 2 <= len(entry) {
			obscurer, err := parseInputNode(entry[1])
			if err != nil {
				return nil, err
			}
			input.Obscurer = obscurer
		}
		if 3 <= len(entry) {
			value, err := parseInputNode(entry[2])
			if err != nil {
				return nil, err
			}
			input.Value = value
		}
	default:
		return nil, fmt.Errorf("%w Input status %d.", ErrBadArchive, status)
	}
	return input, nil
}

// null, an id, or an inline primitive
func parseInputNode(raw json.RawMessage) (*InputNode, error) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case bytes.Equal(trimmed, []byte("null")):
		return nil, nil
	case bytes.HasPrefix(trimmed, []byte("[")):
		primitive, err := parsePrimitive(raw)
		if err != nil {
			return nil, err
		}
		return &InputNode{
			Primitive: primitive,
		}, nil
	default:
		var id string
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("%w Input node %s.", ErrBadArchive, string(raw))
		}
		return &InputNode{
			Id: id,
		}, nil
	}
}

// `[kind, value]`, `[kind, name, id]`, or top level `[kind, name, id, x, y]`
func parsePrimitive(raw json.RawMessage) (*Primitive, error) {
	var entry []json.RawMessage
	if err := json.Unmarshal(raw, &entry); err != nil || len(entry) < 2 {
		return nil, fmt.Errorf("%w Primitive %s.", ErrBadArchive, string(raw))
	}
	var kind int
	if err := json.Unmarshal(entry[0], &kind); err != nil || !validPrimitiveKind(kind) {
		return nil, fmt.Errorf("%w Kind %s.", ErrBadVlbPrimitive, string(entry[0]))
	}
	primitive := &Primitive{
		Kind: PrimitiveKind(kind),
	}
	if !primitive.Kind.IsVlb() {
		value, err := decodeAny(entry[1])
		if err != nil {
			return nil, fmt.Errorf("%w Primitive value %s.", ErrBadArchive, string(entry[1]))
		}
		primitive.Value = value
		return primitive, nil
	}

	if len(entry) < 3 {
		return nil, fmt.Errorf("%w Missing id in %s.", ErrBadVlbPrimitive, string(raw))
	}
	if err := json.Unmarshal(entry[1], &primitive.Name); err != nil {
		return nil, fmt.Errorf("%w Name %s.", ErrBadVlbPrimitive, string(entry[1]))
	}
	if err := json.Unmarshal(entry[2], &primitive.VlbId); err != nil {
		return nil, fmt.Errorf("%w Id %s.", ErrBadVlbPrimitive, string(entry[2]))
	}
	if 5 <= len(entry) {
		json.Unmarshal(entry[3], &primitive.X)
		json.Unmarshal(entry[4], &primitive.Y)
	}
	return primitive, nil
}

// `[value]` or `[value, id|null]`
func parseField(raw json.RawMessage) (*Field, error) {
	var entry []json.RawMessage
	if err := json.Unmarshal(raw, &entry); err != nil || len(entry) < 1 {
		return nil, fmt.Errorf("%w Field %s.", ErrBadArchive, string(raw))
	}
	value, err := decodeAny(entry[0])
	if err != nil {
		return nil, fmt.Errorf("%w Field value %s.", ErrBadArchive, string(entry[0]))
	}
	field := &Field{
		Value: value,
	}
	if 2 <= len(entry) {
		var id *string
		if err := json.Unmarshal(entry[1], &id); err != nil {
			return nil, fmt.Errorf("%w Field id %s.", ErrBadArchive, string(entry[1]))
		}
		if id != nil {
			field.VlbId = *id
		}
	}
	return field, nil
}

// numbers stay `json.Number` so they are written back unchanged
func decodeAny(raw json.RawMessage) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	return value, nil
}

// extraKeys returns the members of a json object that are not in `known`
func extraKeys(raw json.RawMessage, known []string) (map[string]json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w %s", ErrBadArchive, err)
	}
	for _, key := range known {
		delete(obj, key)
	}
	return obj, nil
}
