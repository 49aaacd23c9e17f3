package project

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

const StageName = "Stage"

const (
	RotationAllAround  = "all around"
	RotationLeftRight  = "left-right"
	RotationDontRotate = "don't rotate"
)

// The stage or a sprite. Entities are stored by id. Blocks and primitives
// refer to each other by pointer after linking.
type Target struct {
	IsStage bool
	Name    string

	Vlbs map[string]*Vlb
	// the block pool
	Blocks map[string]*Block
	// top level vlb primitives, which share the block pool on the wire
	Primitives map[string]*Primitive
	Comments   map[string]*Comment

	Costumes       []*Asset
	Sounds         []*Asset
	CurrentCostume int
	Volume         float64
	LayerOrder     int

	// sprite only
	Visible       bool
	X             float64
	Y             float64
	Size          float64
	Direction     float64
	Draggable     bool
	RotationStyle string

	// unknown keys and stage only keys such as tempo, written back unchanged
	Extra map[string]json.RawMessage

	project *Project
}

func newTarget(isStage bool, name string) *Target {
	return &Target{
		IsStage:    isStage,
		Name:       name,
		Vlbs:       map[string]*Vlb{},
		Blocks:     map[string]*Block{},
		Primitives: map[string]*Primitive{},
		Comments:   map[string]*Comment{},
		Costumes:   []*Asset{},
		Sounds:     []*Asset{},
		Volume:     100,
		Extra:      map[string]json.RawMessage{},
	}
}

func NewStage() *Target {
	stage := newTarget(true, StageName)
	stage.Extra["tempo"] = mustRaw(60)
	stage.Extra["videoTransparency"] = mustRaw(50)
	stage.Extra["videoState"] = mustRaw("on")
	stage.Extra["textToSpeechLanguage"] = mustRaw(nil)
	return stage
}

func NewSprite(name string) *Target {
	sprite := newTarget(false, name)
	sprite.Visible = true
	sprite.Size = 100
	sprite.Direction = 90
	sprite.RotationStyle = RotationAllAround
	sprite.LayerOrder = 1
	return sprite
}

func (self *Target) Project() *Project {
	return self.project
}

// the stage of the owning project, or nil when detached
func (self *Target) stage() *Target {
	if self.IsStage {
		return self
	}
	if self.project == nil {
		return nil
	}
	return self.project.Stage()
}

// vlbs visible from this target: owned, then the stage's
func (self *Target) visible(vlb *Vlb) bool {
	if vlb.target == nil {
		return false
	}
	return vlb.target == self || vlb.target == self.stage()
}

func (self *Target) sortedVlbs() []*Vlb {
	ids := maps.Keys(self.Vlbs)
	slices.Sort(ids)
	vlbs := make([]*Vlb, len(ids))
	for i, id := range ids {
		vlbs[i] = self.Vlbs[id]
	}
	return vlbs
}

func (self *Target) String() string {
	if self.IsStage {
		return "stage"
	}
	return fmt.Sprintf("sprite %s", self.Name)
}

var targetKeys = []string{
	"isStage", "name", "variables", "lists", "broadcasts", "blocks", "comments",
	"currentCostume", "costumes", "sounds", "volume", "layerOrder",
	"visible", "x", "y", "size", "direction", "draggable", "rotationStyle",
}

type targetJson struct {
	IsStage        bool                       `json:"isStage"`
	Name           string                     `json:"name"`
	Variables      map[string]json.RawMessage `json:"variables"`
	Lists          map[string]json.RawMessage `json:"lists"`
	Broadcasts     map[string]json.RawMessage `json:"broadcasts"`
	Blocks         map[string]json.RawMessage `json:"blocks"`
	Comments       map[string]json.RawMessage `json:"comments"`
	CurrentCostume int                        `json:"currentCostume"`
	Costumes       []json.RawMessage          `json:"costumes"`
	Sounds         []json.RawMessage          `json:"sounds"`
	Volume         float64                    `json:"volume"`
	LayerOrder     int                        `json:"layerOrder"`
	Visible        bool                       `json:"visible"`
	X              float64                    `json:"x"`
	Y              float64                    `json:"y"`
	Size           float64                    `json:"size"`
	Direction      float64                    `json:"direction"`
	Draggable      bool                       `json:"draggable"`
	RotationStyle  string                     `json:"rotationStyle"`
}

// parseTarget is the structural pass. References stay id stubs.
func parseTarget(raw json.RawMessage, source assetSource) (*Target, error) {
	var t targetJson
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("%w Target: %s", ErrBadArchive, err)
	}
	extra, err := extraKeys(raw, targetKeys)
	if err != nil {
		return nil, err
	}

	target := newTarget(t.IsStage, t.Name)
	target.Extra = extra
	target.CurrentCostume = t.CurrentCostume
	target.Volume = t.Volume
	target.LayerOrder = t.LayerOrder
	target.Visible = t.Visible
	target.X = t.X
	target.Y = t.Y
	target.Size = t.Size
	target.Direction = t.Direction
	target.Draggable = t.Draggable
	target.RotationStyle = t.RotationStyle

	if err := target.parseVlbs(&t); err != nil {
		return nil, err
	}

	for id, blockRaw := range t.Blocks {
		if err := target.parsePoolEntry(id, blockRaw); err != nil {
			return nil, fmt.Errorf("%s block %s: %w", target, id, err)
		}
	}

	for id, commentRaw := range t.Comments {
		comment, err := parseComment(id, commentRaw)
		if err != nil {
			return nil, fmt.Errorf("%w Comment %s: %s", ErrBadArchive, id, err)
		}
		target.Comments[id] = comment
	}

	for _, costumeRaw := range t.Costumes {
		costume, err := parseAsset(CostumeAsset, costumeRaw, source)
		if err != nil {
			return nil, err
		}
		target.Costumes = append(target.Costumes, costume)
	}
	for _, soundRaw := range t.Sounds {
		sound, err := parseAsset(SoundAsset, soundRaw, source)
		if err != nil {
			return nil, err
		}
		target.Sounds = append(target.Sounds, sound)
	}

	return target, nil
}

func (self *Target) parseVlbs(t *targetJson) error {
	for id, raw := range t.Variables {
		var entry []json.RawMessage
		if err := json.Unmarshal(raw, &entry); err != nil || len(entry) < 2 {
			return fmt.Errorf("%w Variable %s.", ErrBadArchive, id)
		}
		vlb := &Vlb{
			Kind: VariableKind,
			Id:   id,
		}
		if err := json.Unmarshal(entry[0], &vlb.Name); err != nil {
			return fmt.Errorf("%w Variable %s name.", ErrBadArchive, id)
		}
		value, err := decodeAny(entry[1])
		if err != nil {
			return fmt.Errorf("%w Variable %s value.", ErrBadArchive, id)
		}
		vlb.Value = value
		if 3 <= len(entry) {
			json.Unmarshal(entry[2], &vlb.IsCloud)
		}
		self.putVlb(vlb)
	}
	for id, raw := range t.Lists {
		var entry []json.RawMessage
		if err := json.Unmarshal(raw, &entry); err != nil || len(entry) < 2 {
			return fmt.Errorf("%w List %s.", ErrBadArchive, id)
		}
		vlb := &Vlb{
			Kind: ListKind,
			Id:   id,
		}
		if err := json.Unmarshal(entry[0], &vlb.Name); err != nil {
			return fmt.Errorf("%w List %s name.", ErrBadArchive, id)
		}
		values, err := decodeAny(entry[1])
		if err != nil {
			return fmt.Errorf("%w List %s values.", ErrBadArchive, id)
		}
		switch v := values.(type) {
		case []any:
			vlb.Values = v
		default:
			return fmt.Errorf("%w List %s values.", ErrBadArchive, id)
		}
		self.putVlb(vlb)
	}
	for id, raw := range t.Broadcasts {
		vlb := &Vlb{
			Kind: BroadcastKind,
			Id:   id,
		}
		if err := json.Unmarshal(raw, &vlb.Name); err != nil {
			return fmt.Errorf("%w Broadcast %s.", ErrBadArchive, id)
		}
		self.putVlb(vlb)
	}
	return nil
}

func (self *Target) putVlb(vlb *Vlb) {
	vlb.target = self
	self.Vlbs[vlb.Id] = vlb
}

// pool entries are primitives (json lists) or blocks (json objects)
func (self *Target) parsePoolEntry(id string, raw json.RawMessage) error {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "[") {
		primitive, err := parsePrimitive(raw)
		if err != nil {
			return err
		}
		if !primitive.Kind.IsVlb() {
			return fmt.Errorf("%w Top level primitive of kind %d.", ErrBadVlbPrimitive, int(primitive.Kind))
		}
		primitive.Id = id
		primitive.TopLevel = true
		self.Primitives[id] = primitive
		return nil
	}
	block, err := parseBlock(id, raw)
	if err != nil {
		return err
	}
	block.target = self
	self.Blocks[id] = block
	return nil
}

func (self *Target) toJson() map[string]any {
	obj := map[string]any{}
	for key, value := range self.Extra {
		obj[key] = value
	}

	variables := map[string]any{}
	lists := map[string]any{}
	broadcasts := map[string]any{}
	for id, vlb := range self.Vlbs {
		switch vlb.Kind {
		case VariableKind:
			if vlb.IsCloud {
				variables[id] = []any{vlb.Name, vlb.Value, true}
			} else {
				variables[id] = []any{vlb.Name, vlb.Value}
			}
		case ListKind:
			values := vlb.Values
			if values == nil {
				values = []any{}
			}
			lists[id] = []any{vlb.Name, values}
		case BroadcastKind:
			broadcasts[id] = vlb.Name
		}
	}

	blocks := map[string]any{}
	for id, block := range self.Blocks {
		blocks[id] = block.toJson()
	}
	for id, primitive := range self.Primitives {
		primitive.syncVlb()
		blocks[id] = primitive.toJson()
	}

	comments := map[string]any{}
	for id, comment := range self.Comments {
		comments[id] = comment.toJson()
	}

	costumes := make([]any, len(self.Costumes))
	for i, costume := range self.Costumes {
		costumes[i] = costume.toJson()
	}
	sounds := make([]any, len(self.Sounds))
	for i, sound := range self.Sounds {
		sounds[i] = sound.toJson()
	}

	obj["isStage"] = self.IsStage
	obj["name"] = self.Name
	obj["variables"] = variables
	obj["lists"] = lists
	obj["broadcasts"] = broadcasts
	obj["blocks"] = blocks
	obj["comments"] = comments
	obj["currentCostume"] = self.CurrentCostume
	obj["costumes"] = costumes
	obj["sounds"] = sounds
	obj["volume"] = self.Volume
	obj["layerOrder"] = self.LayerOrder
	if !self.IsStage {
		obj["visible"] = self.Visible
		obj["x"] = self.X
		obj["y"] = self.Y
		obj["size"] = self.Size
		obj["direction"] = self.Direction
		obj["draggable"] = self.Draggable
		obj["rotationStyle"] = self.RotationStyle
	}
	return obj
}
