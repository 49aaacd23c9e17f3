package project

import (
	"encoding/json"
)

// A free standing or block anchored comment.
type Comment struct {
	Id string
	// id stub for the anchor block
	BlockId string
	Block   *Block

	X         float64
	Y         float64
	Width     float64
	Height    float64
	Minimized bool
	Text      string

	Extra map[string]json.RawMessage
}

func NewComment(text string, x float64, y float64) *Comment {
	return &Comment{
		Id:     NewId(),
		X:      x,
		Y:      y,
		Width:  200,
		Height: 200,
		Text:   text,
		Extra:  map[string]json.RawMessage{},
	}
}

func (self *Comment) syncBlock() {
	if self.Block != nil {
		self.BlockId = self.Block.Id
	}
}

type commentJson struct {
	BlockId   *string  `json:"blockId"`
	X         *float64 `json:"x"`
	Y         *float64 `json:"y"`
	Width     float64  `json:"width"`
	Height    float64  `json:"height"`
	Minimized bool     `json:"minimized"`
	Text      string   `json:"text"`
}

var commentKeys = []string{"blockId", "x", "y", "width", "height", "minimized", "text"}

func parseComment(id string, raw json.RawMessage) (*Comment, error) {
	var c commentJson
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	extra, err := extraKeys(raw, commentKeys)
	if err != nil {
		return nil, err
	}
	comment := &Comment{
		Id:        id,
		Width:     c.Width,
		Height:    c.Height,
		Minimized: c.Minimized,
		Text:      c.Text,
		Extra:     extra,
	}
	if c.BlockId != nil {
		comment.BlockId = *c.BlockId
	}
	if c.X != nil {
		comment.X = *c.X
	}
	if c.Y != nil {
		comment.Y = *c.Y
	}
	return comment, nil
}

func (self *Comment) toJson() map[string]any {
	obj := map[string]any{}
	for key, value := range self.Extra {
		obj[key] = value
	}
	self.syncBlock()
	if self.BlockId == "" {
		obj["blockId"] = nil
	} else {
		obj["blockId"] = self.BlockId
	}
	obj["x"] = self.X
	obj["y"] = self.Y
	obj["width"] = self.Width
	obj["height"] = self.Height
	obj["minimized"] = self.Minimized
	obj["text"] = self.Text
	return obj
}
