package project

import (
	"encoding/json"
)

// A stage display cell for a variable, list, or reporter.
// Geometry and display state are carried through unchanged.
type Monitor struct {
	Id     string
	Mode   string
	Opcode string
	Params map[string]any
	// nil for stage monitors
	SpriteName *string
	Visible    bool

	Extra map[string]json.RawMessage
}

var monitorKeys = []string{"id", "mode", "opcode", "params", "spriteName", "visible"}

// variable and list monitors share the id of their vlb
func (self *Monitor) VlbId() (string, bool) {
	switch self.Opcode {
	case "data_variable", "data_listcontents":
		return self.Id, true
	default:
		return "", false
	}
}

func parseMonitor(raw json.RawMessage) (*Monitor, error) {
	var m struct {
		Id         string         `json:"id"`
		Mode       string         `json:"mode"`
		Opcode     string         `json:"opcode"`
		Params     map[string]any `json:"params"`
		SpriteName *string        `json:"spriteName"`
		Visible    bool           `json:"visible"`
	}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	extra, err := extraKeys(raw, monitorKeys)
	if err != nil {
		return nil, err
	}
	if m.Params == nil {
		m.Params = map[string]any{}
	}
	return &Monitor{
		Id:         m.Id,
		Mode:       m.Mode,
		Opcode:     m.Opcode,
		Params:     m.Params,
		SpriteName: m.SpriteName,
		Visible:    m.Visible,
		Extra:      extra,
	}, nil
}

func (self *Monitor) toJson() map[string]any {
	obj := map[string]any{}
	for key, value := range self.Extra {
		obj[key] = value
	}
	obj["id"] = self.Id
	obj["mode"] = self.Mode
	obj["opcode"] = self.Opcode
	obj["params"] = self.Params
	obj["spriteName"] = self.SpriteName
	obj["visible"] = self.Visible
	return obj
}
