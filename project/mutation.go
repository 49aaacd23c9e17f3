package project

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

const (
	OpcodeProceduresCall       = "procedures_call"
	OpcodeProceduresPrototype  = "procedures_prototype"
	OpcodeProceduresDefinition = "procedures_definition"
	OpcodeControlStop          = "control_stop"
)

// proc code parameter tokens
var procCodeArgumentPattern = regexp.MustCompile(`%[sb]`)

type MutationArgument struct {
	Id      string
	Name    string
	Default string
}

// Opcode specific metadata. Custom procedure blocks carry the proc code and
// arguments. The stop block carries `HasNext`.
type Mutation struct {
	ProcCode  string
	Warp      bool
	Arguments []*MutationArgument
	HasNext   bool

	// keys present on the wire, so that serialization writes the same set
	hasProcCode bool
	hasHasNext  bool

	// unknown keys, written back unchanged
	Extra map[string]json.RawMessage
}

func NewProcedureMutation(procCode string, warp bool, argumentNames ...string) *Mutation {
	mutation := &Mutation{
		ProcCode:    procCode,
		Warp:        warp,
		Arguments:   []*MutationArgument{},
		hasProcCode: true,
		Extra:       map[string]json.RawMessage{},
	}
	defaults := ProcCodeDefaults(procCode)
	for i, name := range argumentNames {
		argument := &MutationArgument{
			Id:   NewId(),
			Name: name,
		}
		if i < len(defaults) {
			argument.Default = defaults[i]
		}
		mutation.Arguments = append(mutation.Arguments, argument)
	}
	return mutation
}

func NewStopMutation(hasNext bool) *Mutation {
	return &Mutation{
		HasNext:    hasNext,
		hasHasNext: true,
		Extra:      map[string]json.RawMessage{},
	}
}

// ProcCodeDefaults infers argument defaults from the proc code tokens,
// `%s` is an empty string and `%b` is false.
func ProcCodeDefaults(procCode string) []string {
	defaults := []string{}
	for _, token := range procCodeArgumentPattern.FindAllString(procCode, -1) {
		switch token {
		case "%b":
			defaults = append(defaults, "false")
		default:
			defaults = append(defaults, "")
		}
	}
	return defaults
}

func (self *Mutation) ArgumentIds() []string {
	argumentIds := make([]string, len(self.Arguments))
	for i, argument := range self.Arguments {
		argumentIds[i] = argument.Id
	}
	return argumentIds
}

func (self *Mutation) ArgumentNames() []string {
	argumentNames := make([]string, len(self.Arguments))
	for i, argument := range self.Arguments {
		argumentNames[i] = argument.Name
	}
	return argumentNames
}

func (self *Mutation) ArgumentDefaults() []string {
	argumentDefaults := make([]string, len(self.Arguments))
	for i, argument := range self.Arguments {
		argumentDefaults[i] = argument.Default
	}
	return argumentDefaults
}

func (self *Mutation) hasArgumentIds(argumentIds []string) bool {
	if len(self.Arguments) != len(argumentIds) {
		return false
	}
	for i, argument := range self.Arguments {
		if argument.Id != argumentIds[i] {
			return false
		}
	}
	return true
}

// mutation wire values are strings, json lists are string encoded.
// Some writers use json bools for the flags.
func parseMutation(raw json.RawMessage) (*Mutation, error) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("%w Mutation: %s", ErrBadArchive, err)
	}
	mutation := &Mutation{
		Arguments: []*MutationArgument{},
		Extra:     map[string]json.RawMessage{},
	}

	// the xml shape is implied
	delete(obj, "tagName")
	delete(obj, "children")

	if procCodeRaw, ok := obj["proccode"]; ok {
		delete(obj, "proccode")
		if err := json.Unmarshal(procCodeRaw, &mutation.ProcCode); err != nil {
			return nil, fmt.Errorf("%w proccode: %s", ErrBadArchive, err)
		}
		mutation.hasProcCode = true
	}
	if warpRaw, ok := obj["warp"]; ok {
		delete(obj, "warp")
		warp, err := parseFlag(warpRaw)
		if err != nil {
			return nil, err
		}
		mutation.Warp = warp
	}
	if hasNextRaw, ok := obj["hasnext"]; ok {
		delete(obj, "hasnext")
		hasNext, err := parseFlag(hasNextRaw)
		if err != nil {
			return nil, err
		}
		mutation.HasNext = hasNext
		mutation.hasHasNext = true
	}

	argumentIds, err := takeStringList(obj, "argumentids")
	if err != nil {
		return nil, err
	}
	argumentNames, err := takeStringList(obj, "argumentnames")
	if err != nil {
		return nil, err
	}
	argumentDefaults, err := takeStringList(obj, "argumentdefaults")
	if err != nil {
		return nil, err
	}
	for i, argumentId := range argumentIds {
		argument := &MutationArgument{
			Id: argumentId,
		}
		if i < len(argumentNames) {
			argument.Name = argumentNames[i]
		}
		if i < len(argumentDefaults) {
			argument.Default = argumentDefaults[i]
		}
		mutation.Arguments = append(mutation.Arguments, argument)
	}

	for key, value := range obj {
		mutation.Extra[key] = value
	}
	return mutation, nil
}

func parseFlag(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return false, fmt.Errorf("%w Flag %s.", ErrBadArchive, string(raw))
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%w Flag %s.", ErrBadArchive, s)
	}
	return b, nil
}

// a json list encoded in a json string
func takeStringList(obj map[string]json.RawMessage, key string) ([]string, error) {
	raw, ok := obj[key]
	if !ok {
		return []string{}, nil
	}
	delete(obj, key)
	var encoded string
	if err := json.Unmarshal(raw, &encoded); err != nil {
		return nil, fmt.Errorf("%w %s: %s", ErrBadArchive, key, err)
	}
	values := []any{}
	if err := json.Unmarshal([]byte(encoded), &values); err != nil {
		return nil, fmt.Errorf("%w %s: %s", ErrBadArchive, key, err)
	}
	strs := make([]string, len(values))
	for i, value := range values {
		switch v := value.(type) {
		case string:
			strs[i] = v
		case nil:
			strs[i] = ""
		default:
			strs[i] = fmt.Sprint(v)
		}
	}
	return strs, nil
}

func encodeStringList(values []string) string {
	b, _ := json.Marshal(values)
	return string(b)
}

// call mutations omit names and defaults, they are resolved from the prototype
func (self *Mutation) toJson(opcode string) map[string]any {
	obj := map[string]any{}
	for key, value := range self.Extra {
		obj[key] = value
	}
	obj["tagName"] = "mutation"
	obj["children"] = []any{}

	switch opcode {
	case OpcodeProceduresPrototype:
		obj["proccode"] = self.ProcCode
		obj["argumentids"] = encodeStringList(self.ArgumentIds())
		obj["argumentnames"] = encodeStringList(self.ArgumentNames())
		obj["argumentdefaults"] = encodeStringList(self.ArgumentDefaults())
		obj["warp"] = strconv.FormatBool(self.Warp)
	case OpcodeProceduresCall:
		obj["proccode"] = self.ProcCode
		obj["argumentids"] = encodeStringList(self.ArgumentIds())
		obj["warp"] = strconv.FormatBool(self.Warp)
	default:
		if self.hasProcCode {
			obj["proccode"] = self.ProcCode
			obj["argumentids"] = encodeStringList(self.ArgumentIds())
			obj["warp"] = strconv.FormatBool(self.Warp)
		}
	}
	if self.hasHasNext || opcode == OpcodeControlStop {
		obj["hasnext"] = strconv.FormatBool(self.HasNext)
	}
	return obj
}
