package project

import (
	"strings"
)

type ShapeKind int

const (
	StackShape    ShapeKind = 0
	HatShape      ShapeKind = 1
	CapShape      ShapeKind = 2
	BooleanShape  ShapeKind = 3
	ReporterShape ShapeKind = 4
)

func (self ShapeKind) String() string {
	switch self {
	case HatShape:
		return "hat"
	case CapShape:
		return "cap"
	case BooleanShape:
		return "boolean"
	case ReporterShape:
		return "reporter"
	default:
		return "stack"
	}
}

type BlockShape struct {
	Kind ShapeKind
	// a block can attach above
	AttachableTop bool
	// a block can attach below
	AttachableBottom bool
}

func newBlockShape(kind ShapeKind) BlockShape {
	switch kind {
	case HatShape:
		return BlockShape{Kind: kind, AttachableTop: false, AttachableBottom: true}
	case CapShape:
		return BlockShape{Kind: kind, AttachableTop: true, AttachableBottom: false}
	case StackShape:
		return BlockShape{Kind: kind, AttachableTop: true, AttachableBottom: true}
	default:
		return BlockShape{Kind: kind, AttachableTop: false, AttachableBottom: false}
	}
}

var hatOpcodes = map[string]bool{
	"event_whenflagclicked":              true,
	"event_whenkeypressed":               true,
	"event_whenthisspriteclicked":        true,
	"event_whenstageclicked":             true,
	"event_whenbackdropswitchesto":       true,
	"event_whengreaterthan":              true,
	"event_whenbroadcastreceived":        true,
	"event_whentouchingobject":           true,
	"control_start_as_clone":             true,
	"procedures_definition":              true,
	"videoSensing_whenMotionGreaterThan": true,
	"makeymakey_whenMakeyKeyPressed":     true,
	"makeymakey_whenCodePressed":         true,
	"microbit_whenButtonPressed":         true,
	"microbit_whenGesture":               true,
	"microbit_whenTilted":                true,
	"microbit_whenPinConnected":          true,
	"ev3_whenButtonPressed":              true,
	"ev3_whenDistanceLessThan":           true,
	"ev3_whenBrightnessLessThan":         true,
	"boost_whenColor":                    true,
	"boost_whenTilted":                   true,
	"wedo2_whenDistance":                 true,
	"wedo2_whenTilted":                   true,
	"gdxfor_whenGesture":                 true,
	"gdxfor_whenForcePushedOrPulled":     true,
	"gdxfor_whenTilted":                  true,
}

var capOpcodes = map[string]bool{
	"control_forever":           true,
	"control_delete_this_clone": true,
}

var booleanOpcodes = map[string]bool{
	"operator_gt":                  true,
	"operator_lt":                  true,
	"operator_equals":              true,
	"operator_and":                 true,
	"operator_or":                  true,
	"operator_not":                 true,
	"operator_contains":            true,
	"sensing_touchingobject":       true,
	"sensing_touchingcolor":        true,
	"sensing_coloristouchingcolor": true,
	"sensing_keypressed":           true,
	"sensing_mousedown":            true,
	"data_listcontainsitem":        true,
	"argument_reporter_boolean":    true,
	"microbit_isButtonPressed":     true,
	"microbit_isTilted":            true,
	"ev3_buttonPressed":            true,
	"boost_seeingColor":            true,
	"wedo2_isTilted":               true,
	"gdxfor_isTilted":              true,
	"gdxfor_isFreeFalling":         true,
}

var reporterOpcodes = map[string]bool{
	"motion_xposition":                true,
	"motion_yposition":                true,
	"motion_direction":                true,
	"looks_costumenumbername":         true,
	"looks_backdropnumbername":        true,
	"looks_size":                      true,
	"sound_volume":                    true,
	"sensing_distanceto":              true,
	"sensing_answer":                  true,
	"sensing_mousex":                  true,
	"sensing_mousey":                  true,
	"sensing_loudness":                true,
	"sensing_timer":                   true,
	"sensing_of":                      true,
	"sensing_current":                 true,
	"sensing_dayssince2000":           true,
	"sensing_username":                true,
	"operator_add":                    true,
	"operator_subtract":               true,
	"operator_multiply":               true,
	"operator_divide":                 true,
	"operator_random":                 true,
	"operator_join":                   true,
	"operator_letter_of":              true,
	"operator_length":                 true,
	"operator_mod":                    true,
	"operator_round":                  true,
	"operator_mathop":                 true,
	"data_variable":                   true,
	"data_listcontents":               true,
	"data_itemoflist":                 true,
	"data_itemnumoflist":              true,
	"data_lengthoflist":               true,
	"argument_reporter_string_number": true,
	"procedures_prototype":            true,
	"music_getTempo":                  true,
	"videoSensing_videoOn":            true,
	"translate_getTranslate":          true,
	"translate_getViewerLanguage":     true,
	"microbit_getTiltAngle":           true,
	"ev3_getMotorPosition":            true,
	"ev3_getDistance":                 true,
	"ev3_getBrightness":               true,
	"boost_getMotorPosition":          true,
	"boost_getTiltAngle":              true,
	"wedo2_getDistance":               true,
	"wedo2_getTiltAngle":              true,
	"gdxfor_getForce":                 true,
	"gdxfor_getTilt":                  true,
	"gdxfor_getSpinSpeed":             true,
	"gdxfor_getAcceleration":          true,
	"makeymakey_menu_KEY":             true,
	"sensing_touchingobjectmenu":      true,
	"sensing_distancetomenu":          true,
	"sensing_keyoptions":              true,
	"sensing_of_object_menu":          true,
	"motion_goto_menu":                true,
	"motion_glideto_menu":             true,
	"motion_pointtowards_menu":        true,
	"looks_costume":                   true,
	"looks_backdrops":                 true,
	"sound_sounds_menu":               true,
	"control_create_clone_of_menu":    true,
	"pen_menu_colorParam":             true,
	"music_menu_DRUM":                 true,
	"music_menu_INSTRUMENT":           true,
	"videoSensing_menu_ATTRIBUTE":     true,
	"videoSensing_menu_SUBJECT":       true,
	"videoSensing_menu_VIDEO_STATE":   true,
	"text2speech_menu_voices":         true,
	"text2speech_menu_languages":      true,
	"translate_menu_languages":        true,
	"event_broadcast_menu":            true,
	"note":                            true,
	"colour_picker":                   true,
	"math_number":                     true,
	"math_positive_number":            true,
	"math_whole_number":               true,
	"math_integer":                    true,
	"math_angle":                      true,
	"text":                            true,
	"matrix":                          true,
}

// ShapeOf looks up the static shape of an opcode. The stop block is a cap unless
// its mutation says a block may follow. Shadow blocks are reporters.
// Unknown opcodes are stacks.
func ShapeOf(block *Block) BlockShape {
	return opcodeShape(block.Opcode, block.Mutation, block.Shadow)
}

func opcodeShape(opcode string, mutation *Mutation, shadow bool) BlockShape {
	switch {
	case opcode == OpcodeControlStop:
		if mutation != nil && mutation.HasNext {
			return newBlockShape(StackShape)
		}
		return newBlockShape(CapShape)
	case hatOpcodes[opcode]:
		return newBlockShape(HatShape)
	case capOpcodes[opcode]:
		return newBlockShape(CapShape)
	case booleanOpcodes[opcode]:
		return newBlockShape(BooleanShape)
	case shadow, reporterOpcodes[opcode]:
		return newBlockShape(ReporterShape)
	case strings.Contains(opcode, "_menu_"):
		return newBlockShape(ReporterShape)
	default:
		return newBlockShape(StackShape)
	}
}
