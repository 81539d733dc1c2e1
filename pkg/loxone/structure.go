// Copyright 2025 The loxone-exporter Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package loxone

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Control types that never carry numeric state values.
var textOnlyTypes = map[string]bool{
	"TextInput": true,
	"Webpage":   true,
	"TextState": true,
}

// State names that indicate textual content.
var textStateNames = map[string]bool{
	"textAndIcon": true,
	"text":        true,
	"textColor":   true,
	"textInput":   true,
}

// Control types whose active/value states are digital (0/1).
var digitalTypes = map[string]bool{
	"Switch":           true,
	"TimedSwitch":      true,
	"Pushbutton":       true,
	"InfoOnlyDigital":  true,
	"PresenceDetector": true,
	"SmokeAlarm":       true,
}

// Room is a room entry from the structure file.
type Room struct {
	UUID string
	Name string
}

// Category is a category entry from the structure file.
type Category struct {
	UUID string
	Name string
	Type string
}

// StateEntry is a single value-bearing state of a control. Value and Text
// are nil until the first update arrives.
type StateEntry struct {
	UUID      string
	Name      string
	Value     *float64
	Text      *string
	IsDigital bool
}

// StateRef is a reverse index entry mapping a state UUID back to its
// owning control and state name. It carries the control id only, never a
// pointer, so lookups indirect through the controls map.
type StateRef struct {
	ControlUUID string
	StateName   string
}

// Control is an addressable entity on a Miniserver. Sub-controls inherit
// their parent's room and category.
type Control struct {
	UUID        string
	Name        string
	Type        string
	RoomUUID    string
	CatUUID     string
	States      map[string]*StateEntry
	SubControls []*Control
	IsTextOnly  bool
}

// Structure is the parsed form of a LoxAPP3.json structure file.
type Structure struct {
	Controls   map[string]*Control
	Rooms      map[string]Room
	Categories map[string]Category
	// Index maps every state UUID across controls and sub-controls to
	// its owner.
	Index map[string]StateRef

	Serial     string
	Firmware   string
	Generation int
}

type rawStructure struct {
	SoftwareVersion json.RawMessage            `json:"softwareVersion"`
	MsInfo          rawMsInfo                  `json:"msInfo"`
	Rooms           map[string]rawNamed        `json:"rooms"`
	Cats            map[string]rawCategory     `json:"cats"`
	Controls        map[string]json.RawMessage `json:"controls"`
}

type rawMsInfo struct {
	SerialNr       string `json:"serialNr"`
	MsName         string `json:"msName"`
	MiniserverType int    `json:"miniserverType"`
}

type rawNamed struct {
	Name string `json:"name"`
}

type rawCategory struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type rawControl struct {
	Name        string                     `json:"name"`
	Type        string                     `json:"type"`
	Room        string                     `json:"room"`
	Cat         string                     `json:"cat"`
	States      map[string]json.RawMessage `json:"states"`
	SubControls map[string]rawControl      `json:"subControls"`
}

// ParseStructure translates a LoxAPP3.json document into the typed model
// and builds the reverse state index. The parser is tolerant of missing
// fields; unknown control types pass through unchanged.
func ParseStructure(data []byte) (*Structure, error) {
	var raw rawStructure
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrap(err, "decode structure file")
	}

	s := &Structure{
		Controls:   make(map[string]*Control, len(raw.Controls)),
		Rooms:      make(map[string]Room, len(raw.Rooms)),
		Categories: make(map[string]Category, len(raw.Cats)),
		Index:      make(map[string]StateRef),
		Serial:     raw.MsInfo.SerialNr,
		Firmware:   stringFromRaw(raw.SoftwareVersion),
		Generation: raw.MsInfo.MiniserverType,
	}

	for id, r := range raw.Rooms {
		s.Rooms[id] = Room{UUID: id, Name: r.Name}
	}
	for id, c := range raw.Cats {
		s.Categories[id] = Category{UUID: id, Name: c.Name, Type: c.Type}
	}
	for id, msg := range raw.Controls {
		var rc rawControl
		if err := json.Unmarshal(msg, &rc); err != nil {
			return nil, errors.Wrapf(err, "decode control %q", id)
		}
		s.Controls[id] = parseControl(id, rc, s.Index)
	}
	return s, nil
}

func parseControl(id string, raw rawControl, index map[string]StateRef) *Control {
	c := &Control{
		UUID:       id,
		Name:       raw.Name,
		Type:       raw.Type,
		RoomUUID:   raw.Room,
		CatUUID:    raw.Cat,
		States:     make(map[string]*StateEntry, len(raw.States)),
		IsTextOnly: isTextOnly(raw.Type, raw.States),
	}
	digital := digitalTypes[raw.Type]

	for name, rawUUID := range raw.States {
		stateUUID := stringFromRaw(rawUUID)
		if stateUUID == "" {
			continue
		}
		c.States[name] = &StateEntry{
			UUID:      stateUUID,
			Name:      name,
			IsDigital: digital && (name == "active" || name == "value"),
		}
		index[stateUUID] = StateRef{ControlUUID: id, StateName: name}
	}

	for subID, subRaw := range raw.SubControls {
		sub := parseControl(subID, subRaw, index)
		sub.RoomUUID = c.RoomUUID
		sub.CatUUID = c.CatUUID
		c.SubControls = append(c.SubControls, sub)
	}
	return c
}

func isTextOnly(controlType string, states map[string]json.RawMessage) bool {
	if textOnlyTypes[controlType] {
		return true
	}
	if len(states) == 0 {
		return false
	}
	for name := range states {
		if !textStateNames[name] {
			return false
		}
	}
	return true
}

// stringFromRaw decodes a JSON scalar into its string form, accepting both
// string and numeric encodings (softwareVersion varies by firmware).
func stringFromRaw(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var v json.Number
	if err := json.Unmarshal(raw, &v); err == nil {
		return v.String()
	}
	return ""
}
