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
	"sync"
	"time"
)

// Mirror holds the live in-memory state of one Miniserver. It is created
// once per configured Miniserver and retained for the process lifetime.
// The session runner is the single writer; the metric projector and the
// OTLP push loop read it through View. The controls, rooms and categories
// maps are replaced wholesale on every successful (re)connection and never
// mutated in place after a disconnect.
type Mirror struct {
	name string

	mu         sync.RWMutex
	controls   map[string]*Control
	rooms      map[string]Room
	categories map[string]Category
	index      map[string]StateRef
	connected  bool
	lastUpdate time.Time
	serial     string
	firmware   string
	generation int
}

// MirrorView is a read-locked view of a Mirror. It must not be retained
// past the Read callback.
type MirrorView struct {
	Name       string
	Controls   map[string]*Control
	Rooms      map[string]Room
	Categories map[string]Category
	Connected  bool
	LastUpdate time.Time
	Serial     string
	Firmware   string
}

// NewMirror returns an empty mirror for the named Miniserver.
func NewMirror(name string) *Mirror {
	return &Mirror{
		name:       name,
		controls:   map[string]*Control{},
		rooms:      map[string]Room{},
		categories: map[string]Category{},
		index:      map[string]StateRef{},
	}
}

// Name returns the configured Miniserver name.
func (m *Mirror) Name() string { return m.name }

// Read invokes fn with a consistent view of the mirror. The read lock is
// held for the duration of fn, so fn must not block on I/O.
func (m *Mirror) Read(fn func(MirrorView)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fn(MirrorView{
		Name:       m.name,
		Controls:   m.controls,
		Rooms:      m.rooms,
		Categories: m.categories,
		Connected:  m.connected,
		LastUpdate: m.lastUpdate,
		Serial:     m.serial,
		Firmware:   m.firmware,
	})
}

// ReplaceStructure swaps in a freshly parsed structure. Readers that hold
// the previous maps keep a consistent view until they release them.
func (m *Mirror) ReplaceStructure(s *Structure) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.controls = s.Controls
	m.rooms = s.Rooms
	m.categories = s.Categories
	m.index = s.Index
	m.serial = s.Serial
	m.firmware = s.Firmware
	m.generation = s.Generation
}

// Generation reports the controller generation from the last structure
// load (2 for Miniserver Gen2).
func (m *Mirror) Generation() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// SetConnected flips the connection flag. It is cleared by the session
// runner on every exit path before the backoff sleep.
func (m *Mirror) SetConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

// ApplyValues writes a decoded VALUE_STATES batch into the mirror and
// returns how many events resolved through the reverse index. Unknown
// state UUIDs are skipped, never an error. The last-update timestamp
// advances whenever the batch is non-empty.
func (m *Mirror) ApplyValues(events []ValueEvent, now time.Time) (applied, unknown int) {
	if len(events) == 0 {
		return 0, 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		entry, ok := m.resolve(ev.UUID)
		if !ok {
			unknown++
			continue
		}
		v := ev.Value
		entry.Value = &v
		applied++
	}
	m.lastUpdate = now
	return applied, unknown
}

// ApplyTexts writes a decoded TEXT_STATES batch into the mirror.
func (m *Mirror) ApplyTexts(events []TextEvent) (applied int) {
	if len(events) == 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		entry, ok := m.resolve(ev.UUID)
		if !ok {
			continue
		}
		t := ev.Text
		entry.Text = &t
		applied++
	}
	return applied
}

// resolve looks up a state UUID via the reverse index. Top-level controls
// are the common case; sub-controls are found by scanning their parent
// lists. Callers must hold the write lock.
func (m *Mirror) resolve(stateUUID string) (*StateEntry, bool) {
	ref, ok := m.index[stateUUID]
	if !ok {
		return nil, false
	}
	if ctrl, ok := m.controls[ref.ControlUUID]; ok {
		if entry, ok := ctrl.States[ref.StateName]; ok {
			return entry, true
		}
	}
	for _, parent := range m.controls {
		for _, sub := range parent.SubControls {
			if sub.UUID != ref.ControlUUID {
				continue
			}
			if entry, ok := sub.States[ref.StateName]; ok {
				return entry, true
			}
		}
	}
	return nil, false
}
