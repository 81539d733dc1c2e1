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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testMirror(t *testing.T) *Mirror {
	t.Helper()
	s, err := ParseStructure([]byte(sampleStructure))
	require.NoError(t, err)
	m := NewMirror("home")
	m.ReplaceStructure(s)
	return m
}

func TestMirrorApplyValues(t *testing.T) {
	m := testMirror(t)
	now := time.Now()

	applied, unknown := m.ApplyValues([]ValueEvent{
		{UUID: "state-1", Value: 1},
		{UUID: "state-2", Value: 21.5},
		{UUID: "state-3", Value: 3},
		{UUID: "no-such-state", Value: 9},
	}, now)
	require.Equal(t, 3, applied)
	require.Equal(t, 1, unknown)

	m.Read(func(v MirrorView) {
		require.Equal(t, 1.0, *v.Controls["ctrl-1"].States["active"].Value)
		require.Equal(t, 21.5, *v.Controls["ctrl-2"].States["tempActual"].Value)
		require.Equal(t, 3.0, *v.Controls["ctrl-2"].SubControls[0].States["value"].Value)
		require.Equal(t, now, v.LastUpdate)
	})
}

func TestMirrorApplyValuesAdvancesLastUpdate(t *testing.T) {
	m := testMirror(t)
	first := time.Now()
	m.ApplyValues([]ValueEvent{{UUID: "state-1", Value: 1}}, first)

	second := first.Add(time.Second)
	m.ApplyValues([]ValueEvent{{UUID: "state-1", Value: 0}}, second)
	m.Read(func(v MirrorView) {
		require.Equal(t, second, v.LastUpdate)
		require.Equal(t, 0.0, *v.Controls["ctrl-1"].States["active"].Value)
	})
}

func TestMirrorApplyValuesEmptyBatch(t *testing.T) {
	m := testMirror(t)
	applied, unknown := m.ApplyValues(nil, time.Now())
	require.Zero(t, applied)
	require.Zero(t, unknown)
	m.Read(func(v MirrorView) {
		require.True(t, v.LastUpdate.IsZero())
	})
}

func TestMirrorReapplyIsIdempotent(t *testing.T) {
	m := testMirror(t)
	batch := []ValueEvent{{UUID: "state-1", Value: 1}, {UUID: "state-2", Value: 2}}

	m.ApplyValues(batch, time.Now())
	var before float64
	m.Read(func(v MirrorView) { before = *v.Controls["ctrl-1"].States["active"].Value })

	m.ApplyValues(batch, time.Now())
	m.Read(func(v MirrorView) {
		require.Equal(t, before, *v.Controls["ctrl-1"].States["active"].Value)
	})
}

func TestMirrorApplyTexts(t *testing.T) {
	m := testMirror(t)
	applied := m.ApplyTexts([]TextEvent{
		{UUID: "state-4", Text: "Alice"},
		{UUID: "no-such-state", Text: "dropped"},
	})
	require.Equal(t, 1, applied)
	m.Read(func(v MirrorView) {
		require.Equal(t, "Alice", *v.Controls["ctrl-3"].States["textAndIcon"].Text)
		require.True(t, v.LastUpdate.IsZero(), "text batches must not advance last update")
	})
}

func TestMirrorReplaceStructureResetsState(t *testing.T) {
	m := testMirror(t)
	m.ApplyValues([]ValueEvent{{UUID: "state-1", Value: 1}}, time.Now())

	s, err := ParseStructure([]byte(sampleStructure))
	require.NoError(t, err)
	m.ReplaceStructure(s)

	m.Read(func(v MirrorView) {
		require.Nil(t, v.Controls["ctrl-1"].States["active"].Value)
	})
	require.Equal(t, 2, m.Generation())
}

func TestMirrorConnectedFlag(t *testing.T) {
	m := NewMirror("home")
	m.Read(func(v MirrorView) { require.False(t, v.Connected) })
	m.SetConnected(true)
	m.Read(func(v MirrorView) { require.True(t, v.Connected) })
	m.SetConnected(false)
	m.Read(func(v MirrorView) { require.False(t, v.Connected) })
}
