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

// Package export projects Miniserver mirrors into Prometheus metric
// families and maintains the exporter's own health metrics.
package export

import (
	"time"

	"github.com/gobwas/glob"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/version"

	"github.com/loxone-community/loxone-exporter/pkg/loxone"
)

var (
	controlValueDesc = prometheus.NewDesc(
		"loxone_control_value",
		"Current numeric value of a control state.",
		[]string{"miniserver", "name", "room", "category", "type", "subcontrol"}, nil)

	controlInfoDesc = prometheus.NewDesc(
		"loxone_control_info",
		"Current text value of a control state, carried in the value label.",
		[]string{"miniserver", "name", "room", "category", "type", "subcontrol", "value"}, nil)

	connectedDesc = prometheus.NewDesc(
		"loxone_exporter_connected",
		"Whether the Miniserver session is currently inside its receive loop.",
		[]string{"miniserver"}, nil)

	lastUpdateDesc = prometheus.NewDesc(
		"loxone_exporter_last_update_timestamp_seconds",
		"Wall-clock time of the last applied value batch.",
		[]string{"miniserver"}, nil)

	discoveredDesc = prometheus.NewDesc(
		"loxone_exporter_controls_discovered",
		"Controls present in the structure file, including sub-controls.",
		[]string{"miniserver"}, nil)

	exportedDesc = prometheus.NewDesc(
		"loxone_exporter_controls_exported",
		"Controls remaining after the exclusion filters.",
		[]string{"miniserver"}, nil)

	upDesc = prometheus.NewDesc(
		"loxone_exporter_up",
		"Always 1 while the exporter process is serving.",
		nil, nil)

	scrapeDurationDesc = prometheus.NewDesc(
		"loxone_exporter_scrape_duration_seconds",
		"Wall-clock duration of this projection.",
		nil, nil)

	buildInfoDesc = prometheus.NewDesc(
		"loxone_exporter_build_info",
		"Build metadata of the running exporter.",
		[]string{"version", "commit", "build_date"}, nil)
)

// Filters holds the compiled exclusion rules. Room and type matches are
// exact; name matches are shell-style globs.
type Filters struct {
	excludeRooms      map[string]bool
	excludeTypes      map[string]bool
	nameGlobs         []glob.Glob
	IncludeTextValues bool
}

// NewFilters compiles the exclusion lists. A malformed glob is a
// configuration error.
func NewFilters(rooms, types, names []string, includeText bool) (*Filters, error) {
	f := &Filters{
		excludeRooms:      make(map[string]bool, len(rooms)),
		excludeTypes:      make(map[string]bool, len(types)),
		IncludeTextValues: includeText,
	}
	for _, r := range rooms {
		f.excludeRooms[r] = true
	}
	for _, t := range types {
		f.excludeTypes[t] = true
	}
	for _, pattern := range names {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "compile exclude_names pattern %q", pattern)
		}
		f.nameGlobs = append(f.nameGlobs, g)
	}
	return f, nil
}

// excluded reports whether a control is dropped from the emission. The
// caller applies the same verdict to its sub-controls.
func (f *Filters) excluded(roomName, typeName, controlName string) bool {
	if f.excludeRooms[roomName] || f.excludeTypes[typeName] {
		return true
	}
	for _, g := range f.nameGlobs {
		if g.Match(controlName) {
			return true
		}
	}
	return false
}

// Collector walks the mirrors on demand and emits the control and
// per-Miniserver health families. It performs no network I/O and holds
// each mirror's read lock only for the duration of its traversal.
type Collector struct {
	mirrors []*loxone.Mirror
	filters *Filters
}

// NewCollector returns a projector over the given mirrors.
func NewCollector(mirrors []*loxone.Mirror, filters *Filters) *Collector {
	return &Collector{mirrors: mirrors, filters: filters}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(c, ch)
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	start := time.Now()

	for _, mirror := range c.mirrors {
		mirror.Read(func(v loxone.MirrorView) {
			c.collectMirror(ch, v)
		})
	}

	ch <- prometheus.MustNewConstMetric(upDesc, prometheus.GaugeValue, 1)
	ch <- prometheus.MustNewConstMetric(buildInfoDesc, prometheus.GaugeValue, 1,
		version.Version, version.Revision, version.BuildDate)
	ch <- prometheus.MustNewConstMetric(scrapeDurationDesc, prometheus.GaugeValue,
		time.Since(start).Seconds())
}

func (c *Collector) collectMirror(ch chan<- prometheus.Metric, v loxone.MirrorView) {
	discovered, exported := 0, 0
	for _, ctrl := range v.Controls {
		d, e := c.collectControl(ch, v, ctrl, "", "")
		discovered += d
		exported += e
	}

	connected := 0.0
	if v.Connected {
		connected = 1.0
	}
	ch <- prometheus.MustNewConstMetric(connectedDesc, prometheus.GaugeValue, connected, v.Name)
	lastUpdate := 0.0
	if !v.LastUpdate.IsZero() {
		lastUpdate = float64(v.LastUpdate.UnixNano()) / 1e9
	}
	ch <- prometheus.MustNewConstMetric(lastUpdateDesc, prometheus.GaugeValue, lastUpdate, v.Name)
	ch <- prometheus.MustNewConstMetric(discoveredDesc, prometheus.GaugeValue, float64(discovered), v.Name)
	ch <- prometheus.MustNewConstMetric(exportedDesc, prometheus.GaugeValue, float64(exported), v.Name)
}

// collectControl emits samples for one control and recurses into its
// sub-controls, which inherit the parent's room and category names. It
// returns the (discovered, exported) counts for this subtree. A nil ch
// counts without emitting; the health endpoint uses that mode so both
// surfaces agree.
func (c *Collector) collectControl(ch chan<- prometheus.Metric, v loxone.MirrorView, ctrl *loxone.Control, parentRoom, parentCat string) (discovered, exported int) {
	roomName := parentRoom
	if r, ok := v.Rooms[ctrl.RoomUUID]; ok {
		roomName = r.Name
	}
	catName := parentCat
	if cat, ok := v.Categories[ctrl.CatUUID]; ok {
		catName = cat.Name
	}

	discovered = 1
	if c.filters.excluded(roomName, ctrl.Type, ctrl.Name) {
		// Exclusion covers the whole subtree.
		for _, sub := range ctrl.SubControls {
			discovered += 1 + countSubs(sub)
		}
		return discovered, 0
	}

	if ctrl.IsTextOnly {
		if c.filters.IncludeTextValues {
			exported = 1
			for _, state := range ctrl.States {
				if state.Text == nil || ch == nil {
					continue
				}
				ch <- prometheus.MustNewConstMetric(controlInfoDesc, prometheus.GaugeValue, 1,
					v.Name, ctrl.Name, roomName, catName, ctrl.Type, state.Name, *state.Text)
			}
		}
	} else {
		exported = 1
		for _, state := range ctrl.States {
			if state.Value == nil || ch == nil {
				continue
			}
			ch <- prometheus.MustNewConstMetric(controlValueDesc, prometheus.GaugeValue, *state.Value,
				v.Name, ctrl.Name, roomName, catName, ctrl.Type, state.Name)
		}
	}

	for _, sub := range ctrl.SubControls {
		d, e := c.collectControl(ch, v, sub, roomName, catName)
		discovered += d
		exported += e
	}
	return discovered, exported
}

func countSubs(ctrl *loxone.Control) int {
	n := len(ctrl.SubControls)
	for _, sub := range ctrl.SubControls {
		n += countSubs(sub)
	}
	return n
}

// MirrorCounts reports the discovered and exported control counts for a
// single mirror without emitting samples.
func (c *Collector) MirrorCounts(name string) (discovered, exported int) {
	for _, mirror := range c.mirrors {
		if mirror.Name() != name {
			continue
		}
		mirror.Read(func(v loxone.MirrorView) {
			for _, ctrl := range v.Controls {
				d, e := c.collectControl(nil, v, ctrl, "", "")
				discovered += d
				exported += e
			}
		})
		return discovered, exported
	}
	return 0, 0
}
