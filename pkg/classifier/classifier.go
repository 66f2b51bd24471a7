// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package classifier recognizes manual instrumentation functions by their
// display name.
package classifier

import (
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/parca-dev/parca-tracer/pkg/event"
)

const (
	markerNamespace = "orbit_api::"
	// Every marker function takes six integer arguments so that the
	// registers holding them can be captured uniformly.
	stubParams = "(unsigned long, unsigned long, unsigned long, unsigned long, unsigned long, unsigned long)"
)

type signature struct {
	name string
	kind event.MarkerKind
}

// Ordered so that no signature is a substring of a later one.
var signatures = [...]signature{
	{markerNamespace + "Start" + stubParams, event.MarkerTimerStart},
	{markerNamespace + "Stop" + stubParams, event.MarkerTimerStop},
	{markerNamespace + "StartAsync" + stubParams, event.MarkerTimerStartAsync},
	{markerNamespace + "StopAsync" + stubParams, event.MarkerTimerStopAsync},
	{markerNamespace + "TrackValue" + stubParams, event.MarkerTrackValue},
}

// Signature returns the canonical display name of the given marker kind.
func Signature(kind event.MarkerKind) (string, bool) {
	for _, s := range signatures {
		if s.kind == kind {
			return s.name, true
		}
	}
	return "", false
}

// Classify returns the marker kind of a function from its display name.
// Matching is by substring so that templated or decorated variants of the
// canonical signatures are recognized too.
func Classify(displayName string) event.MarkerKind {
	if !strings.HasPrefix(displayName, markerNamespace) {
		return event.MarkerNone
	}
	for _, s := range signatures {
		if strings.Contains(displayName, s.name) {
			return s.kind
		}
	}
	return event.MarkerNone
}

type entry struct {
	name string
	kind event.MarkerKind
}

// Classifier memoizes Classify by the hash of the display name. It is safe
// for concurrent use.
type Classifier struct {
	cache *xsync.MapOf[uint64, entry]

	hits, misses prometheus.Counter
}

func New(reg prometheus.Registerer) *Classifier {
	requests := promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
		Name: "parca_tracer_classifier_requests_total",
		Help: "Total number of function classification requests.",
	}, []string{"result"})

	return &Classifier{
		cache:  xsync.NewMapOf[uint64, entry](),
		hits:   requests.WithLabelValues("hit"),
		misses: requests.WithLabelValues("miss"),
	}
}

// Classify returns the marker kind of displayName, computing it at most once
// per distinct name.
func (c *Classifier) Classify(displayName string) event.MarkerKind {
	key := xxhash.Sum64String(displayName)
	e, loaded := c.cache.LoadOrCompute(key, func() entry {
		return entry{name: displayName, kind: Classify(displayName)}
	})
	if !loaded {
		c.misses.Inc()
		return e.kind
	}
	if e.name != displayName {
		// Hash collision, the cached slot belongs to another name.
		c.misses.Inc()
		return Classify(displayName)
	}
	c.hits.Inc()
	return e.kind
}

// Identify sets the marker kind of every function in place.
func (c *Classifier) Identify(functions []*event.FunctionIdentity) {
	for _, f := range functions {
		f.Marker = c.Classify(f.DisplayName)
	}
}
