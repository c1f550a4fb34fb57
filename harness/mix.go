// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package harness

import (
	"errors"
	"math/rand/v2"
	"sort"
)

// ErrEmptyMix is returned when no scenario has a positive weight.
var ErrEmptyMix = errors.New("scenario mix has no positive weights")

// Mix picks scenario names with probability proportional to their weight.
type Mix struct {
	names []string
	cum   []int
	total int
}

// NewMix builds a mix of names weighted by weight. Names with a zero weight
// are left out.
func NewMix(names []string, weight func(string) int) (*Mix, error) {
	m := &Mix{}
	for _, n := range names {
		w := weight(n)
		if w <= 0 {
			continue
		}
		m.total += w
		m.names = append(m.names, n)
		m.cum = append(m.cum, m.total)
	}
	if m.total == 0 {
		return nil, ErrEmptyMix
	}
	return m, nil
}

// Names returns the scenarios with a positive weight.
func (m *Mix) Names() []string {
	return append([]string(nil), m.names...)
}

// Pick returns a name using r.
func (m *Mix) Pick(r *rand.Rand) string {
	if len(m.names) == 1 {
		return m.names[0]
	}
	n := r.IntN(m.total)
	i := sort.SearchInts(m.cum, n+1)
	return m.names[i]
}
