// Copyright Kestrel Authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package lrm is the Low-Resource Manager (spec §4.L): a periodic pass
// over physical-memory and kernel-heap utilization that classifies
// pressure into Ok/Advisory/Low/Critical bands and drives a
// priority-ordered list of reclaim callbacks when pressure rises.
// Grounded on pkg/performance/manager.go's collector-coordination shape,
// generalized from "collect metrics on an interval" to "collect, band,
// and react."
package lrm

// Band is a resource-pressure classification, ordered from least to most
// severe so band comparisons ("did pressure improve") are plain integer
// comparisons.
type Band uint8

const (
	BandOk Band = iota
	BandAdvisory
	BandLow
	BandCritical
)

func (b Band) String() string {
	switch b {
	case BandOk:
		return "ok"
	case BandAdvisory:
		return "advisory"
	case BandLow:
		return "low"
	case BandCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Thresholds are the fraction of total trackable memory (physical free
// bytes plus a caller-supplied reclaimable kernel-heap estimate) free
// below which pressure escalates to the next band.
const (
	advisoryFreeFraction = 0.20
	lowFreeFraction      = 0.10
	criticalFreeFraction = 0.05
)

// classify maps a free-fraction reading to a Band.
func classify(freeFraction float64) Band {
	switch {
	case freeFraction < criticalFreeFraction:
		return BandCritical
	case freeFraction < lowFreeFraction:
		return BandLow
	case freeFraction < advisoryFreeFraction:
		return BandAdvisory
	default:
		return BandOk
	}
}
