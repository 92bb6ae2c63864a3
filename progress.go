/*
Copyright © 2026 the Calvalus authors.
This file is part of Calvalus.

Calvalus is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

Calvalus is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with Calvalus.  If not, see <http://www.gnu.org/licenses/>.
*/

package calvalus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

var (
	observationsBinned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calvalus_observations_binned_total",
		Help: "The total number of observations added to spatial cells",
	})
	observationsMasked = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calvalus_observations_masked_total",
		Help: "The total number of observations rejected by the mask or the region of interest",
	})
	temporalCellsEmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calvalus_temporal_cells_emitted_total",
		Help: "The total number of temporal cells that passed post-processing",
	})
	temporalCellsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calvalus_temporal_cells_dropped_total",
		Help: "The total number of temporal cells dropped by post-processing",
	})
	pixelRowsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calvalus_pixel_rows_written_total",
		Help: "The total number of raster rows written by the reprojector",
	})
	pixelRowsMissing = promauto.NewCounter(prometheus.CounterOpts{
		Name: "calvalus_pixel_rows_missing_total",
		Help: "The total number of raster rows filled because no cells covered them",
	})
)

// Progress receives liveness reports from long running steps. Report
// is called with the name of the step and the number of items done so
// far.
type Progress interface {
	Report(stage string, done int)
}

// NopProgress ignores all reports.
type NopProgress struct{}

// Report implements Progress.
func (NopProgress) Report(string, int) {}

// LogProgress logs every Every-th report of a step.
type LogProgress struct {
	Log   logrus.FieldLogger
	Every int
}

// Report implements Progress.
func (p LogProgress) Report(stage string, done int) {
	every := p.Every
	if every <= 0 {
		every = 1000
	}
	if done%every != 0 {
		return
	}
	log := p.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	log.WithFields(logrus.Fields{"stage": stage, "done": done}).Info("progress")
}
