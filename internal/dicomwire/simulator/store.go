// Package simulator is an in-process fake SCP/SCU, used by its own
// tests and as the wire codec of cmd/anonymizerd: an in-memory instance
// store plus a dicomwire.Codec/Association pair that answer
// C-FIND/C-MOVE/C-STORE against it (there is no C-ECHO). Adapted from
// original_source/tests/controller/dicom_pacs_simulator_scp.py, which
// plays the same role (a PACS stand-in for the test suite) against the
// real pynetdicom transport; here the transport itself is out of
// scope (spec §1), so the simulator talks directly in terms of
// dicomwire.Dataset rather than wire bytes.
package simulator

import (
	"sync"

	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/rsna-anonymizer/dicomcore/internal/dicomwire/codec"
)

type instanceKey struct {
	study, series, sop string
}

// Store is a thread-safe in-memory PACS: every instance ever C-STOREd
// into it, indexed for C-FIND/C-MOVE lookups at series and instance
// level.
type Store struct {
	mu        sync.Mutex
	instances map[instanceKey]*codec.Dataset
}

// NewStore builds an empty simulated PACS.
func NewStore() *Store {
	return &Store{instances: map[instanceKey]*codec.Dataset{}}
}

func tagStr(ds *codec.Dataset, t tag.Tag) string {
	return ds.GetString(uint16(t.Group), uint16(t.Element))
}

// Put stores or overwrites one instance, keyed by its own
// StudyInstanceUID/SeriesInstanceUID/SOPInstanceUID elements.
func (s *Store) Put(ds *codec.Dataset) {
	key := instanceKey{
		study:  tagStr(ds, tag.StudyInstanceUID),
		series: tagStr(ds, tag.SeriesInstanceUID),
		sop:    tagStr(ds, tag.SOPInstanceUID),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[key] = ds
}

// SeriesSummary is one series-level C-FIND match.
type SeriesSummary struct {
	SeriesUID           string
	InstanceCount int
}

// FindSeries returns every distinct series under studyUID.
func (s *Store) FindSeries(studyUID string) []SeriesSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[string]int{}
	var order []string
	for k := range s.instances {
		if k.study != studyUID {
			continue
		}
		if _, seen := counts[k.series]; !seen {
			order = append(order, k.series)
		}
		counts[k.series]++
	}
	out := make([]SeriesSummary, 0, len(order))
	for _, seriesUID := range order {
		out = append(out, SeriesSummary{SeriesUID: seriesUID, InstanceCount: counts[seriesUID]})
	}
	return out
}

// FindInstances returns every SOP instance UID under studyUID/seriesUID.
func (s *Store) FindInstances(studyUID, seriesUID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for k := range s.instances {
		if k.study == studyUID && k.series == seriesUID {
			out = append(out, k.sop)
		}
	}
	return out
}

// Get returns every instance dataset under studyUID, narrowed further
// by whichever of seriesUID/sopUID are non-empty (used by C-MOVE at
// study/series/instance level).
func (s *Store) Get(studyUID, seriesUID, sopUID string) []*codec.Dataset {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*codec.Dataset
	for k, ds := range s.instances {
		if k.study != studyUID {
			continue
		}
		if seriesUID != "" && k.series != seriesUID {
			continue
		}
		if sopUID != "" && k.sop != sopUID {
			continue
		}
		out = append(out, ds)
	}
	return out
}

// Len reports the total number of instances held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.instances)
}
