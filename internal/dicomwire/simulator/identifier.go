package simulator

import "github.com/suyashkumar/dicom/pkg/tag"

type tagKey struct{ group, element uint16 }

// memDataset is a plain map-backed dicomwire.Dataset, used for
// synthetic C-FIND/C-MOVE response identifiers the simulator builds
// itself. These response identifiers carry DIMSE command-set fields
// (the sub-operation counters, group 0x0000) that have no entry in
// the public DICOM data dictionary codec.Dataset relies on, so this
// bypasses it rather than risk an unknown-tag lookup there.
type memDataset struct {
	strs map[tagKey]string
	ints map[tagKey]int
}

func newMemDataset() *memDataset {
	return &memDataset{strs: map[tagKey]string{}, ints: map[tagKey]int{}}
}

func (d *memDataset) withString(t tag.Tag, v string) *memDataset {
	d.strs[tagKey{uint16(t.Group), uint16(t.Element)}] = v
	return d
}

func (d *memDataset) withInt(t tag.Tag, v int) *memDataset {
	d.ints[tagKey{uint16(t.Group), uint16(t.Element)}] = v
	return d
}

func (d *memDataset) withSubop(group, element uint16, v int) *memDataset {
	d.ints[tagKey{group, element}] = v
	return d
}

func (d *memDataset) GetString(group, element uint16) string {
	return d.strs[tagKey{group, element}]
}

func (d *memDataset) GetInt(group, element uint16) int {
	return d.ints[tagKey{group, element}]
}
