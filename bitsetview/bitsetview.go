// Package bitsetview provides a read-only filter view over vertex ids.
// A set bit marks an id as filtered out of search results; traversal may
// still pass through filtered vertices.
package bitsetview

import "github.com/RoaringBitmap/roaring/v2"

// View is a cheap, read-only handle over a roaring bitmap of excluded ids.
// The zero value (or a nil *View) filters nothing.
type View struct {
	bm   *roaring.Bitmap
	size uint32
}

// New creates a view over bm for an id space of the given size.
// bm may be nil, in which case no id is filtered.
func New(bm *roaring.Bitmap, size uint32) *View {
	return &View{bm: bm, size: size}
}

// IsSet reports whether id is filtered out.
func (v *View) IsSet(id uint32) bool {
	if v == nil || v.bm == nil {
		return false
	}
	return v.bm.Contains(id)
}

// Count returns the number of filtered ids.
func (v *View) Count() uint32 {
	if v == nil || v.bm == nil {
		return 0
	}
	return uint32(v.bm.GetCardinality())
}

// Size returns the total size of the id space.
func (v *View) Size() uint32 {
	if v == nil {
		return 0
	}
	return v.size
}

// Empty reports whether the view filters no ids.
func (v *View) Empty() bool {
	return v == nil || v.bm == nil || v.bm.IsEmpty()
}
