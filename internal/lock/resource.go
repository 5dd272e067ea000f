package lock

import "strings"

// ResourceName is an ordered sequence of path segments identifying a node in
// the hierarchy tree, e.g. database/table17/page42. Two names are equal iff
// their segments are equal element-wise.
type ResourceName struct {
	segments []string
}

// NewDatabaseResource returns the root resource name.
func NewDatabaseResource(name string) ResourceName {
	return ResourceName{segments: []string{name}}
}

// Table returns the child resource naming a table beneath this one.
func (r ResourceName) Table(id string) ResourceName {
	return r.Child(id)
}

// Page returns the child resource naming a page beneath this one.
func (r ResourceName) Page(id string) ResourceName {
	return r.Child(id)
}

// Record returns the child resource naming a record beneath this one.
func (r ResourceName) Record(id string) ResourceName {
	return r.Child(id)
}

// Child returns the child resource formed by appending segment.
func (r ResourceName) Child(segment string) ResourceName {
	segs := make([]string, len(r.segments)+1)
	copy(segs, r.segments)
	segs[len(r.segments)] = segment
	return ResourceName{segments: segs}
}

// Parent returns the prefix minus the last segment, and false if r is the
// root (has no parent).
func (r ResourceName) Parent() (ResourceName, bool) {
	if len(r.segments) <= 1 {
		return ResourceName{}, false
	}
	return ResourceName{segments: r.segments[:len(r.segments)-1]}, true
}

// IsRoot reports whether r has no parent.
func (r ResourceName) IsRoot() bool {
	return len(r.segments) <= 1
}

// Equal reports segment-wise equality.
func (r ResourceName) Equal(o ResourceName) bool {
	if len(r.segments) != len(o.segments) {
		return false
	}
	for i := range r.segments {
		if r.segments[i] != o.segments[i] {
			return false
		}
	}
	return true
}

// IsDescendantOf reports whether r is o itself or strictly nested beneath
// it (prefix containment).
func (r ResourceName) IsDescendantOf(o ResourceName) bool {
	if len(o.segments) > len(r.segments) {
		return false
	}
	for i := range o.segments {
		if r.segments[i] != o.segments[i] {
			return false
		}
	}
	return true
}

// Key returns a comparable, hashable representation suitable for use as a
// map key.
func (r ResourceName) Key() string {
	return strings.Join(r.segments, "/")
}

func (r ResourceName) String() string {
	return r.Key()
}
