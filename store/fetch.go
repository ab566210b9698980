package store

// FetchRequest describes which objects of an entity to fetch
type FetchRequest struct {
	EntityName      string
	Predicate       *Predicate
	SortDescriptors []SortDescriptor
	Offset          int
	Limit           int // 0 = no limit
}

// NewFetchRequest creates a request for all objects of an entity
func NewFetchRequest(entityName string) *FetchRequest {
	return &FetchRequest{EntityName: entityName}
}

// Where sets the predicate and returns the request
func (r *FetchRequest) Where(p *Predicate) *FetchRequest {
	r.Predicate = p
	return r
}

// SortBy sets the sort descriptors and returns the request
func (r *FetchRequest) SortBy(descriptors ...SortDescriptor) *FetchRequest {
	r.SortDescriptors = descriptors
	return r
}

// page applies offset and limit to already filtered and sorted objects
func (r *FetchRequest) page(objects []*Object) []*Object {
	if r.Offset > 0 {
		if r.Offset >= len(objects) {
			return nil
		}
		objects = objects[r.Offset:]
	}
	if r.Limit > 0 && r.Limit < len(objects) {
		objects = objects[:r.Limit]
	}
	return objects
}
