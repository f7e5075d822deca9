package region

// Service names the six Qiniu services a Region carries endpoints for
// (spec.md §3 "Region").
type Service string

const (
	ServiceUp  Service = "up"
	ServiceIO  Service = "io"
	ServiceRS  Service = "rs"
	ServiceRSF Service = "rsf"
	ServiceAPI Service = "api"
	ServiceUC  Service = "uc"
)

// Region holds, per service, an ordered preferred and alternative endpoint
// list.
type Region struct {
	ID       string
	services map[Service]List
}

// NewRegion builds an empty, named Region.
func NewRegion(id string) *Region {
	return &Region{ID: id, services: make(map[Service]List)}
}

// With attaches the endpoint list for a service, returning the Region for
// chaining.
func (r *Region) With(svc Service, list List) *Region {
	r.services[svc] = list
	return r
}

// Endpoints returns the endpoint list configured for svc. The zero List
// (both sets empty) is returned if the service was never configured.
func (r *Region) Endpoints(svc Service) List {
	return r.services[svc]
}

// Provider resolves the region(s) a call should use. A provider may return
// extra candidate regions (e.g. a multi-region bucket); the uploaders and
// listers in this module use only the first Region in the slice, and fall
// back only within that Region's own preferred/alternative sets.
type Provider interface {
	Regions() ([]*Region, error)
}

// Static is a Provider that always returns a fixed, pre-built region list.
type Static struct {
	regions []*Region
}

// NewStatic wraps a fixed slice of regions as a Provider.
func NewStatic(regions ...*Region) *Static {
	return &Static{regions: regions}
}

// Regions implements Provider.
func (s *Static) Regions() ([]*Region, error) {
	return s.regions, nil
}
