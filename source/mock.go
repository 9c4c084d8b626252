package source

import "context"

// Mock always returns an empty result; used in tests and dry runs,
// matching the Python source's MockDB.
type Mock struct{}

var _ DataSource = Mock{}

// NewMock constructs a Mock data source.
func NewMock() Mock { return Mock{} }

func (Mock) SiteIDs(_ context.Context, _ Table, maxSites int) ([]SiteID, error) {
	checkMaxSites(maxSites)
	return nil, nil
}

func (Mock) LatestForSite(_ context.Context, _ SiteID, _ Table, _ uint64) (Row, error) {
	return Row{}, ErrNoData
}
