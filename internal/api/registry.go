package api

import (
	"github.com/theislab/cellucid-engine/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Points int    `json:"points"`
}

// DatasetRegistry holds viewers for all configured datasets.
type DatasetRegistry struct {
	viewers        map[string]*service.Viewer
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		viewers:        make(map[string]*service.Viewer),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a viewer for a dataset.
func (r *DatasetRegistry) Register(datasetID string, v *service.Viewer) {
	r.viewers[datasetID] = v
}

// Get returns the viewer for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.Viewer {
	return r.viewers[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Cellucid"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		info := DatasetInfo{ID: id, Name: id}
		if v := r.viewers[id]; v != nil {
			if name := v.Name(); name != "" {
				info.Name = name
			}
			info.Points = v.Store.PointCount()
		}
		infos = append(infos, info)
	}
	return infos
}
