package api

import (
	"github.com/tfactivity/server/internal/service"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Source  string `json:"source"`
	Default bool   `json:"default"`
}

// DatasetRegistry holds the configured datasets.
type DatasetRegistry struct {
	datasets       map[string]*service.Dataset
	defaultDataset string
	datasetOrder   []string
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string) *DatasetRegistry {
	return &DatasetRegistry{
		datasets:       make(map[string]*service.Dataset),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
	}
}

// Register adds a dataset.
func (r *DatasetRegistry) Register(ds *service.Dataset) {
	r.datasets[ds.ID()] = ds
}

// Get returns a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.Dataset {
	return r.datasets[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		ds := r.datasets[id]
		if ds == nil {
			continue
		}
		// Use the config ID as the display name (user-defined in server.yaml)
		infos = append(infos, DatasetInfo{
			ID:      id,
			Name:    id,
			Source:  ds.Source(),
			Default: id == r.defaultDataset,
		})
	}
	return infos
}
