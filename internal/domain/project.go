package domain

import "time"

// Project is the owning scope for runs, datasets and artifacts.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Summary   Value     `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// DatasetKind separates training data from held-out test data.
type DatasetKind string

const (
	DatasetKindTrain DatasetKind = "train"
	DatasetKindTest  DatasetKind = "test"
)

// Dataset is an uploaded tabular file owned by a project.
type Dataset struct {
	ID        string      `json:"id"`
	ProjectID string      `json:"project_id"`
	Kind      DatasetKind `json:"kind"`
	Path      string      `json:"path"`
	Columns   []string    `json:"columns"`
	CreatedAt time.Time   `json:"created_at"`
}

// DataConfig pairs train and test datasets with feature selection.
type DataConfig struct {
	ID             string    `json:"id"`
	ProjectID      string    `json:"project_id"`
	TrainDatasetID string    `json:"train_dataset_id"`
	TestDatasetID  string    `json:"test_dataset_id"`
	Features       []string  `json:"features"`
	Target         string    `json:"target"`
	SensitiveAttrs []string  `json:"sensitive_attrs"`
	CreatedAt      time.Time `json:"created_at"`
}
