// Package jobs builds the request bodies the job container expects for
// benchmark and fine-tuning runs.
package jobs

import (
	"errors"
	"fmt"
	"strings"

	"github.com/flapmax/measure-remote/internal/store"
)

// ErrUnknownModel means the model id is not in the catalog.
var ErrUnknownModel = errors.New("jobs: model id is invalid")

// CategoryGenerativeText selects the question/response fine-tuning payload.
const CategoryGenerativeText = "generative-text"

// BenchmarkEndpoint is the job container path for benchmark runs.
const BenchmarkEndpoint = "benchmark"

// Catalog maps model ids to their category.
type Catalog map[string]string

// Category returns the category of modelID.
func (c Catalog) Category(modelID string) (string, error) {
	cat, ok := c[modelID]
	if !ok || cat == "" {
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, modelID)
	}
	return cat, nil
}

// FineTuneOptions are the per-run knobs of a fine-tuning experiment.
type FineTuneOptions struct {
	Epochs    int     `json:"epochs"`
	TestSize  float64 `json:"test_size"`
	TrainSize float64 `json:"train_size"`
	BatchSize int     `json:"batchsize"`
}

// DefaultFineTuneOptions returns the defaults used when a run omits them.
func DefaultFineTuneOptions() FineTuneOptions {
	return FineTuneOptions{Epochs: 3, TestSize: 0.2, TrainSize: 0.8, BatchSize: 2}
}

// Validate rejects option sets the job container cannot use.
func (o FineTuneOptions) Validate() error {
	switch {
	case o.Epochs < 1:
		return errors.New("epochs must be at least 1")
	case o.TestSize <= 0 || o.TestSize >= 1:
		return errors.New("test_size must be between 0 and 1")
	case o.TrainSize <= 0 || o.TrainSize > 1:
		return errors.New("train_size must be between 0 and 1")
	case o.BatchSize < 1:
		return errors.New("batchsize must be at least 1")
	}
	return nil
}

// BenchmarkPayload returns the body and endpoint for a benchmark run.
func BenchmarkPayload(b *store.Benchmark) (map[string]any, string) {
	sizes := b.BatchSizes
	if sizes == nil {
		sizes = []int{}
	}
	return map[string]any{
		"user_id":     b.UserID,
		"model_id":    b.ModelID,
		"batch_sizes": sizes,
		"dataset":     strings.ToLower(b.Dataset),
	}, BenchmarkEndpoint
}

// FineTunePayload returns the body and endpoint for a fine-tuning run.
// Generative text models receive the dataset's question and response keys;
// every other category receives the image dataset fields.
func (c Catalog) FineTunePayload(ft *store.FineTuning, ds *store.Dataset, opts FineTuneOptions) (map[string]any, string, error) {
	category, err := c.Category(ft.ModelID)
	if err != nil {
		return nil, "", err
	}

	body := map[string]any{
		"epochs":       opts.Epochs,
		"test_size":    opts.TestSize,
		"train_size":   opts.TrainSize,
		"dataset":      ds.Name,
		"user_id":      ft.UserID,
		"training_id":  ft.ID,
		"from_library": ds.UseFromLibrary,
	}

	if category == CategoryGenerativeText {
		body["question_key"] = ds.QuestionKey
		body["correct_response_key"] = ds.CorrectResponseKey
		body["incorrect_response_key"] = ds.IncorrectResponseKey
	} else {
		body["model_id"] = ft.ModelID
		body["annotations"] = ds.Annotations
		body["images"] = ds.Images
		body["batchsize"] = opts.BatchSize
	}

	return body, "fine-tune/" + category, nil
}
