package dataset

import (
	"context"
	"fmt"
	"math/rand"
	"path"

	"nervus-backend/internal/core/types"

	"gonum.org/v1/gonum/mat"
)

type BatchResult struct {
	Batch *types.Batch
	Err   error
}

type LoaderOptions struct {
	BatchSize int
	Shuffle   bool
	Seed      int64

	// Tabular features are scaled when Scaler is set and skipped when it is nil.
	Scaler *MinMaxScaler

	// Images are read from Images at Bucket/<ImagePrefix>/<imgpath> when
	// Images is set.
	Images      ObjectReader
	Bucket      string
	ImagePrefix string
	ImageWidth  int
	ImageHeight int
}

// Loader turns the samples of one split into batches. Batches are prepared on
// a separate goroutine and handed over on a channel, so the loader never
// shares state with its consumer.
type Loader struct {
	samples []Sample
	labels  []types.InternalLabel
	opts    LoaderOptions
	rng     *rand.Rand
}

func NewLoader(samples []Sample, labels []types.InternalLabel, opts LoaderOptions) (*Loader, error) {
	if opts.BatchSize < 1 {
		return nil, fmt.Errorf("%w: batch size must be positive, got %d", types.ErrConfiguration, opts.BatchSize)
	}
	if opts.Images != nil && (opts.ImageWidth < 1 || opts.ImageHeight < 1) {
		return nil, fmt.Errorf("%w: image dimensions are required when loading images", types.ErrConfiguration)
	}
	return &Loader{
		samples: samples,
		labels:  labels,
		opts:    opts,
		rng:     rand.New(rand.NewSource(opts.Seed)),
	}, nil
}

// Len is the number of samples in the split.
func (l *Loader) Len() int {
	return len(l.samples)
}

func (l *Loader) NumBatches() int {
	return (len(l.samples) + l.opts.BatchSize - 1) / l.opts.BatchSize
}

// Stream produces every batch of one pass over the split. The channel is
// closed after the last batch, after the first error, or when ctx is done.
func (l *Loader) Stream(ctx context.Context) <-chan BatchResult {
	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	if l.opts.Shuffle {
		l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	out := make(chan BatchResult, 1)
	go func() {
		defer close(out)
		for start := 0; start < len(order); start += l.opts.BatchSize {
			end := min(start+l.opts.BatchSize, len(order))

			batch, err := l.build(ctx, order[start:end])
			select {
			case out <- BatchResult{Batch: batch, Err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return out
}

func (l *Loader) build(ctx context.Context, idx []int) (*types.Batch, error) {
	n := len(idx)
	batch := &types.Batch{
		IDs:          make([]string, n),
		Splits:       make([]string, n),
		Institutions: make([]string, n),
		Periods:      make([]float64, n),
		Targets:      make(map[string][]float64, len(l.labels)),
	}
	for _, label := range l.labels {
		batch.Targets[label.Name] = make([]float64, n)
	}

	if l.opts.Scaler != nil {
		batch.Tabular = mat.NewDense(n, len(l.opts.Scaler.Features), nil)
	}
	if l.opts.Images != nil {
		batch.Image = mat.NewDense(n, l.opts.ImageWidth*l.opts.ImageHeight, nil)
	}

	for row, i := range idx {
		s := l.samples[i]
		batch.IDs[row] = s.ID
		batch.Splits[row] = s.Split
		batch.Institutions[row] = s.Institution
		batch.Periods[row] = s.Period

		for _, label := range l.labels {
			v, ok := s.Targets[label.Name]
			if !ok {
				return nil, fmt.Errorf("sample '%s' has no value for label '%s'", s.ID, label.Name)
			}
			batch.Targets[label.Name][row] = v
		}

		if batch.Tabular != nil {
			if len(s.Inputs) != len(l.opts.Scaler.Features) {
				return nil, fmt.Errorf("sample '%s' has %d inputs, scaler expects %d", s.ID, len(s.Inputs), len(l.opts.Scaler.Features))
			}
			l.opts.Scaler.Transform(s.Inputs, batch.Tabular.RawRowView(row))
		}

		if batch.Image != nil {
			pixels, err := l.readImage(ctx, s)
			if err != nil {
				return nil, err
			}
			batch.Image.SetRow(row, pixels)
		}
	}

	return batch, nil
}

func (l *Loader) readImage(ctx context.Context, s Sample) ([]float64, error) {
	if s.ImgPath == "" {
		return nil, fmt.Errorf("sample '%s' has no image path", s.ID)
	}

	key := path.Join(l.opts.ImagePrefix, s.ImgPath)
	data, err := l.opts.Images.GetObject(ctx, l.opts.Bucket, key)
	if err != nil {
		return nil, fmt.Errorf("error reading image %s for sample '%s': %w", key, s.ID, err)
	}

	pixels, width, height, err := decodeGrayscale(data)
	if err != nil {
		return nil, fmt.Errorf("sample '%s': %w", s.ID, err)
	}
	if width != l.opts.ImageWidth || height != l.opts.ImageHeight {
		return nil, fmt.Errorf("image %s is %dx%d, expected %dx%d", key, width, height, l.opts.ImageWidth, l.opts.ImageHeight)
	}
	return pixels, nil
}
