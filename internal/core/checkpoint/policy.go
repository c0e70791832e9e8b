package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"nervus-backend/internal/core/types"
)

var (
	ErrUnknownPolicy = errors.New("unknown checkpoint policy")
	ErrNoCheckpoint  = errors.New("no checkpoint captured")
)

type Policy string

const (
	// PolicyBest writes a single artifact, the best parameters, after the
	// final epoch.
	PolicyBest Policy = "best"
	// PolicyEach also writes every improvement before the final epoch.
	PolicyEach Policy = "each"
)

func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyBest:
		return PolicyBest, nil
	case PolicyEach:
		return PolicyEach, nil
	default:
		return "", fmt.Errorf("%w '%s', expected '%s' or '%s'", ErrUnknownPolicy, s, PolicyBest, PolicyEach)
	}
}

// Store is the subset of storage.Provider used to read and write artifacts.
type Store interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)

	PutObject(ctx context.Context, bucket, key string, data io.Reader) error
}

// Record is the in-memory copy of the best parameters so far.
type Record struct {
	Epoch int
	State types.StateDict
}

type Artifact struct {
	Name  string
	Key   string
	Epoch int
	Best  bool
	Size  int64
}

const WeightsDir = "weights"

func ArtifactName(epoch int, best bool) string {
	if best {
		return fmt.Sprintf("weight_epoch-%03d-best.safetensors", epoch)
	}
	return fmt.Sprintf("weight_epoch-%03d.safetensors", epoch)
}

// CheckpointPolicy decides when the model parameters are captured in memory
// and when they are written out. One policy belongs to one run.
type CheckpointPolicy struct {
	policy    Policy
	numEpochs int

	store  Store
	bucket string
	prefix string

	live *Record
}

// NewCheckpointPolicy creates a policy writing under <prefix>/weights/ in the
// given bucket. numEpochs identifies the final epoch.
func NewCheckpointPolicy(policy Policy, numEpochs int, store Store, bucket, prefix string) (*CheckpointPolicy, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return nil, err
	}
	if numEpochs < 1 {
		return nil, fmt.Errorf("%w: number of epochs must be at least 1, got %d", types.ErrConfiguration, numEpochs)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: checkpoint store is required", types.ErrConfiguration)
	}

	return &CheckpointPolicy{
		policy:    policy,
		numEpochs: numEpochs,
		store:     store,
		bucket:    bucket,
		prefix:    prefix,
	}, nil
}

func (p *CheckpointPolicy) Policy() Policy {
	return p.policy
}

// Live returns the captured record, or nil if nothing has improved yet.
func (p *CheckpointPolicy) Live() *Record {
	return p.live
}

// Update is called once per epoch after validation. When improved is true the
// model parameters are captured before any write for the epoch happens. The
// returned artifacts are the ones written during this call.
func (p *CheckpointPolicy) Update(ctx context.Context, epoch int, improved bool, model types.Checkpointable) ([]Artifact, error) {
	if improved {
		p.live = &Record{Epoch: epoch, State: model.StateDict()}
	}

	final := epoch == p.numEpochs

	var written []Artifact
	if p.policy == PolicyEach && improved && !final {
		artifact, err := p.write(ctx, p.live, false)
		if err != nil {
			return nil, err
		}
		written = append(written, artifact)
	}

	if final {
		if p.live == nil {
			return written, fmt.Errorf("%w: validation loss never improved", ErrNoCheckpoint)
		}
		artifact, err := p.write(ctx, p.live, true)
		if err != nil {
			return written, err
		}
		written = append(written, artifact)
	}

	return written, nil
}

func (p *CheckpointPolicy) write(ctx context.Context, record *Record, best bool) (Artifact, error) {
	name := ArtifactName(record.Epoch, best)
	key := path.Join(p.prefix, WeightsDir, name)

	metadata := map[string]string{
		"epoch": strconv.Itoa(record.Epoch),
		"best":  strconv.FormatBool(best),
	}

	var buf bytes.Buffer
	if err := EncodeStateDict(&buf, record.State, metadata); err != nil {
		return Artifact{}, fmt.Errorf("error encoding checkpoint for epoch %d: %w", record.Epoch, err)
	}
	size := int64(buf.Len())

	if err := p.store.PutObject(ctx, p.bucket, key, &buf); err != nil {
		return Artifact{}, fmt.Errorf("error writing checkpoint %s: %w", key, err)
	}

	slog.Info("saved checkpoint", "key", key, "epoch", record.Epoch, "best", best)

	return Artifact{Name: name, Key: key, Epoch: record.Epoch, Best: best, Size: size}, nil
}

// LoadCheckpoint reads an artifact written by a CheckpointPolicy.
func LoadCheckpoint(ctx context.Context, store Store, bucket, key string) (types.StateDict, error) {
	data, err := store.GetObject(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("error reading checkpoint %s: %w", key, err)
	}

	state, _, err := DecodeStateDict(data)
	if err != nil {
		return nil, fmt.Errorf("error decoding checkpoint %s: %w", key, err)
	}
	return state, nil
}

// Restore loads an artifact into the model.
func Restore(ctx context.Context, store Store, bucket, key string, model types.Checkpointable) error {
	state, err := LoadCheckpoint(ctx, store, bucket, key)
	if err != nil {
		return err
	}
	if err := model.LoadStateDict(state); err != nil {
		return fmt.Errorf("error loading checkpoint %s: %w", key, err)
	}
	return nil
}
