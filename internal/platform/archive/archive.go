// Package archive keeps proofs of finished transfers in S3 compatible object
// storage for audit tooling.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/marko911/layerbridge/internal/adapter"
	"github.com/marko911/layerbridge/internal/transfer"
)

var _ transfer.ProofArchive = (*Archive)(nil)

var ErrNotFound = errors.New("proof not archived")

type Config struct {
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Entry is the stored object.
type Entry struct {
	TransferID string         `json:"transfer_id"`
	Outcome    string         `json:"outcome"`
	Proof      *adapter.Proof `json:"proof"`
	ArchivedAt time.Time      `json:"archived_at"`
}

type Archive struct {
	client *minio.Client
	bucket string
	logger *slog.Logger
	now    func() time.Time
}

// New connects and creates the bucket when missing.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", cfg.Bucket, err)
		}
	}

	return &Archive{
		client: client,
		bucket: cfg.Bucket,
		logger: logger.With("component", "proof-archive"),
		now:    time.Now,
	}, nil
}

// ObjectKey is proofs/<issuer>/<proof id>.json.
func ObjectKey(issuer adapter.Kind, proofID string) string {
	return fmt.Sprintf("proofs/%s/%s.json", issuer, proofID)
}

func (a *Archive) StoreProof(ctx context.Context, transferID, outcome string, proof *adapter.Proof) error {
	body, err := json.Marshal(Entry{
		TransferID: transferID,
		Outcome:    outcome,
		Proof:      proof,
		ArchivedAt: a.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode archive entry: %w", err)
	}

	key := ObjectKey(proof.Issuer, proof.ID)
	_, err = a.client.PutObject(ctx, a.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"transfer-id": transferID,
			"outcome":     outcome,
		},
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	a.logger.Debug("archived proof", "transfer_id", transferID, "proof_id", proof.ID, "outcome", outcome)
	return nil
}

func (a *Archive) Fetch(ctx context.Context, issuer adapter.Kind, proofID string) (*Entry, error) {
	key := ObjectKey(issuer, proofID)
	obj, err := a.client.GetObject(ctx, a.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	defer obj.Close()

	var entry Entry
	if err := json.NewDecoder(obj).Decode(&entry); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return &entry, nil
}

// List returns the proof ids archived for issuer.
func (a *Archive) List(ctx context.Context, issuer adapter.Kind) ([]string, error) {
	prefix := fmt.Sprintf("proofs/%s/", issuer)
	var ids []string
	for obj := range a.client.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		id := obj.Key[len(prefix):]
		if len(id) > len(".json") {
			ids = append(ids, id[:len(id)-len(".json")])
		}
	}
	return ids, nil
}
