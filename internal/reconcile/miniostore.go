package reconcile

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/terminal-bench/voucherpay/internal/ledger"
)

// MinioStore is a RemoteStore backed by an S3-compatible document store.
// Each voucher has one shared JSON document plus a per-address index marker
// for both parties, so either device can list its own records cheaply.
//
// Layout:
//
//	records/<voucherRef>.json       the shared document
//	index/<address>/<voucherRef>    empty marker per visible party
type MinioStore struct {
	client *minio.Client
	bucket string
}

// MinioConfig holds object store connection settings.
type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// NewMinioStore connects to the object store and ensures the bucket exists.
func NewMinioStore(ctx context.Context, cfg MinioConfig) (*MinioStore, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	exists, err := client.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	return &MinioStore{client: client, bucket: cfg.Bucket}, nil
}

func recordKey(voucherRef string) string {
	return "records/" + voucherRef + ".json"
}

func indexKey(address, voucherRef string) string {
	return "index/" + address + "/" + voucherRef
}

func (s *MinioStore) Put(ctx context.Context, rec *RemoteRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal remote record: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, recordKey(rec.VoucherRef),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to put remote record: %w", err)
	}

	for _, addr := range []string{rec.FromAddress, rec.ToAddress} {
		_, err = s.client.PutObject(ctx, s.bucket, indexKey(addr, rec.VoucherRef),
			bytes.NewReader(nil), 0, minio.PutObjectOptions{})
		if err != nil {
			return fmt.Errorf("failed to index remote record: %w", err)
		}
	}
	return nil
}

func (s *MinioStore) FetchFor(ctx context.Context, address string) ([]*RemoteRecord, error) {
	prefix := "index/" + address + "/"
	var recs []*RemoteRecord

	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list remote records: %w", obj.Err)
		}
		voucherRef := strings.TrimPrefix(obj.Key, prefix)
		rec, err := s.get(ctx, voucherRef)
		if err != nil {
			// A dangling index marker is not fatal for the cycle.
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *MinioStore) get(ctx context.Context, voucherRef string) (*RemoteRecord, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, recordKey(voucherRef), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get remote record: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote record: %w", err)
	}
	var rec RemoteRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode remote record: %w", err)
	}
	return &rec, nil
}

// UpdateStatus is a read-modify-write on the shared document. The store is
// eventually consistent; the status ranking applied during sync makes a
// lost update harmless, since the winning status will be pushed again on a
// later cycle.
func (s *MinioStore) UpdateStatus(ctx context.Context, voucherRef string, status ledger.Status, settlementTxRef string) error {
	rec, err := s.get(ctx, voucherRef)
	if err != nil {
		return err
	}

	rec.Status = status
	if settlementTxRef != "" && rec.SettlementTxRef == "" {
		rec.SettlementTxRef = settlementTxRef
	}
	rec.UpdatedAt = time.Now()

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal remote record: %w", err)
	}
	_, err = s.client.PutObject(ctx, s.bucket, recordKey(voucherRef),
		bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: "application/json"})
	if err != nil {
		return fmt.Errorf("failed to update remote record: %w", err)
	}
	return nil
}
