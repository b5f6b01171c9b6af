package archive

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"BetChannel/internal/settlement"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ObjectStore is the subset of *s3.Client the archiver uses.
type ObjectStore interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// BatchArchiver implements settlement.Archiver. Objects are written to
// batches/{channel_id}/{batch_id}.json; a retried batch overwrites its own
// object with identical bytes.
type BatchArchiver struct {
	store  ObjectStore
	bucket string
}

func NewBatchArchiver(store ObjectStore, bucket string) *BatchArchiver {
	return &BatchArchiver{store: store, bucket: bucket}
}

// NewBatchArchiverFromClient builds a BatchArchiver on a Client's bucket.
func NewBatchArchiverFromClient(c *Client) *BatchArchiver {
	return NewBatchArchiver(c.S3(), c.Bucket())
}

// ArchivedBatch is the JSON document stored per batch. Digests and
// signatures are hex encoded for human inspection.
type ArchivedBatch struct {
	ID             string            `json:"id"`
	MarketID       string            `json:"market_id"`
	ChannelID      string            `json:"channel_id"`
	ChannelVersion uint64            `json:"channel_version"`
	StateDigest    string            `json:"state_digest"`
	Signatures     map[string]string `json:"signatures"`
	Payouts        map[string]int64  `json:"payouts"`
	WinningOutcome int               `json:"winning_outcome"`
	TotalPool      int64             `json:"total_pool"`
	WinningPool    int64             `json:"winning_pool"`
	Void           bool              `json:"void"`
	Dust           int64             `json:"dust"`
	CreatedAt      time.Time         `json:"created_at"`
}

// BatchKey returns the object key of a batch.
func BatchKey(channelID, batchID string) string {
	return "batches/" + channelID + "/" + batchID + ".json"
}

// ArchiveBatch uploads the batch and returns its s3:// location.
func (a *BatchArchiver) ArchiveBatch(ctx context.Context, batch *settlement.Batch) (string, error) {
	data, err := json.MarshalIndent(toArchived(batch), "", "  ")
	if err != nil {
		return "", fmt.Errorf("archive: marshal batch %s: %w", batch.ID, err)
	}

	key := BatchKey(batch.ChannelID, batch.ID)
	_, err = a.store.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return "", fmt.Errorf("archive: put object %s: %w", key, err)
	}
	return "s3://" + a.bucket + "/" + key, nil
}

// FetchBatch reads an archived batch back.
func (a *BatchArchiver) FetchBatch(ctx context.Context, channelID, batchID string) (*ArchivedBatch, error) {
	key := BatchKey(channelID, batchID)
	out, err := a.store.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("archive: get object %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("archive: read object %s: %w", key, err)
	}
	var ab ArchivedBatch
	if err := json.Unmarshal(data, &ab); err != nil {
		return nil, fmt.Errorf("archive: decode object %s: %w", key, err)
	}
	return &ab, nil
}

func toArchived(b *settlement.Batch) ArchivedBatch {
	ab := ArchivedBatch{
		ID:             b.ID,
		MarketID:       b.MarketID,
		ChannelID:      b.ChannelID,
		ChannelVersion: b.ChannelVersion,
		StateDigest:    hex.EncodeToString(b.StateDigest[:]),
		Signatures:     make(map[string]string, len(b.Signatures)),
		Payouts:        make(map[string]int64, len(b.Positions)),
		WinningOutcome: int(b.WinningOutcome),
		TotalPool:      b.TotalPool,
		WinningPool:    b.WinningPool,
		Void:           b.Void,
		Dust:           b.Dust,
		CreatedAt:      b.CreatedAt,
	}
	for _, sig := range b.Signatures {
		ab.Signatures[sig.Signer] = hex.EncodeToString(sig.Sig)
	}
	for _, p := range b.Positions {
		ab.Payouts[p.User] = p.Payout
	}
	return ab
}

// Compile-time interface check.
var _ settlement.Archiver = (*BatchArchiver)(nil)
