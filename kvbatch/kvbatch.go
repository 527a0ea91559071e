// Package kvbatch implements the KVBatcher described in section 4.3 of the
// design specification: it chunks items into DynamoDB-protocol-sized
// batches, resolves mirror-write aliases, and performs batch writes/deletes
// with retry and exponential backoff, grounded on this codebase's DynamoDB
// write path.
package kvbatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/release-engineering/exodus-commit/kv"
	"github.com/release-engineering/exodus-commit/settings"
	"github.com/release-engineering/exodus-commit/telemetry"
)

// Record is one (web_uri) -> item-attributes binding as described in
// section 6's KV record schema.
type Record struct {
	ID          string // relational item ID, used by batchwriter to report queued IDs
	WebURI      string
	ObjectKey   string
	ContentType string
}

// Batcher implements section 4.3's get_batches/write_batch contract.
type Batcher struct {
	client    kv.DynamoDBClient
	tableName string
	batchSize int
	maxTries  int
	fromDate  string
	metrics   *telemetry.Metrics
}

// New creates a Batcher bound to a single table and from_date, matching the
// "config snapshot frozen at commit start" language of section 4.3.
func New(client kv.DynamoDBClient, tableName string, batchSize, maxTries int, fromDate string) *Batcher {
	if batchSize <= 0 {
		batchSize = 25
	}
	if maxTries <= 0 {
		maxTries = 20
	}
	return &Batcher{client: client, tableName: tableName, batchSize: batchSize, maxTries: maxTries, fromDate: fromDate}
}

// WithMetrics attaches the commit engine's Prometheus collectors so retries
// due to throttling or unprocessed items are observable.
func (b *Batcher) WithMetrics(m *telemetry.Metrics) *Batcher {
	b.metrics = m
	return b
}

// Batches implements get_batches from section 4.3: items are split into
// chunks of batchSize, and when mirror is true each item additionally
// contributes one entry per resolved alias. A batch may therefore contain
// more than batchSize/2 logical items; the chunker ensures no batch exceeds
// the protocol limit after mirroring.
func (b *Batcher) Batches(items []Record, env settings.EnvConfig, mirror bool) [][]Record {
	var expanded []Record
	for _, it := range items {
		expanded = append(expanded, it)
		if mirror {
			for _, aliasURI := range env.ResolveAliases(it.WebURI) {
				mirrored := it
				mirrored.WebURI = aliasURI
				expanded = append(expanded, mirrored)
			}
		}
	}

	var batches [][]Record
	for i := 0; i < len(expanded); i += b.batchSize {
		end := i + b.batchSize
		if end > len(expanded) {
			end = len(expanded)
		}
		batches = append(batches, expanded[i:end])
	}
	return batches
}

// isThrottlingError reports whether err is a recoverable DynamoDB
// throughput throttling error, distinct from permanent validation/auth
// errors per section 7's error-kind taxonomy.
func isThrottlingError(err error) bool {
	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	return errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr)
}

func backoffWait(ctx context.Context, attempt int) bool {
	base := 50 * time.Millisecond
	maxDelay := 20 * time.Second

	delay := base * time.Duration(1<<uint(attempt))
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(delay) + 1))
	delay += jitter

	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// Write implements write_batch from section 4.3. When delete is false it
// submits PutRequests carrying object_key/content_type/from_date; when true
// it submits DeleteRequests keyed by web_uri/from_date. On partial
// unprocessed items it retries with exponential backoff up to maxTries,
// surfacing any still-remaining items as a permanent error.
func (b *Batcher) Write(ctx context.Context, batch []Record, delete bool) error {
	if len(batch) == 0 {
		return nil
	}

	requests := make([]types.WriteRequest, 0, len(batch))
	for _, rec := range batch {
		if delete {
			requests = append(requests, types.WriteRequest{
				DeleteRequest: &types.DeleteRequest{
					Key: map[string]types.AttributeValue{
						"web_uri":   &types.AttributeValueMemberS{Value: rec.WebURI},
						"from_date": &types.AttributeValueMemberS{Value: b.fromDate},
					},
				},
			})
			continue
		}

		item := map[string]types.AttributeValue{
			"web_uri":    &types.AttributeValueMemberS{Value: rec.WebURI},
			"from_date":  &types.AttributeValueMemberS{Value: b.fromDate},
			"object_key": &types.AttributeValueMemberS{Value: rec.ObjectKey},
		}
		if rec.ContentType != "" {
			item["content_type"] = &types.AttributeValueMemberS{Value: rec.ContentType}
		}
		requests = append(requests, types.WriteRequest{
			PutRequest: &types.PutRequest{Item: item},
		})
	}

	input := &dynamodb.BatchWriteItemInput{
		RequestItems: map[string][]types.WriteRequest{
			b.tableName: requests,
		},
	}

	attempt := 0
	for {
		output, err := b.client.BatchWriteItem(ctx, input)
		if err != nil {
			if isThrottlingError(err) {
				b.recordRetry()
				if !backoffWait(ctx, attempt) {
					return ctx.Err()
				}
				attempt++
				continue
			}
			if attempt+1 < b.maxTries {
				b.recordRetry()
				if !backoffWait(ctx, attempt) {
					return ctx.Err()
				}
				attempt++
				continue
			}
			return fmt.Errorf("kv batch write failed after %d tries: %w", b.maxTries, err)
		}

		if len(output.UnprocessedItems) > 0 {
			if attempt+1 >= b.maxTries {
				return fmt.Errorf("kv batch write left %d unprocessed items after %d tries", unprocessedCount(output.UnprocessedItems), b.maxTries)
			}
			b.recordRetry()
			input.RequestItems = output.UnprocessedItems
			if !backoffWait(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}

		return nil
	}
}

func (b *Batcher) recordRetry() {
	if b.metrics != nil {
		b.metrics.BatchRetries.Inc()
	}
}

func unprocessedCount(items map[string][]types.WriteRequest) int {
	n := 0
	for _, reqs := range items {
		n += len(reqs)
	}
	return n
}
