// Package kv implements the AWS service abstractions the commit engine
// depends on, mirroring the interface-plus-implementation split used
// throughout this codebase so tests can substitute fakes for the SDK
// clients without touching network code.
package kv

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DynamoDBClient defines the interface for the DynamoDB operations required
// by the KVBatcher (section 4.3).
type DynamoDBClient interface {
	BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// S3Client defines the interface for the S3 operations required by the
// commit report uploader (section "Commit report").
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Compile-time interface checks, mirroring the teacher's pattern of
// asserting both the hand-written client and the real SDK type satisfy the
// narrow interface.
var (
	_ DynamoDBClient = (*DynamoDBClientImpl)(nil)
	_ S3Client       = (*S3ClientImpl)(nil)

	_ DynamoDBClient = (*dynamodb.Client)(nil)
	_ S3Client       = (*s3.Client)(nil)
)

// DynamoDBClientImpl adapts the AWS SDK v2 DynamoDB client to DynamoDBClient.
type DynamoDBClientImpl struct {
	client *dynamodb.Client
}

// NewDynamoDBClient wraps an AWS SDK DynamoDB client.
func NewDynamoDBClient(client *dynamodb.Client) *DynamoDBClientImpl {
	return &DynamoDBClientImpl{client: client}
}

// BatchWriteItem implements DynamoDBClient.
func (c *DynamoDBClientImpl) BatchWriteItem(ctx context.Context, params *dynamodb.BatchWriteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error) {
	return c.client.BatchWriteItem(ctx, params, optFns...)
}

// S3ClientImpl adapts the AWS SDK v2 S3 client to S3Client.
type S3ClientImpl struct {
	client *s3.Client
}

// NewS3Client wraps an AWS SDK S3 client.
func NewS3Client(client *s3.Client) *S3ClientImpl {
	return &S3ClientImpl{client: client}
}

// PutObject implements S3Client.
func (c *S3ClientImpl) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return c.client.PutObject(ctx, params, optFns...)
}
