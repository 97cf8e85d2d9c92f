package storage

import (
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// MockS3Object is one object held by MockS3Client.
type MockS3Object struct {
	Key     string
	Content string
}

// MockS3Client is an in-memory stand-in for S3Client used in storage tests.
type MockS3Client struct {
	Objects map[string]*MockS3Object
	Buckets map[string]bool
	Err     error

	PutObjectCalled bool
	GetObjectCalled bool
	LastBucket      string
	LastObjectKey   string
}

// NewMockS3Client returns an empty mock client.
func NewMockS3Client() *MockS3Client {
	return &MockS3Client{
		Objects: make(map[string]*MockS3Object),
		Buckets: make(map[string]bool),
	}
}

func (m *MockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.PutObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}

	content := ""
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err == nil {
			content = string(data)
		}
	}
	if params.Key != nil {
		m.Objects[*params.Key] = &MockS3Object{Key: *params.Key, Content: content}
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *MockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.GetObjectCalled = true
	if params.Bucket != nil {
		m.LastBucket = *params.Bucket
	}
	if params.Key != nil {
		m.LastObjectKey = *params.Key
	}
	if m.Err != nil {
		return nil, m.Err
	}

	if params.Key != nil {
		if obj, exists := m.Objects[*params.Key]; exists {
			return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(obj.Content))}, nil
		}
		return nil, &types.NoSuchKey{}
	}
	return nil, &types.NoSuchKey{}
}
