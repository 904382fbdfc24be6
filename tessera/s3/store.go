// Package s3 stores arrays in an S3-compatible bucket (AWS S3, MinIO,
// Cloudflare R2 and similar).
//
// Put is conditional (If-None-Match: *) so it never overwrites; Replace is
// an unconditional PUT, which S3 applies atomically. Objects larger than the
// part size go through a multipart upload. ReadRange issues HTTP range
// requests, so contiguous frames are read chunk by chunk without fetching
// the whole object.
//
// AWS S3 is strongly consistent for reads after writes. Other backends may
// not be; a sparse array's index manifest is written after its chunk blobs,
// so a reader never sees a manifest that names a missing blob on a
// consistent backend.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/justapithecus/tessera/tessera"
)

const (
	// DefaultPartSize is the multipart threshold and part size.
	DefaultPartSize = 64 << 20

	minPartSize = 5 << 20
	maxParts    = 10000
)

// API is the subset of *s3.Client the store uses.
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures a Store.
type Config struct {
	// Bucket is required.
	Bucket string

	// Prefix is prepended to every key. A trailing slash is added.
	Prefix string

	// PartSize is the object size above which uploads go multipart, and the
	// size of each part. 0 means DefaultPartSize; values below 5 MiB are
	// raised to it.
	PartSize int64

	// Logger receives upload and request diagnostics. nil discards them.
	Logger log.Logger
}

// Store is a tessera.Store and tessera.Replacer backed by a bucket.
type Store struct {
	client   API
	bucket   string
	prefix   string
	partSize int64
	logger   log.Logger
}

var (
	_ tessera.Store    = (*Store)(nil)
	_ tessera.Replacer = (*Store)(nil)
)

// New creates a store. The client carries credentials, region and endpoint;
// see NewClient.
func New(client API, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("s3: client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3: bucket is required")
	}
	prefix := cfg.Prefix
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	partSize := cfg.PartSize
	if partSize == 0 {
		partSize = DefaultPartSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Store{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   prefix,
		partSize: max(partSize, minPartSize),
		logger:   logger,
	}, nil
}

// Put writes a new object. It fails with tessera.ErrPathExists when the key
// is taken, including when a concurrent writer wins the race.
func (s *Store) Put(ctx context.Context, p string, r io.Reader) error {
	return s.put(ctx, p, r, true)
}

// Replace writes the object whether or not it exists.
func (s *Store) Replace(ctx context.Context, p string, r io.Reader) error {
	return s.put(ctx, p, r, false)
}

func (s *Store) put(ctx context.Context, p string, r io.Reader, exclusive bool) error {
	key, err := s.key(p)
	if err != nil {
		return err
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("s3: read body for %s: %w", p, err)
	}
	if int64(len(body)) <= s.partSize {
		return s.putObject(ctx, key, body, exclusive)
	}
	return s.putMultipart(ctx, key, body, exclusive)
}

func (s *Store) putObject(ctx context.Context, key string, body []byte, exclusive bool) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentLength: aws.Int64(int64(len(body))),
	}
	if exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		if exclusive && conditionFailed(err) {
			return tessera.ErrPathExists
		}
		return fmt.Errorf("s3: put %s: %w", key, err)
	}
	return nil
}

func (s *Store) putMultipart(ctx context.Context, key string, body []byte, exclusive bool) error {
	partSize := s.partSize
	if n := int64(len(body)); n > partSize*maxParts {
		partSize = (n + maxParts - 1) / maxParts
	}
	if exclusive {
		// Fail before uploading parts; completion is still conditional.
		exists, err := s.exists(ctx, key)
		if err != nil {
			return err
		}
		if exists {
			return tessera.ErrPathExists
		}
	}

	created, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("s3: start upload of %s: %w", key, err)
	}
	uploadID := created.UploadId
	abort := func() {
		// The caller's context may be done already.
		actx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := s.client.AbortMultipartUpload(actx, &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		}); err != nil {
			level.Warn(s.logger).Log("msg", "abort multipart upload", "key", key, "err", err)
		}
	}

	var parts []types.CompletedPart
	for off, num := int64(0), int32(1); off < int64(len(body)); off, num = off+partSize, num+1 {
		part := body[off:min(off+partSize, int64(len(body)))]
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(num),
			Body:          bytes.NewReader(part),
			ContentLength: aws.Int64(int64(len(part))),
		})
		if err != nil {
			abort()
			return fmt.Errorf("s3: upload part %d of %s: %w", num, key, err)
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(num)})
	}

	in := &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	}
	if exclusive {
		in.IfNoneMatch = aws.String("*")
	}
	if _, err := s.client.CompleteMultipartUpload(ctx, in); err != nil {
		abort()
		if exclusive && conditionFailed(err) {
			return tessera.ErrPathExists
		}
		return fmt.Errorf("s3: complete upload of %s: %w", key, err)
	}
	level.Debug(s.logger).Log("msg", "multipart upload", "key", key, "bytes", len(body), "parts", len(parts))
	return nil
}

// Get opens the object at p.
func (s *Store) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	key, err := s.key(p)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, tessera.ErrNotFound
		}
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	return out.Body, nil
}

// Exists reports whether an object is stored at p.
func (s *Store) Exists(ctx context.Context, p string) (bool, error) {
	key, err := s.key(p)
	if err != nil {
		return false, err
	}
	return s.exists(ctx, key)
}

func (s *Store) exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("s3: head %s: %w", key, err)
	}
	return true, nil
}

// List returns every path under prefix, sorted, following continuation
// tokens.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	full, err := s.listPrefix(prefix)
	if err != nil {
		return nil, err
	}
	var keys []string
	var token *string
	for {
		out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(full),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("s3: list %s: %w", full, err)
		}
		for _, obj := range out.Contents {
			if obj.Key != nil {
				keys = append(keys, strings.TrimPrefix(*obj.Key, s.prefix))
			}
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		token = out.NextContinuationToken
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the object at p. Missing objects are not an error.
func (s *Store) Delete(ctx context.Context, p string) error {
	key, err := s.key(p)
	if err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("s3: delete %s: %w", key, err)
	}
	return nil
}

// ReadRange reads length bytes at offset with one ranged GET. A range past
// the end returns the available bytes, possibly none.
func (s *Store) ReadRange(ctx context.Context, p string, offset, length int64) ([]byte, error) {
	if offset < 0 || length < 0 {
		return nil, tessera.ErrOutOfBounds
	}
	key, err := s.key(p)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		ok, err := s.exists(ctx, key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, tessera.ErrNotFound
		}
		return []byte{}, nil
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, tessera.ErrNotFound
		}
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "InvalidRange" {
			return []byte{}, nil
		}
		return nil, fmt.Errorf("s3: read %s [%d, %d): %w", key, offset, offset+length, err)
	}
	defer func() { _ = out.Body.Close() }()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3: read %s: %w", key, err)
	}
	return data, nil
}

func (s *Store) key(p string) (string, error) {
	if p == "" {
		return "", tessera.ErrInvalidPath
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+p), "/")
	if cleaned == "" || strings.Contains("/"+p+"/", "/../") {
		return "", tessera.ErrInvalidPath
	}
	return s.prefix + cleaned, nil
}

// listPrefix keeps a trailing slash so "a/" does not match "ab".
func (s *Store) listPrefix(prefix string) (string, error) {
	if strings.Contains("/"+prefix+"/", "/../") {
		return "", tessera.ErrInvalidPath
	}
	cleaned := strings.TrimPrefix(path.Clean("/"+prefix), "/")
	if cleaned != "" && strings.HasSuffix(prefix, "/") {
		cleaned += "/"
	}
	return s.prefix + cleaned, nil
}

func conditionFailed(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "PreconditionFailed", "412", "ConditionalRequestConflict", "409":
		return true
	}
	return false
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey", "404":
			return true
		}
	}
	return false
}
