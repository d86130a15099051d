package s3blob

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type fakePart struct {
	etag string
	data []byte
}

// fakeS3 keeps objects and multipart uploads of a single bucket in memory.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	metadata map[string]map[string]string
	uploads  map[string]map[int32]fakePart
	nextID   int

	aborted       int
	failCreate    int
	listPartCalls int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:  map[string][]byte{},
		metadata: map[string]map[string]string{},
		uploads:  map[string]map[int32]fakePart{},
	}
}

func (f *fakeS3) CreateMultipartUpload(_ context.Context, params *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failCreate > 0 {
		f.failCreate--
		return nil, &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
	}

	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.uploads[id] = map[int32]fakePart{}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String(id), Key: params.Key}, nil
}

func (f *fakeS3) UploadPart(_ context.Context, params *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	parts, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}
	sum := md5.Sum(data)
	etag := `"` + hex.EncodeToString(sum[:]) + `"`
	parts[aws.ToInt32(params.PartNumber)] = fakePart{etag: etag, data: data}
	return &s3.UploadPartOutput{ETag: aws.String(etag)}, nil
}

func (f *fakeS3) ListParts(_ context.Context, params *s3.ListPartsInput, _ ...func(*s3.Options)) (*s3.ListPartsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listPartCalls++

	parts, ok := f.uploads[aws.ToString(params.UploadId)]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}

	var numbers []int
	for n := range parts {
		numbers = append(numbers, int(n))
	}
	sort.Ints(numbers)

	// One part per page exercises the pagination.
	marker := int32(0)
	if params.PartNumberMarker != nil {
		fmt.Sscanf(*params.PartNumberMarker, "%d", &marker) //nolint:errcheck
	}
	out := &s3.ListPartsOutput{IsTruncated: aws.Bool(false)}
	for i, n := range numbers {
		if int32(n) <= marker {
			continue
		}
		p := parts[int32(n)]
		out.Parts = []types.Part{{PartNumber: aws.Int32(int32(n)), ETag: aws.String(p.etag), Size: aws.Int64(int64(len(p.data)))}}
		if i < len(numbers)-1 {
			out.IsTruncated = aws.Bool(true)
			out.NextPartNumberMarker = aws.String(fmt.Sprintf("%d", n))
		}
		break
	}
	return out, nil
}

func (f *fakeS3) CompleteMultipartUpload(_ context.Context, params *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := aws.ToString(params.UploadId)
	parts, ok := f.uploads[id]
	if !ok {
		return nil, &types.NoSuchUpload{}
	}

	var buf bytes.Buffer
	last := int32(0)
	for _, cp := range params.MultipartUpload.Parts {
		n := aws.ToInt32(cp.PartNumber)
		if n <= last {
			return nil, &smithy.GenericAPIError{Code: "InvalidPartOrder", Message: "parts must be ascending"}
		}
		last = n
		p, ok := parts[n]
		if !ok || p.etag != aws.ToString(cp.ETag) {
			return nil, &smithy.GenericAPIError{Code: "InvalidPart", Message: fmt.Sprintf("part %d not found", n)}
		}
		buf.Write(p.data)
	}

	f.objects[aws.ToString(params.Key)] = buf.Bytes()
	delete(f.uploads, id)
	return &s3.CompleteMultipartUploadOutput{Key: params.Key}, nil
}

func (f *fakeS3) AbortMultipartUpload(_ context.Context, params *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	id := aws.ToString(params.UploadId)
	if _, ok := f.uploads[id]; !ok {
		return nil, &types.NoSuchUpload{}
	}
	delete(f.uploads, id)
	f.aborted++
	return &s3.AbortMultipartUploadOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, params *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	src := aws.ToString(params.CopySource)
	src = src[strings.Index(src, "/")+1:]
	data, ok := f.objects[src]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	f.objects[aws.ToString(params.Key)] = data
	f.metadata[aws.ToString(params.Key)] = params.Metadata
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(params.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, params *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, ok := f.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}

	total := int64(len(data))
	start, end := int64(0), total-1
	if params.Range != nil {
		fmt.Sscanf(*params.Range, "bytes=%d-%d", &start, &end) //nolint:errcheck
		if end >= total {
			end = total - 1
		}
	}
	body := data[start : end+1]
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: aws.Int64(int64(len(body))),
		ContentRange:  aws.String(fmt.Sprintf("bytes %d-%d/%d", start, end, total)),
	}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, params *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

func (f *fakeS3) pendingUploads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

type fakePresigner struct{}

func (fakePresigner) PresignGetObject(_ context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://%s.s3.test/%s?X-Amz-Expires=%d", aws.ToString(params.Bucket), aws.ToString(params.Key), int(opts.Expires.Seconds())),
		Method: "GET",
	}, nil
}
