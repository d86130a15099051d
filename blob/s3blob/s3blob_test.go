package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/bitrise-io/go-chunked-upload/blob"
	"github.com/bitrise-io/go-chunked-upload/upload"
	"github.com/bitrise-io/go-chunked-upload/upload/chunkuploader"
	"github.com/bitrise-io/go-chunked-upload/upload/planner"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBucket = "uploads"
	testKey    = "videos/video.mp4"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func newTestObject(t *testing.T, client API, opts ...Option) *Object {
	t.Helper()
	opts = append([]Option{WithRetryWait(time.Millisecond)}, opts...)
	obj, err := New(client, testBucket, testKey, log.NewLogger(), opts...)
	require.NoError(t, err)
	return obj
}

func TestNew_Validation(t *testing.T) {
	_, err := New(newFakeS3(), "", testKey, log.NewLogger())
	assert.EqualError(t, err, "bucket must not be empty")

	_, err = New(newFakeS3(), testBucket, "", log.NewLogger())
	assert.EqualError(t, err, "key must not be empty")
}

func TestObject_StageAndCommit(t *testing.T) {
	fake := newFakeS3()
	obj := newTestObject(t, fake)
	ctx := context.Background()

	leaseID, err := obj.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)

	// Out of order, as concurrent workers finish.
	require.NoError(t, obj.StageBlock(ctx, planner.BlockID(2), []byte("cc"), leaseID))
	require.NoError(t, obj.StageBlock(ctx, planner.BlockID(0), []byte("aa"), leaseID))
	require.NoError(t, obj.StageBlock(ctx, planner.BlockID(1), []byte("bb"), leaseID))

	uncommitted, err := obj.UncommittedBlocks(ctx, leaseID)
	require.NoError(t, err)
	assert.Equal(t, []string{planner.BlockID(0), planner.BlockID(1), planner.BlockID(2)}, uncommitted)

	ids := []string{planner.BlockID(0), planner.BlockID(1), planner.BlockID(2)}
	require.NoError(t, obj.CommitBlockList(ctx, ids, leaseID, map[string]string{"owner": "user-1"}))
	require.NoError(t, obj.ReleaseLease(ctx, leaseID))

	content, ok := fake.object(testKey)
	require.True(t, ok)
	assert.Equal(t, "aabbcc", string(content))
	assert.Equal(t, map[string]string{"owner": "user-1"}, fake.metadata[testKey])
	assert.Equal(t, 0, fake.pendingUploads())

	_, markerLeft := fake.object(testKey + ".lease")
	assert.False(t, markerLeft)
}

func TestObject_LeaseRejections(t *testing.T) {
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	obj := newTestObject(t, newFakeS3(), WithClock(clock.Now))
	ctx := context.Background()

	err := obj.StageBlock(ctx, planner.BlockID(0), []byte("a"), "no-lease")
	assert.ErrorIs(t, err, blob.ErrLeaseMissing)

	leaseID, err := obj.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)

	err = obj.StageBlock(ctx, planner.BlockID(0), []byte("a"), "other-lease")
	assert.ErrorIs(t, err, blob.ErrLeaseMismatch)

	clock.now = clock.now.Add(2 * time.Minute)
	err = obj.StageBlock(ctx, planner.BlockID(0), []byte("a"), leaseID)
	assert.ErrorIs(t, err, blob.ErrLeaseExpired)
	assert.True(t, blob.IsLeaseError(err))

	err = obj.CommitBlockList(ctx, []string{planner.BlockID(0)}, leaseID, nil)
	assert.ErrorIs(t, err, blob.ErrLeaseExpired)
}

func TestObject_AcquireBreakRelease(t *testing.T) {
	fake := newFakeS3()
	first := newTestObject(t, fake)
	second := newTestObject(t, fake)
	ctx := context.Background()

	state, err := first.LeaseState(ctx)
	require.NoError(t, err)
	assert.Equal(t, blob.Unleased, state)

	leaseID, err := first.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)

	state, err = second.LeaseState(ctx)
	require.NoError(t, err)
	assert.Equal(t, blob.Leased, state)

	_, err = second.AcquireLease(ctx, time.Minute)
	assert.ErrorIs(t, err, blob.ErrLeaseAlreadyPresent)

	require.NoError(t, second.BreakLease(ctx))
	otherID, err := second.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, leaseID, otherID)

	assert.ErrorIs(t, first.ReleaseLease(ctx, leaseID), blob.ErrLeaseMismatch)
	require.NoError(t, second.ReleaseLease(ctx, otherID))
	assert.ErrorIs(t, second.ReleaseLease(ctx, otherID), blob.ErrLeaseMissing)
}

func TestObject_CommitRejectsForeignLease(t *testing.T) {
	fake := newFakeS3()
	clock := &testClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	stale := newTestObject(t, fake, WithClock(clock.Now))
	ctx := context.Background()

	staleID, err := stale.AcquireLease(ctx, time.Hour)
	require.NoError(t, err)
	require.NoError(t, stale.StageBlock(ctx, planner.BlockID(0), []byte("a"), staleID))

	other := newTestObject(t, fake)
	require.NoError(t, other.BreakLease(ctx))
	_, err = other.AcquireLease(ctx, time.Hour)
	require.NoError(t, err)

	err = stale.CommitBlockList(ctx, []string{planner.BlockID(0)}, staleID, nil)
	assert.ErrorIs(t, err, blob.ErrLeaseMismatch)
}

func TestObject_EmptyCommitAbortsUpload(t *testing.T) {
	fake := newFakeS3()
	obj := newTestObject(t, fake)
	ctx := context.Background()

	leaseID, err := obj.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, obj.StageBlock(ctx, planner.BlockID(0), []byte("a"), leaseID))
	require.Equal(t, 1, fake.pendingUploads())

	require.NoError(t, obj.CommitBlockList(ctx, nil, leaseID, nil))

	assert.Equal(t, 1, fake.aborted)
	assert.Equal(t, 0, fake.pendingUploads())
	uncommitted, err := obj.UncommittedBlocks(ctx, leaseID)
	require.NoError(t, err)
	assert.Empty(t, uncommitted)
	_, committed := fake.object(testKey)
	assert.False(t, committed)
}

func TestObject_CommitUnknownBlock(t *testing.T) {
	obj := newTestObject(t, newFakeS3())
	ctx := context.Background()

	leaseID, err := obj.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)

	err = obj.CommitBlockList(ctx, []string{planner.BlockID(0)}, leaseID, nil)
	assert.ErrorIs(t, err, blob.ErrInvalidBlockList)

	require.NoError(t, obj.StageBlock(ctx, planner.BlockID(0), []byte("a"), leaseID))
	err = obj.CommitBlockList(ctx, []string{planner.BlockID(0), planner.BlockID(1)}, leaseID, nil)
	assert.ErrorIs(t, err, blob.ErrInvalidBlockList)
}

func TestObject_ResumesUploadOfPreviousProcess(t *testing.T) {
	fake := newFakeS3()
	ctx := context.Background()

	first := newTestObject(t, fake)
	leaseID, err := first.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, first.StageBlock(ctx, planner.BlockID(0), []byte("aa"), leaseID))
	require.NoError(t, first.StageBlock(ctx, planner.BlockID(1), []byte("bb"), leaseID))
	require.NoError(t, first.ReleaseLease(ctx, leaseID))

	second := newTestObject(t, fake)
	leaseID, err = second.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, second.StageBlock(ctx, planner.BlockID(2), []byte("cc"), leaseID))

	ids := []string{planner.BlockID(0), planner.BlockID(1), planner.BlockID(2)}
	require.NoError(t, second.CommitBlockList(ctx, ids, leaseID, nil))

	content, _ := fake.object(testKey)
	assert.Equal(t, "aabbcc", string(content))
	assert.Positive(t, fake.listPartCalls)
}

func TestObject_RetriesControlPlaneCalls(t *testing.T) {
	fake := newFakeS3()
	fake.failCreate = 2
	obj := newTestObject(t, fake)
	ctx := context.Background()

	leaseID, err := obj.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)

	require.NoError(t, obj.StageBlock(ctx, planner.BlockID(0), []byte("a"), leaseID))
	assert.Equal(t, 1, fake.pendingUploads())
}

func TestObject_StageRejectsInvalidBlockID(t *testing.T) {
	obj := newTestObject(t, newFakeS3())

	err := obj.StageBlock(context.Background(), "not-a-block-id", []byte("a"), "lease")

	assert.ErrorIs(t, err, blob.ErrInvalidBlock)
}

func TestObject_StageRejectsPartsBeyondLimit(t *testing.T) {
	fake := newFakeS3()
	obj := newTestObject(t, fake)
	ctx := context.Background()
	leaseID, err := obj.AcquireLease(ctx, time.Hour)
	require.NoError(t, err)

	require.NoError(t, obj.StageBlock(ctx, planner.BlockID(maxParts-1), []byte("last"), leaseID))

	err = obj.StageBlock(ctx, planner.BlockID(maxParts), []byte("beyond"), leaseID)
	assert.ErrorIs(t, err, blob.ErrInvalidBlock)
	assert.Equal(t, 1, fake.pendingUploads())
}

func TestObject_LeaseMarkerCarriesUploadID(t *testing.T) {
	fake := newFakeS3()
	obj := newTestObject(t, fake)
	ctx := context.Background()

	leaseID, err := obj.AcquireLease(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, obj.StageBlock(ctx, planner.BlockID(0), []byte("a"), leaseID))

	raw, ok := fake.object(testKey + ".lease")
	require.True(t, ok)
	var m marker
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, leaseID, m.LeaseID)
	assert.Equal(t, "upload-1", m.UploadID)
}

func TestObject_URL(t *testing.T) {
	plain := newTestObject(t, newFakeS3())
	url, err := plain.URL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "s3://uploads/videos/video.mp4", url)

	signed := newTestObject(t, newFakeS3(), WithPresigner(fakePresigner{}), WithURLExpiry(10*time.Minute))
	url, err = signed.URL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "https://uploads.s3.test/videos/video.mp4?X-Amz-Expires=600", url)
}

func TestObject_Download(t *testing.T) {
	fake := newFakeS3()
	content := bytes.Repeat([]byte("0123456789"), 1000)
	fake.objects[testKey] = content
	obj := newTestObject(t, fake)

	buf := manager.NewWriteAtBuffer(nil)
	n, err := obj.Download(context.Background(), buf)

	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), n)
	assert.Equal(t, content, buf.Bytes())
}

func TestObject_EngineUpload(t *testing.T) {
	fake := newFakeS3()
	obj := newTestObject(t, fake)
	content := bytes.Repeat([]byte("chunked-upload "), 700)

	opts := upload.DefaultOptions()
	opts.ChunkSize = 1024
	opts.LeaseBreakDelay = 0
	opts.RetryDelayBase = time.Millisecond
	opts.Metadata = map[string]string{"trackingId": "s3-upload"}

	engine := upload.NewEngine(log.NewLogger())
	err := engine.Upload(context.Background(), chunkuploader.NewBytesSource(content), obj, opts, "s3-upload", nil)

	require.NoError(t, err)
	stored, ok := fake.object(testKey)
	require.True(t, ok)
	assert.Equal(t, content, stored)
	assert.Equal(t, 0, fake.pendingUploads())
	_, markerLeft := fake.object(testKey + ".lease")
	assert.False(t, markerLeft)
}
