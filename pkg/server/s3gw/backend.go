package s3gw

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/johannesboyne/gofakes3"

	"github.com/jacktea/hdfsfake/pkg/cache"
	"github.com/jacktea/hdfsfake/pkg/checksum"
	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

const (
	// ChecksumHeader carries the HDFS composite checksum of an object.
	ChecksumHeader = "X-Amz-Meta-Hdfs-Checksum"

	uploadsDirName  = ".s3uploads"
	uploadMetaFile  = "meta.json"
	partFilePattern = "part-%05d"
)

// Backend implements gofakes3.Backend + MultipartBackend on top of an
// fs.Driver. Buckets are top-level directories; keys are paths below them.
type Backend struct {
	fs        fs.Driver
	hashes    *cache.Cache[objectHashes]
	uploadSeq uint64
}

var (
	_ gofakes3.Backend          = (*Backend)(nil)
	_ gofakes3.MultipartBackend = (*Backend)(nil)
)

// objectHashes is valid while the file keeps the recorded size and mtime.
type objectHashes struct {
	size  int64
	mtime int64
	md5   []byte
	hdfs  string
}

// NewBackend wraps fsys with an S3-compatible backend.
func NewBackend(fsys fs.Driver) *Backend {
	return &Backend{fs: fsys, hashes: cache.New[objectHashes](4096, 0)}
}

func (b *Backend) ListBuckets() ([]gofakes3.BucketInfo, error) {
	ctx := context.Background()
	entries, err := b.fs.ListFileInfo(ctx, fs.Selector{BaseDir: "/", AllowNotFound: true})
	if err != nil {
		return nil, err
	}
	var buckets []gofakes3.BucketInfo
	for _, entry := range entries {
		if !entry.IsDir() || isReservedName(entry.Name()) {
			continue
		}
		ts := entry.MTime
		if ts.IsZero() {
			ts = time.Now()
		}
		buckets = append(buckets, gofakes3.BucketInfo{
			Name:         entry.Name(),
			CreationDate: gofakes3.NewContentTime(ts),
		})
	}
	sort.Slice(buckets, func(i, j int) bool {
		return buckets[i].Name < buckets[j].Name
	})
	return buckets, nil
}

func (b *Backend) ListBucket(name string, prefix *gofakes3.Prefix, page gofakes3.ListBucketPage) (*gofakes3.ObjectList, error) {
	ctx := context.Background()
	if err := b.ensureBucket(ctx, name); err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = &gofakes3.Prefix{}
	}
	objects, err := b.listObjects(ctx, name)
	if err != nil {
		return nil, err
	}
	limit := int(page.MaxKeys)
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	results := gofakes3.NewObjectList()
	seenPrefixes := make(map[string]struct{})
	marker := page.Marker
	var lastKey string
	count := 0
	for _, item := range objects {
		if marker != "" && (item.Key <= marker || underPrefixMarker(prefix, marker, item.Key)) {
			continue
		}
		match := gofakes3.PrefixMatch{Key: item.Key, MatchedPart: item.Key}
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(item.Key, &match) {
				continue
			}
		}
		if match.CommonPrefix {
			if _, ok := seenPrefixes[match.MatchedPart]; ok {
				continue
			}
			seenPrefixes[match.MatchedPart] = struct{}{}
			if count < limit {
				results.AddPrefix(match.MatchedPart)
				count++
			} else {
				results.IsTruncated = true
				break
			}
			lastKey = match.MatchedPart
			continue
		}
		if count >= limit {
			results.IsTruncated = true
			break
		}
		content, err := b.contentFor(ctx, name, item)
		if err != nil {
			return nil, err
		}
		results.Add(content)
		count++
		lastKey = item.Key
	}
	if results.IsTruncated {
		results.NextMarker = lastKey
	}
	return results, nil
}

// underPrefixMarker reports whether key was already rolled up into the
// common prefix a previous page ended on.
func underPrefixMarker(prefix *gofakes3.Prefix, marker, key string) bool {
	if prefix == nil || !prefix.HasDelimiter || prefix.Delimiter == "" {
		return false
	}
	return strings.HasSuffix(marker, prefix.Delimiter) && strings.HasPrefix(key, marker)
}

func (b *Backend) CreateBucket(name string) error {
	if err := gofakes3.ValidateBucketName(name); err != nil {
		return err
	}
	if isReservedName(name) {
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
	}
	ctx := context.Background()
	info, err := b.fs.GetFileInfo(ctx, b.bucketPath(name))
	if err != nil {
		return err
	}
	if info.Exists() {
		return gofakes3.ResourceError(gofakes3.ErrBucketAlreadyExists, name)
	}
	return b.fs.CreateDir(ctx, b.bucketPath(name), fs.MkdirOptions{Parents: true, Mode: 0o755})
}

func (b *Backend) BucketExists(name string) (bool, error) {
	if name == "" || isReservedName(name) {
		return false, nil
	}
	info, err := b.fs.GetFileInfo(context.Background(), b.bucketPath(name))
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

func (b *Backend) DeleteBucket(name string) error {
	ctx := context.Background()
	if err := b.ensureBucket(ctx, name); err != nil {
		return err
	}
	empty, err := b.bucketEmpty(ctx, name)
	if err != nil {
		return err
	}
	if !empty {
		return gofakes3.ResourceError(gofakes3.ErrBucketNotEmpty, name)
	}
	b.hashes.DeleteTree(b.bucketPath(name))
	return b.fs.DeleteDir(ctx, b.bucketPath(name))
}

func (b *Backend) ForceDeleteBucket(name string) error {
	ctx := context.Background()
	if err := b.ensureBucket(ctx, name); err != nil {
		return err
	}
	b.hashes.DeleteTree(b.bucketPath(name))
	return b.fs.DeleteDir(ctx, b.bucketPath(name))
}

func (b *Backend) GetObject(bucket, object string, rangeRequest *gofakes3.ObjectRangeRequest) (*gofakes3.Object, error) {
	ctx := context.Background()
	info, err := b.objectFileInfo(ctx, bucket, object)
	if err != nil {
		return nil, err
	}
	var rng *gofakes3.ObjectRange
	if rangeRequest != nil {
		if rng, err = rangeRequest.Range(info.Size); err != nil {
			return nil, err
		}
	}
	return b.buildObjectResponse(ctx, object, info, rng, false)
}

func (b *Backend) HeadObject(bucket, object string) (*gofakes3.Object, error) {
	ctx := context.Background()
	info, err := b.objectFileInfo(ctx, bucket, object)
	if err != nil {
		return nil, err
	}
	return b.buildObjectResponse(ctx, object, info, nil, true)
}

func (b *Backend) DeleteObject(bucket, object string) (gofakes3.ObjectDeleteResult, error) {
	ctx := context.Background()
	if err := b.ensureBucket(ctx, bucket); err != nil {
		return gofakes3.ObjectDeleteResult{}, err
	}
	target := b.objectPath(bucket, object)
	b.hashes.Delete(target)
	err := b.fs.DeleteFile(ctx, target)
	if err != nil && xerrors.KindOf(err) != xerrors.KindNotFound {
		return gofakes3.ObjectDeleteResult{}, err
	}
	return gofakes3.ObjectDeleteResult{}, nil
}

func (b *Backend) PutObject(bucket, key string, meta map[string]string, input io.Reader, _ int64, conditions *gofakes3.PutConditions) (gofakes3.PutObjectResult, error) {
	ctx := context.Background()
	if err := b.ensureBucket(ctx, bucket); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	target := b.objectPath(bucket, key)
	if conditions != nil {
		info, err := b.objectInfo(ctx, target)
		if err != nil {
			return gofakes3.PutObjectResult{}, err
		}
		if err := gofakes3.CheckPutConditions(conditions, info); err != nil {
			return gofakes3.PutObjectResult{}, err
		}
	}
	if _, err := b.writeObject(ctx, target, input); err != nil {
		return gofakes3.PutObjectResult{}, err
	}
	return gofakes3.PutObjectResult{}, nil
}

func (b *Backend) DeleteMulti(bucket string, objects ...string) (gofakes3.MultiDeleteResult, error) {
	ctx := context.Background()
	if err := b.ensureBucket(ctx, bucket); err != nil {
		return gofakes3.MultiDeleteResult{}, err
	}
	var result gofakes3.MultiDeleteResult
	for _, key := range objects {
		if _, err := b.DeleteObject(bucket, key); err != nil {
			result.Error = append(result.Error, gofakes3.ErrorResultFromError(err))
		} else {
			result.Deleted = append(result.Deleted, gofakes3.ObjectID{Key: key})
		}
	}
	return result, result.AsError()
}

func (b *Backend) CopyObject(srcBucket, srcKey, dstBucket, dstKey string, meta map[string]string) (gofakes3.CopyObjectResult, error) {
	ctx := context.Background()
	srcInfo, err := b.objectFileInfo(ctx, srcBucket, srcKey)
	if err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	if err := b.ensureBucket(ctx, dstBucket); err != nil {
		return gofakes3.CopyObjectResult{}, err
	}
	dst := b.objectPath(dstBucket, dstKey)
	var sums objectHashes
	if srcInfo.Path == dst {
		if sums, err = b.hashesFor(ctx, srcInfo); err != nil {
			return gofakes3.CopyObjectResult{}, err
		}
	} else {
		in, err := b.fs.OpenInputStream(ctx, srcInfo.Path)
		if err != nil {
			return gofakes3.CopyObjectResult{}, err
		}
		sums, err = b.writeObject(ctx, dst, in)
		in.Close()
		if err != nil {
			return gofakes3.CopyObjectResult{}, err
		}
	}
	return gofakes3.CopyObjectResult{
		ETag:         gofakes3.FormatETag(sums.md5),
		LastModified: gofakes3.NewContentTime(time.Unix(0, sums.mtime)),
	}, nil
}

func (b *Backend) CreateMultipartUpload(bucket, object string, meta map[string]string) (gofakes3.UploadID, error) {
	ctx := context.Background()
	if err := b.ensureBucket(ctx, bucket); err != nil {
		return "", err
	}
	uploadID := b.nextUploadID()
	if err := b.fs.CreateDir(ctx, b.uploadDir(bucket, uploadID), fs.MkdirOptions{Parents: true, Mode: 0o755}); err != nil {
		return "", err
	}
	info := &uploadMetadata{
		Object:    object,
		Meta:      cloneMetadata(meta),
		Initiated: time.Now().UTC(),
		Parts:     make(map[int]uploadPartMetadata),
	}
	if err := b.saveUploadMetadata(ctx, bucket, uploadID, info); err != nil {
		return "", err
	}
	return uploadID, nil
}

func (b *Backend) UploadPart(bucket, object string, id gofakes3.UploadID, partNumber int, contentLength int64, input io.Reader) (string, error) {
	if partNumber <= 0 || partNumber > gofakes3.MaxUploadPartNumber {
		return "", gofakes3.ErrInvalidPart
	}
	ctx := context.Background()
	meta, err := b.loadUploadMetadata(ctx, bucket, id)
	if err != nil {
		return "", err
	}
	if meta.Object != object {
		return "", gofakes3.ErrNoSuchUpload
	}
	partPath := b.partPath(bucket, id, partNumber)
	out, err := b.fs.OpenOutputStream(ctx, partPath)
	if err != nil {
		return "", err
	}
	hasher := md5.New()
	written, err := io.Copy(io.MultiWriter(out, hasher), input)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", err
	}
	if contentLength >= 0 && written != contentLength {
		return "", gofakes3.ErrIncompleteBody
	}
	etag := fmt.Sprintf(`"%s"`, hex.EncodeToString(hasher.Sum(nil)))
	meta.Parts[partNumber] = uploadPartMetadata{
		Path:         partPath,
		Size:         written,
		ETag:         etag,
		LastModified: time.Now().UTC(),
	}
	if err := b.saveUploadMetadata(ctx, bucket, id, meta); err != nil {
		return "", err
	}
	return etag, nil
}

func (b *Backend) ListMultipartUploads(bucket string, marker *gofakes3.UploadListMarker, prefix gofakes3.Prefix, limit int64) (*gofakes3.ListMultipartUploadsResult, error) {
	ctx := context.Background()
	if err := b.ensureBucket(ctx, bucket); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	summaries, err := b.collectUploadSummaries(ctx, bucket)
	if err != nil {
		return nil, err
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].Key == summaries[j].Key {
			return summaries[i].Initiated.Before(summaries[j].Initiated)
		}
		return summaries[i].Key < summaries[j].Key
	})
	start := 0
	if marker != nil {
		for idx, sum := range summaries {
			if compareUpload(sum, marker.Object, marker.UploadID) > 0 {
				break
			}
			start = idx + 1
		}
	}
	result := &gofakes3.ListMultipartUploadsResult{
		Bucket:     bucket,
		Delimiter:  prefix.Delimiter,
		Prefix:     prefix.Prefix,
		MaxUploads: limit,
	}
	var match gofakes3.PrefixMatch
	seenPrefixes := make(map[string]bool)
	var count int64
	for idx := start; idx < len(summaries); idx++ {
		sum := summaries[idx]
		if prefix.HasPrefix || prefix.HasDelimiter {
			if !prefix.Match(sum.Key, &match) {
				continue
			}
			if match.CommonPrefix {
				if !seenPrefixes[match.MatchedPart] {
					result.CommonPrefixes = append(result.CommonPrefixes, match.AsCommonPrefix())
					seenPrefixes[match.MatchedPart] = true
				}
				continue
			}
		}
		result.Uploads = append(result.Uploads, gofakes3.ListMultipartUploadItem{
			Key:          sum.Key,
			UploadID:     sum.ID,
			StorageClass: "STANDARD",
			Initiated:    gofakes3.NewContentTime(sum.Initiated),
		})
		count++
		if count >= limit {
			if idx+1 < len(summaries) {
				result.IsTruncated = true
				result.NextKeyMarker = summaries[idx+1].Key
				result.NextUploadIDMarker = summaries[idx+1].ID
			}
			break
		}
	}
	return result, nil
}

func (b *Backend) ListParts(bucket, object string, uploadID gofakes3.UploadID, marker int, limit int64) (*gofakes3.ListMultipartUploadPartsResult, error) {
	ctx := context.Background()
	meta, err := b.loadUploadMetadata(ctx, bucket, uploadID)
	if err != nil {
		return nil, err
	}
	if meta.Object != object {
		return nil, gofakes3.ErrNoSuchUpload
	}
	if limit <= 0 {
		limit = gofakes3.DefaultMaxBucketKeys
	}
	result := &gofakes3.ListMultipartUploadPartsResult{
		Bucket:           bucket,
		Key:              object,
		UploadID:         uploadID,
		MaxParts:         limit,
		PartNumberMarker: marker,
		StorageClass:     "STANDARD",
	}
	partNumbers := make([]int, 0, len(meta.Parts))
	for num := range meta.Parts {
		partNumbers = append(partNumbers, num)
	}
	sort.Ints(partNumbers)
	var count int64
	for _, num := range partNumbers {
		if num <= marker {
			continue
		}
		if count >= limit {
			result.IsTruncated = true
			result.NextPartNumberMarker = num
			break
		}
		part := meta.Parts[num]
		result.Parts = append(result.Parts, gofakes3.ListMultipartUploadPartItem{
			PartNumber:   num,
			ETag:         part.ETag,
			Size:         part.Size,
			LastModified: gofakes3.NewContentTime(part.LastModified),
		})
		count++
	}
	return result, nil
}

func (b *Backend) AbortMultipartUpload(bucket, object string, id gofakes3.UploadID) error {
	ctx := context.Background()
	meta, err := b.loadUploadMetadata(ctx, bucket, id)
	if err != nil {
		return err
	}
	if meta.Object != object {
		return gofakes3.ErrNoSuchUpload
	}
	return b.removeUpload(ctx, bucket, id)
}

func (b *Backend) CompleteMultipartUpload(bucket, object string, id gofakes3.UploadID, input *gofakes3.CompleteMultipartUploadRequest) (gofakes3.VersionID, string, error) {
	ctx := context.Background()
	if input == nil || len(input.Parts) == 0 {
		return "", "", gofakes3.ErrInvalidPart
	}
	meta, err := b.loadUploadMetadata(ctx, bucket, id)
	if err != nil {
		return "", "", err
	}
	if meta.Object != object {
		return "", "", gofakes3.ErrNoSuchUpload
	}
	finalHash := md5.New()
	for _, part := range input.Parts {
		info, ok := meta.Parts[part.PartNumber]
		if !ok || strings.Trim(part.ETag, `"`) != strings.Trim(info.ETag, `"`) {
			return "", "", gofakes3.ErrInvalidPart
		}
		raw, err := hex.DecodeString(strings.Trim(info.ETag, `"`))
		if err != nil {
			return "", "", gofakes3.ErrInvalidPart
		}
		finalHash.Write(raw)
	}
	pr, pw := io.Pipe()
	go func() {
		for _, part := range input.Parts {
			in, err := b.fs.OpenInputStream(ctx, meta.Parts[part.PartNumber].Path)
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			_, err = io.Copy(pw, in)
			in.Close()
			if err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		pw.Close()
	}()
	_, err = b.writeObject(ctx, b.objectPath(bucket, object), pr)
	pr.Close()
	if err != nil {
		return "", "", err
	}
	if err := b.removeUpload(ctx, bucket, id); err != nil {
		return "", "", err
	}
	etag := fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(finalHash.Sum(nil)), len(input.Parts))
	return "", etag, nil
}

func (b *Backend) ensureBucket(ctx context.Context, name string) error {
	ok, err := b.BucketExists(name)
	if err != nil {
		return err
	}
	if !ok {
		return gofakes3.BucketNotFound(name)
	}
	return nil
}

func (b *Backend) bucketPath(name string) string {
	return path.Clean("/" + strings.TrimPrefix(name, "/"))
}

func (b *Backend) objectPath(bucket, key string) string {
	base := b.bucketPath(bucket)
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return base
	}
	return path.Clean(path.Join(base, key))
}

// objectFileInfo resolves an existing regular file for bucket/key.
func (b *Backend) objectFileInfo(ctx context.Context, bucket, key string) (fs.FileInfo, error) {
	if err := b.ensureBucket(ctx, bucket); err != nil {
		return fs.FileInfo{}, err
	}
	target := b.objectPath(bucket, key)
	if isInternalObject(target) {
		return fs.FileInfo{}, gofakes3.KeyNotFound(key)
	}
	info, err := b.fs.GetFileInfo(ctx, target)
	if err != nil {
		if k := xerrors.KindOf(err); k == xerrors.KindNotFound || k == xerrors.KindNotDirectory {
			return fs.FileInfo{}, gofakes3.KeyNotFound(key)
		}
		return fs.FileInfo{}, err
	}
	if !info.IsFile() {
		return fs.FileInfo{}, gofakes3.KeyNotFound(key)
	}
	return info, nil
}

type listedObject struct {
	Key  string
	Info fs.FileInfo
}

func (b *Backend) listObjects(ctx context.Context, bucket string) ([]listedObject, error) {
	base := b.bucketPath(bucket)
	entries, err := b.fs.ListFileInfo(ctx, fs.Selector{BaseDir: base, Recursive: true})
	if err != nil {
		return nil, err
	}
	var out []listedObject
	for _, entry := range entries {
		if !entry.IsFile() || isInternalObject(entry.Path) {
			continue
		}
		key := strings.TrimPrefix(entry.Path, base+"/")
		if key == "" {
			continue
		}
		out = append(out, listedObject{Key: key, Info: entry})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Key < out[j].Key
	})
	return out, nil
}

func (b *Backend) contentFor(ctx context.Context, bucket string, item listedObject) (*gofakes3.Content, error) {
	sums, err := b.hashesFor(ctx, item.Info)
	if err != nil {
		return nil, err
	}
	return &gofakes3.Content{
		Key:          item.Key,
		LastModified: gofakes3.NewContentTime(item.Info.MTime),
		Size:         item.Info.Size,
		ETag:         gofakes3.FormatETag(sums.md5),
	}, nil
}

func (b *Backend) buildObjectResponse(ctx context.Context, key string, info fs.FileInfo, rng *gofakes3.ObjectRange, head bool) (*gofakes3.Object, error) {
	sums, err := b.hashesFor(ctx, info)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"Last-Modified": info.MTime.UTC().Format(http.TimeFormat),
		ChecksumHeader:  sums.hdfs,
	}
	var body io.ReadCloser
	if head {
		body = io.NopCloser(bytes.NewReader(nil))
	} else {
		f, err := b.fs.OpenInputFile(ctx, info.Path)
		if err != nil {
			return nil, err
		}
		body = newObjectReader(f, rng)
	}
	return &gofakes3.Object{
		Name:     key,
		Metadata: headers,
		Size:     info.Size,
		Contents: body,
		Hash:     sums.md5,
		Range:    rng,
	}, nil
}

// hashesFor returns the MD5 and HDFS digests of info, reading the file only
// when no cached pair matches its current size and mtime.
func (b *Backend) hashesFor(ctx context.Context, info fs.FileInfo) (objectHashes, error) {
	if sums, ok := b.hashes.Get(info.Path); ok && sums.size == info.Size && sums.mtime == info.MTime.UnixNano() {
		return sums, nil
	}
	in, err := b.fs.OpenInputStream(ctx, info.Path)
	if err != nil {
		return objectHashes{}, err
	}
	defer in.Close()
	md5h, hdfsh := md5.New(), checksum.New()
	if _, err := io.Copy(io.MultiWriter(md5h, hdfsh), in); err != nil {
		return objectHashes{}, xerrors.Wrap(xerrors.KindIO, "s3 hash", info.Path, err)
	}
	sums := objectHashes{
		size:  info.Size,
		mtime: info.MTime.UnixNano(),
		md5:   md5h.Sum(nil),
		hdfs:  hdfsh.Digest(),
	}
	b.hashes.Set(info.Path, sums)
	return sums, nil
}

// writeObject streams input to target, hashing on the way through.
func (b *Backend) writeObject(ctx context.Context, target string, input io.Reader) (objectHashes, error) {
	out, err := b.fs.OpenOutputStream(ctx, target)
	if err != nil {
		return objectHashes{}, err
	}
	md5h, hdfsh := md5.New(), checksum.New()
	_, err = io.Copy(io.MultiWriter(out, md5h, hdfsh), input)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		b.hashes.Delete(target)
		return objectHashes{}, err
	}
	info, err := b.fs.GetFileInfo(ctx, target)
	if err != nil {
		return objectHashes{}, err
	}
	sums := objectHashes{
		size:  info.Size,
		mtime: info.MTime.UnixNano(),
		md5:   md5h.Sum(nil),
		hdfs:  hdfsh.Digest(),
	}
	b.hashes.Set(target, sums)
	return sums, nil
}

func cloneMetadata(meta map[string]string) map[string]string {
	if meta == nil {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}

func (b *Backend) bucketEmpty(ctx context.Context, bucket string) (bool, error) {
	entries, err := b.fs.ListFileInfo(ctx, fs.Selector{BaseDir: b.bucketPath(bucket)})
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		if entry.Name() != uploadsDirName {
			return false, nil
		}
	}
	return true, nil
}

func (b *Backend) objectInfo(ctx context.Context, target string) (*gofakes3.ConditionalObjectInfo, error) {
	info, err := b.fs.GetFileInfo(ctx, target)
	if err != nil {
		return nil, err
	}
	if !info.IsFile() {
		return &gofakes3.ConditionalObjectInfo{Exists: false}, nil
	}
	sums, err := b.hashesFor(ctx, info)
	if err != nil {
		return nil, err
	}
	return &gofakes3.ConditionalObjectInfo{Exists: true, Hash: sums.md5}, nil
}

func isInternalObject(p string) bool {
	return strings.Contains(p, "/"+uploadsDirName+"/") || strings.HasSuffix(p, "/"+uploadsDirName)
}

func isReservedName(name string) bool {
	return strings.HasPrefix(name, ".")
}

type objectReader struct {
	io.Reader
	f fs.InputFile
}

func newObjectReader(f fs.InputFile, rng *gofakes3.ObjectRange) io.ReadCloser {
	if rng == nil {
		return &objectReader{Reader: f, f: f}
	}
	return &objectReader{Reader: io.NewSectionReader(f, rng.Start, rng.Length), f: f}
}

func (r *objectReader) Close() error {
	return r.f.Close()
}

type uploadMetadata struct {
	Object    string                     `json:"object"`
	Meta      map[string]string          `json:"meta"`
	Initiated time.Time                  `json:"initiated"`
	Parts     map[int]uploadPartMetadata `json:"parts"`
}

type uploadPartMetadata struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	ETag         string    `json:"etag"`
	LastModified time.Time `json:"last_modified"`
}

type uploadSummary struct {
	Key       string
	ID        gofakes3.UploadID
	Initiated time.Time
}

func compareUpload(sum uploadSummary, key string, id gofakes3.UploadID) int {
	if sum.Key < key {
		return -1
	}
	if sum.Key > key {
		return 1
	}
	return strings.Compare(string(sum.ID), string(id))
}

func (b *Backend) uploadsDir(bucket string) string {
	return path.Join(b.bucketPath(bucket), uploadsDirName)
}

func (b *Backend) uploadDir(bucket string, id gofakes3.UploadID) string {
	return path.Join(b.uploadsDir(bucket), string(id))
}

func (b *Backend) uploadMetaPath(bucket string, id gofakes3.UploadID) string {
	return path.Join(b.uploadDir(bucket, id), uploadMetaFile)
}

func (b *Backend) partPath(bucket string, id gofakes3.UploadID, partNumber int) string {
	return path.Join(b.uploadDir(bucket, id), fmt.Sprintf(partFilePattern, partNumber))
}

func (b *Backend) loadUploadMetadata(ctx context.Context, bucket string, id gofakes3.UploadID) (*uploadMetadata, error) {
	in, err := b.fs.OpenInputStream(ctx, b.uploadMetaPath(bucket, id))
	if err != nil {
		if k := xerrors.KindOf(err); k == xerrors.KindNotFound || k == xerrors.KindNotDirectory {
			return nil, gofakes3.ErrNoSuchUpload
		}
		return nil, err
	}
	defer in.Close()
	info := &uploadMetadata{}
	if err := json.NewDecoder(in).Decode(info); err != nil {
		return nil, err
	}
	if info.Parts == nil {
		info.Parts = make(map[int]uploadPartMetadata)
	}
	if info.Meta == nil {
		info.Meta = map[string]string{}
	}
	return info, nil
}

func (b *Backend) saveUploadMetadata(ctx context.Context, bucket string, id gofakes3.UploadID, meta *uploadMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	out, err := b.fs.OpenOutputStream(ctx, b.uploadMetaPath(bucket, id))
	if err != nil {
		return err
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (b *Backend) removeUpload(ctx context.Context, bucket string, id gofakes3.UploadID) error {
	err := b.fs.DeleteDir(ctx, b.uploadDir(bucket, id))
	if err != nil && xerrors.KindOf(err) != xerrors.KindNotFound {
		return err
	}
	return nil
}

func (b *Backend) nextUploadID() gofakes3.UploadID {
	seq := atomic.AddUint64(&b.uploadSeq, 1)
	return gofakes3.UploadID(fmt.Sprintf("%d%06d", time.Now().Unix(), seq))
}

func (b *Backend) collectUploadSummaries(ctx context.Context, bucket string) ([]uploadSummary, error) {
	entries, err := b.fs.ListFileInfo(ctx, fs.Selector{BaseDir: b.uploadsDir(bucket), AllowNotFound: true})
	if err != nil {
		return nil, err
	}
	var out []uploadSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := gofakes3.UploadID(entry.Name())
		meta, err := b.loadUploadMetadata(ctx, bucket, id)
		if errors.Is(err, gofakes3.ErrNoSuchUpload) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, uploadSummary{Key: meta.Object, ID: id, Initiated: meta.Initiated})
	}
	return out, nil
}

// Close releases the digest cache.
func (b *Backend) Close() error {
	return b.hashes.Close()
}
