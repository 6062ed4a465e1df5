package s3gw

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/johannesboyne/gofakes3"

	"github.com/jacktea/hdfsfake/pkg/checksum"
	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/hdfs"
	"github.com/jacktea/hdfsfake/pkg/localfs"
	"github.com/jacktea/hdfsfake/pkg/server/middleware"
)

func newNamespace(t *testing.T, buckets ...string) fs.Driver {
	t.Helper()
	fsys, err := hdfs.New(localfs.New(localfs.Config{}), t.TempDir(), hdfs.Options{})
	if err != nil {
		t.Fatalf("hdfs.New: %v", err)
	}
	for _, b := range buckets {
		if err := fsys.CreateDir(context.Background(), "/"+b, fs.MkdirOptions{}); err != nil {
			t.Fatalf("create bucket %s: %v", b, err)
		}
	}
	return fsys
}

func serve(srv *Server, method, target string, body []byte) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(method, target, rdr))
	return rr
}

func TestS3GatewayPutGet(t *testing.T) {
	srv := &Server{FS: newNamespace(t, "test"), Opt: Options{Bucket: "test"}}
	rr := serve(srv, http.MethodPut, "/dir/hello.txt", []byte("hello world"))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = serve(srv, http.MethodGet, "/dir/hello.txt", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body, _ := io.ReadAll(rr.Body)
	if string(body) != "hello world" {
		t.Fatalf("expected hello world got %q", string(body))
	}
	sum := md5.Sum([]byte("hello world"))
	if got := rr.Header().Get("ETag"); got != `"`+hex.EncodeToString(sum[:])+`"` {
		t.Fatalf("etag = %s", got)
	}
	if got := rr.Header().Get(ChecksumHeader); got != "000002000000000000000000288773daccaad45044462c35f836c9b6" {
		t.Fatalf("hdfs checksum header = %q", got)
	}

	req := httptest.NewRequest(http.MethodGet, "/dir/hello.txt", nil)
	req.Header.Set("Range", "bytes=6-10")
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	// gofakes3 answers ranged reads with 200 and a Content-Range header.
	if rr.Code != http.StatusOK {
		t.Fatalf("range status %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Range"); got != "bytes 6-10/11" {
		t.Fatalf("content-range = %q", got)
	}
	if got := rr.Body.String(); got != "world" {
		t.Fatalf("range body %q", got)
	}

	rr = serve(srv, http.MethodGet, "/missing.txt", nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing key: %d", rr.Code)
	}
}

func TestS3GatewayAuthMiddleware(t *testing.T) {
	srv := &Server{FS: newNamespace(t, "test"), Opt: Options{Bucket: "test", APIKey: "secret"}}
	req := httptest.NewRequest(http.MethodGet, "/?list-type=2", nil)
	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	req.Header.Set("X-API-Key", "secret")
	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 after auth, got %d", rr.Code)
	}
}

func TestS3GatewayRateLimit(t *testing.T) {
	now := time.Unix(0, 0)
	srv := &Server{
		FS: newNamespace(t, "test"),
		Opt: Options{
			Bucket: "test",
			RateLimit: middleware.RateLimitOptions{
				Requests: 1,
				Window:   time.Second,
				Now: func() time.Time {
					return now
				},
			},
		},
	}
	if rr := serve(srv, http.MethodGet, "/?list-type=2", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected ok, got %d", rr.Code)
	}
	if rr := serve(srv, http.MethodGet, "/?list-type=2", nil); rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	now = now.Add(time.Second)
	if rr := serve(srv, http.MethodGet, "/?list-type=2", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected ok after refill, got %d", rr.Code)
	}
}

func TestS3GatewayPagination(t *testing.T) {
	srv := &Server{FS: newNamespace(t, "test"), Opt: Options{Bucket: "test"}}
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		if rr := serve(srv, http.MethodPut, "/"+name, []byte(name)); rr.Code != http.StatusOK {
			t.Fatalf("put %s: %d", name, rr.Code)
		}
	}
	rr := serve(srv, http.MethodGet, "/test?list-type=2&max-keys=2", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list page1: %d", rr.Code)
	}
	var resp listResult
	if err := xml.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode page1: %v", err)
	}
	if !resp.IsTruncated || resp.NextContinuationToken == "" || len(resp.Contents) != 2 {
		t.Fatalf("expected truncation: %+v", resp)
	}
	rr = serve(srv, http.MethodGet, "/test?list-type=2&max-keys=2&continuation-token="+resp.NextContinuationToken, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list page2: %d", rr.Code)
	}
	resp = listResult{}
	if err := xml.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode page2: %v", err)
	}
	if resp.IsTruncated || len(resp.Contents) != 1 || resp.Contents[0].Key != "c.txt" {
		t.Fatalf("expected final page with c.txt, got %+v", resp)
	}
}

func TestS3GatewayRename(t *testing.T) {
	ctx := context.Background()
	fsys := newNamespace(t, "test")
	srv := &Server{FS: fsys, Opt: Options{Bucket: "test"}}
	if rr := serve(srv, http.MethodPut, "/old.txt", []byte("data")); rr.Code != http.StatusOK {
		t.Fatalf("put old: %d", rr.Code)
	}
	if rr := serve(srv, http.MethodPost, "/old.txt?rename=/new.txt", nil); rr.Code != http.StatusOK {
		t.Fatalf("rename status %d", rr.Code)
	}
	if info, _ := fsys.GetFileInfo(ctx, "/test/new.txt"); !info.IsFile() {
		t.Fatalf("new.txt missing after rename")
	}
	if info, _ := fsys.GetFileInfo(ctx, "/test/old.txt"); info.Exists() {
		t.Fatalf("old.txt should be gone")
	}
	if rr := serve(srv, http.MethodPost, "/old.txt?rename=/other.txt", nil); rr.Code != http.StatusNotFound {
		t.Fatalf("rename of missing key: %d", rr.Code)
	}
}

func TestBackendBuckets(t *testing.T) {
	b := NewBackend(newNamespace(t))
	defer b.Close()

	if err := b.CreateBucket("alpha"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := b.CreateBucket("alpha"); err == nil {
		t.Fatalf("duplicate bucket should fail")
	}
	if _, err := b.PutObject("alpha", "k/v.txt", nil, bytes.NewReader([]byte("v")), 1, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	buckets, err := b.ListBuckets()
	if err != nil || len(buckets) != 1 || buckets[0].Name != "alpha" {
		t.Fatalf("buckets = %+v, %v", buckets, err)
	}
	if err := b.DeleteBucket("alpha"); err == nil {
		t.Fatalf("non-empty bucket delete should fail")
	}
	if _, err := b.DeleteObject("alpha", "k/v.txt"); err != nil {
		t.Fatalf("delete object: %v", err)
	}
	if _, err := b.DeleteObject("alpha", "k/v.txt"); err != nil {
		t.Fatalf("deleting a missing object should succeed: %v", err)
	}
	if err := b.ForceDeleteBucket("alpha"); err != nil {
		t.Fatalf("force delete: %v", err)
	}
	if ok, _ := b.BucketExists("alpha"); ok {
		t.Fatalf("bucket should be gone")
	}
}

func TestBackendListBucketPaging(t *testing.T) {
	b := NewBackend(newNamespace(t, "pages"))
	defer b.Close()
	for _, key := range []string{"a.txt", "b.txt", "c.txt", "dir/x", "dir/y", "e.txt"} {
		if _, err := b.PutObject("pages", key, nil, bytes.NewReader([]byte(key)), int64(len(key)), nil); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}

	testcases := []struct {
		name   string
		prefix *gofakes3.Prefix
		want   []string
	}{
		{
			name: "flat",
			want: []string{"a.txt", "b.txt", "c.txt", "dir/x", "dir/y", "e.txt"},
		},
		{
			name:   "delimited",
			prefix: &gofakes3.Prefix{HasDelimiter: true, Delimiter: "/"},
			want:   []string{"a.txt", "b.txt", "c.txt", "dir/", "e.txt"},
		},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			var seen []string
			page := gofakes3.ListBucketPage{MaxKeys: 2}
			for i := 0; i < 10; i++ {
				list, err := b.ListBucket("pages", tc.prefix, page)
				if err != nil {
					t.Fatalf("page %d: %v", i, err)
				}
				for _, c := range list.Contents {
					seen = append(seen, c.Key)
				}
				for _, cp := range list.CommonPrefixes {
					seen = append(seen, cp.Prefix)
				}
				if !list.IsTruncated {
					break
				}
				if list.NextMarker == "" || list.NextMarker != seen[len(seen)-1] {
					t.Fatalf("page %d: next marker %q should be the last returned entry (seen %v)", i, list.NextMarker, seen)
				}
				page = gofakes3.ListBucketPage{Marker: list.NextMarker, HasMarker: true, MaxKeys: 2}
			}
			if strings.Join(seen, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("listed %v, want %v", seen, tc.want)
			}
		})
	}
}

func TestBackendCopyObject(t *testing.T) {
	ctx := context.Background()
	fsys := newNamespace(t, "src", "dst")
	b := NewBackend(fsys)
	defer b.Close()

	if _, err := b.PutObject("src", "a", nil, bytes.NewReader([]byte("payload")), 7, nil); err != nil {
		t.Fatalf("put: %v", err)
	}
	res, err := b.CopyObject("src", "a", "dst", "nested/b", nil)
	if err != nil {
		t.Fatalf("copy: %v", err)
	}
	sum := md5.Sum([]byte("payload"))
	if res.ETag != gofakes3.FormatETag(sum[:]) {
		t.Fatalf("etag = %s", res.ETag)
	}
	in, err := fsys.OpenInputStream(ctx, "/dst/nested/b")
	if err != nil {
		t.Fatalf("open copy: %v", err)
	}
	data, _ := io.ReadAll(in)
	in.Close()
	if string(data) != "payload" {
		t.Fatalf("copied data = %q", data)
	}
	if _, err := b.CopyObject("src", "missing", "dst", "x", nil); err == nil {
		t.Fatalf("copy of missing key should fail")
	}
}

func TestBackendMultipartUpload(t *testing.T) {
	ctx := context.Background()
	fsys := newNamespace(t, "bkt")
	b := NewBackend(fsys)
	defer b.Close()

	id, err := b.CreateMultipartUpload("bkt", "big.bin", nil)
	if err != nil {
		t.Fatalf("create upload: %v", err)
	}
	parts := [][]byte{bytes.Repeat([]byte("a"), 600), bytes.Repeat([]byte("b"), 424)}
	var completed []gofakes3.CompletedPart
	for i, p := range parts {
		etag, err := b.UploadPart("bkt", "big.bin", id, i+1, int64(len(p)), bytes.NewReader(p))
		if err != nil {
			t.Fatalf("upload part %d: %v", i+1, err)
		}
		completed = append(completed, gofakes3.CompletedPart{PartNumber: i + 1, ETag: etag})
	}
	uploads, err := b.ListMultipartUploads("bkt", nil, gofakes3.Prefix{}, 0)
	if err != nil || len(uploads.Uploads) != 1 || uploads.Uploads[0].Key != "big.bin" {
		t.Fatalf("uploads = %+v, %v", uploads, err)
	}
	list, err := b.ListBucket("bkt", nil, gofakes3.ListBucketPage{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list.Contents) != 0 {
		t.Fatalf("in-progress parts leaked into listing: %+v", list.Contents)
	}

	if _, _, err := b.CompleteMultipartUpload("bkt", "big.bin", id, &gofakes3.CompleteMultipartUploadRequest{Parts: completed}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	obj, err := b.HeadObject("bkt", "big.bin")
	if err != nil {
		t.Fatalf("head: %v", err)
	}
	want, _ := checksum.Compute(bytes.NewReader(bytes.Join(parts, nil)))
	if obj.Size != 1024 || obj.Metadata[ChecksumHeader] != want {
		t.Fatalf("head = %+v, want checksum %s", obj, want)
	}
	if info, _ := fsys.GetFileInfo(ctx, "/bkt/.s3uploads/"+string(id)); info.Exists() {
		t.Fatalf("upload dir should be removed after completion")
	}
	if empty, err := b.bucketEmpty(ctx, "bkt"); err != nil || empty {
		t.Fatalf("bucket should hold the completed object")
	}
}

func TestObjectKey(t *testing.T) {
	testcases := []struct {
		bucket string
		in     string
		want   string
	}{
		{bucket: "", in: "/a/b", want: "/a/b"},
		{bucket: "test", in: "/a/b", want: "/test/a/b"},
		{bucket: "test", in: "/test/a", want: "/test/a"},
		{bucket: "test", in: "/", want: "/test"},
		{bucket: "test", in: "a/../b", want: "/test/b"},
	}
	for _, tc := range testcases {
		tc := tc
		t.Run(tc.bucket+tc.in, func(t *testing.T) {
			s := &Server{Opt: Options{Bucket: tc.bucket}}
			if got := s.objectKey(tc.in); got != tc.want {
				t.Fatalf("objectKey(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

type listResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}
