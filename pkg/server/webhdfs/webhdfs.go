// Package webhdfs serves an fs.Driver over the WebHDFS REST protocol
// (/webhdfs/v1/<path>?op=...). Data is accepted directly on CREATE and
// APPEND; the namenode/datanode redirect step is skipped.
package webhdfs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/jacktea/hdfsfake/pkg/checksum"
	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/server/middleware"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

// Prefix is the URL prefix of every WebHDFS call.
const Prefix = "/webhdfs/v1"

// Checksummer produces file checksums. A caching verifier satisfies it.
type Checksummer interface {
	FileChecksum(ctx context.Context, p string) (checksum.FileChecksum, error)
}

// Server exposes an fs.Driver over WebHDFS.
type Server struct {
	FS        fs.Driver
	Checksums Checksummer
	Log       *slog.Logger
	Opts      Options
}

// Options configure auth, rate limiting and reported ownership.
type Options struct {
	APIKey      string
	RateLimit   middleware.RateLimitOptions
	Owner       string
	Group       string
	BlockSize   int64
	Replication int
}

var errDirNotEmpty = errors.New("directory is not empty")

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().Info("webhdfs listening", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc(Prefix+"/", s.handle)
	mux.HandleFunc(Prefix, s.handle)
	return middleware.Wrap(mux,
		middleware.RequestLog(s.Log),
		middleware.APIKeyAuth(s.Opts.APIKey),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}

func (s *Server) logger() *slog.Logger {
	if s.Log == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.Log
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p := cleanPath(strings.TrimPrefix(r.URL.Path, Prefix))
	q := r.URL.Query()
	op := strings.ToUpper(q.Get("op"))

	type route struct {
		method string
		fn     func(context.Context, http.ResponseWriter, *http.Request, string)
	}
	routes := map[string]route{
		"OPEN":              {http.MethodGet, s.open},
		"GETFILESTATUS":     {http.MethodGet, s.getFileStatus},
		"LISTSTATUS":        {http.MethodGet, s.listStatus},
		"GETFILECHECKSUM":   {http.MethodGet, s.getFileChecksum},
		"GETHOMEDIRECTORY":  {http.MethodGet, s.getHomeDirectory},
		"GETCONTENTSUMMARY": {http.MethodGet, s.getContentSummary},
		"MKDIRS":            {http.MethodPut, s.mkdirs},
		"CREATE":            {http.MethodPut, s.create},
		"RENAME":            {http.MethodPut, s.rename},
		"APPEND":            {http.MethodPost, s.append},
		"DELETE":            {http.MethodDelete, s.delete},
	}
	rt, ok := routes[op]
	if !ok {
		writeRemoteException(w, http.StatusBadRequest, "IllegalArgumentException", "java.lang.IllegalArgumentException",
			fmt.Sprintf("Invalid value for webhdfs parameter \"op\": %q", q.Get("op")))
		return
	}
	if r.Method != rt.method {
		writeRemoteException(w, http.StatusBadRequest, "IllegalArgumentException", "java.lang.IllegalArgumentException",
			fmt.Sprintf("Invalid HTTP %s operation %s", r.Method, op))
		return
	}
	rt.fn(ctx, w, r, p)
}

func (s *Server) open(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	q := r.URL.Query()
	offset, err := int64Param(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		writeError(w, xerrors.Wrap(xerrors.KindInvalid, "open", p, fmt.Errorf("invalid offset %q", q.Get("offset"))))
		return
	}
	length, err := int64Param(q.Get("length"), -1)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.KindInvalid, "open", p, fmt.Errorf("invalid length %q", q.Get("length"))))
		return
	}
	f, err := s.FS.OpenInputFile(ctx, p)
	if err != nil {
		writeError(w, err)
		return
	}
	defer f.Close()
	size := f.Size()
	if offset > size {
		writeError(w, xerrors.Wrap(xerrors.KindRange, "open", p, fmt.Errorf("offset %d beyond length %d", offset, size)))
		return
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		writeError(w, err)
		return
	}
	remaining := size - offset
	if length >= 0 && length < remaining {
		remaining = length
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(remaining, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.CopyN(w, f, remaining); err != nil {
		s.logger().Warn("open: short copy", "path", p, "err", err)
	}
}

func (s *Server) getFileStatus(ctx context.Context, w http.ResponseWriter, _ *http.Request, p string) {
	info, err := s.stat(ctx, "getfilestatus", p)
	if err != nil {
		writeError(w, err)
		return
	}
	st := s.toStatus(info, "")
	if info.IsDir() {
		children, err := s.FS.ListFileInfo(ctx, fs.Selector{BaseDir: p})
		if err == nil {
			st.ChildrenNum = len(children)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"FileStatus": st})
}

func (s *Server) listStatus(ctx context.Context, w http.ResponseWriter, _ *http.Request, p string) {
	info, err := s.stat(ctx, "liststatus", p)
	if err != nil {
		writeError(w, err)
		return
	}
	statuses := []FileStatus{}
	if info.IsDir() {
		children, err := s.FS.ListFileInfo(ctx, fs.Selector{BaseDir: p})
		if err != nil {
			writeError(w, err)
			return
		}
		for _, child := range children {
			statuses = append(statuses, s.toStatus(child, child.Name()))
		}
	} else {
		statuses = append(statuses, s.toStatus(info, ""))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"FileStatuses": map[string]any{"FileStatus": statuses},
	})
}

func (s *Server) getFileChecksum(ctx context.Context, w http.ResponseWriter, _ *http.Request, p string) {
	info, err := s.stat(ctx, "getfilechecksum", p)
	if err != nil {
		writeError(w, err)
		return
	}
	if info.IsDir() {
		writeError(w, xerrors.E(xerrors.KindIsDirectory, "getfilechecksum", p))
		return
	}
	var sum checksum.FileChecksum
	if s.Checksums != nil {
		sum, err = s.Checksums.FileChecksum(ctx, p)
	} else {
		sum, err = s.computeChecksum(ctx, p)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"FileChecksum": sum})
}

func (s *Server) computeChecksum(ctx context.Context, p string) (checksum.FileChecksum, error) {
	r, err := s.FS.OpenInputStream(ctx, p)
	if err != nil {
		return checksum.FileChecksum{}, err
	}
	defer r.Close()
	digest, err := checksum.Compute(r)
	if err != nil {
		return checksum.FileChecksum{}, err
	}
	return checksum.NewFileChecksum(digest), nil
}

func (s *Server) getHomeDirectory(_ context.Context, w http.ResponseWriter, r *http.Request, _ string) {
	user := r.URL.Query().Get("user.name")
	if user == "" {
		user = s.owner()
	}
	writeJSON(w, http.StatusOK, map[string]string{"Path": "/user/" + user})
}

func (s *Server) getContentSummary(ctx context.Context, w http.ResponseWriter, _ *http.Request, p string) {
	info, err := s.stat(ctx, "getcontentsummary", p)
	if err != nil {
		writeError(w, err)
		return
	}
	summary := ContentSummary{Quota: -1, SpaceQuota: -1}
	if info.IsDir() {
		summary.DirectoryCount = 1
		children, err := s.FS.ListFileInfo(ctx, fs.Selector{BaseDir: p, Recursive: true})
		if err != nil {
			writeError(w, err)
			return
		}
		for _, child := range children {
			switch {
			case child.IsDir():
				summary.DirectoryCount++
			case child.IsFile():
				summary.FileCount++
				summary.Length += child.Size
			}
		}
	} else {
		summary.FileCount = 1
		summary.Length = info.Size
	}
	summary.SpaceConsumed = summary.Length
	writeJSON(w, http.StatusOK, map[string]any{"ContentSummary": summary})
}

func (s *Server) mkdirs(ctx context.Context, w http.ResponseWriter, _ *http.Request, p string) {
	if err := s.FS.CreateDir(ctx, p, fs.MkdirOptions{Parents: true}); err != nil {
		writeError(w, err)
		return
	}
	writeBoolean(w, true)
}

func (s *Server) create(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	overwrite, err := boolParam(r.URL.Query().Get("overwrite"), false)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.KindInvalid, "create", p, err))
		return
	}
	info, err := s.FS.GetFileInfo(ctx, p)
	if err != nil {
		writeError(w, err)
		return
	}
	switch {
	case info.IsDir():
		writeError(w, xerrors.E(xerrors.KindAlreadyExists, "create", p))
		return
	case info.Exists() && !overwrite:
		writeError(w, xerrors.E(xerrors.KindAlreadyExists, "create", p))
		return
	}
	out, err := s.FS.OpenOutputStream(ctx, p)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := copyAndClose(out, r.Body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.KindIO, "create", p, err))
		return
	}
	w.Header().Set("Location", "webhdfs://"+r.Host+p)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) append(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	info, err := s.stat(ctx, "append", p)
	if err != nil {
		writeError(w, err)
		return
	}
	if info.IsDir() {
		writeError(w, xerrors.E(xerrors.KindIsDirectory, "append", p))
		return
	}
	out, err := s.FS.OpenAppendStream(ctx, p)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := copyAndClose(out, r.Body); err != nil {
		writeError(w, xerrors.Wrap(xerrors.KindIO, "append", p, err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// rename reports false rather than an error when the source is missing or
// the destination exists, as HDFS does.
func (s *Server) rename(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	dst := r.URL.Query().Get("destination")
	if dst == "" || !strings.HasPrefix(dst, "/") {
		writeError(w, xerrors.Wrap(xerrors.KindInvalid, "rename", p, fmt.Errorf("invalid destination %q", dst)))
		return
	}
	dst = cleanPath(dst)
	if info, err := s.FS.GetFileInfo(ctx, dst); err == nil && info.Exists() {
		writeBoolean(w, false)
		return
	}
	err := s.FS.Move(ctx, p, dst)
	switch {
	case err == nil:
		writeBoolean(w, true)
	case xerrors.KindOf(err) == xerrors.KindNotFound, xerrors.KindOf(err) == xerrors.KindAlreadyExists, xerrors.KindOf(err) == xerrors.KindNotEmpty:
		writeBoolean(w, false)
	default:
		writeError(w, err)
	}
}

func (s *Server) delete(ctx context.Context, w http.ResponseWriter, r *http.Request, p string) {
	recursive, err := boolParam(r.URL.Query().Get("recursive"), false)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.KindInvalid, "delete", p, err))
		return
	}
	info, err := s.FS.GetFileInfo(ctx, p)
	if err != nil {
		writeError(w, err)
		return
	}
	switch {
	case !info.Exists():
		writeBoolean(w, false)
		return
	case info.IsDir():
		if !recursive {
			children, err := s.FS.ListFileInfo(ctx, fs.Selector{BaseDir: p})
			if err != nil {
				writeError(w, err)
				return
			}
			if len(children) > 0 {
				writeError(w, xerrors.Wrap(xerrors.KindNotEmpty, "delete", p, errDirNotEmpty))
				return
			}
		}
		err = s.FS.DeleteDir(ctx, p)
	default:
		err = s.FS.DeleteFile(ctx, p)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeBoolean(w, true)
}

func (s *Server) stat(ctx context.Context, op, p string) (fs.FileInfo, error) {
	info, err := s.FS.GetFileInfo(ctx, p)
	if err != nil {
		return fs.FileInfo{}, err
	}
	if !info.Exists() {
		return fs.FileInfo{}, xerrors.Wrap(xerrors.KindNotFound, op, p, fmt.Errorf("File does not exist: %s", p))
	}
	return info, nil
}

func copyAndClose(out io.WriteCloser, body io.Reader) error {
	_, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Server) owner() string {
	if s.Opts.Owner != "" {
		return s.Opts.Owner
	}
	return "hdfs"
}

func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	return path.Clean("/" + strings.TrimPrefix(p, "/"))
}

func int64Param(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func boolParam(raw string, def bool) (bool, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseBool(raw)
}

func fileID(p string) int64 {
	h := fnv.New64a()
	h.Write([]byte(p))
	return int64(h.Sum64() >> 1)
}
