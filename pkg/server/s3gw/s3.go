// Package s3gw exposes an fs.Driver as an S3 endpoint. Top-level directories
// are buckets; every object also reports its HDFS composite checksum.
package s3gw

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/johannesboyne/gofakes3"

	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/server/middleware"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

// Options configure the S3 gateway.
type Options struct {
	// Bucket, when set, lets clients omit the bucket from request paths.
	Bucket    string
	APIKey    string
	RateLimit middleware.RateLimitOptions
}

// Server exposes a subset of the S3 API backed by an fs.Driver.
type Server struct {
	FS  fs.Driver
	Opt Options
	Log *slog.Logger

	handlerOnce sync.Once
	handler     http.Handler
	backend     *Backend
}

// Start listens on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.httpHandler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
		_ = s.backend.Close()
	}()
	if s.Log != nil {
		s.Log.Info("s3 gateway listening", "addr", addr, "bucket", s.Opt.Bucket)
	}
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpHandler().ServeHTTP(w, r)
}

func (s *Server) objectKey(p string) string {
	cleaned := path.Clean("/" + strings.TrimPrefix(p, "/"))
	if cleaned == "/" {
		if s.Opt.Bucket != "" {
			return path.Clean("/" + s.Opt.Bucket)
		}
		return cleaned
	}
	if s.Opt.Bucket == "" {
		return cleaned
	}
	trimmed := strings.TrimPrefix(cleaned, "/")
	if trimmed == s.Opt.Bucket || strings.HasPrefix(trimmed, s.Opt.Bucket+"/") {
		return cleaned
	}
	return path.Join("/", s.Opt.Bucket, trimmed)
}

func (s *Server) httpHandler() http.Handler {
	s.handlerOnce.Do(func() {
		s.backend = NewBackend(s.FS)
		s3 := gofakes3.New(s.backend).Server()
		var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.handleRename(w, r) {
				return
			}
			s.ensureContentLength(r)
			s.rewriteBucketPath(r)
			s3.ServeHTTP(w, r)
		})
		s.handler = middleware.Wrap(handler,
			middleware.RequestLog(s.Log),
			middleware.APIKeyAuth(s.Opt.APIKey),
			middleware.RateLimit(s.Opt.RateLimit),
		)
	})
	return s.handler
}

// handleRename serves POST <key>?rename=<new key>, which S3 lacks but an
// HDFS namespace supports natively.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		return false
	}
	renameTo := r.URL.Query().Get("rename")
	if renameTo == "" {
		return false
	}
	src := s.objectKey(r.URL.Path)
	dst := s.objectKey(renameTo)
	if err := s.FS.Move(r.Context(), src, dst); err != nil {
		http.Error(w, err.Error(), statusFromError(err))
		return true
	}
	s.backend.hashes.Delete(src)
	w.WriteHeader(http.StatusOK)
	return true
}

func (s *Server) rewriteBucketPath(r *http.Request) {
	if s.Opt.Bucket == "" {
		return
	}
	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	if trimmed == "" {
		return
	}
	if strings.HasPrefix(trimmed, s.Opt.Bucket+"/") || trimmed == s.Opt.Bucket {
		return
	}
	newPath := path.Join("/", s.Opt.Bucket, trimmed)
	r.URL.Path = newPath
	r.URL.RawPath = newPath
}

func (s *Server) ensureContentLength(r *http.Request) {
	if r.Header.Get("Content-Length") != "" || r.ContentLength < 0 {
		return
	}
	r.Header.Set("Content-Length", strconv.FormatInt(r.ContentLength, 10))
}

func statusFromError(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindAlreadyExists, xerrors.KindNotEmpty:
		return http.StatusConflict
	case xerrors.KindPermission:
		return http.StatusForbidden
	case xerrors.KindInvalid, xerrors.KindNotDirectory, xerrors.KindIsDirectory:
		return http.StatusBadRequest
	case xerrors.KindNotSupported:
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}
