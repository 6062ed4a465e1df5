package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jacktea/hdfsfake/pkg/checksum"
	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/server/fuse"
	"github.com/jacktea/hdfsfake/pkg/server/middleware"
	"github.com/jacktea/hdfsfake/pkg/server/nfs"
	"github.com/jacktea/hdfsfake/pkg/server/s3gw"
	"github.com/jacktea/hdfsfake/pkg/server/webhdfs"
	"github.com/jacktea/hdfsfake/pkg/verify"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

func newLsCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "ls [path]",
		Short: "List directory contents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := "/"
			if len(args) == 1 {
				p = args[0]
			}
			return doList(cmd.Context(), application.ns, p, recursive, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "list subdirectories recursively")
	return cmd
}

func newStatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Show type, size and modification time of a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doStat(cmd.Context(), application.ns, args[0], cmd.OutOrStdout())
		},
	}
}

func newMkdirCmd() *cobra.Command {
	var parents bool
	cmd := &cobra.Command{
		Use:   "mkdir <path>",
		Short: "Create a directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return application.ns.CreateDir(cmd.Context(), args[0], fs.MkdirOptions{Parents: parents})
		},
	}
	cmd.Flags().BoolVarP(&parents, "parents", "p", false, "create missing parents")
	return cmd
}

func newPutCmd() *cobra.Command {
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "put <local|-> <dst>",
		Short: "Upload a local file (or stdin) into the namespace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openSource(cmd, args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			return doPut(cmd.Context(), application.ns, application.verifier, args[1], src, overwrite)
		},
	}
	cmd.Flags().BoolVarP(&overwrite, "force", "f", false, "overwrite an existing file")
	return cmd
}

func newAppendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "append <local|-> <dst>",
		Short: "Append a local file (or stdin) to a file in the namespace",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := openSource(cmd, args[0])
			if err != nil {
				return err
			}
			defer src.Close()
			return doAppend(cmd.Context(), application.ns, application.verifier, args[1], src)
		},
	}
}

func newCatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cat <path>",
		Short: "Print file contents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doCat(cmd.Context(), application.ns, args[0], cmd.OutOrStdout())
		},
	}
}

func newMvCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mv <src> <dst>",
		Short: "Move or rename a path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doMove(cmd.Context(), application.ns, application.verifier, args[0], args[1])
		},
	}
}

func newRmCmd() *cobra.Command {
	var recursive bool
	cmd := &cobra.Command{
		Use:   "rm <path>",
		Short: "Remove a file, or a directory with -r",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRemove(cmd.Context(), application.ns, application.verifier, args[0], recursive)
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "remove directories and their contents")
	return cmd
}

func newChecksumCmd() *cobra.Command {
	var (
		recursive bool
		expect    string
	)
	cmd := &cobra.Command{
		Use:   "checksum <path>",
		Short: "Print the HDFS composite checksum of a file (or every file below a directory)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if recursive && expect != "" {
				return errors.New("--expect cannot be combined with --recursive")
			}
			return doChecksum(cmd.Context(), application.verifier, args[0], recursive, expect, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVarP(&recursive, "recursive", "r", false, "checksum every file below the directory")
	cmd.Flags().StringVar(&expect, "expect", "", "fail unless the checksum equals this digest")
	return cmd
}

func newChecksumLocalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "checksum-local <file>",
		Short: "Print the HDFS composite checksum of a file on the local disk",
		Args:  cobra.ExactArgs(1),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := checksum.ComputeFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", args[0], checksum.Algorithm, digest)
			return nil
		},
	}
}

func newServeWebHDFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-webhdfs",
		Short: "Expose the namespace over the WebHDFS REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := webhdfsServeOptions{
				Addr:        viper.GetString("serve_webhdfs.addr"),
				APIKey:      viper.GetString("serve_webhdfs.api_key"),
				RateLimit:   viper.GetInt("serve_webhdfs.rate_limit"),
				RateWindow:  viper.GetDuration("serve_webhdfs.rate_window"),
				Owner:       viper.GetString("serve_webhdfs.owner"),
				Group:       viper.GetString("serve_webhdfs.group"),
				BlockSize:   viper.GetInt64("serve_webhdfs.block_size"),
				Replication: viper.GetInt("serve_webhdfs.replication"),
			}
			return runServeWebHDFS(cmd.Context(), application, opts)
		},
	}
	cmd.Flags().String("addr", ":9870", "listen address")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key, Bearer token or delegation param)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	cmd.Flags().String("owner", "", "owner reported in file status (default: current user)")
	cmd.Flags().String("group", "supergroup", "group reported in file status")
	cmd.Flags().Int64("block-size", 128<<20, "block size reported in file status")
	cmd.Flags().Int("replication", 1, "replication reported in file status")
	bindConfig("serve_webhdfs.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_webhdfs.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_webhdfs.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_webhdfs.rate_window", cmd.Flags().Lookup("rate-window"))
	bindConfig("serve_webhdfs.owner", cmd.Flags().Lookup("owner"))
	bindConfig("serve_webhdfs.group", cmd.Flags().Lookup("group"))
	bindConfig("serve_webhdfs.block_size", cmd.Flags().Lookup("block-size"))
	bindConfig("serve_webhdfs.replication", cmd.Flags().Lookup("replication"))
	return cmd
}

func newServeS3Cmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-s3",
		Short: "Expose top-level directories as S3 buckets",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := s3ServeOptions{
				Addr:       viper.GetString("serve_s3.addr"),
				Bucket:     viper.GetString("serve_s3.bucket"),
				APIKey:     viper.GetString("serve_s3.api_key"),
				RateLimit:  viper.GetInt("serve_s3.rate_limit"),
				RateWindow: viper.GetDuration("serve_s3.rate_window"),
			}
			return runServeS3(cmd.Context(), application, opts)
		},
	}
	cmd.Flags().String("addr", ":9000", "listen address")
	cmd.Flags().String("bucket", "", "default bucket for path-less requests")
	cmd.Flags().String("api-key", "", "require API key (X-API-Key header)")
	cmd.Flags().Int("rate-limit", 0, "requests allowed per rate window (0 disables)")
	cmd.Flags().Duration("rate-window", time.Second, "rate limit window")
	bindConfig("serve_s3.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_s3.bucket", cmd.Flags().Lookup("bucket"))
	bindConfig("serve_s3.api_key", cmd.Flags().Lookup("api-key"))
	bindConfig("serve_s3.rate_limit", cmd.Flags().Lookup("rate-limit"))
	bindConfig("serve_s3.rate_window", cmd.Flags().Lookup("rate-window"))
	return cmd
}

func newServeNFSCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve-nfs",
		Short: "Expose the namespace over NFSv3",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := nfsServeOptions{
				Addr:        viper.GetString("serve_nfs.addr"),
				Export:      viper.GetString("serve_nfs.export"),
				HandleCache: viper.GetInt("serve_nfs.handle_cache"),
			}
			return runServeNFS(cmd.Context(), application, opts)
		},
	}
	cmd.Flags().String("addr", ":2049", "listen address")
	cmd.Flags().String("export", "/", "virtual path to export")
	cmd.Flags().Int("handle-cache", 1024, "number of cached NFS file handles")
	bindConfig("serve_nfs.addr", cmd.Flags().Lookup("addr"))
	bindConfig("serve_nfs.export", cmd.Flags().Lookup("export"))
	bindConfig("serve_nfs.handle_cache", cmd.Flags().Lookup("handle-cache"))
	return cmd
}

func newMountFuseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mount-fuse",
		Short: "Mount the namespace via FUSE",
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint := viper.GetString("mount_fuse.mountpoint")
			if mountpoint == "" {
				return errors.New("--mountpoint is required")
			}
			application.log.Info("mounting via FUSE", "mountpoint", mountpoint)
			return fuse.Mount(cmd.Context(), application.ns, mountpoint)
		},
	}
	cmd.Flags().String("mountpoint", "", "directory to mount the namespace on")
	bindConfig("mount_fuse.mountpoint", cmd.Flags().Lookup("mountpoint"))
	return cmd
}

type webhdfsServeOptions struct {
	Addr        string
	APIKey      string
	RateLimit   int
	RateWindow  time.Duration
	Owner       string
	Group       string
	BlockSize   int64
	Replication int
}

type s3ServeOptions struct {
	Addr       string
	Bucket     string
	APIKey     string
	RateLimit  int
	RateWindow time.Duration
}

type nfsServeOptions struct {
	Addr        string
	Export      string
	HandleCache int
}

func runServeWebHDFS(ctx context.Context, a *app, opt webhdfsServeOptions) error {
	opts := webhdfs.Options{
		APIKey:      opt.APIKey,
		Owner:       opt.Owner,
		Group:       opt.Group,
		BlockSize:   opt.BlockSize,
		Replication: opt.Replication,
	}
	if opt.RateLimit > 0 {
		opts.RateLimit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow}
	}
	server := &webhdfs.Server{FS: a.ns, Checksums: a.verifier, Log: a.log, Opts: opts}
	a.log.Info("serving WebHDFS", "addr", opt.Addr, "root", a.ns.Root())
	if err := server.Start(ctx, opt.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runServeS3(ctx context.Context, a *app, opt s3ServeOptions) error {
	s3Opts := s3gw.Options{
		Bucket: opt.Bucket,
		APIKey: opt.APIKey,
	}
	if opt.RateLimit > 0 {
		s3Opts.RateLimit = middleware.RateLimitOptions{Requests: opt.RateLimit, Window: opt.RateWindow}
	}
	server := &s3gw.Server{FS: a.ns, Opt: s3Opts, Log: a.log}
	a.log.Info("serving S3 gateway", "addr", opt.Addr, "bucket", opt.Bucket)
	if err := server.Start(ctx, opt.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runServeNFS(ctx context.Context, a *app, opt nfsServeOptions) error {
	if opt.HandleCache <= 0 {
		opt.HandleCache = 1024
	}
	a.log.Info("serving NFS", "addr", opt.Addr, "export", opt.Export)
	return nfs.ServeWithOptions(ctx, a.ns, opt.Addr, nfs.Options{
		Export:      opt.Export,
		HandleCache: opt.HandleCache,
		Logger:      a.log,
	})
}

func openSource(cmd *cobra.Command, name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	return os.Open(name)
}

func doList(ctx context.Context, fsys fs.Driver, p string, recursive bool, out io.Writer) error {
	infos, err := fsys.ListFileInfo(ctx, fs.Selector{BaseDir: p, Recursive: recursive})
	if err != nil {
		return err
	}
	for _, info := range infos {
		if info.IsDir() {
			fmt.Fprintf(out, "%s/\n", info.Path)
			continue
		}
		fmt.Fprintf(out, "%s\t%d\n", info.Path, info.Size)
	}
	return nil
}

func doStat(ctx context.Context, fsys fs.Driver, p string, out io.Writer) error {
	info, err := fsys.GetFileInfo(ctx, p)
	if err != nil {
		return err
	}
	if !info.Exists() {
		return xerrors.E(xerrors.KindNotFound, "stat", p)
	}
	fmt.Fprintf(out, "%s\t%s\t%d\t%s\n", info.Path, info.Type, info.Size, info.MTime.UTC().Format(time.RFC3339))
	return nil
}

func doPut(ctx context.Context, fsys fs.Driver, v *verify.Verifier, dst string, r io.Reader, overwrite bool) error {
	if !overwrite {
		info, err := fsys.GetFileInfo(ctx, dst)
		if err != nil {
			return err
		}
		if info.Exists() {
			return xerrors.E(xerrors.KindAlreadyExists, "put", dst)
		}
	}
	w, err := fsys.OpenOutputStream(ctx, dst)
	if err != nil {
		return err
	}
	if err := copyAndClose(w, r); err != nil {
		return err
	}
	return v.Forget(ctx, dst)
}

func doAppend(ctx context.Context, fsys fs.Driver, v *verify.Verifier, dst string, r io.Reader) error {
	w, err := fsys.OpenAppendStream(ctx, dst)
	if err != nil {
		return err
	}
	if err := copyAndClose(w, r); err != nil {
		return err
	}
	return v.Forget(ctx, dst)
}

func copyAndClose(w io.WriteCloser, r io.Reader) error {
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

func doCat(ctx context.Context, fsys fs.Driver, p string, out io.Writer) error {
	r, err := fsys.OpenInputStream(ctx, p)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(out, r)
	return err
}

func doMove(ctx context.Context, fsys fs.Driver, v *verify.Verifier, src, dst string) error {
	if err := fsys.Move(ctx, src, dst); err != nil {
		return err
	}
	return v.Forget(ctx, src)
}

func doRemove(ctx context.Context, fsys fs.Driver, v *verify.Verifier, p string, recursive bool) error {
	info, err := fsys.GetFileInfo(ctx, p)
	if err != nil {
		return err
	}
	switch {
	case !info.Exists():
		return xerrors.E(xerrors.KindNotFound, "rm", p)
	case info.IsDir() && !recursive:
		return xerrors.Wrap(xerrors.KindIsDirectory, "rm", p, errors.New("use -r to remove directories"))
	case info.IsDir():
		err = fsys.DeleteDir(ctx, p)
	default:
		err = fsys.DeleteFile(ctx, p)
	}
	if err != nil {
		return err
	}
	return v.Forget(ctx, p)
}

func doChecksum(ctx context.Context, v *verify.Verifier, p string, recursive bool, expect string, out io.Writer) error {
	if recursive {
		results, err := v.Tree(ctx, p)
		if err != nil {
			return err
		}
		for _, res := range results {
			fmt.Fprintf(out, "%s\t%s\t%s\n", res.Path, checksum.Algorithm, res.Digest)
		}
		return nil
	}
	if expect != "" {
		if err := v.Verify(ctx, p, expect); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s\tOK\n", p)
		return nil
	}
	digest, err := v.Checksum(ctx, p)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s\t%s\t%s\n", p, checksum.Algorithm, digest)
	return nil
}
