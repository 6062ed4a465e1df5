package webhdfs

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jacktea/hdfsfake/pkg/fs"
	"github.com/jacktea/hdfsfake/pkg/xerrors"
)

// FileStatus is the WebHDFS FileStatus JSON object.
type FileStatus struct {
	AccessTime       int64  `json:"accessTime"`
	BlockSize        int64  `json:"blockSize"`
	ChildrenNum      int    `json:"childrenNum"`
	FileID           int64  `json:"fileId"`
	Group            string `json:"group"`
	Length           int64  `json:"length"`
	ModificationTime int64  `json:"modificationTime"`
	Owner            string `json:"owner"`
	PathSuffix       string `json:"pathSuffix"`
	Permission       string `json:"permission"`
	Replication      int    `json:"replication"`
	StoragePolicy    int    `json:"storagePolicy"`
	Type             string `json:"type"`
}

// ContentSummary is the WebHDFS ContentSummary JSON object.
type ContentSummary struct {
	DirectoryCount int64 `json:"directoryCount"`
	FileCount      int64 `json:"fileCount"`
	Length         int64 `json:"length"`
	Quota          int64 `json:"quota"`
	SpaceConsumed  int64 `json:"spaceConsumed"`
	SpaceQuota     int64 `json:"spaceQuota"`
}

// RemoteException is the WebHDFS error body.
type RemoteException struct {
	Exception     string `json:"exception"`
	JavaClassName string `json:"javaClassName"`
	Message       string `json:"message"`
}

func (s *Server) toStatus(info fs.FileInfo, suffix string) FileStatus {
	mtime := info.MTime.UnixMilli()
	st := FileStatus{
		AccessTime:       mtime,
		FileID:           fileID(info.Path),
		Group:            s.Opts.Group,
		ModificationTime: mtime,
		Owner:            s.owner(),
		PathSuffix:       suffix,
	}
	if st.Group == "" {
		st.Group = "supergroup"
	}
	if info.IsDir() {
		st.Type = "DIRECTORY"
		st.Permission = "755"
		st.AccessTime = 0
		return st
	}
	st.Type = "FILE"
	st.Permission = "644"
	st.Length = info.Size
	st.BlockSize = s.Opts.BlockSize
	if st.BlockSize <= 0 {
		st.BlockSize = 128 << 20
	}
	st.Replication = s.Opts.Replication
	if st.Replication <= 0 {
		st.Replication = 1
	}
	return st
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeBoolean(w http.ResponseWriter, ok bool) {
	writeJSON(w, http.StatusOK, map[string]bool{"boolean": ok})
}

func writeRemoteException(w http.ResponseWriter, status int, exception, class, msg string) {
	writeJSON(w, status, map[string]RemoteException{
		"RemoteException": {Exception: exception, JavaClassName: class, Message: msg},
	})
}

// writeError maps err onto the exception HDFS raises for the same condition.
func writeError(w http.ResponseWriter, err error) {
	status, exception, class := http.StatusInternalServerError, "IOException", "java.io.IOException"
	switch {
	case errors.Is(err, errDirNotEmpty), xerrors.KindOf(err) == xerrors.KindNotEmpty:
		status, exception, class = http.StatusForbidden, "PathIsNotEmptyDirectoryException", "org.apache.hadoop.fs.PathIsNotEmptyDirectoryException"
	default:
		switch xerrors.KindOf(err) {
		case xerrors.KindNotFound, xerrors.KindIsDirectory:
			status, exception, class = http.StatusNotFound, "FileNotFoundException", "java.io.FileNotFoundException"
		case xerrors.KindAlreadyExists:
			status, exception, class = http.StatusForbidden, "FileAlreadyExistsException", "org.apache.hadoop.fs.FileAlreadyExistsException"
		case xerrors.KindPermission:
			status, exception, class = http.StatusForbidden, "AccessControlException", "org.apache.hadoop.security.AccessControlException"
		case xerrors.KindNotDirectory:
			status, exception, class = http.StatusForbidden, "ParentNotDirectoryException", "org.apache.hadoop.fs.ParentNotDirectoryException"
		case xerrors.KindInvalid, xerrors.KindRange:
			status, exception, class = http.StatusBadRequest, "IllegalArgumentException", "java.lang.IllegalArgumentException"
		case xerrors.KindNotSupported:
			status, exception, class = http.StatusBadRequest, "UnsupportedOperationException", "java.lang.UnsupportedOperationException"
		}
	}
	writeRemoteException(w, status, exception, class, err.Error())
}
