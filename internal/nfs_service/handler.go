package nfs_service

import (
	"context"

	"github.com/go-git/go-billy/v5"
	nfs "github.com/willscott/go-nfs"
	"github.com/willscott/go-nfs/helpers"

	"github.com/AnishMulay/memstripe/internal/file_service"
)

// Handler serves a single export with AUTH_NULL and reports the capacity of
// the file system on FSSTAT.
type Handler struct {
	nfs.Handler
	fs file_service.FileService
}

func NewHandler(bfs *Filesystem) *Handler {
	return &Handler{
		Handler: helpers.NewNullAuthHandler(bfs),
		fs:      bfs.fs,
	}
}

func (h *Handler) FSStat(_ context.Context, _ billy.Filesystem, stat *nfs.FSStat) error {
	st := h.fs.StatFs()
	stat.TotalSize = st.Blocks * st.BlockSize
	stat.FreeSize = st.BlocksFree * st.BlockSize
	stat.AvailableSize = stat.FreeSize
	stat.TotalFiles = st.Files
	stat.FreeFiles = st.FilesFree
	stat.AvailableFiles = st.FilesFree
	stat.CacheHint = 0
	return nil
}
