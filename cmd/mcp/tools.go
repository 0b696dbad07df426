package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/go-git/go-billy/v5/util"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/AnishMulay/memstripe/internal/metadata_service"
	"github.com/AnishMulay/memstripe/internal/nfs_service"
	"github.com/AnishMulay/memstripe/servers/node"
)

// toolset drives rank 0 of a local cluster through its billy view.
type toolset struct {
	cluster *node.Local
	fs      *nfs_service.Filesystem
}

func newToolset(cluster *node.Local) *toolset {
	return &toolset{
		cluster: cluster,
		fs:      nfs_service.NewFilesystem(context.Background(), cluster.FileSystem(), metadata_service.RootCaller),
	}
}

func pathTool(name, desc string) mcp.Tool {
	return mcp.NewTool(name,
		mcp.WithDescription(desc),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path in the file store")),
	)
}

func addTools(s *server.MCPServer, t *toolset) {
	s.AddTool(mcp.NewTool("cluster_info",
		mcp.WithDescription("Show the ranks of the cluster and the blocks each one holds"),
	), t.clusterInfo)

	s.AddTool(mcp.NewTool("write_file",
		mcp.WithDescription("Create or replace a file"),
		mcp.WithString("path", mcp.Required(), mcp.Description("Absolute path in the file store")),
		mcp.WithString("content", mcp.Required(), mcp.Description("File content")),
	), t.writeFile)

	s.AddTool(pathTool("read_file", "Read a file"), t.readFile)
	s.AddTool(pathTool("list_dir", "List a directory"), t.listDir)
	s.AddTool(pathTool("make_dir", "Create a directory and its parents"), t.makeDir)
	s.AddTool(pathTool("remove", "Remove a file or an empty directory"), t.remove)
	s.AddTool(pathTool("stat", "Show the attributes of a path"), t.stat)

	s.AddTool(mcp.NewTool("rename",
		mcp.WithDescription("Move a file or directory"),
		mcp.WithString("from", mcp.Required(), mcp.Description("Existing path")),
		mcp.WithString("to", mcp.Required(), mcp.Description("New path")),
	), t.rename)

	s.AddTool(mcp.NewTool("switch_mirror",
		mcp.WithDescription("Move the shadow namespace tree of every rank to <dir>/<rank> below the mirror directory"),
		mcp.WithString("dir", mcp.Required(), mcp.Description("Directory below the mirror directory")),
	), t.switchMirror)

	s.AddTool(mcp.NewTool("statfs",
		mcp.WithDescription("Show the capacity of the file store"),
	), t.statfs)
}

func (t *toolset) clusterInfo(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ranks := t.cluster.Ranks()
	var b strings.Builder
	e := ranks[0].Engine()
	fmt.Fprintf(&b, "model: %s, ranks: %d, block size: %d\n", e.Model(), len(ranks), e.BlockSize())
	for r, rank := range ranks {
		fmt.Fprintf(&b, "- rank %d: %d blocks\n", r, rank.Engine().Arena().Live())
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (t *toolset) writeFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := util.WriteFile(t.fs, path, []byte(content), 0o644); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to write file: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Wrote %d bytes to %s", len(content), path)), nil
}

func (t *toolset) readFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := util.ReadFile(t.fs, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to read file: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (t *toolset) listDir(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	infos, err := t.fs.ReadDir(path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list directory: %v", err)), nil
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name() < infos[j].Name() })

	var b strings.Builder
	for _, fi := range infos {
		name := fi.Name()
		if fi.IsDir() {
			name += "/"
		}
		fmt.Fprintf(&b, "%s %8d %s\n", fi.Mode(), fi.Size(), name)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (t *toolset) makeDir(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return t.pathOp(request, "Created", func(path string) error { return t.fs.MkdirAll(path, 0o755) })
}

func (t *toolset) remove(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return t.pathOp(request, "Removed", t.fs.Remove)
}

func (t *toolset) pathOp(request mcp.CallToolRequest, done string, op func(string) error) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := op(path); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("%s %s", done, path)), nil
}

func (t *toolset) rename(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	from, err := request.RequireString("from")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	to, err := request.RequireString("to")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if err := t.fs.Rename(from, to); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Renamed %s to %s", from, to)), nil
}

func (t *toolset) stat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	fs := t.cluster.FileSystem()
	ino, err := fs.Resolve(path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	attr, err := fs.GetAttr(ino)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"inode: %d\nkind: %s\nmode: %s\nlinks: %d\nuid: %d gid: %d\nsize: %d\nblocks: %d\nmodified: %s\n",
		attr.Ino, attr.Kind, attr.Mode, attr.Nlink, attr.Uid, attr.Gid, attr.Size, attr.Blocks, attr.Mtime.Format("2006-01-02 15:04:05"),
	)), nil
}

func (t *toolset) switchMirror(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	dir, err := request.RequireString("dir")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if t.cluster.Ranks()[0].Mirror() == nil {
		return mcp.NewToolResultError("no mirror_dir configured"), nil
	}
	if err := t.cluster.SwitchMirror(ctx, dir); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to switch mirror: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Mirrors now below %s", dir)), nil
}

func (t *toolset) statfs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	st := t.cluster.FileSystem().StatFs()
	return mcp.NewToolResultText(fmt.Sprintf(
		"filesystem: %s\nblock size: %d\nblocks: %d free: %d\nfiles free: %d\n",
		st.FsID, st.BlockSize, st.Blocks, st.BlocksFree, st.FilesFree,
	)), nil
}
