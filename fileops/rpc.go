package fileops

import (
	"context"
	"encoding/json"
	"os"

	"github.com/pithecene-io/coapp/fetch"
	"github.com/pithecene-io/coapp/rpc"
)

// Register binds the file system methods.
func (o *Ops) Register(r *rpc.Registry) {
	r.RegisterAll(map[string]rpc.Handler{
		"listFiles":          o.handleListFiles,
		"path.homeJoin":      o.handleHomeJoin,
		"getParents":         o.handleGetParents,
		"makeUniqueFileName": o.handleMakeUnique,
		"tmp.file":           o.handleTmpFile,
		"tmp.tmpName":        o.handleTmpName,
		"fs.open":            o.handleOpen,
		"fs.write":           o.handleWrite,
		"fs.write2":          o.handleWrite2,
		"fs.close":           o.handleClose,
		"fs.stat":            o.handleStat,
		"fs.rename":          o.handleRename,
		"fs.unlink":          o.handleUnlink,
		"fs.copyFile":        o.handleCopyFile,
		"fs.readFile":        o.handleReadFile,
		"fs.mkdirp":          o.handleMkdirp,
	})
}

func (o *Ops) handleListFiles(_ context.Context, args rpc.Args) (any, error) {
	dir, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return o.ListFiles(dir)
}

func (o *Ops) handleHomeJoin(_ context.Context, args rpc.Args) (any, error) {
	parts, err := args.Strings(0)
	if err != nil {
		return nil, err
	}
	return o.HomeJoin(parts...), nil
}

func (o *Ops) handleGetParents(_ context.Context, args rpc.Args) (any, error) {
	dir, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return o.GetParents(dir), nil
}

func (o *Ops) handleMakeUnique(_ context.Context, args rpc.Args) (any, error) {
	parts, err := args.Strings(0)
	if err != nil {
		return nil, err
	}
	return o.MakeUniqueFileName(parts...), nil
}

func (o *Ops) handleTmpFile(_ context.Context, args rpc.Args) (any, error) {
	var opts TmpOptions
	if err := args.DecodeOptional(0, &opts); err != nil {
		return nil, err
	}
	return o.TmpFile(opts)
}

func (o *Ops) handleTmpName(_ context.Context, args rpc.Args) (any, error) {
	var opts TmpOptions
	if err := args.DecodeOptional(0, &opts); err != nil {
		return nil, err
	}
	return o.TmpName(opts), nil
}

// openFlagsArg accepts a mode string or raw numeric flags. Missing means "r".
func openFlagsArg(args rpc.Args, i int) (int, error) {
	if !args.Has(i) {
		return os.O_RDONLY, nil
	}
	var mode string
	if err := json.Unmarshal(args.Raw(i), &mode); err == nil {
		return ParseFlags(mode)
	}
	n, err := args.Int(i)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (o *Ops) handleOpen(_ context.Context, args rpc.Args) (any, error) {
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	flags, err := openFlagsArg(args, 1)
	if err != nil {
		return nil, err
	}
	return o.Open(path, flags)
}

func (o *Ops) handleWrite(_ context.Context, args rpc.Args) (any, error) {
	fd, err := args.Int(0)
	if err != nil {
		return nil, err
	}
	s, err := args.String(1)
	if err != nil {
		return nil, err
	}
	data, err := ParseByteList(s)
	if err != nil {
		return nil, err
	}
	return o.Write(int(fd), data)
}

func (o *Ops) handleWrite2(_ context.Context, args rpc.Args) (any, error) {
	fd, err := args.Int(0)
	if err != nil {
		return nil, err
	}
	s, err := args.String(1)
	if err != nil {
		return nil, err
	}
	data, err := DecodeBase64(s)
	if err != nil {
		return nil, err
	}
	return o.Write(int(fd), data)
}

func (o *Ops) handleClose(_ context.Context, args rpc.Args) (any, error) {
	fd, err := args.Int(0)
	if err != nil {
		return nil, err
	}
	return nil, o.Close(int(fd))
}

func (o *Ops) handleStat(_ context.Context, args rpc.Args) (any, error) {
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return o.Stat(path)
}

func (o *Ops) handleRename(_ context.Context, args rpc.Args) (any, error) {
	from, err := args.String(0)
	if err != nil {
		return nil, err
	}
	to, err := args.String(1)
	if err != nil {
		return nil, err
	}
	return nil, os.Rename(from, to)
}

func (o *Ops) handleUnlink(_ context.Context, args rpc.Args) (any, error) {
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return nil, os.Remove(path)
}

func (o *Ops) handleCopyFile(_ context.Context, args rpc.Args) (any, error) {
	src, err := args.String(0)
	if err != nil {
		return nil, err
	}
	dst, err := args.String(1)
	if err != nil {
		return nil, err
	}
	return nil, o.CopyFile(src, dst)
}

func (o *Ops) handleReadFile(_ context.Context, args rpc.Args) (any, error) {
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return fetch.ByteList(data), nil
}

func (o *Ops) handleMkdirp(_ context.Context, args rpc.Args) (any, error) {
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	return nil, os.MkdirAll(path, 0o755)
}
