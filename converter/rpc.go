package converter

import (
	"context"

	"github.com/pithecene-io/coapp/fetch"
	"github.com/pithecene-io/coapp/rpc"
)

// Register binds the converter.* methods.
func (c *Converter) Register(r *rpc.Registry) {
	r.RegisterAll(map[string]rpc.Handler{
		"converter.convert":      c.handleConvert,
		"converter.abortConvert": c.handleAbort,
		"converter.probe":        c.handleProbe,
		"converter.codecs": func(ctx context.Context, _ rpc.Args) (any, error) {
			return c.Codecs(ctx)
		},
		"converter.formats": func(ctx context.Context, _ rpc.Args) (any, error) {
			return c.Formats(ctx)
		},
		"converter.filepicker": c.handleFilepicker,
		"converter.open":       c.handleOpen,
		"converter.play":       c.handleOpen,
	})
}

func (c *Converter) handleConvert(ctx context.Context, args rpc.Args) (any, error) {
	var ffArgs []string
	if err := args.Decode(0, &ffArgs); err != nil {
		return nil, err
	}
	var opts ConvertOptions
	if err := args.DecodeOptional(1, &opts); err != nil {
		return nil, err
	}
	return c.Convert(ctx, ffArgs, opts)
}

func (c *Converter) handleAbort(_ context.Context, args rpc.Args) (any, error) {
	pid, err := args.Int(0)
	if err != nil {
		return nil, err
	}
	c.AbortConvert(int(pid))
	return nil, nil
}

func (c *Converter) handleProbe(ctx context.Context, args rpc.Args) (any, error) {
	input, err := args.String(0)
	if err != nil {
		return nil, err
	}
	var asJSON bool
	if err := args.DecodeOptional(1, &asJSON); err != nil {
		return nil, err
	}
	var headers []fetch.Header
	if err := args.DecodeOptional(2, &headers); err != nil {
		return nil, err
	}
	return c.Probe(ctx, input, asJSON, headers)
}

func (c *Converter) handleFilepicker(ctx context.Context, args rpc.Args) (any, error) {
	action, err := args.String(0)
	if err != nil {
		return nil, err
	}
	dir, err := args.String(1)
	if err != nil {
		return nil, err
	}
	title, err := args.String(2)
	if err != nil {
		return nil, err
	}
	var filename string
	if err := args.DecodeOptional(3, &filename); err != nil {
		return nil, err
	}
	return c.Filepicker(ctx, action, dir, title, filename)
}

func (c *Converter) handleOpen(_ context.Context, args rpc.Args) (any, error) {
	path, err := args.String(0)
	if err != nil {
		return nil, err
	}
	if err := c.Open(path); err != nil {
		return nil, err
	}
	return true, nil
}
