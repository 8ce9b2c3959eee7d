package downloads

import (
	"context"

	"github.com/pithecene-io/coapp/rpc"
)

type searchQuery struct {
	ID int64 `json:"id"`
}

// Register binds downloads.download, downloads.search and downloads.cancel.
func (m *Manager) Register(r *rpc.Registry) {
	r.Register("downloads.download", func(_ context.Context, args rpc.Args) (any, error) {
		var opts Options
		if err := args.Decode(0, &opts); err != nil {
			return nil, err
		}
		return m.Download(opts)
	})
	r.Register("downloads.search", func(_ context.Context, args rpc.Args) (any, error) {
		var q searchQuery
		if err := args.Decode(0, &q); err != nil {
			return nil, err
		}
		return m.Search(q.ID), nil
	})
	r.Register("downloads.cancel", func(_ context.Context, args rpc.Args) (any, error) {
		id, err := args.Int(0)
		if err != nil {
			return nil, err
		}
		m.Cancel(id)
		return nil, nil
	})
}
