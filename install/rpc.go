package install

import (
	"context"

	"github.com/pithecene-io/coapp/rpc"
)

// Register binds autoinstall.install and autoinstall.uninstall. Both take
// optional "--user" / "--system" string arguments.
func (i *Installer) Register(r *rpc.Registry) {
	r.Register("autoinstall.install", func(ctx context.Context, args rpc.Args) (any, error) {
		flags, err := args.Strings(0)
		if err != nil {
			return nil, err
		}
		return i.Install(ctx, ParseMode(flags))
	})
	r.Register("autoinstall.uninstall", func(ctx context.Context, args rpc.Args) (any, error) {
		flags, err := args.Strings(0)
		if err != nil {
			return nil, err
		}
		return i.Uninstall(ctx, ParseMode(flags))
	})
}
