package secret

import (
	"context"
	"fmt"

	"codebroker/internal/config"
)

// ExpandServers resolves secret references in upstream server
// definitions in place: URL, command, arguments, header values, and
// environment values. onResolved receives each resolved secret so the
// caller can register it with the log sanitizer before the value is
// ever used. The first failed resolution aborts with the server named
// in the error.
func (r *Resolver) ExpandServers(ctx context.Context, servers []*config.ServerConfig, onResolved func(string)) error {
	for _, srv := range servers {
		if srv == nil {
			continue
		}
		if err := r.expandServer(ctx, srv, onResolved); err != nil {
			return fmt.Errorf("server %q: %w", srv.Name, err)
		}
	}
	return nil
}

func (r *Resolver) expandServer(ctx context.Context, srv *config.ServerConfig, onResolved func(string)) error {
	var err error

	if srv.URL, err = r.ExpandRefs(ctx, srv.URL, onResolved); err != nil {
		return err
	}
	if srv.Command, err = r.ExpandRefs(ctx, srv.Command, onResolved); err != nil {
		return err
	}
	for i, arg := range srv.Args {
		if srv.Args[i], err = r.ExpandRefs(ctx, arg, onResolved); err != nil {
			return err
		}
	}
	for k, v := range srv.Env {
		if srv.Env[k], err = r.ExpandRefs(ctx, v, onResolved); err != nil {
			return err
		}
	}
	for k, v := range srv.Headers {
		if srv.Headers[k], err = r.ExpandRefs(ctx, v, onResolved); err != nil {
			return err
		}
	}
	return nil
}
