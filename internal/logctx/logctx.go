// Package logctx decorates slog records with the RPC and plugin
// context carried in a context.Context.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if msg, ok := ctx.Value(rpcMsgKey{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.Uint64("id", uint64(msg.ID)),
			slog.String("type", msg.Type),
		))
	}

	if pd, ok := ctx.Value(pluginDataKey{}).(*PluginData); ok {
		r.AddAttrs(slog.Group("plugin",
			slog.String("path", pd.Path),
			slog.String("handler", pd.Handler),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type rpcMsgKey struct{}

type RPCMessage struct {
	Method string
	ID     uint32
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsgKey{}, msg)
}

type pluginDataKey struct{}

type PluginData struct {
	Path    string
	Handler string
}

func WithPluginData(ctx context.Context, data *PluginData) context.Context {
	return context.WithValue(ctx, pluginDataKey{}, data)
}
