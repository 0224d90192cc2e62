package server

import (
	"context"
	_ "embed"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/conneroisu/playground/internal/errors"
	"github.com/conneroisu/playground/internal/hotreload"
	"github.com/conneroisu/playground/internal/rsx"
)

//go:embed static/hotreload.js
var hotReloadScript []byte

func (s *Server) handleHotReloadScript(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/javascript; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	_, _ = w.Write(hotReloadScript)
}

func (s *Server) handlePreviewSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.NotFound(w, r)

		return
	}
	s.hub.Serve(w, r, id)
}

// handleHotReloadSocket runs a coordinator per connection. The editor sends
// its baseline after every successful build and each edit after that; the
// server answers every edit with a patch, needs_rebuild or error frame. Patches
// are also published to the preview pages of the baseline's build, provided
// the baseline source hashes to that build id.
func (s *Server) handleHotReloadSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, s.acceptOptions)
	if err != nil {
		s.logger.Warn(r.Context(), err, "WebSocket upgrade failed", "remote_addr", r.RemoteAddr)

		return
	}
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := s.sessionContext(r)
	defer cancel()

	hr := &hotReloadSession{
		conn:  conn,
		coord: hotreload.NewCoordinator(hotreload.DefaultFile, s.logger),
		hub:   s.hub,
		s:     s,
	}
	hr.run(ctx)
}

type hotReloadSession struct {
	conn  *websocket.Conn
	coord *hotreload.Coordinator
	hub   interface{ Publish(string, []byte) bool }
	s     *Server

	// topic is the build id of the page showing the baseline.
	topic string
}

func (h *hotReloadSession) run(ctx context.Context) {
	sess := &session{conn: h.conn, logger: h.s.logger}
	for {
		_, data, err := h.conn.Read(ctx)
		if err != nil {
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			if !sess.write(ctx, errorFrame("malformed frame: "+err.Error())) {
				return
			}

			continue
		}

		var reply ServerFrame
		switch frame.Kind {
		case KindBaseline:
			h.coord.MarkRebuilt(ctx, frame.Source)
			h.topic = ""
			if frame.BuildID == "" {
				continue
			}
			// Ids are content addressed, so only the source that produced a
			// build may publish to its preview pages.
			if frame.BuildID != h.s.ids.For(frame.Source) {
				h.s.logger.Warn(ctx, nil, "Baseline does not match build id", "build_id", frame.BuildID)
				reply = errorFrame("build_id does not match baseline source")

				break
			}
			h.topic = frame.BuildID

			continue
		case KindEdit:
			reply = h.edit(ctx, frame.Source)
		default:
			reply = errorFrame("unknown frame kind " + frame.Kind)
		}

		if !sess.write(ctx, reply) {
			return
		}
	}
}

func (h *hotReloadSession) edit(ctx context.Context, source string) ServerFrame {
	patch, err := h.coord.ApplyEdit(ctx, source)
	switch {
	case errors.Is(err, hotreload.ErrNeedsRebuild):
		return ServerFrame{Kind: KindNeedsRebuild}
	case errors.Is(err, rsx.ErrParseFailure):
		return errorFrame(err.Error())
	case err != nil:
		h.s.logger.Warn(ctx, err, "Hot reload failed")

		return errorFrame("hot reload failed")
	}

	if !patch.Empty() && h.topic != "" {
		if msg, err := patch.Message(); err == nil {
			h.hub.Publish(h.topic, msg)
		}
	}

	return ServerFrame{Kind: KindPatch, Templates: patch.Templates}
}
