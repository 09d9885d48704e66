package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/registry"
	"OpenMCP-Mesh/pkg/plugin"
)

// InstanceProvider 为注册或重载请求构造插件实例。source 通常是共享对象路径。
type InstanceProvider interface {
	Instance(ctx context.Context, rec plugin.Record, source string) (plugin.Plugin, error)
}

// InstanceProviderFunc 将函数适配为 InstanceProvider。
type InstanceProviderFunc func(ctx context.Context, rec plugin.Record, source string) (plugin.Plugin, error)

// Instance 实现 InstanceProvider。
func (f InstanceProviderFunc) Instance(ctx context.Context, rec plugin.Record, source string) (plugin.Plugin, error) {
	return f(ctx, rec, source)
}

type registerPluginRequest struct {
	plugin.Record
	Source string `json:"source"`
}

type reloadPluginRequest struct {
	Source string `json:"source"`
}

func (s *Server) instance(ctx context.Context, rec plugin.Record, source string) (plugin.Plugin, error) {
	if s.deps.Instances == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "plugin instances cannot be created through the API")
	}
	p, err := s.deps.Instances.Instance(ctx, rec, source)
	if err != nil {
		if _, ok := xerrors.From(err); ok {
			return nil, err
		}
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "load plugin instance")
	}
	return p, nil
}

func (s *Server) handleListPlugins(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := registry.Query{
		Text:       query.Get("q"),
		Capability: query.Get("capability"),
		Category:   plugin.Category(query.Get("category")),
		Limit:      intParam(query.Get("limit"), 0),
		Offset:     intParam(query.Get("offset"), 0),
	}
	if raw := query.Get("enabled"); raw != "" {
		enabled, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, string(xerrors.CodeInvalidArgument), "enabled must be true or false", nil)
			return
		}
		q.Enabled = &enabled
	}
	recs, err := s.deps.Plugins.Search(r.Context(), q)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"plugins": recs, "count": len(recs)})
}

func (s *Server) handleRegisterPlugin(w http.ResponseWriter, r *http.Request) {
	var req registerPluginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := s.instance(r.Context(), req.Record, req.Source)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	rec, err := s.deps.Plugins.Register(r.Context(), req.Record, p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handlePluginStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Plugins.Stats(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetPlugin(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Plugins.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdatePlugin(w http.ResponseWriter, r *http.Request) {
	var patch registry.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeErr(w, r, err)
		return
	}
	if header := r.Header.Get("If-Match"); header != "" && patch.ExpectedChecksum == "" {
		patch.ExpectedChecksum = header
	}
	rec, err := s.deps.Plugins.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUnregisterPlugin(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Plugins.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnablePlugin(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Plugins.Enable)
}

func (s *Server) handleDisablePlugin(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Plugins.Disable)
}

func (s *Server) handleStartPlugin(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Plugins.Start)
}

func (s *Server) handleStopPlugin(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.deps.Plugins.Stop)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(context.Context, string) (plugin.Record, error)) {
	rec, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      rec.ID,
		"enabled": rec.Enabled,
		"status":  rec.Status,
	})
}

func (s *Server) handleReloadPlugin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req reloadPluginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	current, err := s.deps.Plugins.Get(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	p, err := s.instance(r.Context(), current, req.Source)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	rec, err := s.deps.Plugins.Reload(r.Context(), id, p)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handlePluginHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Plugins.HealthCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return def
	}
	return v
}
