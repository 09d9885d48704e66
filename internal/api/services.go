package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"OpenMCP-Mesh/internal/discovery"
	xerrors "OpenMCP-Mesh/internal/errors"
	"OpenMCP-Mesh/internal/storage"
	"OpenMCP-Mesh/pkg/service"
)

// serviceView 是服务记录对外的 JSON 形式。外层 APIKey 遮蔽记录中的同名字段且始终为空，
// 注册与更新仍可写入 API Key，但响应只通过 has_api_key 表明是否已配置。
type serviceView struct {
	service.Record
	APIKey    string `json:"api_key,omitempty"`
	HasAPIKey bool   `json:"has_api_key"`
}

func newServiceView(rec service.Record) serviceView {
	return serviceView{Record: rec, HasAPIKey: rec.APIKey != ""}
}

func newServiceViews(recs []service.Record) []serviceView {
	out := make([]serviceView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newServiceView(rec))
	}
	return out
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	recs, err := s.deps.Services.List(r.Context(), storage.ServiceFilter{
		Name:         query.Get("name"),
		Protocol:     service.Protocol(query.Get("protocol")),
		HealthStatus: service.HealthStatus(query.Get("health")),
	})
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"services": newServiceViews(recs), "count": len(recs)})
}

func (s *Server) handleRegisterService(w http.ResponseWriter, r *http.Request) {
	var rec service.Record
	if err := decodeJSON(r, &rec); err != nil {
		writeErr(w, r, err)
		return
	}
	out, err := s.deps.Services.Register(r.Context(), rec)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newServiceView(out))
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Services.Discover(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newServiceView(rec))
}

func (s *Server) handleUpdateService(w http.ResponseWriter, r *http.Request) {
	var patch discovery.Patch
	if err := decodeJSON(r, &patch); err != nil {
		writeErr(w, r, err)
		return
	}
	rec, err := s.deps.Services.Update(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newServiceView(rec))
}

func (s *Server) handleUnregisterService(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Services.Unregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Services.HealthCheck(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newServiceView(rec))
}

func (s *Server) handleServiceBreaker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	snapshot, ok := s.deps.Services.Breaker(id)
	if !ok {
		writeErr(w, r, xerrors.Newf(xerrors.CodeNotFound, "no circuit breaker for service %s", id))
		return
	}
	body := map[string]any{"breaker": snapshot}
	if s.deps.Mesh != nil {
		count, resetAt := s.deps.Mesh.RateUsage(id)
		body["rate"] = map[string]any{"count": count, "reset_at": resetAt}
	}
	writeJSON(w, http.StatusOK, body)
}

// invokeRequest 是调用请求的 JSON 形式。body 原样转发，通常是 JSON 文档。
type invokeRequest struct {
	Method    string            `json:"method"`
	Endpoint  string            `json:"endpoint"`
	Body      json.RawMessage   `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	TimeoutMS int64             `json:"timeout_ms,omitempty"`
	Strategy  service.Strategy  `json:"strategy,omitempty"`
}

func (req invokeRequest) toService() service.InvokeRequest {
	out := service.InvokeRequest{
		Method:   req.Method,
		Endpoint: req.Endpoint,
		Headers:  req.Headers,
		Timeout:  time.Duration(req.TimeoutMS) * time.Millisecond,
	}
	if len(req.Body) > 0 {
		out.Body = []byte(req.Body)
	}
	return out
}

// invokeResponse 是调用结果的 JSON 形式。响应体是合法 JSON 时原样嵌入，否则以字符串返回。
type invokeResponse struct {
	Success        bool   `json:"success"`
	Status         int    `json:"status"`
	Data           any    `json:"data,omitempty"`
	Error          string `json:"error,omitempty"`
	ErrorCode      string `json:"error_code,omitempty"`
	ResponseTimeMS int64  `json:"response_time_ms"`
	TraceID        string `json:"trace_id"`
	ServiceID      string `json:"service_id"`
}

func newInvokeResponse(res service.InvokeResult) invokeResponse {
	out := invokeResponse{
		Success:        res.Success,
		Status:         res.Status,
		Error:          res.Error,
		ErrorCode:      res.ErrorCode,
		ResponseTimeMS: res.ResponseTime.Milliseconds(),
		TraceID:        res.TraceID,
		ServiceID:      res.ServiceID,
	}
	if data := bytes.TrimSpace(res.Data); len(data) > 0 {
		if json.Valid(data) {
			out.Data = json.RawMessage(data)
		} else {
			out.Data = string(res.Data)
		}
	}
	return out
}

func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	res, err := s.deps.Mesh.Invoke(r.Context(), chi.URLParam(r, "id"), req.toService())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newInvokeResponse(res))
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req invokeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeErr(w, r, err)
		return
	}
	strategy := req.Strategy
	if q := r.URL.Query().Get("strategy"); q != "" {
		strategy = service.Strategy(q)
	}
	res, err := s.deps.Mesh.Route(r.Context(), chi.URLParam(r, "name"), req.toService(), strategy)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newInvokeResponse(res))
}

func (s *Server) handleRequestLog(w http.ResponseWriter, r *http.Request) {
	limit := intParam(r.URL.Query().Get("limit"), 100)
	entries := s.deps.Mesh.RequestLog(limit)
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (s *Server) handleMeshStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Mesh.Stats())
}
