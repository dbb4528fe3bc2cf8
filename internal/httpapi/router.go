package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const apiPrefix = "/api/v1"

// Router 使用标准库 http.ServeMux
type Router struct {
	mux    *http.ServeMux
	logger *zap.Logger
}

func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		logger: logger,
	}
}

func (r *Router) Handle(pattern string, h http.HandlerFunc) {
	r.mux.HandleFunc(pattern, h)
}

// HandleHandler 支持 http.Handler 接口（用于 /metrics）
func (r *Router) HandleHandler(pattern string, h http.Handler) {
	r.mux.Handle(pattern, h)
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// methods 按请求方法分发，其余方法返回 405
func methods(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		h, ok := handlers[req.Method]
		if !ok {
			writeFail(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, req)
	}
}

// pathID 取前缀之后的单段路径参数
func pathID(req *http.Request, prefix string) (string, bool) {
	id := strings.TrimPrefix(req.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// RegisterMonitorRoutes 注册本地查询接口
func (r *Router) RegisterMonitorRoutes(h *MonitorHandler) {
	r.Handle(apiPrefix+"/patients", methods(map[string]http.HandlerFunc{
		http.MethodGet: h.ListPatients,
	}))
	r.Handle(apiPrefix+"/patients/", methods(map[string]http.HandlerFunc{
		http.MethodGet: func(w http.ResponseWriter, req *http.Request) {
			id, ok := pathID(req, apiPrefix+"/patients/")
			if !ok {
				writeFail(w, http.StatusNotFound, "not found")
				return
			}
			h.GetPatient(w, req, id)
		},
	}))

	r.Handle(apiPrefix+"/alerts", methods(map[string]http.HandlerFunc{
		http.MethodGet:    h.ListAlerts,
		http.MethodDelete: h.ClearAlerts,
	}))
	r.Handle(apiPrefix+"/alerts/", methods(map[string]http.HandlerFunc{
		http.MethodDelete: func(w http.ResponseWriter, req *http.Request) {
			key, ok := pathID(req, apiPrefix+"/alerts/")
			if !ok {
				writeFail(w, http.StatusNotFound, "not found")
				return
			}
			h.RemoveAlert(w, req, key)
		},
	}))

	r.Handle(apiPrefix+"/selection", methods(map[string]http.HandlerFunc{
		http.MethodPost:   h.Select,
		http.MethodDelete: h.Deselect,
	}))
	r.Handle(apiPrefix+"/history", methods(map[string]http.HandlerFunc{
		http.MethodGet: h.GetHistory,
	}))
	r.Handle(apiPrefix+"/history/export", methods(map[string]http.HandlerFunc{
		http.MethodGet: h.ExportHistory,
	}))

	r.Handle(apiPrefix+"/status", methods(map[string]http.HandlerFunc{
		http.MethodGet: h.Status,
	}))
	r.Handle("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
}
