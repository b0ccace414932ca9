package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// Router 使用标准库 http.ServeMux（避免引入第三方路由依赖）
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

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// RegisterAlertRoutes 注册报警 API 路由
func (r *Router) RegisterAlertRoutes(h *AlertHandler) {
	// 读数摄取
	r.Handle("/alert/api/v1/readings", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.IngestReading(w, req)
	})

	// users/{id}/alerts
	r.Handle("/alert/api/v1/users/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/alert/api/v1/users/")
		userID, tail, ok := strings.Cut(rest, "/")
		if !ok || userID == "" || tail != "alerts" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.GetUserAlerts(w, req, userID)
	})

	// alerts/{id}/status
	r.Handle("/alert/api/v1/alerts/", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPatch && req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rest := strings.TrimPrefix(req.URL.Path, "/alert/api/v1/alerts/")
		alertID, tail, ok := strings.Cut(rest, "/")
		if !ok || alertID == "" || tail != "status" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.UpdateAlertStatus(w, req, alertID)
	})
}
