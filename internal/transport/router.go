package transport

import "net/http"

type Handler interface {
	dispatch(w http.ResponseWriter, r *http.Request)
	callback(w http.ResponseWriter, r *http.Request)
	task(w http.ResponseWriter, r *http.Request)
	tasks(w http.ResponseWriter, r *http.Request)
	healthz(w http.ResponseWriter, r *http.Request)
}

type router struct {
	h Handler
}

func NewRouter(h Handler) *router {
	return &router{h: h}
}

func (r *router) MountRoutes(mux *http.ServeMux) *http.ServeMux {
	mux.HandleFunc("/dispatch", r.h.dispatch)
	mux.HandleFunc("/callback", r.h.callback)
	mux.HandleFunc("/tasks", r.h.tasks)
	mux.HandleFunc("/tasks/", r.h.task)
	mux.HandleFunc("/healthz", r.h.healthz)

	return mux
}
