// Copyright 2026 The Proxyvisor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use file except in compliance with the License.
// You may obtain a copy of the license at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gdamore/proxyvisor"
	"github.com/gdamore/proxyvisor/acme"
	"github.com/gdamore/proxyvisor/certstore"
	"github.com/gdamore/proxyvisor/core"
)

// maxBody bounds request bodies; key material makes TLS bodies the
// largest.
const maxBody = 4 << 20

// Handler wraps a Core, adding http.Handler functionality.
type Handler struct {
	c *core.Core
	r *mux.Router
}

func (h *Handler) internalError(w http.ResponseWriter, e error) {
	http.Error(w, e.Error(), http.StatusInternalServerError)
}

func (h *Handler) writeJson(w http.ResponseWriter, v interface{}) {
	if b, e := json.Marshal(v); e != nil {
		h.internalError(w, e)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.Write(b)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	if b, err := json.Marshal(e); err != nil {
		h.internalError(w, err)
	} else {
		w.Header().Set("Content-Type", mimeJson)
		w.WriteHeader(e.Code)
		w.Write(b)
	}
}

// fail maps an error from the core onto a status code.
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var ce *proxyvisor.ConfigError
	var pe *proxyvisor.PrivilegeError
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, proxyvisor.ErrNoTask),
		errors.Is(err, certstore.ErrNoCertificate):
		code = http.StatusNotFound
	case errors.Is(err, proxyvisor.ErrTaskExists),
		errors.Is(err, proxyvisor.ErrAlreadyRunning),
		errors.Is(err, proxyvisor.ErrNotRunning):
		code = http.StatusConflict
	case errors.Is(err, proxyvisor.ErrShutdown):
		code = http.StatusServiceUnavailable
	case errors.As(err, &ce):
		code = http.StatusBadRequest
	case errors.As(err, &pe):
		code = http.StatusForbidden
	}
	h.writeError(w, &Error{Code: code, Message: err.Error()})
}

func (h *Handler) readJson(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if e := dec.Decode(v); e != nil {
		h.writeError(w, &Error{http.StatusBadRequest, "Malformed request: " + e.Error()})
		return false
	}
	return true
}

// pollArgs returns the etag the client holds, if it is one of ours, and
// how long it is willing to wait for a change.
func pollArgs(r *http.Request) (int64, bool, time.Duration) {
	old, ok := parseEtag(r.Header.Get("If-None-Match"))
	var wait time.Duration
	if s := r.URL.Query().Get("wait"); s != "" {
		if secs, e := strconv.Atoi(s); e == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	if wait > MaxWait {
		wait = MaxWait
	}
	return old, ok, wait
}

func notModified(w http.ResponseWriter, etag int64) {
	w.Header().Set("ETag", formatEtag(etag))
	w.WriteHeader(http.StatusNotModified)
}

func (h *Handler) getInfo(w http.ResponseWriter, r *http.Request) {
	h.writeJson(w, h.c.Manager().GetInfo())
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	m := h.c.Manager()
	old, have, wait := pollArgs(r)
	cur := m.Serial()
	if have && cur == old {
		if cur = m.WatchSerial(old, wait); cur == old {
			notModified(w, cur)
			return
		}
	}
	infos := []*proxyvisor.TaskInfo{}
	for _, id := range m.Tasks() {
		// Removed since we listed it.
		if info, e := m.TaskInfo(id); e == nil {
			infos = append(infos, info)
		}
	}
	w.Header().Set("ETag", formatEtag(cur))
	h.writeJson(w, infos)
}

func (h *Handler) applyTasks(w http.ResponseWriter, r *http.Request) {
	set := map[string]proxyvisor.Task{}
	if !h.readJson(w, r, &set) {
		return
	}
	if e := h.c.ApplyTasks(set); e != nil {
		h.fail(w, e)
		return
	}
	h.writeJson(w, ok)
}

func (h *Handler) addTask(w http.ResponseWriter, r *http.Request) {
	var t proxyvisor.Task
	if !h.readJson(w, r, &t) {
		return
	}
	id, e := h.c.AddTask("", t)
	if e != nil {
		h.fail(w, e)
		return
	}
	w.Header().Set("Location", "/tasks/"+id)
	w.Header().Set("Content-Type", mimeJson)
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&AddedTask{ID: id})
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	if info, e := h.c.Manager().TaskInfo(mux.Vars(r)["task"]); e != nil {
		h.fail(w, e)
	} else {
		h.writeJson(w, info)
	}
}

// putTask adds the task, or replaces the definition of an existing one.
func (h *Handler) putTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["task"]
	var t proxyvisor.Task
	if !h.readJson(w, r, &t) {
		return
	}
	_, e := h.c.AddTask(id, t)
	if errors.Is(e, proxyvisor.ErrTaskExists) {
		e = h.c.Manager().ReloadTask(id, t)
	}
	if e != nil {
		h.fail(w, e)
		return
	}
	h.writeJson(w, ok)
}

func (h *Handler) deleteTask(w http.ResponseWriter, r *http.Request) {
	if e := h.c.RemoveTask(mux.Vars(r)["task"]); e != nil {
		h.fail(w, e)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) startTask(w http.ResponseWriter, r *http.Request) {
	if e := h.c.StartTask(mux.Vars(r)["task"]); e != nil {
		h.fail(w, e)
	} else {
		h.writeJson(w, ok)
	}
}

func (h *Handler) stopTask(w http.ResponseWriter, r *http.Request) {
	if e := h.c.StopTask(mux.Vars(r)["task"]); e != nil {
		h.fail(w, e)
	} else {
		h.writeJson(w, ok)
	}
}

// serveBacklog answers a backlog GET, long polling when asked to.
func (h *Handler) serveBacklog(w http.ResponseWriter, r *http.Request,
	since func(int64) ([]proxyvisor.Entry, int64, error),
	watch func(int64, time.Duration) (int64, error)) {

	old, have, wait := pollArgs(r)
	if !have {
		old = -1
	}
	recs, cur, e := since(old)
	if e == nil && recs == nil {
		if _, e = watch(old, wait); e == nil {
			recs, cur, e = since(old)
		}
	}
	if e != nil {
		h.fail(w, e)
		return
	}
	if recs == nil {
		notModified(w, cur)
		return
	}
	w.Header().Set("ETag", formatEtag(cur))
	h.writeJson(w, recs)
}

func (h *Handler) getBacklog(w http.ResponseWriter, r *http.Request) {
	m := h.c.Manager()
	id := mux.Vars(r)["task"]
	h.serveBacklog(w, r,
		func(last int64) ([]proxyvisor.Entry, int64, error) {
			return m.GetBacklogSince(id, last)
		},
		func(last int64, d time.Duration) (int64, error) {
			return m.WatchBacklog(id, last, d)
		})
}

// getLog serves the daemon's own log.
func (h *Handler) getLog(w http.ResponseWriter, r *http.Request) {
	b := h.c.Log()
	h.serveBacklog(w, r,
		func(last int64) ([]proxyvisor.Entry, int64, error) {
			recs, cur := b.Since(last)
			return recs, cur, nil
		},
		func(last int64, d time.Duration) (int64, error) {
			return b.Watch(last, d), nil
		})
}

func (h *Handler) getRules(w http.ResponseWriter, r *http.Request) {
	rules, redirects := h.c.Rules()
	h.writeJson(w, &RulesBody{Rules: rules, Redirects: redirects})
}

func (h *Handler) applyRules(w http.ResponseWriter, r *http.Request) {
	var body RulesBody
	if !h.readJson(w, r, &body) {
		return
	}
	if e := h.c.ApplyRules(body.Rules, body.Redirects); e != nil {
		h.fail(w, e)
		return
	}
	h.writeJson(w, ok)
}

func (h *Handler) applyTLS(w http.ResponseWriter, r *http.Request) {
	var tc certstore.Config
	if !h.readJson(w, r, &tc) {
		return
	}
	if e := h.c.ApplyTLSConfig(tc); e != nil {
		h.fail(w, e)
		return
	}
	h.writeJson(w, ok)
}

func (h *Handler) getCertificate(w http.ResponseWriter, r *http.Request) {
	host := mux.Vars(r)["host"]
	info, e := h.c.Store().Info(host)
	if e != nil {
		h.fail(w, e)
		return
	}
	ci := &CertificateInfo{Certificate: info}
	if st, e := h.c.ACME().Status(host); e == nil {
		ci.ACME = st
	} else if !errors.Is(e, acme.ErrNoHosts) {
		h.fail(w, e)
		return
	}
	h.writeJson(w, ci)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h.r.ServeHTTP(w, req)
}

func NewHandler(c *core.Core) *Handler {
	r := mux.NewRouter()
	h := &Handler{c: c, r: r}
	r.HandleFunc("/", h.getInfo).Methods("GET")
	r.HandleFunc("/tasks", h.listTasks).Methods("GET")
	r.HandleFunc("/tasks", h.applyTasks).Methods("PUT")
	r.HandleFunc("/tasks", h.addTask).Methods("POST")
	r.HandleFunc("/tasks/{task}", h.getTask).Methods("GET")
	r.HandleFunc("/tasks/{task}", h.putTask).Methods("PUT")
	r.HandleFunc("/tasks/{task}", h.deleteTask).Methods("DELETE")
	r.HandleFunc("/tasks/{task}/start", h.startTask).Methods("POST")
	r.HandleFunc("/tasks/{task}/stop", h.stopTask).Methods("POST")
	r.HandleFunc("/tasks/{task}/backlog", h.getBacklog).Methods("GET")
	r.HandleFunc("/log", h.getLog).Methods("GET")
	r.HandleFunc("/rules", h.getRules).Methods("GET")
	r.HandleFunc("/rules", h.applyRules).Methods("PUT")
	r.HandleFunc("/tls", h.applyTLS).Methods("PUT")
	r.HandleFunc("/certificates/{host}", h.getCertificate).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	return h
}
