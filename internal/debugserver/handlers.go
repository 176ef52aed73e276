package debugserver

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/faultline/internal/journal"
	"github.com/hugo-lorenzo-mato/faultline/internal/procpolicy"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

// registryInfo describes one published registry.
type registryInfo struct {
	Name     string `json:"name"`
	Records  int    `json:"records"`
	Capacity int    `json:"capacity"`
}

func (s *Server) handleRegistries(w http.ResponseWriter, _ *http.Request) {
	infos := make([]registryInfo, 0)
	for _, name := range s.registryNames() {
		h, _ := s.registry(name)
		info := registryInfo{Name: name, Records: h.Len()}
		if ring := h.Ring(); ring != nil {
			info.Capacity = ring.Cap()
		}
		infos = append(infos, info)
	}
	respondJSON(w, http.StatusOK, infos)
}

// handleBacktraces prints stored release stacks as text. ?addr= selects the
// most recent record for one object.
func (s *Server) handleBacktraces(w http.ResponseWriter, r *http.Request) {
	var addr uintptr
	if raw := r.URL.Query().Get("addr"); raw != "" {
		v, err := strconv.ParseUint(raw, 0, 64)
		if err != nil || v == 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid addr %q", raw))
			return
		}
		addr = uintptr(v)
	}

	names := s.registryNames()
	if name := chi.URLParam(r, "registry"); name != "" {
		if _, ok := s.registry(name); !ok {
			respondError(w, http.StatusNotFound, fmt.Sprintf("unknown registry %q", name))
			return
		}
		names = []string{name}
	}

	var buf bytes.Buffer
	found := 0
	for _, name := range names {
		h, _ := s.registry(name)
		fmt.Fprintf(&buf, "== %s ==\n", name)
		found += h.Print(&buf, addr)
	}

	status := http.StatusOK
	if addr != 0 && found == 0 {
		status = http.StatusNotFound
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleMemReport(w http.ResponseWriter, _ *http.Request) {
	var buf bytes.Buffer
	if err := s.reporter.Write(&buf, nil); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// policyResponse is the JSON form of the core dump and attach policy.
type policyResponse struct {
	CoreLimit     *procpolicy.Limits `json:"core_limit,omitempty"`
	CoreLimitText string             `json:"core_limit_text,omitempty"`
	Baseline      *procpolicy.Limits `json:"baseline,omitempty"`
	Dumpable      *bool              `json:"dumpable,omitempty"`
	Debugger      string             `json:"debugger,omitempty"`
	Errors        []string           `json:"errors,omitempty"`
}

func (s *Server) handlePolicy(w http.ResponseWriter, _ *http.Request) {
	if s.policy == nil {
		respondError(w, http.StatusNotFound, "policy not available")
		return
	}

	var resp policyResponse
	if l, err := s.policy.Limits(); err != nil {
		resp.Errors = append(resp.Errors, err.Error())
	} else {
		resp.CoreLimit = &l
		resp.CoreLimitText = l.String()
	}
	if b, ok := s.policy.Baseline(); ok {
		resp.Baseline = &b
	}
	if d, err := s.policy.DumpableFlag(); err != nil {
		resp.Errors = append(resp.Errors, err.Error())
	} else {
		resp.Dumpable = &d
	}
	if s.probe != nil {
		resp.Debugger = s.probe.State().String()
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResources(w http.ResponseWriter, _ *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusNotFound, "resource monitor not running")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":  s.monitor.Uptime().String(),
		"history": s.monitor.GetHistory(),
		"trend":   s.monitor.GetTrend(),
		"health":  s.monitor.CheckHealth(),
	})
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		respondError(w, http.StatusNotFound, "journal not configured")
		return
	}

	f := journal.Filter{Kind: r.URL.Query().Get("kind"), Limit: 50}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", raw))
			return
		}
		f.Limit = n
	}
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid since %q", raw))
			return
		}
		f.Since = time.Now().Add(-d)
	}

	entries, err := s.journal.List(r.Context(), f)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if entries == nil {
		entries = []*journal.Entry{}
	}
	respondJSON(w, http.StatusOK, entries)
}

// handlePanic runs the advisory panic handler in the background; it may
// launch a debugger and take arbitrarily long.
func (s *Server) handlePanic(w http.ResponseWriter, _ *http.Request) {
	if !s.allowPanic {
		respondError(w, http.StatusForbidden, "panic endpoint disabled (debug.allow_panic)")
		return
	}
	s.logger.Warn("advisory panic requested over HTTP")
	go s.panicFn()
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}
