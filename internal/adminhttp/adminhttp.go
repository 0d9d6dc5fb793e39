// Package adminhttp is the admin HTTP surface fronting the scan
// manager: job enumeration, abort, and Prometheus-text metrics. Routed
// with chi (grounded on internal/server/server.go's router), bearer
// tokens decoded with golang-jwt/jwt/v5 (grounded on
// internal/enterprise/license.go's Ed25519 JWT validation) to derive
// the client identity string scan jobs carry.
package adminhttp

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"

	"github.com/user/kvscan/internal/scan/manager"
)

// identityClaims is the minimal claim set a client bearer token carries.
type identityClaims struct {
	ClientID string `json:"client_id"`
	jwt.RegisteredClaims
}

// ClientIdentity extracts a scan request's client identity string from
// an Authorization: Bearer <jwt> header, or "" if absent/invalid.
func ClientIdentity(r *http.Request, pub ed25519.PublicKey) string {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return ""
	}
	token := strings.TrimPrefix(h, "Bearer ")

	c := identityClaims{}
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if t.Method == nil || t.Method.Alg() != jwt.SigningMethodEdDSA.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm")
		}
		return pub, nil
	}, jwt.WithLeeway(2*time.Minute))
	if err != nil || !parsed.Valid {
		return ""
	}
	return c.ClientID
}

// Server is the admin HTTP surface.
type Server struct {
	manager    *manager.Manager
	httpServer *http.Server
	router     chi.Router
}

// New builds a Server bound to addr, fronting mgr.
func New(mgr *manager.Manager, addr string) *Server {
	s := &Server{manager: mgr}
	s.router = s.buildRouter()
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s
}

// ListenAndServe runs the admin HTTP server until it errors or is shut down.
func (s *Server) ListenAndServe() error { return s.httpServer.ListenAndServe() }

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{trid}", s.handleGetJob)
	r.Post("/jobs/{trid}/abort", s.handleAbortJob)
	r.Post("/jobs/abort-all", s.handleAbortAll)
	r.Get("/metrics", s.handleMetrics)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.GetAllJobs())
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	trid, err := strconv.ParseUint(chi.URLParam(r, "trid"), 10, 64)
	if err != nil {
		http.Error(w, "invalid trid", http.StatusBadRequest)
		return
	}
	stat, ok := s.manager.GetJobInfo(trid)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func (s *Server) handleAbortJob(w http.ResponseWriter, r *http.Request) {
	trid, err := strconv.ParseUint(chi.URLParam(r, "trid"), 10, 64)
	if err != nil {
		http.Error(w, "invalid trid", http.StatusBadRequest)
		return
	}
	if !s.manager.AbortJob(trid) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAbortAll(w http.ResponseWriter, r *http.Request) {
	n := s.manager.AbortAll()
	writeJSON(w, http.StatusOK, map[string]int{"aborted": n})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	stats := s.manager.GetAllJobs()
	fmt.Fprintln(w, "# HELP kvscan_active_jobs Currently active scan jobs.")
	fmt.Fprintln(w, "# TYPE kvscan_active_jobs gauge")
	fmt.Fprintf(w, "kvscan_active_jobs %d\n", len(stats))

	byType := map[string]int{}
	var succeeded, failed, filteredMeta, filteredBins int64
	for _, st := range stats {
		byType[st.JobType]++
		succeeded += st.Succeeded
		failed += st.Failed
		filteredMeta += st.FilteredMeta
		filteredBins += st.FilteredBins
	}
	fmt.Fprintln(w, "# HELP kvscan_jobs_by_type Currently active scan jobs by type.")
	fmt.Fprintln(w, "# TYPE kvscan_jobs_by_type gauge")
	for typ, n := range byType {
		fmt.Fprintf(w, "kvscan_jobs_by_type{job_type=%q} %d\n", typ, n)
	}
	fmt.Fprintln(w, "# HELP kvscan_records_succeeded_total Records successfully emitted or written across active jobs.")
	fmt.Fprintln(w, "# TYPE kvscan_records_succeeded_total counter")
	fmt.Fprintf(w, "kvscan_records_succeeded_total %d\n", succeeded)
	fmt.Fprintln(w, "# HELP kvscan_records_failed_total Records that failed processing across active jobs.")
	fmt.Fprintln(w, "# TYPE kvscan_records_failed_total counter")
	fmt.Fprintf(w, "kvscan_records_failed_total %d\n", failed)
	fmt.Fprintln(w, "# HELP kvscan_records_filtered_meta_total Records dropped by metadata-only predicate evaluation.")
	fmt.Fprintln(w, "# TYPE kvscan_records_filtered_meta_total counter")
	fmt.Fprintf(w, "kvscan_records_filtered_meta_total %d\n", filteredMeta)
	fmt.Fprintln(w, "# HELP kvscan_records_filtered_bins_total Records dropped by bin-level predicate evaluation.")
	fmt.Fprintln(w, "# TYPE kvscan_records_filtered_bins_total counter")
	fmt.Fprintf(w, "kvscan_records_filtered_bins_total %d\n", filteredBins)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
