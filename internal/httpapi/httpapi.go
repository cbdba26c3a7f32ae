// Package httpapi exposes the node's HTTP surface: the PUT/GET
// prepare-confirm pairs, listing and delete, eval, the three shuffle
// operations, and health/metrics.
//
// A typed server struct with one method per route, registered onto a
// plain net/http.ServeMux, dispatching errors through internal/s4err's
// Kind taxonomy instead of ad-hoc status codes.
package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sharded4/s4/internal/evalexec"
	"github.com/sharded4/s4/internal/listing"
	"github.com/sharded4/s4/internal/mapexec"
	"github.com/sharded4/s4/internal/pool"
	"github.com/sharded4/s4/internal/s4err"
	"github.com/sharded4/s4/internal/s4log"
	"github.com/sharded4/s4/internal/transfer"
)

// Server wires every protocol package into HTTP handlers.
type Server struct {
	Transfer *transfer.Node
	Eval     *evalexec.Node
	Map      *mapexec.Node
	Lister   *listing.Lister
	Writer   *pool.Pool
}

// New builds a Server and its routed mux.
func New(tr *transfer.Node, ev *evalexec.Node, mp *mapexec.Node, lister *listing.Lister, writer *pool.Pool) *Server {
	return &Server{Transfer: tr, Eval: ev, Map: mp, Lister: lister, Writer: writer}
}

// Mux builds the routed ServeMux for every handler on this server.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/prepare_put", s.handlePreparePut)
	mux.HandleFunc("/confirm_put", s.handleConfirmPut)
	mux.HandleFunc("/prepare_get", s.handlePrepareGet)
	mux.HandleFunc("/confirm_get", s.handleConfirmGet)
	mux.HandleFunc("/list", s.handleList)
	mux.HandleFunc("/list_buckets", s.handleListBuckets)
	mux.HandleFunc("/delete", s.handleDelete)
	mux.HandleFunc("/eval", s.handleEval)
	mux.HandleFunc("/map", s.handleMap)
	mux.HandleFunc("/map_to_n", s.handleMapToN)
	mux.HandleFunc("/map_from_n", s.handleMapFromN)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// writeError maps an internal error to its HTTP status by error kind.
func writeError(w http.ResponseWriter, err error) {
	log := s4log.WithComponent(s4log.ComponentHTTPAPI)
	se, ok := s4err.As(err)
	if !ok {
		log.Error().Err(err).Msg("unhandled internal error")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	status := http.StatusInternalServerError
	switch se.Kind {
	case s4err.KindMalformed:
		status = http.StatusBadRequest
	case s4err.KindNotFound:
		status = http.StatusNotFound
	case s4err.KindAlreadyExists:
		status = http.StatusConflict
	case s4err.KindBusy:
		status = http.StatusTooManyRequests
	case s4err.KindCmdFailure:
		status = http.StatusBadRequest
	case s4err.KindIntegrity, s4err.KindInternal:
		status = http.StatusInternalServerError
	}

	if se.Body != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(se.Body)
		return
	}
	log.Debug().Str("kind", string(se.Kind)).Msg(se.Msg)
	http.Error(w, se.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s4log.WithComponent(s4log.ComponentHTTPAPI).Error().Err(err).Msg("encode response")
	}
}

func (s *Server) handlePreparePut(w http.ResponseWriter, r *http.Request) {
	k := r.URL.Query().Get("key")
	jobID, port, err := s.Transfer.PreparePut(r.Context(), k)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"job_id": jobID, "port": port})
}

func (s *Server) handleConfirmPut(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := s.Transfer.ConfirmPut(r.Context(), q.Get("uuid"), q.Get("checksum"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handlePrepareGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	port, err := strconv.Atoi(q.Get("port"))
	if err != nil {
		writeError(w, s4err.New(s4err.KindMalformed, "bad port %q", q.Get("port")))
		return
	}
	clientHost, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		clientHost = r.RemoteAddr
	}
	jobID, err := s.Transfer.PrepareGet(r.Context(), q.Get("key"), clientHost, port)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, map[string]any{"job_id": jobID})
}

func (s *Server) handleConfirmGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	err := s.Transfer.ConfirmGet(r.Context(), q.Get("uuid"), q.Get("checksum"))
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recursive := q.Get("recursive") == "true" || q.Get("recursive") == "1"
	entries, err := s.Lister.List(q.Get("prefix"), recursive)
	if err != nil {
		writeError(w, s4err.New(s4err.KindInternal, "list: %v", err))
		return
	}
	tuples := make([][4]string, len(entries))
	for i, e := range entries {
		tuples[i] = e.MarshalTuple()
	}
	writeJSON(w, tuples)
}

func (s *Server) handleListBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := s.Lister.ListBuckets()
	if err != nil {
		writeError(w, s4err.New(s4err.KindInternal, "list_buckets: %v", err))
		return
	}
	writeJSON(w, buckets)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	recursive := q.Get("recursive") == "true" || q.Get("recursive") == "1"
	_, err := pool.Submit(r.Context(), s.Writer, s.Transfer.Timeout, func(_ context.Context, started func()) (struct{}, error) {
		started()
		return struct{}{}, s.Lister.Delete(q.Get("prefix"), recursive)
	})
	if err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleEval(w http.ResponseWriter, r *http.Request) {
	cmd, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, s4err.New(s4err.KindMalformed, "read body: %v", err))
		return
	}
	out, err := s.Eval.Eval(r.Context(), r.URL.Query().Get("key"), string(cmd))
	if err != nil {
		writeError(w, err)
		return
	}
	w.Write([]byte(out))
}

type mapRequest struct {
	Cmd  string     `json:"cmd"`
	Args [][]string `json:"args"`
}

func (s *Server) handleMap(w http.ResponseWriter, r *http.Request) {
	var req mapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s4err.New(s4err.KindMalformed, "decode body: %v", err))
		return
	}
	pairs := make([]mapexec.Pair, 0, len(req.Args))
	for _, a := range req.Args {
		if len(a) != 2 {
			writeError(w, s4err.New(s4err.KindMalformed, "map argument must be [in, out]"))
			return
		}
		pairs = append(pairs, mapexec.Pair{In: a[0], Out: a[1]})
	}
	if err := s.Map.Map(r.Context(), req.Cmd, pairs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMapToN(w http.ResponseWriter, r *http.Request) {
	var req mapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s4err.New(s4err.KindMalformed, "decode body: %v", err))
		return
	}
	pairs := make([]mapexec.PairToN, 0, len(req.Args))
	for _, a := range req.Args {
		if len(a) != 2 {
			writeError(w, s4err.New(s4err.KindMalformed, "map_to_n argument must be [in, out_dir]"))
			return
		}
		pairs = append(pairs, mapexec.PairToN{In: a[0], OutDir: a[1]})
	}
	if err := s.Map.MapToN(r.Context(), req.Cmd, pairs); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleMapFromN(w http.ResponseWriter, r *http.Request) {
	var req mapRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s4err.New(s4err.KindMalformed, "decode body: %v", err))
		return
	}
	groups := make([][]string, len(req.Args))
	copy(groups, req.Args)
	outDir := r.URL.Query().Get("outdir")
	if err := s.Map.MapFromN(r.Context(), req.Cmd, outDir, groups); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
