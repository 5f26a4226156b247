package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tfactivity/server/internal/activity"
	"github.com/tfactivity/server/internal/cache"
	"github.com/tfactivity/server/internal/data/tsv"
	"github.com/tfactivity/server/internal/export"
	"github.com/tfactivity/server/internal/fdr"
	"github.com/tfactivity/server/internal/jobstore"
	"github.com/tfactivity/server/internal/nulldist"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link", "Content-Disposition"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Get("/api/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		if cfg.Cache == nil {
			writeJSON(w, http.StatusOK, map[string]interface{}{})
			return
		}
		writeJSON(w, http.StatusOK, cfg.Cache.Stats())
	})
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/datasets/{dataset}/jobs", datasetJobsHandler(cfg.Registry, cfg.JobManager))

	results := &resultLoader{jm: cfg.JobManager, cache: cfg.Cache}
	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", jobSubmitHandler(cfg.Registry, cfg.JobManager))
		r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/scores", jobScoresHandler(results))
		r.Get("/{job_id}/rejections", jobRejectionsHandler(results))
		r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager, cfg.Cache))
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
		})
	}
}

func datasetJobsHandler(registry *DatasetRegistry, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		datasetID := chi.URLParam(r, "dataset")
		if registry.Get(datasetID) == nil {
			http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
			return
		}
		jobs, err := jm.Store().ListJobsByDataset(r.Context(), datasetID)
		if err != nil {
			http.Error(w, "failed to list jobs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
	}
}

type jobSubmitRequest struct {
	DatasetID  string  `json:"dataset_id"`
	Iterations int     `json:"iterations"`
	Strategy   string  `json:"strategy"`
	Alpha      float64 `json:"alpha"`
	Seed       uint64  `json:"seed"`
}

const maxIterations = 10_000_000

func jobSubmitHandler(registry *DatasetRegistry, jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req jobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		if req.DatasetID == "" {
			req.DatasetID = registry.DefaultDatasetID()
		}
		if registry.Get(req.DatasetID) == nil {
			http.Error(w, "dataset not found: "+req.DatasetID, http.StatusNotFound)
			return
		}
		if req.Strategy != "" {
			if _, err := nulldist.ParseStrategy(req.Strategy); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		if req.Iterations < 0 || req.Iterations > maxIterations {
			http.Error(w, "iterations must be between 0 (default) and "+strconv.Itoa(maxIterations), http.StatusBadRequest)
			return
		}
		if req.Alpha < 0 || req.Alpha >= 1 {
			http.Error(w, "alpha must be in (0, 1)", http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(r.Context(), jobstore.JobParams{
			DatasetID:  req.DatasetID,
			Iterations: req.Iterations,
			Strategy:   req.Strategy,
			Alpha:      req.Alpha,
			Seed:       req.Seed,
		})
		if errors.Is(err, ErrQueueFull) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		job := jm.Get(r.Context(), chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func jobDeleteHandler(jm *JobManager, cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}
		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(r.Context(), jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		// Active jobs are cancelled; finished ones are deleted.
		if !job.Status.Terminal() {
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":    jobID,
				"cancelled": jm.Cancel(r.Context(), jobID),
			})
			return
		}
		if err := jm.Delete(r.Context(), jobID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if cm != nil {
			cm.ForgetJob(jobID)
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":  jobID,
			"deleted": true,
		})
	}
}

// resultLoader reads stored result payloads through the result cache.
type resultLoader struct {
	jm    *JobManager
	cache *cache.Manager
}

// completedJob resolves the job in the URL, writing an error response when
// it is missing or unfinished.
func (l *resultLoader) completedJob(w http.ResponseWriter, r *http.Request) *jobstore.Job {
	if l.jm == nil {
		http.Error(w, "job manager not configured", http.StatusNotImplemented)
		return nil
	}
	job := l.jm.Get(r.Context(), chi.URLParam(r, "job_id"))
	if job == nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return nil
	}
	if job.Status != jobstore.JobStatusCompleted {
		http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusConflict)
		return nil
	}
	return job
}

func (l *resultLoader) raw(r *http.Request, jobID string, kind jobstore.ResultKind) ([]byte, error) {
	key := cache.ResultKey(jobID, string(kind), "tsv")
	if l.cache != nil {
		if data, ok := l.cache.GetResult(key); ok {
			return data, nil
		}
	}
	data, err := l.jm.Store().GetResult(r.Context(), jobID, kind)
	if err != nil {
		return nil, err
	}
	l.remember(key, data)
	return data, nil
}

func (l *resultLoader) remember(key string, data []byte) {
	if l.cache == nil {
		return
	}
	if err := l.cache.SetResult(key, data); err != nil {
		log.Printf("[API] result of %s not cached: %v", key, err)
	}
}

func (l *resultLoader) scores(r *http.Request, jobID string) (*activity.ScoreMatrix, error) {
	data, err := l.raw(r, jobID, jobstore.KindScores)
	if err != nil {
		return nil, err
	}
	return tsv.ReadScoreMatrix(bytes.NewReader(data))
}

func parseFormat(r *http.Request) (string, bool) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	switch format {
	case "":
		return "json", true
	case "json", "tsv", "xlsx":
		return format, true
	}
	return "", false
}

func resultError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobstore.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, "failed to load result: "+err.Error(), http.StatusInternalServerError)
}

var contentTypes = map[string]string{
	"json": "application/json",
	"tsv":  "text/tab-separated-values",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

func writePayload(w http.ResponseWriter, format, filename string, data []byte) {
	w.Header().Set("Content-Type", contentTypes[format])
	if format != "json" {
		w.Header().Set("Content-Disposition", `attachment; filename="`+filename+"."+format+`"`)
	}
	w.Write(data)
}

func jobScoresHandler(l *resultLoader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, ok := parseFormat(r)
		if !ok {
			http.Error(w, "format must be json, tsv or xlsx", http.StatusBadRequest)
			return
		}
		job := l.completedJob(w, r)
		if job == nil {
			return
		}

		if format == "tsv" {
			data, err := l.raw(r, job.ID, jobstore.KindScores)
			if err != nil {
				resultError(w, err)
				return
			}
			writePayload(w, format, "p_values", data)
			return
		}

		key := cache.ResultKey(job.ID, string(jobstore.KindScores), format)
		if l.cache != nil {
			if data, ok := l.cache.GetResult(key); ok {
				writePayload(w, format, "p_values", data)
				return
			}
		}
		scores, err := l.scores(r, job.ID)
		if err != nil {
			resultError(w, err)
			return
		}
		var buf bytes.Buffer
		if format == "xlsx" {
			err = export.WriteXLSX(&buf, scores, scores.Correct(jobAlpha(job)))
		} else {
			err = json.NewEncoder(&buf).Encode(scoresJSON(scores))
		}
		if err != nil {
			http.Error(w, "failed to encode scores: "+err.Error(), http.StatusInternalServerError)
			return
		}
		l.remember(key, buf.Bytes())
		writePayload(w, format, "p_values", buf.Bytes())
	}
}

func jobAlpha(job *jobstore.Job) float64 {
	if job.Params.Alpha > 0 {
		return job.Params.Alpha
	}
	return fdr.DefaultAlpha
}

func jobRejectionsHandler(l *resultLoader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		format, ok := parseFormat(r)
		if !ok {
			http.Error(w, "format must be json, tsv or xlsx", http.StatusBadRequest)
			return
		}
		job := l.completedJob(w, r)
		if job == nil {
			return
		}
		alpha := jobAlpha(job)
		if s := r.URL.Query().Get("alpha"); s != "" {
			v, err := strconv.ParseFloat(s, 64)
			if err != nil || v <= 0 || v >= 1 {
				http.Error(w, "alpha must be in (0, 1)", http.StatusBadRequest)
				return
			}
			alpha = v
		}

		// The stored matrix was corrected at the job's resolved alpha. Jobs
		// without a recorded alpha are always recomputed.
		if format == "tsv" && job.Params.Alpha > 0 && alpha == job.Params.Alpha {
			data, err := l.raw(r, job.ID, jobstore.KindRejects)
			if err != nil {
				resultError(w, err)
				return
			}
			writePayload(w, format, "reject", data)
			return
		}

		key := cache.RejectKey(job.ID, alpha, format)
		if l.cache != nil {
			if data, ok := l.cache.GetQuery(key); ok {
				writePayload(w, format, "reject", data)
				return
			}
		}
		scores, err := l.scores(r, job.ID)
		if err != nil {
			resultError(w, err)
			return
		}
		rejects := scores.Correct(alpha)

		var buf bytes.Buffer
		switch format {
		case "tsv":
			err = tsv.WriteRejectMatrix(&buf, rejects)
		case "xlsx":
			err = export.WriteXLSX(&buf, scores, rejects)
		default:
			err = json.NewEncoder(&buf).Encode(rejectsJSON(rejects))
		}
		if err != nil {
			http.Error(w, "failed to encode rejections: "+err.Error(), http.StatusInternalServerError)
			return
		}
		if l.cache != nil {
			l.cache.SetQuery(key, buf.Bytes())
		}
		writePayload(w, format, "reject", buf.Bytes())
	}
}

// scoresJSON renders missing values as null.
func scoresJSON(s *activity.ScoreMatrix) map[string]interface{} {
	values := make([][]*float64, len(s.Values))
	for i, row := range s.Values {
		values[i] = make([]*float64, len(row))
		for j := range row {
			if !math.IsNaN(row[j]) {
				values[i][j] = &row[j]
			}
		}
	}
	return map[string]interface{}{
		"samples": s.Samples,
		"tfs":     s.TFs,
		"values":  values,
	}
}

func rejectsJSON(rm *activity.RejectMatrix) map[string]interface{} {
	calls := make([][]*bool, len(rm.Calls))
	for i, row := range rm.Calls {
		calls[i] = make([]*bool, len(row))
		for j, c := range row {
			if c != fdr.Missing {
				v := c == fdr.Reject
				calls[i][j] = &v
			}
		}
	}
	out := map[string]interface{}{
		"samples":  rm.Samples,
		"tfs":      rm.TFs,
		"alpha":    rm.Alpha,
		"rejected": rm.Rejected(),
		"calls":    calls,
	}
	if rm.QValues != nil {
		qvalues := make([][]*float64, len(rm.QValues))
		for i, row := range rm.QValues {
			qvalues[i] = make([]*float64, len(row))
			for j := range row {
				if !math.IsNaN(row[j]) {
					qvalues[i][j] = &row[j]
				}
			}
		}
		out["q_values"] = qvalues
	}
	return out
}
