package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nodalwatch/ace/internal/domain"
	"github.com/nodalwatch/ace/internal/registry"
	"github.com/nodalwatch/ace/pkg/httputil"
)

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var root domain.RootAnalysis
	if !httputil.DecodeJSON(w, r, &root) {
		return
	}
	uuid, err := s.engine.Dispatcher.SubmitRoot(r.Context(), &root)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"root_uuid": uuid})
}

func (s *Server) handleGetRoot(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	root, err := s.engine.Store.GetRoot(r.Context(), uuid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, root)
}

func (s *Server) handleGetAnalysisDetails(w http.ResponseWriter, r *http.Request) {
	uuid := mux.Vars(r)["uuid"]
	blob, err := s.engine.Store.GetDetails(r.Context(), uuid)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (s *Server) handleRegisterModuleType(w http.ResponseWriter, r *http.Request) {
	var amt domain.AnalysisModuleType
	if !httputil.DecodeJSON(w, r, &amt) {
		return
	}
	change, err := s.engine.Registry.Register(amt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	reactToDeploymentChange(s, r.Context(), amt.Name, change)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"deployment_change": int(change)})
}

// reactToDeploymentChange applies spec §4.6's deployment-swap side
// effects: a version change drains the module's queue and cache entries
// so nothing stale is ever served against the new registration.
func reactToDeploymentChange(s *Server, ctx context.Context, amtName string, change registry.DeploymentChange) {
	if change != registry.DeploymentVersionChanged {
		return
	}
	s.engine.Cache.DeleteByAMT(amtName)
	_ = s.engine.Queues.Delete(ctx, amtName)
}

func (s *Server) handleGetModuleType(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	amt, ok := s.engine.Registry.Get(name)
	if !ok {
		writeError(w, r, domain.ErrUnknownAnalysisModuleType)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, amt)
}

func (s *Server) handleDeleteModuleType(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if _, ok := s.engine.Registry.Get(name); !ok {
		writeError(w, r, domain.ErrUnknownAnalysisModuleType)
		return
	}
	s.engine.Registry.Delete(name)
	s.engine.Workers.Stop(name)
	_ = s.engine.Queues.Delete(r.Context(), name)
	s.engine.Cache.DeleteByAMT(name)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListModuleTypes(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.engine.Registry.List())
}

// handleGetNextAnalysisRequest implements get_next_analysis_request: a
// worker long-polls amt's queue for up to wait_time, declaring the
// version/extended_version of the module build it's running so a
// deployment swap the worker hasn't picked up yet surfaces as a version
// error instead of handing it stale work.
func (s *Server) handleGetNextAnalysisRequest(w http.ResponseWriter, r *http.Request) {
	amtName := mux.Vars(r)["amt"]
	amt, ok := s.engine.Registry.Get(amtName)
	if !ok {
		writeError(w, r, domain.ErrUnknownAnalysisModuleType)
		return
	}

	if version := httputil.QueryString(r, "version", ""); version != "" && version != amt.Version {
		writeError(w, r, &domain.VersionError{Module: amtName, Wanted: version, Current: amt.Version})
		return
	}
	if extRaw := httputil.QueryString(r, "extended_version", ""); extRaw != "" {
		var ext map[string]string
		if err := json.Unmarshal([]byte(extRaw), &ext); err == nil && !extendedVersionMatches(ext, amt.ExtendedVersion) {
			writeError(w, r, &domain.ExtendedVersionError{Module: amtName, Reason: "worker extended_version does not match registry"})
			return
		}
	}

	waitSeconds := httputil.QueryInt(r, "wait_time", 0)
	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(waitSeconds)*time.Second+50*time.Millisecond)
	defer cancel()

	ar, err := s.engine.Queues.Queue(amtName).Pop(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if ar == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ar)
}

func extendedVersionMatches(want, have map[string]string) bool {
	if len(want) != len(have) {
		return false
	}
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (s *Server) handleProcessAnalysisRequest(w http.ResponseWriter, r *http.Request) {
	var ar domain.AnalysisRequest
	if !httputil.DecodeJSON(w, r, &ar) {
		return
	}
	if err := s.engine.Dispatcher.SubmitResult(r.Context(), &ar); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetQueueSize(w http.ResponseWriter, r *http.Request) {
	amtName := mux.Vars(r)["amt"]
	size, err := s.engine.Queues.Queue(amtName).Size(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int{"size": size})
}

func (s *Server) handleGetCachedAnalysisResult(w http.ResponseWriter, r *http.Request) {
	amtName := mux.Vars(r)["amt"]
	amt, ok := s.engine.Registry.Get(amtName)
	if !ok {
		writeError(w, r, domain.ErrUnknownAnalysisModuleType)
		return
	}

	obs := domain.Observable{
		Type:  httputil.QueryString(r, "type", ""),
		Value: httputil.QueryString(r, "value", ""),
	}
	if ts := httputil.QueryString(r, "time", ""); ts != "" {
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			obs.Time = &t
		}
	}

	ck := domain.CacheKey(obs, amt)
	if ck == "" {
		httputil.NotFound(w, "")
		return
	}
	result, ok := s.engine.Cache.Get(amt.Name, ck)
	if !ok {
		httputil.NotFound(w, "")
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

func (s *Server) handleRegisterAlertSystem(w http.ResponseWriter, r *http.Request) {
	s.engine.Alerts.RegisterSystem(mux.Vars(r)["name"])
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetAlerts(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	timeout := time.Duration(httputil.QueryInt(r, "timeout", 0)) * time.Second
	alerts, err := s.engine.Alerts.GetAlerts(r.Context(), name, timeout)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleGetAlertCount(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	count, err := s.engine.Alerts.GetAlertCount(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleStoreContent(w http.ResponseWriter, r *http.Request) {
	meta := contentMetaFromQuery(r)
	sha, err := s.engine.Content.StoreStream(r.Context(), r.Body, meta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"sha256": sha})
}

func (s *Server) handleStoreFile(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		httputil.BadRequest(w, "invalid multipart body")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httputil.BadRequest(w, "file field required")
		return
	}
	defer file.Close()

	meta := contentMetaFromQuery(r)
	if meta.Name == "" {
		meta.Name = header.Filename
	}

	sha, err := s.engine.Content.StoreStream(r.Context(), io.LimitReader(file, header.Size), meta)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, map[string]string{"sha256": sha})
}

func contentMetaFromQuery(r *http.Request) domain.ContentMetadata {
	meta := domain.ContentMetadata{Name: httputil.QueryString(r, "name", "")}
	if root := httputil.QueryString(r, "root_uuid", ""); root != "" {
		meta.Roots = map[string]struct{}{root: {}}
	}
	if exp := httputil.QueryString(r, "expiration_date", ""); exp != "" {
		if t, err := time.Parse(time.RFC3339Nano, exp); err == nil {
			meta.ExpirationDate = &t
		}
	}
	return meta
}

func (s *Server) handleGetContentBytes(w http.ResponseWriter, r *http.Request) {
	sha := mux.Vars(r)["sha256"]
	rc, err := s.engine.Content.GetStream(r.Context(), sha)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleGetContentMeta(w http.ResponseWriter, r *http.Request) {
	sha := mux.Vars(r)["sha256"]
	meta, err := s.engine.Content.GetMeta(r.Context(), sha)
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, meta)
}

func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	sha := mux.Vars(r)["sha256"]
	if err := s.engine.Content.Delete(r.Context(), sha); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleIterExpiredContent(w http.ResponseWriter, r *http.Request) {
	shas, err := s.engine.Content.ExpiredCandidates(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, shas)
}

func (s *Server) handleDeleteExpiredContent(w http.ResponseWriter, r *http.Request) {
	removed, err := s.engine.Content.DeleteExpired(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, removed)
}
