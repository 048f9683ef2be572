package api

import (
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/developingchet/geogate/internal/links"
	"github.com/developingchet/geogate/internal/storage"
	"github.com/developingchet/geogate/internal/verify"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error   string             `json:"error"`
	Message string             `json:"message"`
	Fields  []links.FieldError `json:"fields,omitempty"`
}

type verifyInput struct {
	Token string   `json:"token"`
	Lat   *float64 `json:"lat"`
	Lng   *float64 `json:"lng"`
}

type verifyResponse struct {
	Status         string   `json:"status"`
	Reason         string   `json:"reason,omitempty"`
	FenceID        string   `json:"fence_id,omitempty"`
	RedirectURL    string   `json:"redirect_url,omitempty"`
	DistanceMeters *float64 `json:"distance_meters,omitempty"`
	Message        string   `json:"message"`
}

type linkResponse struct {
	Fence *links.Fence `json:"fence,omitempty"`
	ID    string       `json:"id,omitempty"`
	Token string       `json:"token"`
	Link  string       `json:"link"`
}

type accessEventResponse struct {
	At             time.Time `json:"at"`
	Success        bool      `json:"success"`
	Reason         string    `json:"reason,omitempty"`
	ClientIP       string    `json:"client_ip"`
	Lat            float64   `json:"lat"`
	Lng            float64   `json:"lng"`
	DistanceMeters float64   `json:"distance_meters"`
}

type analyticsResponse struct {
	FenceID       string                `json:"fence_id"`
	TotalAttempts int64                 `json:"total_attempts"`
	SuccessCount  int64                 `json:"success_count"`
	FailureCount  int64                 `json:"failure_count"`
	FirstAccessAt *time.Time            `json:"first_access_at,omitempty"`
	LastAccessAt  *time.Time            `json:"last_access_at,omitempty"`
	Log           []accessEventResponse `json:"log"`
}

// handleVerify serves POST /v1/verify and POST /v/{token}. Input problems are
// never rejected here; they flow into the pipeline so denials keep its order.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	in := readVerifyInput(r)
	if tok := chi.URLParam(r, "token"); tok != "" {
		in.Token = tok
	}

	// A store failure is logged by the verifier and surfaces as reason unavailable.
	d, _ := s.verifier.Verify(r.Context(), verify.Request{
		Token:         in.Token,
		ClaimedLat:    in.Lat,
		ClaimedLng:    in.Lng,
		ClientAddress: s.resolver.FromRequest(r),
	})

	if d.Reason == verify.ReasonRateLimited {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(s.cfg.RateLimitWindow)))
	}
	writeJSON(w, statusFor(d), toVerifyResponse(d))
}

func readVerifyInput(r *http.Request) verifyInput {
	var in verifyInput
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			in = verifyInput{}
		}
	} else if err := r.ParseForm(); err == nil {
		in.Token = r.PostForm.Get("token")
		in.Lat = parseCoordinate(r.PostForm.Get("lat"))
		in.Lng = parseCoordinate(r.PostForm.Get("lng"))
	}
	if in.Token == "" {
		in.Token = r.URL.Query().Get("token")
	}
	return in
}

// parseCoordinate returns nil for an absent or unparseable value.
func parseCoordinate(raw string) *float64 {
	if raw == "" {
		return nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil
	}
	return &f
}

func statusFor(d verify.Decision) int {
	if d.Granted() {
		return http.StatusOK
	}
	switch d.Reason {
	case verify.ReasonInvalidToken:
		return http.StatusUnauthorized
	case verify.ReasonExpired:
		return http.StatusGone
	case verify.ReasonMalformedRequest:
		return http.StatusBadRequest
	case verify.ReasonRateLimited:
		return http.StatusTooManyRequests
	case verify.ReasonOutOfRange:
		return http.StatusForbidden
	default:
		return http.StatusServiceUnavailable
	}
}

var reasonMessages = map[verify.Reason]string{
	verify.ReasonInvalidToken:     "link is invalid",
	verify.ReasonExpired:          "link has expired",
	verify.ReasonMalformedRequest: "location is missing or invalid",
	verify.ReasonRateLimited:      "too many attempts, try again later",
	verify.ReasonOutOfRange:       "you are outside the allowed area",
	verify.ReasonUnavailable:      "verification is temporarily unavailable",
}

func toVerifyResponse(d verify.Decision) verifyResponse {
	resp := verifyResponse{
		Status:      string(d.Outcome),
		Reason:      string(d.Reason),
		FenceID:     d.FenceID,
		RedirectURL: d.RedirectURL,
		Message:     "access granted",
	}
	if !d.Granted() {
		resp.Message = reasonMessages[d.Reason]
	}
	if d.HasDistance {
		dist := d.DistanceMeters
		resp.DistanceMeters = &dist
	}
	return resp
}

func retryAfterSeconds(window time.Duration) int {
	secs := int(math.Ceil(window.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// --- Admin ------------------------------------------------------------------

func (s *Server) handleCreateFence(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req links.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "request body must be a JSON fence")
		return
	}

	issued, err := s.links.Create(r.Context(), req)
	if err != nil {
		var verr *links.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusBadRequest, errorResponse{
				Error:   "validation_failed",
				Message: "fence is invalid",
				Fields:  verr.Fields,
			})
			return
		}
		s.internalError(w, r, "create fence", err)
		return
	}

	s.log.Info().Str("fence_id", issued.Fence.ID).Int("radius", issued.Fence.RadiusMeters).
		Time("expires_at", issued.Fence.ExpiresAt).Msg("fence created")
	writeJSON(w, http.StatusCreated, linkResponse{
		Fence: &issued.Fence,
		Token: issued.Token,
		Link:  links.LinkURL(s.cfg.BaseURL, issued.Token),
	})
}

func (s *Server) handleListFences(w http.ResponseWriter, r *http.Request) {
	fences, err := s.links.List(r.Context())
	if err != nil {
		s.internalError(w, r, "list fences", err)
		return
	}
	if fences == nil {
		fences = []links.Fence{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"fences": fences})
}

func (s *Server) handleFenceLink(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tok, err := s.links.Token(r.Context(), id)
	if errors.Is(err, links.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "fence not found")
		return
	}
	if err != nil {
		s.internalError(w, r, "derive token", err)
		return
	}
	writeJSON(w, http.StatusOK, linkResponse{
		ID:    id,
		Token: tok,
		Link:  links.LinkURL(s.cfg.BaseURL, tok),
	})
}

// handleFenceAnalytics answers for any id: deleted fences keep their
// analytics and unknown ids report zero counts.
func (s *Server) handleFenceAnalytics(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	a, err := s.tracker.Analytics(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "read analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, toAnalyticsResponse(id, a))
}

func (s *Server) handleDeleteFence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.links.Delete(r.Context(), id)
	if err != nil {
		s.internalError(w, r, "delete fence", err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "fence not found")
		return
	}
	s.log.Info().Str("fence_id", id).Msg("fence deleted")
	w.WriteHeader(http.StatusNoContent)
}

func toAnalyticsResponse(id string, a *storage.AccessAnalytics) analyticsResponse {
	resp := analyticsResponse{FenceID: id, Log: []accessEventResponse{}}
	if a == nil {
		return resp
	}
	resp.TotalAttempts = a.TotalAttempts
	resp.SuccessCount = a.SuccessCount
	resp.FailureCount = a.FailureCount
	if !a.FirstAccessAt.IsZero() {
		first := a.FirstAccessAt
		resp.FirstAccessAt = &first
	}
	if !a.LastAccessAt.IsZero() {
		last := a.LastAccessAt
		resp.LastAccessAt = &last
	}
	for _, e := range a.Log {
		resp.Log = append(resp.Log, accessEventResponse{
			At:             e.At,
			Success:        e.Success,
			Reason:         e.Reason,
			ClientIP:       e.ClientIP,
			Lat:            e.Lat,
			Lng:            e.Lng,
			DistanceMeters: e.DistanceMeters,
		})
	}
	return resp
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error().Err(err).Str("op", op).Str("route", r.URL.Path).Msg("admin request failed")
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Error: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
