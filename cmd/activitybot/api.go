package main

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/go-playground/validator/v10/non-standard/validators"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gitlab.com/meutraa/activitybot/pkg/bots"
	"gitlab.com/meutraa/activitybot/pkg/clips"
	"gitlab.com/meutraa/activitybot/pkg/data"
	"gitlab.com/meutraa/activitybot/pkg/ledger"
	"gitlab.com/meutraa/activitybot/pkg/metrics"
	"go.uber.org/zap"
)

const (
	adminHeader   = "X-Admin-Key"
	adminQuery    = "admin_key"
	webReviewer   = "web-admin"
	maxBodyBytes  = 1 << 20
	leaderboardN  = 50
	adminUsersN   = 100
	listLimit     = 1000
	clipPageSize  = 20
	clipPageLimit = 100
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("notblank", validators.NotBlank)
	return v
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware(s.metrics, routePattern))

	origins := s.env.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", adminHeader},
		AllowCredentials: false,
		MaxAge:           3600,
	}))

	if nil != s.registry {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Get("/top10", s.topUsers(10))
	r.Get("/obs", s.overlay(10, "4vw"))
	r.Get("/obs-mini", s.overlay(3, "7.5vw"))
	r.Route("/api", func(r chi.Router) {
		r.Get("/leaderboard", s.topUsers(leaderboardN))
		r.Get("/winners", s.listWinners())
		r.Get("/clips/public", s.publicClips())
		r.Get("/users/{username}/stats", s.userStats())

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)

			r.Get("/clips/pending", s.pendingClips())
			r.Post("/clips/{id}/approve", s.approveClip())
			r.Post("/clips/{id}/reject", s.rejectClip())

			r.Route("/admin", func(r chi.Router) {
				r.Get("/bots", s.listBots())
				r.Post("/bots", s.addBot())
				r.Post("/bots/cleanup", s.cleanupBots())
				r.Delete("/bots/{username}", s.removeBot())
				r.Get("/users", s.listUsers())
				r.Post("/give-points", s.givePoints())
				r.Post("/end-month", s.endMonth())
				r.Get("/settings/double-points", s.getDoublePoints())
				r.Put("/settings/double-points", s.putDoublePoints())
			})
		})
	})
	return r
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); nil != rctx {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(adminHeader)
		if key == "" {
			key = r.URL.Query().Get(adminQuery)
		}
		if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.env.AdminKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "admin key required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	res, err := json.Marshal(v)
	if nil != err {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(res)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Error("request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.Error(err),
	)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// decode reads a json body into v and validates it.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); nil != err {
		return errors.Wrap(err, "invalid request body")
	}
	if err := validate.Struct(v); nil != err {
		return errors.New(validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	messages := make([]string, 0, len(errs))
	for _, fe := range errs {
		switch fe.Tag() {
		case "required", "notblank":
			messages = append(messages, fe.Field()+" is required")
		case "gt", "gte", "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", fe.Field(), minimum(fe)))
		default:
			messages = append(messages, fe.Field()+" is invalid")
		}
	}
	return strings.Join(messages, "; ")
}

func minimum(fe validator.FieldError) string {
	if fe.Tag() != "gt" {
		return fe.Param()
	}
	n, err := strconv.Atoi(fe.Param())
	if nil != err {
		return "more than " + fe.Param()
	}
	return strconv.Itoa(n + 1)
}

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	return id, nil == err && id > 0
}

func queryInt(r *http.Request, key string, fallback, lo, hi int) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if nil != err {
		return fallback
	}
	return max(lo, min(n, hi))
}

type rankingResponse struct {
	GeneratedAt int64       `json:"generated_at"`
	Top         interface{} `json:"top"`
}

func (s *Server) topUsers(n int) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		top, err := s.board.Top(r.Context(), n)
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rankingResponse{GeneratedAt: time.Now().UnixMilli(), Top: top})
	})
}

func (s *Server) listWinners() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		winners, err := s.board.Winners(r.Context(), listLimit)
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, winners)
	})
}

func (s *Server) publicClips() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit := queryInt(r, "limit", clipPageSize, 1, clipPageLimit)
		offset := queryInt(r, "offset", 0, 0, 1<<30)

		list, total, err := s.clips.Public(r.Context(), r.URL.Query().Get("search"), limit, offset)
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"clips":  list,
			"total":  total,
			"limit":  limit,
			"offset": offset,
		})
	})
}

func (s *Server) userStats() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.board.Stats(r.Context(), strings.ToLower(chi.URLParam(r, "username")))
		if errors.Is(err, data.ErrNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	})
}

func (s *Server) pendingClips() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pending, err := s.clips.Pending(r.Context(), listLimit)
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pending)
	})
}

type approveRequest struct {
	Points int64  `json:"points" validate:"gte=0"`
	Note   string `json:"note"`
}

func (s *Server) approveClip() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid clip id")
			return
		}
		var req approveRequest
		if err := decode(w, r, &req); nil != err {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		approval, err := s.clips.Approve(r.Context(), id, webReviewer, req.Points, req.Note)
		switch {
		case errors.Is(err, clips.ErrNotFoundOrProcessed):
			writeError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, clips.ErrInvalidPoints):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, clips.ErrAwardFailed):
			s.logger.Warn("clip approval rolled back", zap.Int64("id", id), zap.Error(err))
			writeError(w, http.StatusConflict, clips.ErrAwardFailed.Error())
			return
		case nil != err:
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":               true,
			"clip":             approval.Clip,
			"new_points_total": approval.Total,
		})
	})
}

type rejectRequest struct {
	Note string `json:"note" validate:"required,notblank"`
}

func (s *Server) rejectClip() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid clip id")
			return
		}
		var req rejectRequest
		if err := decode(w, r, &req); nil != err {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		clip, err := s.clips.Reject(r.Context(), id, webReviewer, strings.TrimSpace(req.Note))
		if errors.Is(err, clips.ErrNotFoundOrProcessed) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "clip": clip})
	})
}

func (s *Server) listBots() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		list, err := s.bots.List(r.Context(), listLimit)
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, list)
	})
}

type botRequest struct {
	Username string `json:"username" validate:"required,notblank"`
	Reason   string `json:"reason"`
}

func (s *Server) addBot() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req botRequest
		if err := decode(w, r, &req); nil != err {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if req.Reason == "" {
			req.Reason = "Bot detected"
		}

		entry, err := s.bots.Add(r.Context(), req.Username, req.Reason, "admin")
		if errors.Is(err, bots.ErrEmptyUsername) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "bot": entry})
	})
}

func (s *Server) removeBot() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		removed, err := s.bots.Remove(r.Context(), chi.URLParam(r, "username"))
		if errors.Is(err, bots.ErrEmptyUsername) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "removed": removed})
	})
}

func (s *Server) cleanupBots() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, err := s.bots.Cleanup(r.Context())
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "removed": n})
	})
}

func (s *Server) listUsers() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		users, err := s.board.Users(r.Context(), adminUsersN)
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, users)
	})
}

type givePointsRequest struct {
	Username string `json:"username" validate:"required,notblank"`
	Points   int64  `json:"points" validate:"gt=0"`
}

func (s *Server) givePoints() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req givePointsRequest
		if err := decode(w, r, &req); nil != err {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		total, err := s.ledger.Award(r.Context(), req.Username, req.Points, ledger.ReasonAdmin)
		switch {
		case errors.Is(err, ledger.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "user not found")
			return
		case errors.Is(err, ledger.ErrInvalidAmount):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case nil != err:
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":           true,
			"username":     strings.ToLower(req.Username),
			"points_added": req.Points,
			"new_total":    total,
		})
	})
}

type winnerRequest struct {
	Username    string `json:"username" validate:"required,notblank"`
	DisplayName string `json:"display_name"`
	Points      int64  `json:"points" validate:"gte=0"`
}

type endMonthRequest struct {
	Winners []winnerRequest `json:"winners" validate:"required,min=1,dive"`
}

func (s *Server) endMonth() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req endMonthRequest
		if err := decode(w, r, &req); nil != err {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		winners := make([]data.Winner, len(req.Winners))
		for i, wr := range req.Winners {
			winners[i] = data.Winner{
				Username:    strings.ToLower(wr.Username),
				DisplayName: wr.DisplayName,
				Points:      wr.Points,
			}
		}
		month, err := s.board.EndMonth(r.Context(), winners)
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"ok":      true,
			"month":   month,
			"winners": len(winners),
		})
	})
}

type doublePointsRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

func (s *Server) getDoublePoints() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enabled, err := s.ledger.DoublePoints(r.Context())
		if nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
	})
}

func (s *Server) putDoublePoints() http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req doublePointsRequest
		if err := decode(w, r, &req); nil != err {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := s.ledger.SetDoublePoints(r.Context(), *req.Enabled); nil != err {
			s.internalError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"enabled": *req.Enabled})
	})
}
