package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"lead-validator/internal/config"
	"lead-validator/internal/models"
	"lead-validator/internal/store"
	"lead-validator/internal/telemetry"
)

// Store is the slice of persistence the API needs.
type Store interface {
	UpsertMember(ctx context.Context, p store.UpsertMemberParams) (models.Member, error)
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.Job, error)
	GetJob(ctx context.Context, id int64) (models.Job, error)
	GetMember(ctx context.Context, id int64) (models.Member, error)
}

// ReviewNotifier acknowledges a fresh lead. Best effort.
type ReviewNotifier interface {
	NotifyUnderReview(ctx context.Context, member models.Member) error
}

// Server wires HTTP handlers for lead intake and job inspection.
type Server struct {
	cfg      config.Config
	store    Store
	notifier ReviewNotifier
	log      *logrus.Entry
}

// New constructs the API server. notifier may be nil.
func New(cfg config.Config, st Store, notifier ReviewNotifier, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Server{
		cfg:      cfg,
		store:    st,
		notifier: notifier,
		log:      logger.WithField("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/webhooks/leads", s.handleLead)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Get("/members/{id}", s.handleGetMember)
	return r
}

type leadResponse struct {
	MemberID int64 `json:"member_id"`
	JobID    int64 `json:"job_id"`
}

// handleLead accepts a form-builder webhook, upserts the member, and
// enqueues a PENDING validation job. The payload shape varies between
// form-builder versions, so fields are picked from several nestings and
// key aliases.
func (s *Server) handleLead(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	lead := parseLeadPayload(body)
	if lead.Email == "" && lead.Phone == "" {
		http.Error(w, "payload has no email or phone", http.StatusBadRequest)
		return
	}

	member, err := s.store.UpsertMember(r.Context(), store.UpsertMemberParams{
		Email:              lead.Email,
		DisplayName:        lead.Name,
		ContactChannel:     lead.Phone,
		ExpectedIdentifier: lead.Document,
	})
	if err != nil {
		s.log.WithError(err).Error("member upsert failed")
		http.Error(w, "member upsert failed", http.StatusInternalServerError)
		return
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		MemberID:       member.ID,
		ContactChannel: lead.Phone,
		DisplayName:    lead.Name,
		Source:         s.cfg.ValidationSource,
	})
	if err != nil {
		s.log.WithError(err).Error("job enqueue failed")
		http.Error(w, "job enqueue failed", http.StatusInternalServerError)
		return
	}
	telemetry.IntakeJobs.Inc()

	if s.notifier != nil {
		if err := s.notifier.NotifyUnderReview(r.Context(), member); err != nil {
			s.log.WithError(err).WithField("member_id", member.ID).Warn("under-review notification failed")
		}
	}

	s.log.WithFields(logrus.Fields{"member_id": member.ID, "job_id": job.ID}).Info("lead accepted")
	writeJSON(w, http.StatusAccepted, leadResponse{MemberID: member.ID, JobID: job.ID})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	member, err := s.store.GetMember(r.Context(), id)
	if err != nil {
		http.Error(w, "member not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, member)
}

type leadFields struct {
	Email    string
	Name     string
	Phone    string
	Document string
}

// parseLeadPayload digs the lead fields out of the webhook body. Form
// builders nest the data under payload.data, data, or not at all, and key
// names drift between form versions.
func parseLeadPayload(body map[string]any) leadFields {
	sources := []map[string]any{body}
	if p, ok := body["payload"].(map[string]any); ok {
		sources = append(sources, p)
		if d, ok := p["data"].(map[string]any); ok {
			sources = append(sources, d)
		}
		if f, ok := p["form"].(map[string]any); ok {
			sources = append(sources, f)
		}
	}
	if d, ok := body["data"].(map[string]any); ok {
		sources = append(sources, d)
	}

	return leadFields{
		Email:    strings.ToLower(pick(sources, "email", "Email", "e-mail")),
		Name:     pick(sources, "name", "nome", "Name", "full_name"),
		Phone:    digitsOnly(pick(sources, "phone", "telefone", "tel", "whatsapp", "Phone")),
		Document: pick(sources, "doc", "rqe", "crm", "crefito"),
	}
}

func pick(sources []map[string]any, keys ...string) string {
	for _, key := range keys {
		for _, src := range sources {
			if v, ok := src[key]; ok {
				if s := strings.TrimSpace(toString(v)); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return ""
	}
}

var nonDigits = regexp.MustCompile(`\D`)

func digitsOnly(s string) string {
	return nonDigits.ReplaceAllString(s, "")
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
