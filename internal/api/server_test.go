package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"lead-validator/internal/config"
	"lead-validator/internal/models"
	"lead-validator/internal/store"
)

type fakeStore struct {
	members map[int64]models.Member
	jobs    map[int64]models.Job
	nextID  int64

	lastMember store.UpsertMemberParams
	lastJob    store.CreateJobParams
	notified   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{members: map[int64]models.Member{}, jobs: map[int64]models.Job{}}
}

func (f *fakeStore) UpsertMember(_ context.Context, p store.UpsertMemberParams) (models.Member, error) {
	f.lastMember = p
	f.nextID++
	m := models.Member{
		ID:                 f.nextID,
		Email:              p.Email,
		DisplayName:        p.DisplayName,
		ContactChannel:     p.ContactChannel,
		ExpectedIdentifier: p.ExpectedIdentifier,
		ValidationStatus:   models.ValidationPending,
	}
	f.members[m.ID] = m
	return m, nil
}

func (f *fakeStore) CreateJob(_ context.Context, p store.CreateJobParams) (models.Job, error) {
	f.lastJob = p
	f.nextID++
	j := models.Job{
		ID:             f.nextID,
		MemberID:       p.MemberID,
		ContactChannel: p.ContactChannel,
		DisplayName:    p.DisplayName,
		Source:         p.Source,
		Status:         models.StatusPending,
	}
	f.jobs[j.ID] = j
	return j, nil
}

func (f *fakeStore) GetJob(_ context.Context, id int64) (models.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return models.Job{}, fmt.Errorf("job %d not found", id)
}

func (f *fakeStore) GetMember(_ context.Context, id int64) (models.Member, error) {
	if m, ok := f.members[id]; ok {
		return m, nil
	}
	return models.Member{}, fmt.Errorf("member %d not found", id)
}

func (f *fakeStore) NotifyUnderReview(context.Context, models.Member) error {
	f.notified++
	return nil
}

func testServer(st *fakeStore) *Server {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	cfg := config.Config{ValidationSource: "sbcp"}
	return New(cfg, st, st, logger)
}

func TestHandleLeadNestedPayload(t *testing.T) {
	st := newFakeStore()
	srv := httptest.NewServer(testServer(st).Router())
	defer srv.Close()

	body := `{"payload":{"data":{
		"Email": "Ana@Example.com",
		"nome": "Ana Silva",
		"whatsapp": "+55 (31) 98689-2292",
		"rqe": "32019-BA"
	}}}`
	resp, err := http.Post(srv.URL+"/webhooks/leads", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	if st.lastMember.Email != "ana@example.com" {
		t.Fatalf("email = %q", st.lastMember.Email)
	}
	if st.lastMember.ContactChannel != "5531986892292" {
		t.Fatalf("phone = %q, want digits only", st.lastMember.ContactChannel)
	}
	if st.lastMember.ExpectedIdentifier != "32019-BA" {
		t.Fatalf("document = %q", st.lastMember.ExpectedIdentifier)
	}
	if st.lastJob.Source != "sbcp" || st.lastJob.ContactChannel != "5531986892292" {
		t.Fatalf("job params = %+v", st.lastJob)
	}
	if st.notified != 1 {
		t.Fatalf("under-review notifications = %d, want 1", st.notified)
	}

	var out leadResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out.MemberID == 0 || out.JobID == 0 {
		t.Fatalf("response = %+v", out)
	}
}

func TestHandleLeadFlatPayloadAndDocumentPreference(t *testing.T) {
	st := newFakeStore()
	srv := httptest.NewServer(testServer(st).Router())
	defer srv.Close()

	// doc is preferred over rqe/crm when several identifier fields arrive.
	body := `{"email":"b@example.com","name":"Bruno","phone":"31999990000","doc":"98675-MG","crm":"11111"}`
	resp, err := http.Post(srv.URL+"/webhooks/leads", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if st.lastMember.ExpectedIdentifier != "98675-MG" {
		t.Fatalf("document = %q, want doc field preferred", st.lastMember.ExpectedIdentifier)
	}
}

func TestHandleLeadRejectsEmptyContact(t *testing.T) {
	st := newFakeStore()
	srv := httptest.NewServer(testServer(st).Router())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/webhooks/leads", "application/json", strings.NewReader(`{"name":"Ghost"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestGetJobAndMember(t *testing.T) {
	st := newFakeStore()
	member, _ := st.UpsertMember(context.Background(), store.UpsertMemberParams{Email: "c@example.com"})
	job, _ := st.CreateJob(context.Background(), store.CreateJobParams{MemberID: member.ID, Source: "sbcp"})

	srv := httptest.NewServer(testServer(st).Router())
	defer srv.Close()

	resp, err := http.Get(fmt.Sprintf("%s/jobs/%d", srv.URL, job.ID))
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("job status code = %d", resp.StatusCode)
	}
	var gotJob models.Job
	if err := json.NewDecoder(resp.Body).Decode(&gotJob); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if gotJob.ID != job.ID || gotJob.Status != models.StatusPending {
		t.Fatalf("job = %+v", gotJob)
	}

	resp2, err := http.Get(srv.URL + "/jobs/999")
	if err != nil {
		t.Fatalf("get missing job: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status code = %d", resp2.StatusCode)
	}

	resp3, err := http.Get(fmt.Sprintf("%s/members/%d", srv.URL, member.ID))
	if err != nil {
		t.Fatalf("get member: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("member status code = %d", resp3.StatusCode)
	}
}
