package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andrej220/rdeploy/pkg/report"
	"github.com/andrej220/rdeploy/pkg/reportstore"
	dm "github.com/andrej220/rdeploy/pkg/shared-models"
)

type fakePublisher struct {
	mu   sync.Mutex
	keys [][]byte
	reqs []dm.RunRequest
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, key []byte, v dm.RunRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, key)
	p.reqs = append(p.reqs, v)
	return nil
}

type fakeReports struct {
	byID   map[uuid.UUID]report.Report
	byPlan map[string][]report.Report
	limit  int64
}

func (f *fakeReports) Get(_ context.Context, id uuid.UUID) (*report.Report, error) {
	rep, ok := f.byID[id]
	if !ok {
		return nil, reportstore.ErrNotFound
	}
	return &rep, nil
}

func (f *fakeReports) ListByPlan(_ context.Context, plan string, limit int64) ([]report.Report, error) {
	f.limit = limit
	return f.byPlan[plan], nil
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/runs", strings.NewReader(body)))
	return rec
}

func TestTriggerQueuesRequest(t *testing.T) {
	pub := &fakePublisher{}
	mux := newMux("/runs", pub, nil)

	rec := post(t, mux, `{"plan_id":"shop","host":"10.0.0.5"}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var accepted dm.RunAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.NotEqual(t, uuid.Nil, accepted.RunID)

	require.Len(t, pub.reqs, 1)
	got := pub.reqs[0]
	assert.Equal(t, accepted.RunID, got.RunID)
	assert.Equal(t, "shop", got.PlanID)
	assert.Equal(t, "10.0.0.5", got.Host)
	assert.WithinDuration(t, time.Now(), got.RequestedAt, time.Minute)
	assert.Equal(t, accepted.RunID[:], pub.keys[0])
}

func TestTriggerKeepsClientRunID(t *testing.T) {
	pub := &fakePublisher{}
	id := uuid.New()
	rec := post(t, newMux("/runs", pub, nil), `{"run_id":"`+id.String()+`","plan_id":"shop"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.reqs, 1)
	assert.Equal(t, id, pub.reqs[0].RunID)
}

func TestTriggerRejects(t *testing.T) {
	tests := []struct {
		name string
		body string
		want int
	}{
		{"blank plan", `{"plan_id":"  "}`, http.StatusBadRequest},
		{"missing plan", `{}`, http.StatusBadRequest},
		{"bad host", `{"plan_id":"shop","host":"not a host"}`, http.StatusBadRequest},
		{"bad port", `{"plan_id":"shop","port":70000}`, http.StatusBadRequest},
		{"unknown field", `{"plan_id":"shop","password":"x"}`, http.StatusBadRequest},
		{"not json", `plan=shop`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &fakePublisher{}
			rec := post(t, newMux("/runs", pub, nil), tt.body)
			assert.Equal(t, tt.want, rec.Code)
			assert.Empty(t, pub.reqs)
		})
	}
}

func TestTriggerPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	rec := post(t, newMux("", pub, nil), `{"plan_id":"shop"}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTriggerWithoutReports(t *testing.T) {
	rec := httptest.NewRecorder()
	newMux("/runs", &fakePublisher{}, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs?plan=shop", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestReportEndpoints(t *testing.T) {
	id := uuid.New()
	rep := report.Report{RunID: id, Plan: "shop", Status: report.StatusPartial, Results: []report.StepResult{}}
	reports := &fakeReports{
		byID:   map[uuid.UUID]report.Report{id: rep},
		byPlan: map[string][]report.Report{"shop": {rep}},
	}
	mux := newMux("/runs", &fakePublisher{}, reports)

	get := func(target string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		return rec
	}

	rec := get("/runs/" + id.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var got report.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, id, got.RunID)
	assert.Equal(t, report.StatusPartial, got.Status)

	assert.Equal(t, http.StatusNotFound, get("/runs/"+uuid.NewString()).Code)
	assert.Equal(t, http.StatusBadRequest, get("/runs/not-a-uuid").Code)

	rec = get("/runs?plan=shop&limit=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []report.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)
	assert.Equal(t, int64(5), reports.limit)

	rec = get("/runs?plan=other")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
	assert.Equal(t, int64(defaultListLimit), reports.limit)

	assert.Equal(t, http.StatusBadRequest, get("/runs").Code)
	assert.Equal(t, http.StatusBadRequest, get("/runs?plan=shop&limit=-1").Code)
}
