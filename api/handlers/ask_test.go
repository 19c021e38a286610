package handlers_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/api/handlers"
	"github.com/siftdata/sift/engine/pkg/correction"
	"github.com/siftdata/sift/engine/pkg/pipeline"
)

func postJSON(t *testing.T, path string, body any) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestAskReturnsResult(t *testing.T) {
	srv, rig := newServer(t, nil)

	rr := httptest.NewRecorder()
	srv.Ask(rr, postJSON(t, "/api/ask", handlers.AskRequest{Question: "orders by country"}))

	require.Equal(t, http.StatusOK, rr.Code)

	var res pipeline.Result
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	require.Equal(t, rig.pipeline.res.SQL, res.SQL)
	require.Equal(t, 2, res.Result.RowCount)
	require.Equal(t, int64(42), res.LatencyMS)

	require.Equal(t, []string{"orders by country"}, rig.pipeline.questions)
	require.Same(t, rig.conn, rig.pipeline.conns[0])
}

func TestAskAuditsOutcome(t *testing.T) {
	srv, rig := newServer(t, nil)

	rr := httptest.NewRecorder()
	srv.Ask(rr, postJSON(t, "/api/ask", handlers.AskRequest{Question: "orders by country"}))

	require.Len(t, rig.ledger.asks, 1)
	rec := rig.ledger.asks[0]
	require.Equal(t, rig.conn.Fingerprint(), rec.Fingerprint)
	require.Equal(t, "orders by country", rec.Question)
	require.Equal(t, "ok", rec.Outcome)
	require.Equal(t, rig.pipeline.res.SQL, rec.SQL)
	require.Equal(t, 2, rec.RowCount)
	require.Equal(t, int64(42), rec.ElapsedMS)
}

func TestAskMapsTerminalFailures(t *testing.T) {
	tests := []struct {
		kind   pipeline.Kind
		status int
	}{
		{pipeline.KindAttemptsExhausted, http.StatusUnprocessableEntity},
		{pipeline.KindExecutionTimeout, http.StatusGatewayTimeout},
		{pipeline.KindExecutionPermissionDenied, http.StatusForbidden},
		{pipeline.KindExecutionConnectionLost, http.StatusBadGateway},
		{pipeline.KindSchemaIntrospectionFailed, http.StatusBadGateway},
		{pipeline.KindLLMTransportFailed, http.StatusBadGateway},
		{pipeline.KindCancelled, handlers.StatusClientClosedRequest},
		{pipeline.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			srv, rig := newServer(t, func(cfg *handlers.Config, rig *serverRig) {
				rig.pipeline.err = &pipeline.Error{
					Kind:     tt.kind,
					Friendly: "something user-facing",
					Attempts: []correction.Attempt{{Number: 1}, {Number: 2}},
				}
			})

			rr := httptest.NewRecorder()
			srv.Ask(rr, postJSON(t, "/api/ask", handlers.AskRequest{Question: "q"}))

			require.Equal(t, tt.status, rr.Code)

			var body handlers.ErrorResponse
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			require.Equal(t, "something user-facing", body.Error)
			require.Equal(t, string(tt.kind), body.Kind)
			require.Len(t, body.Attempts, 2)

			require.Len(t, rig.ledger.asks, 1)
			require.Equal(t, string(tt.kind), rig.ledger.asks[0].Outcome)
			require.Equal(t, 2, rig.ledger.asks[0].Attempts)
		})
	}
}

func TestAskHidesUnclassifiedErrors(t *testing.T) {
	srv, _ := newServer(t, func(cfg *handlers.Config, rig *serverRig) {
		rig.pipeline.err = errors.New("pgx: connect to postgres://u:pass@db:5432 failed")
	})

	rr := httptest.NewRecorder()
	srv.Ask(rr, postJSON(t, "/api/ask", handlers.AskRequest{Question: "q"}))

	require.Equal(t, http.StatusInternalServerError, rr.Code)
	require.NotContains(t, rr.Body.String(), "pass")
	require.Contains(t, rr.Body.String(), "ask failed")
}

func TestAskRejectsBadRequests(t *testing.T) {
	srv, rig := newServer(t, nil)

	rr := httptest.NewRecorder()
	srv.Ask(rr, postJSON(t, "/api/ask", handlers.AskRequest{Question: "   "}))
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/ask", bytes.NewReader([]byte("{not json")))
	srv.Ask(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	require.Empty(t, rig.pipeline.questions)
	require.Empty(t, rig.ledger.asks)
}

func TestAskWithoutAnyConnection(t *testing.T) {
	srv, _ := newServer(t, func(cfg *handlers.Config, rig *serverRig) {
		cfg.Default = nil
	})

	rr := httptest.NewRecorder()
	srv.Ask(rr, postJSON(t, "/api/ask", handlers.AskRequest{Question: "q"}))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Contains(t, rr.Body.String(), "no connection")
}

func TestAskConnectionOverride(t *testing.T) {
	srv, rig := newServer(t, nil)

	rr := httptest.NewRecorder()
	srv.Ask(rr, postJSON(t, "/api/ask", handlers.AskRequest{
		Question: "q",
		Connection: &handlers.ConnectionRequest{
			Dialect:  "postgres",
			Host:     "warehouse.internal",
			Port:     5432,
			Database: "dw",
			User:     "reporting",
			Password: "pw",
		},
	}))
	require.Equal(t, http.StatusOK, rr.Code)

	used := rig.pipeline.conns[0]
	require.NotSame(t, rig.conn, used)
	require.Equal(t, "warehouse.internal", used.Host)
	require.Equal(t, "pw", used.Password)

	// The audit row is scoped to the override's fingerprint.
	require.Equal(t, used.Fingerprint(), rig.ledger.asks[0].Fingerprint)
}

func TestAskInvalidConnectionOverride(t *testing.T) {
	srv, _ := newServer(t, nil)

	rr := httptest.NewRecorder()
	srv.Ask(rr, postJSON(t, "/api/ask", handlers.AskRequest{
		Question:   "q",
		Connection: &handlers.ConnectionRequest{Dialect: "mongodb", Host: "h", Database: "d"},
	}))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAskAuditFailureDoesNotAffectResponse(t *testing.T) {
	srv, _ := newServer(t, func(cfg *handlers.Config, rig *serverRig) {
		rig.ledger.askErr = errors.New("connection refused")
	})

	rr := httptest.NewRecorder()
	srv.Ask(rr, postJSON(t, "/api/ask", handlers.AskRequest{Question: "q"}))
	require.Equal(t, http.StatusOK, rr.Code)
}
