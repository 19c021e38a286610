package handlers_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/siftdata/sift/api/handlers"
	"github.com/siftdata/sift/engine/pkg/pipeline"
	"github.com/siftdata/sift/store"
)

func TestTrainReturnsSummary(t *testing.T) {
	srv, rig := newServer(t, func(cfg *handlers.Config, rig *serverRig) {
		rig.ledger.runs = []store.TrainingRun{{
			Fingerprint: "abc",
			Full:        true,
			Tables:      1,
			Items:       12,
			ElapsedMS:   350,
			CreatedAt:   time.Now().UTC(),
		}}
	})

	rr := httptest.NewRecorder()
	srv.Train(rr, postJSON(t, "/api/train", handlers.TrainRequest{}))

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, rig.pipeline.trains)

	var resp handlers.TrainResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	require.Equal(t, rig.conn.Fingerprint(), resp.Fingerprint)
	require.Equal(t, rig.pipeline.trained.Hash(), resp.SnapshotHash)
	require.Equal(t, 1, resp.Tables)
	require.NotNil(t, resp.LastRun)
	require.Equal(t, 12, resp.LastRun.Items)
}

func TestTrainAcceptsEmptyBody(t *testing.T) {
	srv, rig := newServer(t, nil)

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/train", bytes.NewReader(nil))
	srv.Train(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 1, rig.pipeline.trains)
}

func TestTrainMapsFailure(t *testing.T) {
	srv, _ := newServer(t, func(cfg *handlers.Config, rig *serverRig) {
		rig.pipeline.trainErr = &pipeline.Error{
			Kind:     pipeline.KindSchemaIntrospectionFailed,
			Friendly: "could not read the schema",
		}
	})

	rr := httptest.NewRecorder()
	srv.Train(rr, postJSON(t, "/api/train", handlers.TrainRequest{}))

	require.Equal(t, http.StatusBadGateway, rr.Code)
	require.Contains(t, rr.Body.String(), "could not read the schema")
}
