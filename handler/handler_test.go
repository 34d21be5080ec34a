package handler

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"dvr-uploader/config"
	"dvr-uploader/constant"
	"dvr-uploader/pkg/ledger"
	"dvr-uploader/service"
)

func testRouter(t *testing.T, led *ledger.Ledger) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := &config.Config{}
	pipe := service.NewPipeline(cfg, led, nil, nil, nil, nil, nil)
	r := gin.New()
	r.GET("/deadletters", DeadLetters(led))
	r.POST("/deadletters/replay", Replay(pipe))
	return r
}

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.json"))
	require.NoError(t, err)
	return led
}

func TestDeadLettersEmpty(t *testing.T) {
	r := testRouter(t, openLedger(t))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/deadletters", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"dead_letters": []}`, w.Body.String())
}

func TestDeadLettersListsFailures(t *testing.T) {
	led := openLedger(t)
	require.NoError(t, led.Put(ledger.Entry{
		LocalPath: "/recordings/live/mystream/rec1.flv",
		State:     constant.StateDeadLetter,
		Phase:     constant.PhaseUpload,
		LastError: "bucket does not exist",
	}))
	r := testRouter(t, led)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/deadletters", nil))

	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "/recordings/live/mystream/rec1.flv")
	require.Contains(t, w.Body.String(), "bucket does not exist")
}

func TestReplayRequiresLocalPath(t *testing.T) {
	r := testRouter(t, openLedger(t))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/deadletters/replay", strings.NewReader(`{}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReplayUnknownPathConflicts(t *testing.T) {
	r := testRouter(t, openLedger(t))

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/deadletters/replay",
		strings.NewReader(`{"local_path": "/recordings/live/mystream/nope.flv"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusConflict, w.Code)
}
