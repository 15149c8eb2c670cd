package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"rampledger/services/rampindex/models"
)

const testSecret = "test-export-secret"

type recordingExporter struct {
	runs int
}

func (r *recordingExporter) Run() (string, error) {
	r.runs++
	return "/tmp/exports/manifest.json", nil
}

func newTestServer(t *testing.T) (*httptest.Server, *gorm.DB, *recordingExporter) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	exporter := &recordingExporter{}
	srv := httptest.NewServer(New(Config{
		DB:        db,
		Exporter:  exporter,
		JWTSecret: testSecret,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv, db, exporter
}

func seedDeposit(t *testing.T, db *gorm.DB, id uint64, depositor, status string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Deposit{
		ID:        uuid.New(),
		DepositID: id,
		Depositor: depositor,
		Supplied:  "1000",
		Remaining: "1000",
		Rate:      "1000000000000000000",
		Withdrawn: "0",
		Status:    status,
		OpenedAt:  time.Unix(100, 0).UTC(),
	}).Error)
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestListDepositsFilters(t *testing.T) {
	srv, db, _ := newTestServer(t)
	seedDeposit(t, db, 1, "aa01", models.DepositStatusOpen)
	seedDeposit(t, db, 2, "aa01", models.DepositStatusClosed)
	seedDeposit(t, db, 3, "bb02", models.DepositStatusOpen)

	var deposits []models.Deposit
	status := getJSON(t, srv.URL+"/v1/deposits?depositor=aa01", &deposits)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, deposits, 2)

	deposits = nil
	status = getJSON(t, srv.URL+"/v1/deposits?status=open", &deposits)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, deposits, 2)
}

func TestGetDepositNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/deposits/99", nil))
	require.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/v1/deposits/notanumber", nil))
}

func TestGetIntentByKey(t *testing.T) {
	srv, db, _ := newTestServer(t)
	require.NoError(t, db.Create(&models.Intent{
		ID:            uuid.New(),
		IntentKey:     "deadbeef",
		DepositID:     1,
		Buyer:         "bb02",
		BuyerIdentity: "id02",
		PayoutTo:      "cc03",
		Amount:        "400",
		Status:        models.IntentStatusOpen,
		SignaledAt:    time.Unix(120, 0).UTC(),
	}).Error)

	var intent models.Intent
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/intents/deadbeef", &intent))
	require.Equal(t, "400", intent.Amount)
	require.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/v1/intents/ffff", nil))
}

func TestEventsPagination(t *testing.T) {
	srv, db, _ := newTestServer(t)
	for seq := uint64(1); seq <= 5; seq++ {
		require.NoError(t, db.Create(&models.LedgerEvent{
			ID:        uuid.New(),
			Sequence:  seq,
			Type:      "ramp.deposit.created",
			EmittedAt: time.Unix(int64(seq), 0).UTC(),
		}).Error)
	}

	var events []models.LedgerEvent
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/v1/events?after=2&limit=2", &events))
	require.Len(t, events, 2)
	require.EqualValues(t, 3, events[0].Sequence)
	require.EqualValues(t, 4, events[1].Sequence)
}

func signToken(t *testing.T, secret, scope string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"scope": scope,
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestExportRequiresScope(t *testing.T) {
	srv, _, exporter := newTestServer(t)
	client := srv.Client()

	post := func(token string) int {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/v1/exports", nil)
		require.NoError(t, err)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		resp, err := client.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusUnauthorized, post(""))
	require.Equal(t, http.StatusForbidden, post(signToken(t, testSecret, "reports:read")))
	require.Equal(t, http.StatusUnauthorized, post(signToken(t, "wrong-secret", ScopeExportsRun)))
	require.Equal(t, http.StatusAccepted, post(signToken(t, testSecret, ScopeExportsRun)))
	require.Equal(t, 1, exporter.runs)
}

func TestHealthz(t *testing.T) {
	srv, _, _ := newTestServer(t)
	require.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/healthz", nil))
}
