package services

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMissionTestApp(svc *MissionService) *fiber.App {
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.Locals("user_id", "user-a")
		c.Locals("user_roles", []string{"member"})
		return c.Next()
	})
	app.Post("/missions/:id/join", svc.JoinMission)
	app.Post("/missions/:id/complete", svc.CompleteMission)
	return app
}

// doComplete posts the multipart proof body the mobile client sends;
// media is optional and omitted here.
func doComplete(t *testing.T, app *fiber.App, missionID string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	require.NoError(t, w.WriteField("location", "Englischer Garten"))
	require.NoError(t, w.WriteField("notes", "done at sunrise"))
	require.NoError(t, w.Close())

	req := httptest.NewRequest("POST", "/missions/"+missionID+"/complete", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp.StatusCode, out
}

func missionRow(id string, bonus int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "title", "point_bonus", "status"}).
		AddRow(id, "Sunrise run", bonus, "active")
}

func TestJoinMissionUnknownMission(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewMissionService(gdb, NewRealtimeHub())
	app := newMissionTestApp(svc)

	mock.ExpectQuery(`SELECT .* FROM "mission_instances"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	req := httptest.NewRequest("POST", "/missions/mx/join", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinMissionCreatesParticipation(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewMissionService(gdb, NewRealtimeHub())
	app := newMissionTestApp(svc)

	mock.ExpectQuery(`SELECT .* FROM "mission_instances"`).
		WillReturnRows(missionRow("m1", 50))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "mission_participations" .* ON CONFLICT .* DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := httptest.NewRequest("POST", "/missions/m1/join", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "joined", body["status"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJoinMissionTwiceReturnsExistingParticipation(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewMissionService(gdb, NewRealtimeHub())
	app := newMissionTestApp(svc)

	mock.ExpectQuery(`SELECT .* FROM "mission_instances"`).
		WillReturnRows(missionRow("m1", 50))
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "mission_participations" .* ON CONFLICT .* DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(`SELECT .* FROM "mission_participations"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "mission_instance_id", "user_id", "status"}).
			AddRow("p1", "m1", "user-a", "joined"))

	req := httptest.NewRequest("POST", "/missions/m1/join", nil)
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, 200, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "p1", body["id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteMissionRequiresJoinFirst(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewMissionService(gdb, NewRealtimeHub())
	app := newMissionTestApp(svc)

	mock.ExpectQuery(`SELECT .* FROM "mission_instances"`).
		WillReturnRows(missionRow("m1", 50))
	mock.ExpectQuery(`SELECT .* FROM "mission_participations"`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	status, body := doComplete(t, app, "m1")
	assert.Equal(t, 400, status)
	assert.Contains(t, body["error"], "join the mission")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteMissionTwiceConflicts(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewMissionService(gdb, NewRealtimeHub())
	app := newMissionTestApp(svc)

	mock.ExpectQuery(`SELECT .* FROM "mission_instances"`).
		WillReturnRows(missionRow("m1", 50))
	mock.ExpectQuery(`SELECT .* FROM "mission_participations"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "mission_instance_id", "user_id", "status"}).
			AddRow("p1", "m1", "user-a", "completed"))

	status, body := doComplete(t, app, "m1")
	assert.Equal(t, 409, status)
	assert.Contains(t, body["error"], "already completed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteMissionAwardsBonusToActiveSessions(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewMissionService(gdb, NewRealtimeHub())
	app := newMissionTestApp(svc)

	mock.ExpectQuery(`SELECT .* FROM "mission_instances"`).
		WillReturnRows(missionRow("m1", 20))
	mock.ExpectQuery(`SELECT .* FROM "mission_participations"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "mission_instance_id", "user_id", "status"}).
			AddRow("p1", "m1", "user-a", "joined"))

	// submission + status flip commit together
	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "mission_submissions"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE "mission_participations" SET `).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	// bonus fan-out to the two active sessions
	mock.ExpectQuery(`SELECT .* FROM "session_members" WHERE user_id = `).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "user_id", "points"}).
			AddRow("m-1", "session-1", "user-a", 10).
			AddRow("m-2", "session-2", "user-a", 3))
	for range [2]struct{}{} {
		mock.ExpectBegin()
		mock.ExpectExec(`UPDATE "session_members" SET "points"=GREATEST\(points \+ `).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()
	}

	status, body := doComplete(t, app, "m1")
	require.Equal(t, 201, status)
	assert.Equal(t, float64(20), body["points_awarded"], "mission bonus overrides the default")
	assert.Equal(t, float64(2), body["sessions_awarded"])

	submission := body["submission"].(map[string]any)
	assert.Equal(t, "Englischer Garten", submission["location"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteMissionLosesRaceToOtherDevice(t *testing.T) {
	gdb, mock := newMockDB(t)
	svc := NewMissionService(gdb, NewRealtimeHub())
	app := newMissionTestApp(svc)

	mock.ExpectQuery(`SELECT .* FROM "mission_instances"`).
		WillReturnRows(missionRow("m1", 50))
	mock.ExpectQuery(`SELECT .* FROM "mission_participations"`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "mission_instance_id", "user_id", "status"}).
			AddRow("p1", "m1", "user-a", "joined"))

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "mission_submissions"`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// another device flipped the row to completed first
	mock.ExpectExec(`UPDATE "mission_participations" SET `).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	status, body := doComplete(t, app, "m1")
	assert.Equal(t, 409, status)
	assert.Contains(t, body["error"], "already completed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
