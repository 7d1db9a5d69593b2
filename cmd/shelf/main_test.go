package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"bookshelf/pkg/catalog"
	"bookshelf/pkg/config"
	"bookshelf/pkg/database"
	"bookshelf/pkg/models"
	"bookshelf/pkg/shelf"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testUser = "Test Max"

	duneUid       = "f7cdc58f-2caf-4b15-9727-f89dcc629b27"
	hobbitUid     = "2c6d1a0e-5b8e-4d53-9c1f-3e2f6a0b7d11"
	mysteryUid    = "9a1b2c3d-4e5f-4a6b-8c7d-0e1f2a3b4c5d"
	noPagesUid    = "5e6f7a8b-9c0d-4e1f-a2b3-c4d5e6f7a8b9"
	lowFantasyUid = "0d9c8b7a-6f5e-4d3c-b2a1-9f8e7d6c5b4a"
)

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeBooks struct {
	books       map[string]models.Book
	err         error
	lastGenres  []string
	lastExclude []string
	lastLimit   int
}

func (f *fakeBooks) GetBook(_ context.Context, bookUid string) (models.Book, error) {
	if f.err != nil {
		return models.Book{}, f.err
	}
	b, ok := f.books[bookUid]
	if !ok {
		return models.Book{}, catalog.ErrBookNotFound
	}
	return b, nil
}

func (f *fakeBooks) LookupBooks(_ context.Context, bookUids []string) (map[string]models.Book, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := map[string]models.Book{}
	for _, uid := range bookUids {
		if b, ok := f.books[uid]; ok {
			out[uid] = b
		}
	}
	return out, nil
}

func (f *fakeBooks) Candidates(_ context.Context, genres, exclude []string, limit int) ([]models.Book, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.lastGenres, f.lastExclude, f.lastLimit = genres, exclude, limit
	out := []models.Book{}
	for _, uid := range []string{duneUid, hobbitUid, mysteryUid, noPagesUid, lowFantasyUid} {
		if !slices.Contains(exclude, uid) {
			out = append(out, f.books[uid])
		}
	}
	return out, nil
}

func setupTest(t *testing.T) *fakeBooks {
	t.Helper()
	gin.SetMode(gin.TestMode)
	testDB, err := database.OpenInMemory(database.ShelfModels...)
	require.NoError(t, err)

	fb := &fakeBooks{books: map[string]models.Book{
		duneUid:       {BookUid: duneUid, Title: "Dune", PageCount: 412, Genres: []string{"Science Fiction"}, AverageRating: 4.3, RatingsCount: 500},
		hobbitUid:     {BookUid: hobbitUid, Title: "The Hobbit", PageCount: 310, Genres: []string{"Fantasy"}, AverageRating: 4.6, RatingsCount: 900},
		mysteryUid:    {BookUid: mysteryUid, Title: "Gone Girl", PageCount: 250, Genres: []string{"Mystery"}, AverageRating: 4.0, RatingsCount: 300},
		noPagesUid:    {BookUid: noPagesUid, Title: "Mistborn", PageCount: 0, Genres: []string{"Fantasy"}, AverageRating: 3.9, RatingsCount: 50},
		lowFantasyUid: {BookUid: lowFantasyUid, Title: "Eragon", PageCount: 500, Genres: []string{"Fantasy"}, AverageRating: 3.0, RatingsCount: 1000},
	}}
	setup(testDB, fb, shelf.FixedClock(testNow), config.Defaults("shelf"))
	return fb
}

func call(handler gin.HandlerFunc, user, method, target, body string, params ...gin.Param) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	c.Request = httptest.NewRequest(method, target, reader)
	c.Request.Header.Set("Content-Type", "application/json")
	if user != "" {
		c.Request.Header.Set("X-User-Name", user)
	}
	c.Params = params
	handler(c)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response), w.Body.String())
	return response
}

func entryParam(uid string) gin.Param { return gin.Param{Key: "entryUid", Value: uid} }

func shelve(t *testing.T, bookUid string, status models.Status) string {
	t.Helper()
	body := `{"bookUid":"` + bookUid + `"`
	if status != "" {
		body += `,"status":"` + string(status) + `"`
	}
	body += "}"
	w := call(createEntry, testUser, http.MethodPost, "/api/v1/shelf", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["entryUid"].(string)
}

func logSession(t *testing.T, entryUid, body string) map[string]interface{} {
	t.Helper()
	w := call(addSession, testUser, http.MethodPost, "/api/v1/shelf/"+entryUid+"/sessions", body, entryParam(entryUid))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)
}

func TestCreateEntry(t *testing.T) {
	setupTest(t)

	w := call(createEntry, testUser, http.MethodPost, "/api/v1/shelf", `{"bookUid":"`+duneUid+`","notes":"recommended by Ann"}`)
	assert.Equal(t, http.StatusCreated, w.Code)
	response := decode(t, w)
	assert.Equal(t, "want-to-read", response["status"])
	assert.Equal(t, duneUid, response["bookUid"])
	assert.Equal(t, testUser, response["username"])
	assert.Equal(t, "2026-03-14T12:00:00Z", response["dateAdded"])
	assert.Nil(t, response["startDate"])
	assert.Empty(t, response["readingSessions"])
	review := response["personalReview"].(map[string]interface{})
	assert.Equal(t, "recommended by Ann", review["content"])

	w = call(createEntry, testUser, http.MethodPost, "/api/v1/shelf", `{"bookUid":"`+duneUid+`"}`)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCreateEntryErrors(t *testing.T) {
	setupTest(t)

	tests := []struct {
		name string
		user string
		body string
		want int
	}{
		{"unknown book", testUser, `{"bookUid":"11111111-2222-4333-8444-555555555555"}`, http.StatusNotFound},
		{"invalid status", testUser, `{"bookUid":"` + duneUid + `","status":"reading"}`, http.StatusBadRequest},
		{"malformed uid", testUser, `{"bookUid":"dune"}`, http.StatusBadRequest},
		{"missing uid", testUser, `{}`, http.StatusBadRequest},
		{"missing user", "", `{"bookUid":"` + duneUid + `"}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := call(createEntry, tt.user, http.MethodPost, "/api/v1/shelf", tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestCreateEntryCatalogDown(t *testing.T) {
	fb := setupTest(t)
	fb.err = errors.New("connection refused")

	w := call(createEntry, testUser, http.MethodPost, "/api/v1/shelf", `{"bookUid":"`+duneUid+`"}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateCompletedEntryBackfillsStart(t *testing.T) {
	setupTest(t)

	w := call(createEntry, testUser, http.MethodPost, "/api/v1/shelf", `{"bookUid":"`+hobbitUid+`","status":"completed"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	response := decode(t, w)
	assert.Equal(t, "completed", response["status"])
	assert.Equal(t, "2026-03-14T12:00:00Z", response["finishDate"])
	assert.Equal(t, "2026-03-07T12:00:00Z", response["startDate"])
}

func TestListEntries(t *testing.T) {
	setupTest(t)
	shelve(t, duneUid, "")
	shelve(t, hobbitUid, models.StatusCompleted)
	shelve(t, mysteryUid, models.StatusCurrentlyReading)

	w := call(listEntries, testUser, http.MethodGet, "/api/v1/shelf", "")
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(3), response["totalElements"])
	assert.Len(t, response["items"], 3)

	w = call(listEntries, testUser, http.MethodGet, "/api/v1/shelf?status=completed", "")
	assert.Equal(t, http.StatusOK, w.Code)
	response = decode(t, w)
	assert.Equal(t, float64(1), response["totalElements"])
	items := response["items"].([]interface{})
	assert.Equal(t, hobbitUid, items[0].(map[string]interface{})["bookUid"])

	w = call(listEntries, testUser, http.MethodGet, "/api/v1/shelf?page=1&size=2", "")
	response = decode(t, w)
	assert.Equal(t, float64(3), response["totalElements"])
	assert.Len(t, response["items"], 2)

	w = call(listEntries, "someone else", http.MethodGet, "/api/v1/shelf", "")
	assert.Equal(t, float64(0), decode(t, w)["totalElements"])

	w = call(listEntries, testUser, http.MethodGet, "/api/v1/shelf?status=reading", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = call(listEntries, testUser, http.MethodGet, "/api/v1/shelf?page=first", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetEntryIsScopedToUser(t *testing.T) {
	setupTest(t)
	uid := shelve(t, duneUid, "")

	w := call(getEntry, testUser, http.MethodGet, "/api/v1/shelf/"+uid, "", entryParam(uid))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uid, decode(t, w)["entryUid"])

	w = call(getEntry, "someone else", http.MethodGet, "/api/v1/shelf/"+uid, "", entryParam(uid))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddSessionStartsReading(t *testing.T) {
	setupTest(t)
	uid := shelve(t, duneUid, "")

	response := logSession(t, uid, `{"pagesRead":50,"timeSpent":30,"notes":"prologue","date":"2026-03-13"}`)
	assert.Equal(t, "currently-reading", response["status"])
	assert.Equal(t, "2026-03-13T00:00:00Z", response["startDate"])
	progress := response["progress"].(map[string]interface{})
	assert.Equal(t, float64(50), progress["pagesRead"])
	assert.Equal(t, float64(12), progress["percentage"])
	assert.Len(t, response["readingSessions"], 1)

	w := call(listSessions, testUser, http.MethodGet, "/api/v1/shelf/"+uid+"/sessions", "", entryParam(uid))
	assert.Equal(t, http.StatusOK, w.Code)
	items := decode(t, w)["items"].([]interface{})
	require.Len(t, items, 1)
	assert.Equal(t, "prologue", items[0].(map[string]interface{})["notes"])
}

func TestAddSessionValidation(t *testing.T) {
	setupTest(t)
	uid := shelve(t, duneUid, "")

	w := call(addSession, testUser, http.MethodPost, "/", `{"pagesRead":-5}`, entryParam(uid))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = call(addSession, testUser, http.MethodPost, "/", `{"pagesRead":5,"date":"yesterday"}`, entryParam(uid))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = call(addSession, testUser, http.MethodPost, "/", `{"pagesRead":5}`, entryParam("00000000-0000-4000-8000-000000000000"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateProgressCompletesBook(t *testing.T) {
	setupTest(t)
	uid := shelve(t, duneUid, models.StatusCurrentlyReading)

	w := call(updateProgress, testUser, http.MethodPut, "/", `{"pagesRead":412}`, entryParam(uid))
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, "completed", response["status"])
	assert.Equal(t, "2026-03-14T12:00:00Z", response["finishDate"])
	assert.Equal(t, float64(100), response["progress"].(map[string]interface{})["percentage"])
}

func TestUpdateProgressWithoutPageCount(t *testing.T) {
	fb := setupTest(t)
	uid := shelve(t, duneUid, models.StatusCurrentlyReading)
	fb.err = errors.New("catalog down")

	w := call(updateProgress, testUser, http.MethodPut, "/", `{"pagesRead":412}`, entryParam(uid))
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, "currently-reading", response["status"])
	progress := response["progress"].(map[string]interface{})
	assert.Equal(t, float64(412), progress["pagesRead"])
	assert.Equal(t, float64(0), progress["percentage"])
}

func TestUpdateProgressValidation(t *testing.T) {
	setupTest(t)
	uid := shelve(t, duneUid, "")

	w := call(updateProgress, testUser, http.MethodPut, "/", `{}`, entryParam(uid))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation error", decode(t, w)["message"])

	w = call(updateProgress, testUser, http.MethodPut, "/", `{"pagesRead":"ten"}`, entryParam(uid))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteSession(t *testing.T) {
	setupTest(t)
	uid := shelve(t, duneUid, "")
	response := logSession(t, uid, `{"pagesRead":40,"timeSpent":25}`)
	sessions := response["readingSessions"].([]interface{})
	sessionUid := sessions[0].(map[string]interface{})["sessionUid"].(string)

	params := []gin.Param{entryParam(uid), {Key: "sessionUid", Value: sessionUid}}
	w := call(deleteSession, testUser, http.MethodDelete, "/", "", params...)
	assert.Equal(t, http.StatusOK, w.Code)
	response = decode(t, w)
	assert.Equal(t, "currently-reading", response["status"])
	assert.Equal(t, float64(0), response["progress"].(map[string]interface{})["pagesRead"])
	assert.Empty(t, response["readingSessions"])

	w = call(deleteSession, testUser, http.MethodDelete, "/", "", params...)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUpdateEntryResetsToWantToRead(t *testing.T) {
	setupTest(t)
	uid := shelve(t, duneUid, models.StatusCompleted)

	w := call(updateEntry, testUser, http.MethodPut, "/", `{"status":"want-to-read","notes":"reread later","isPublic":true}`, entryParam(uid))
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, "want-to-read", response["status"])
	assert.Nil(t, response["startDate"])
	assert.Nil(t, response["finishDate"])
	review := response["personalReview"].(map[string]interface{})
	assert.Equal(t, "reread later", review["content"])
	assert.Equal(t, true, review["isPublic"])

	w = call(getEntry, testUser, http.MethodGet, "/", "", entryParam(uid))
	assert.Equal(t, "want-to-read", decode(t, w)["status"])

	w = call(updateEntry, testUser, http.MethodPut, "/", `{"status":"finished"}`, entryParam(uid))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeleteEntry(t *testing.T) {
	setupTest(t)
	uid := shelve(t, duneUid, "")
	logSession(t, uid, `{"pagesRead":10}`)
	router := setupRouter()

	send := func(method string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(method, "/api/v1/shelf/"+uid, nil)
		req.Header.Set("X-User-Name", testUser)
		router.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusNoContent, send(http.MethodDelete))
	assert.Equal(t, http.StatusNotFound, send(http.MethodGet))
	assert.Equal(t, http.StatusNotFound, send(http.MethodDelete))
}

func TestStats(t *testing.T) {
	setupTest(t)
	uid := shelve(t, duneUid, "")
	logSession(t, uid, `{"pagesRead":10,"timeSpent":20,"date":"2026-03-12"}`)
	logSession(t, uid, `{"pagesRead":10,"timeSpent":30,"date":"2026-03-13"}`)
	logSession(t, uid, `{"pagesRead":10,"timeSpent":40,"date":"2026-03-14"}`)
	shelve(t, hobbitUid, models.StatusCompleted)

	w := call(updateGoal, testUser, http.MethodPut, "/api/v1/goal", `{"target":12}`)
	require.Equal(t, http.StatusOK, w.Code)

	w = call(getStats, testUser, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(2026), response["year"])
	assert.Equal(t, float64(1), response["booksFinished"])
	assert.Equal(t, float64(1), response["booksReading"])
	assert.Equal(t, float64(3), response["readingStreak"])
	assert.Equal(t, float64(3), response["longestStreak"])
	assert.Equal(t, float64(3), response["totalReadingSessions"])
	assert.Equal(t, float64(90), response["totalTimeSpent"])
	assert.Equal(t, float64(30), response["totalPagesInSessions"])
	assert.Equal(t, float64(30), response["averageSessionLength"])
	goal := response["readingGoal"].(map[string]interface{})
	assert.Equal(t, float64(12), goal["target"])
	assert.Equal(t, float64(1), goal["completed"])
	assert.Equal(t, float64(8), goal["percentage"])

	w = call(getStats, testUser, http.MethodGet, "/api/v1/stats?year=2025", "")
	response = decode(t, w)
	assert.Equal(t, float64(0), response["booksFinished"])
	assert.Equal(t, float64(0), response["totalReadingSessions"])
	assert.Equal(t, float64(3), response["readingStreak"])

	w = call(getStats, "", http.MethodGet, "/api/v1/stats/"+url.PathEscape(testUser), "", gin.Param{Key: "username", Value: testUser})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), decode(t, w)["booksFinished"])

	w = call(getStats, testUser, http.MethodGet, "/api/v1/stats?year=last", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatsEmptyShelf(t *testing.T) {
	setupTest(t)

	w := call(getStats, testUser, http.MethodGet, "/api/v1/stats", "")
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(0), response["readingStreak"])
	assert.Empty(t, response["statusBreakdown"])
	assert.Nil(t, response["readingGoal"])
}

func TestRecommendationsColdStart(t *testing.T) {
	fb := setupTest(t)
	shelve(t, mysteryUid, "")

	w := call(getRecommendations, testUser, http.MethodGet, "/api/v1/recommendations?limit=2", "")
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, "Popular books", response["reason"])
	books := response["books"].([]interface{})
	require.Len(t, books, 2)
	assert.Equal(t, lowFantasyUid, books[0].(map[string]interface{})["bookUid"])
	assert.Equal(t, hobbitUid, books[1].(map[string]interface{})["bookUid"])
	assert.Empty(t, fb.lastGenres)
}

func TestRecommendationsFromHistory(t *testing.T) {
	fb := setupTest(t)
	shelve(t, hobbitUid, models.StatusCompleted)

	w := call(getRecommendations, testUser, http.MethodGet, "/api/v1/recommendations", "")
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, "Based on your reading history", response["reason"])
	assert.Equal(t, []interface{}{"Fantasy"}, response["topGenres"])
	books := response["books"].([]interface{})
	require.Len(t, books, 1)
	assert.Equal(t, noPagesUid, books[0].(map[string]interface{})["bookUid"])
	assert.Equal(t, []string{"Fantasy"}, fb.lastGenres)
	assert.Equal(t, []string{hobbitUid}, fb.lastExclude)
	assert.Equal(t, 200, fb.lastLimit)
}

func TestRecommendationsLimit(t *testing.T) {
	fb := setupTest(t)

	for _, bad := range []string{"0", "-3", "101", "ten"} {
		w := call(getRecommendations, testUser, http.MethodGet, "/api/v1/recommendations?limit="+bad, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, bad)
	}

	w := call(getRecommendations, testUser, http.MethodGet, "/api/v1/recommendations?limit=100", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["books"], 5)
	assert.Equal(t, 200, fb.lastLimit)
}

func TestRecommendationsCatalogDown(t *testing.T) {
	fb := setupTest(t)
	fb.err = errors.New("catalog down")

	w := call(getRecommendations, testUser, http.MethodGet, "/api/v1/recommendations", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGoal(t *testing.T) {
	setupTest(t)

	w := call(getGoal, testUser, http.MethodGet, "/api/v1/goal", "")
	assert.Equal(t, http.StatusOK, w.Code)
	goal := decode(t, w)["goal"].(map[string]interface{})
	assert.Equal(t, float64(0), goal["target"])

	w = call(updateGoal, testUser, http.MethodPut, "/api/v1/goal", `{"target":24}`)
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(2026), response["year"])
	assert.Equal(t, float64(24), response["goal"].(map[string]interface{})["target"])

	for _, body := range []string{`{"target":-1}`, `{}`, `{"target":"many"}`} {
		w = call(updateGoal, testUser, http.MethodPut, "/api/v1/goal", body)
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestHealthCheck(t *testing.T) {
	setupTest(t)

	w := call(healthCheck, "", http.MethodGet, "/manage/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "UP", decode(t, w)["status"])
}
