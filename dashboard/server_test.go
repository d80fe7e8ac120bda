package dashboard

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func get(t *testing.T, h http.Handler, path string, out interface{}) int {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("GET %s: invalid JSON %q: %v", path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestRouter(t *testing.T) {
	s := openStore(t)
	w, err := NewWriter(s, "exp", "senet50")
	if err != nil {
		t.Fatal(err)
	}
	w.AddScalar("loss", 0.5, 10)
	w.AddScalar("loss", 0.25, 20)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	run := w.Run().ID
	r := NewRouter(s)

	if code := get(t, r, "/health", nil); code != http.StatusOK {
		t.Errorf("/health = %d", code)
	}

	var runs struct{ Runs []RunInfo }
	if code := get(t, r, "/api/runs", &runs); code != http.StatusOK || len(runs.Runs) != 1 || runs.Runs[0].Model != "senet50" {
		t.Errorf("/api/runs = %d %+v", code, runs)
	}

	var tags struct{ Tags []string }
	if code := get(t, r, "/api/runs/"+run+"/tags", &tags); code != http.StatusOK || len(tags.Tags) != 1 || tags.Tags[0] != "loss" {
		t.Errorf("tags = %d %+v", code, tags)
	}

	var series struct{ Points []Point }
	if code := get(t, r, "/api/runs/"+run+"/scalars/loss", &series); code != http.StatusOK {
		t.Fatalf("series status %d", code)
	}
	if len(series.Points) != 2 || series.Points[0] != (Point{Step: 10, Value: 0.5}) {
		t.Errorf("points = %+v", series.Points)
	}

	var failure HTTPError
	if code := get(t, r, "/api/runs/nope/tags", &failure); code != http.StatusNotFound || failure.Error == "" {
		t.Errorf("unknown run = %d %+v", code, failure)
	}
	if code := get(t, r, "/api/runs/"+run+"/scalars/accuracy", nil); code != http.StatusNotFound {
		t.Errorf("unknown tag = %d", code)
	}
}
