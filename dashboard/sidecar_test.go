package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/tsawler/go-tagnet/logging"
)

func TestSidecarWriterPostsCurves(t *testing.T) {
	var received []PlotData
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/plot":
			if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
				t.Errorf("unexpected request %s %s", r.Method, r.Header.Get("Content-Type"))
			}
			var p PlotData
			if err := json.NewDecoder(r.Body).Decode(&p); err != nil {
				t.Errorf("bad payload: %v", err)
			}
			received = append(received, p)
			json.NewEncoder(w).Encode(PlotResponse{Success: true, PlotID: "p1"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sc := NewSidecar(SidecarConfig{BaseURL: srv.URL + "/", Timeout: time.Second})
	if err := sc.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	w := NewSidecarWriter(sc, "resnet34", nil)
	w.AddScalar("loss", 0.7, 0)
	w.AddScalar("accuracy", 0.4, 0)
	w.AddScalar("learning_rate", 0.01, 0)
	w.AddScalar("loss", 0.6, 5)
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	if len(received) != 2 {
		t.Fatalf("received %d plots, expected 2", len(received))
	}
	curves, lr := received[0], received[1]
	if curves.PlotType != TrainingCurves || len(curves.Series) != 2 || curves.Series[1].Name != "loss" {
		t.Errorf("training curves = %+v", curves)
	}
	if len(curves.Series[1].Data) != 2 {
		t.Errorf("loss series has %d points", len(curves.Series[1].Data))
	}
	if lr.PlotType != LearningRateSchedule || len(lr.Series) != 1 || lr.ModelName != "resnet34" {
		t.Errorf("learning rate plot = %+v", lr)
	}
}

func TestSidecarReportsFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(PlotResponse{Message: "bad plot"})
	}))
	defer srv.Close()

	sc := NewSidecar(SidecarConfig{BaseURL: srv.URL})
	resp, err := sc.SendPlot(context.Background(), PlotData{PlotType: TrainingCurves})
	if err == nil || resp == nil || resp.Message != "bad plot" {
		t.Errorf("SendPlot = %+v, %v", resp, err)
	}
	if err := sc.CheckHealth(context.Background()); err == nil {
		t.Error("expected failed health check")
	}

	var logs bytes.Buffer
	w := NewSidecarWriter(sc, "resnet34", logging.New(&logs, logging.WARN))
	w.Flush()
	if w.Failed() != 0 {
		t.Error("flush without data should not contact the sidecar")
	}
	w.AddScalar("loss", 1, 1)
	if err := w.Flush(); err != nil {
		t.Errorf("sidecar failures should not fail the flush: %v", err)
	}
	if w.Failed() != 1 || !strings.Contains(logs.String(), "[WARN] failed to send training_curves plot") {
		t.Errorf("failed = %d, log = %q", w.Failed(), logs.String())
	}
}

func TestSidecarFailureDoesNotBreakMulti(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	store := openStore(t)
	writer, err := NewWriter(store, "run", "resnet34")
	if err != nil {
		t.Fatal(err)
	}
	sink := Multi{writer, NewSidecarWriter(NewSidecar(SidecarConfig{BaseURL: srv.URL}), "resnet34", nil)}

	if err := sink.AddScalar("epoch.loss", 0.5, 1); err != nil {
		t.Fatal(err)
	}
	if err := sink.Flush(); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	points, err := store.Series(writer.Run().ID, "epoch.loss")
	if err != nil || len(points) != 1 {
		t.Errorf("stored points = %v, %v", points, err)
	}
}
