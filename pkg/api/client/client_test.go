package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewNormalisesBaseURL(t *testing.T) {
	cli, err := New(" api.local:8000/ ")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if cli.baseURL != "http://api.local:8000" {
		t.Fatalf("unexpected base url %q", cli.baseURL)
	}
	if cli.httpClient.Timeout == 0 || cli.streamClient.Timeout != 0 {
		t.Fatalf("expected bounded request client and unbounded stream client")
	}
}

func TestSubmitTrainingSendsPayload(t *testing.T) {
	var got map[string]json.RawMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/projects/7/runs/training" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"run_id":"run-1","status":"pending"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	sub, err := cli.SubmitTraining(context.Background(), "7", TrainingInput{DatasetID: "3", Config: json.RawMessage(`{"epochs":5}`)})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if sub.RunID != "run-1" || sub.Status != "pending" {
		t.Fatalf("unexpected submission %+v", sub)
	}
	if string(got["dataset_id"]) != `"3"` || string(got["config"]) != `{"epochs":5}` {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestAPIErrorCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"run quota exceeded: project 7 has 10 of 10 runs"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.SubmitEvaluation(context.Background(), "7", EvaluationInput{ModelRunID: "a", DataConfigID: "b"})
	var apiErr APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.Status != http.StatusTooManyRequests || !strings.Contains(apiErr.Message, "quota") {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}

func TestListRunsPassesKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("kind") != "training" {
			t.Errorf("expected kind filter, got %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`[{"id":"a","status":"succeeded","metrics":{"r2":0.5}},{"id":"b","status":"running"}]`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	list, err := cli.ListRuns(context.Background(), "7", "training")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || !list[0].Terminal() || list[1].Terminal() {
		t.Fatalf("unexpected runs %+v", list)
	}
	if string(list[0].Metrics) != `{"r2":0.5}` {
		t.Fatalf("expected metrics passed through, got %s", list[0].Metrics)
	}
}

func TestDownloadArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/projects/7/artifacts/missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not found"}`))
			return
		}
		_, _ = w.Write([]byte("weights"))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	var buf bytes.Buffer
	n, err := cli.DownloadArtifact(context.Background(), "7", "a1", &buf)
	if err != nil || n != 7 || buf.String() != "weights" {
		t.Fatalf("unexpected download %d %q %v", n, buf.String(), err)
	}
	if _, err := cli.DownloadArtifact(context.Background(), "7", "missing", &buf); err == nil {
		t.Fatalf("expected error for missing artifact")
	}
}

func TestStreamLogsReadsUntilEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, frame := range []string{"data: epoch 1\n\n", ": ping\n\n", "data: epoch 2\n\n", "event: end\ndata: succeeded\n\n"} {
			fmt.Fprint(w, frame)
			flusher.Flush()
		}
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	var lines []string
	status, err := cli.StreamLogs(context.Background(), "7", "r", func(line string) { lines = append(lines, line) })
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	if status != "succeeded" {
		t.Fatalf("expected final status, got %q", status)
	}
	if strings.Join(lines, ",") != "epoch 1,epoch 2" {
		t.Fatalf("unexpected lines %v", lines)
	}
}

func TestStreamLogsWithoutEndEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: partial\n\n")
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	_, err := cli.StreamLogs(context.Background(), "7", "r", func(string) {})
	if !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("expected ErrStreamEnded, got %v", err)
	}
}

func TestStreamLogsNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"run finished"}`))
	}))
	defer srv.Close()

	cli, _ := New(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := cli.StreamLogs(ctx, "7", "r", func(string) {})
	var apiErr APIError
	if !errors.As(err, &apiErr) || apiErr.Message != "run finished" {
		t.Fatalf("expected run finished API error, got %v", err)
	}
}
