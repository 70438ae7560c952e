package rtdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rewired-gh/recyclekiosk/internal/models"
)

// fakeDB serves the subset of the RTDB REST surface the client uses.
type fakeDB struct {
	mu         sync.Mutex
	index      map[string]string
	names      map[string]string
	points     map[string]int
	version    map[string]int
	containers map[string]containerRecord
	conflicts  int // number of conditional writes to reject before accepting
	puts       int
	fail5xx    int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		index:      map[string]string{"04A1B2C3": "u1"},
		names:      map[string]string{"u1": "Ana"},
		points:     map[string]int{"u1": 100},
		version:    map[string]int{},
		containers: map[string]containerRecord{},
	}
}

func (f *fakeDB) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fail5xx > 0 {
		f.fail5xx--
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}

	path := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/"), ".json")
	parts := strings.Split(path, "/")

	switch {
	case parts[0] == "nfc_index" && len(parts) == 2:
		if id, ok := f.index[parts[1]]; ok {
			_ = json.NewEncoder(w).Encode(id)
			return
		}
		_, _ = io.WriteString(w, "null")

	case parts[0] == "usuarios" && len(parts) == 2:
		p, ok := f.points[parts[1]]
		if !ok {
			_, _ = io.WriteString(w, "null")
			return
		}
		_ = json.NewEncoder(w).Encode(userRecord{Name: f.names[parts[1]], Points: p})

	case parts[0] == "usuarios" && len(parts) == 3 && r.Method == http.MethodGet:
		if r.Header.Get("X-Firebase-ETag") == "true" {
			w.Header().Set("ETag", fmt.Sprintf("v%d", f.version[parts[1]]))
		}
		_ = json.NewEncoder(w).Encode(f.points[parts[1]])

	case parts[0] == "usuarios" && len(parts) == 3 && r.Method == http.MethodPut:
		f.puts++
		if f.conflicts > 0 {
			f.conflicts--
			f.version[parts[1]]++
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		if r.Header.Get("if-match") != fmt.Sprintf("v%d", f.version[parts[1]]) {
			w.WriteHeader(http.StatusPreconditionFailed)
			return
		}
		var v int
		if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.points[parts[1]] = v
		f.version[parts[1]]++
		_ = json.NewEncoder(w).Encode(v)

	case parts[0] == "contenedor" && len(parts) == 2 && r.Method == http.MethodPatch:
		var rec containerRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.containers[parts[1]] = rec
		_ = json.NewEncoder(w).Encode(rec)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeDB) balance(userID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.points[userID]
}

func (f *fakeDB) putCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts
}

func (f *fakeDB) container(id string) containerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.containers[id]
}

func newTestClient(t *testing.T, db *fakeDB) *Client {
	t.Helper()
	srv := httptest.NewServer(db)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, ClientConfig{
		Timeout:        time.Second,
		MaxRetries:     3,
		RetryDelayBase: time.Millisecond,
	})
}

func TestResolve(t *testing.T) {
	c := newTestClient(t, newFakeDB())
	ctx := context.Background()

	acct, err := c.Resolve(ctx, "04a1b2c3")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if acct == nil || acct.UserID != "u1" || acct.Name != "Ana" || acct.Points != 100 {
		t.Fatalf("account = %+v", acct)
	}

	acct, err = c.Resolve(ctx, "DEADBEEF")
	if err != nil {
		t.Fatalf("Resolve unknown: %v", err)
	}
	if acct != nil {
		t.Errorf("unregistered token resolved to %+v", acct)
	}
}

func TestResolve_DanglingIndexEntry(t *testing.T) {
	db := newFakeDB()
	db.index["CAFE"] = "ghost"
	c := newTestClient(t, db)

	acct, err := c.Resolve(context.Background(), "cafe")
	if err != nil || acct != nil {
		t.Errorf("Resolve = %+v, %v; want nil, nil", acct, err)
	}
}

func TestCredit(t *testing.T) {
	db := newFakeDB()
	c := newTestClient(t, db)

	bal, err := c.Credit(context.Background(), "u1", 20)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if bal != 120 || db.balance("u1") != 120 {
		t.Errorf("balance = %d (stored %d), want 120", bal, db.balance("u1"))
	}
}

func TestCredit_RetriesOnConflict(t *testing.T) {
	db := newFakeDB()
	db.conflicts = 2
	c := newTestClient(t, db)

	bal, err := c.Credit(context.Background(), "u1", 30)
	if err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if bal != 130 {
		t.Errorf("balance = %d, want 130", bal)
	}
	if n := db.putCount(); n != 3 {
		t.Errorf("puts = %d, want 3", n)
	}
}

func TestCredit_GivesUpAfterConflicts(t *testing.T) {
	db := newFakeDB()
	db.conflicts = 10
	c := newTestClient(t, db)

	_, err := c.Credit(context.Background(), "u1", 30)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if b := db.balance("u1"); b != 100 {
		t.Errorf("balance changed to %d on failed credit", b)
	}
}

func TestCredit_UnknownUser(t *testing.T) {
	c := newTestClient(t, newFakeDB())
	if _, err := c.Credit(context.Background(), "nobody", 20); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if _, err := c.Credit(context.Background(), "u1", 0); err == nil {
		t.Error("expected error for non-positive points")
	}
}

func TestBalance_RetriesServerErrors(t *testing.T) {
	db := newFakeDB()
	db.fail5xx = 2
	c := newTestClient(t, db)

	bal, err := c.Balance(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	if bal != 100 {
		t.Errorf("balance = %d, want 100", bal)
	}
}

func TestBalance_MaxRetriesExceeded(t *testing.T) {
	db := newFakeDB()
	db.fail5xx = 5
	c := newTestClient(t, db)

	if _, err := c.Balance(context.Background(), "u1"); err == nil {
		t.Fatal("expected error after exhausting retries")
	}
}

func TestSaveContainer(t *testing.T) {
	db := newFakeDB()
	c := newTestClient(t, db)

	err := c.SaveContainer(context.Background(), models.ContainerTelemetry{
		ContainerID: "plastico",
		DeviceID:    "esp32-01",
		DistanceCm:  12.5,
		FillPercent: 80,
		State:       models.ContainerWarning,
		Timestamp:   1700000000,
		LastUpdated: time.UnixMilli(1700000000123),
	})
	if err != nil {
		t.Fatalf("SaveContainer: %v", err)
	}
	rec := db.container("plastico")
	if rec.State != "warning" || rec.Percent != 80 || rec.DeviceID != "esp32-01" || rec.UpdatedAt != 1700000000123 {
		t.Errorf("stored = %+v", rec)
	}

	if err := c.SaveContainer(context.Background(), models.ContainerTelemetry{}); err == nil {
		t.Error("expected error for empty container id")
	}
}

func TestEndpoint_AuthToken(t *testing.T) {
	c := NewClient("https://kiosk.example.firebaseio.com/", ClientConfig{AuthToken: "s3cr3t"})
	got := c.endpoint("usuarios/u1")
	want := "https://kiosk.example.firebaseio.com/usuarios/u1.json?auth=s3cr3t"
	if got != want {
		t.Errorf("endpoint = %q, want %q", got, want)
	}
}
