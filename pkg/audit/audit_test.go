package audit

import (
	"context"
	"testing"
	"time"
)

func testLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(t.TempDir() + "/requests.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecord(t *testing.T) {
	l := testLog(t)

	err := l.Record(context.Background(), Entry{
		MessageID: "msg-1",
		Queue:     "fastchat_input",
		Query:     "how are you?",
		Response:  "I'm fine",
		Status:    StatusSuccess,
		Latency:   1500 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	var status, response string
	var latencyMs float64
	row := l.db.QueryRow(`SELECT status, response, latency_ms FROM requests WHERE message_id = ?`, "msg-1")
	if err := row.Scan(&status, &response, &latencyMs); err != nil {
		t.Fatal(err)
	}
	if status != StatusSuccess {
		t.Errorf("status = %q, want %q", status, StatusSuccess)
	}
	if response != "I'm fine" {
		t.Errorf("response = %q, want %q", response, "I'm fine")
	}
	if latencyMs != 1500 {
		t.Errorf("latency_ms = %v, want 1500", latencyMs)
	}
}

func TestRecordFailure(t *testing.T) {
	l := testLog(t)

	err := l.Record(context.Background(), Entry{
		MessageID: "msg-2",
		Queue:     "fastchat_input",
		Query:     "q",
		Status:    StatusError,
		Error:     "backend error: model exploded",
	})
	if err != nil {
		t.Fatal(err)
	}

	var count int
	if err := l.db.QueryRow(`SELECT COUNT(*) FROM requests WHERE status = ?`, StatusError).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("error rows = %d, want 1", count)
	}
}

func TestOpenCreatesParentDir(t *testing.T) {
	l, err := Open(t.TempDir() + "/nested/dir/requests.db")
	if err != nil {
		t.Fatal(err)
	}
	l.Close()
}
