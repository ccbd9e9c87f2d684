package history

import (
	"testing"
)

func newTestManager(t *testing.T, maxRecords int) *Manager {
	t.Helper()
	m := NewManager(maxRecords)
	t.Cleanup(m.Stop)
	return m
}

func TestRecordRequestAndGetHistoryNewestFirst(t *testing.T) {
	m := newTestManager(t, 10)

	id1 := m.RecordRequest("c1", "messages", "claude-3", true, 100, 10, 5, "", "")
	id2 := m.RecordRequest("c1", "messages", "claude-3", false, 200, 0, 0, "HTTP 500: boom", "upstream said boom")
	id3 := m.RecordRequest("c2", "gemini", "gemini-pro", true, 50, 3, 2, "", "")

	records, total := m.GetHistory("", 0, 0, "")
	if total != 3 || len(records) != 3 {
		t.Fatalf("expected 3 records, got %d/%d", len(records), total)
	}
	if records[0].ID != id3 || records[1].ID != id2 || records[2].ID != id1 {
		t.Fatalf("expected newest-first order, got %v %v %v", records[0].ID, records[1].ID, records[2].ID)
	}
	if records[1].ErrorMsg != "HTTP 500: boom" || records[1].ErrorDetails != "upstream said boom" {
		t.Fatalf("error fields not preserved: %+v", records[1])
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	m := newTestManager(t, 3)

	first := m.RecordRequest("c1", "messages", "m", true, 1, 0, 0, "", "")
	for i := 0; i < 3; i++ {
		m.RecordRequest("c1", "messages", "m", true, 1, 0, 0, "", "")
	}

	records, total := m.GetHistory("", 0, 0, "")
	if total != 3 || len(records) != 3 {
		t.Fatalf("expected ring capped at 3, got %d/%d", len(records), total)
	}
	for _, r := range records {
		if r.ID == first {
			t.Fatalf("expected oldest record to be overwritten")
		}
	}

	// The overwritten slot must have left the channel index too.
	byChannel, total := m.GetHistory("c1", 0, 0, "")
	if total != 3 || len(byChannel) != 3 {
		t.Fatalf("expected channel index consistent with ring, got %d/%d", len(byChannel), total)
	}
}

func TestGetHistoryChannelAndStatusFilters(t *testing.T) {
	m := newTestManager(t, 10)

	m.RecordRequest("c1", "messages", "m", true, 1, 0, 0, "", "")
	m.RecordRequest("c1", "messages", "m", false, 1, 0, 0, "err", "")
	m.RecordRequest("c2", "responses", "m", true, 1, 0, 0, "", "")

	records, total := m.GetHistory("c1", 0, 0, "")
	if total != 2 || len(records) != 2 {
		t.Fatalf("expected 2 c1 records, got %d/%d", len(records), total)
	}
	for _, r := range records {
		if r.ChannelID != "c1" {
			t.Fatalf("channel filter leaked record: %+v", r)
		}
	}

	records, total = m.GetHistory("", 0, 0, "success")
	if total != 2 || len(records) != 2 {
		t.Fatalf("expected 2 success records, got %d/%d", len(records), total)
	}

	records, total = m.GetHistory("", 0, 0, "error")
	if total != 1 || len(records) != 1 || records[0].Success {
		t.Fatalf("expected 1 error record, got %d/%d", len(records), total)
	}

	records, total = m.GetHistory("c1", 0, 0, "error")
	if total != 1 || len(records) != 1 {
		t.Fatalf("expected 1 c1 error record, got %d/%d", len(records), total)
	}
}

func TestGetHistoryPagination(t *testing.T) {
	m := newTestManager(t, 10)

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, m.RecordRequest("c1", "messages", "m", true, 1, 0, 0, "", ""))
	}

	records, total := m.GetHistory("", 2, 1, "")
	if total != 5 {
		t.Fatalf("expected total 5 before pagination, got %d", total)
	}
	if len(records) != 2 {
		t.Fatalf("expected page of 2, got %d", len(records))
	}
	// Newest first: offset 1 starts at the second-newest.
	if records[0].ID != ids[3] || records[1].ID != ids[2] {
		t.Fatalf("unexpected page contents: %v %v", records[0].ID, records[1].ID)
	}

	records, total = m.GetHistory("", 10, 10, "")
	if total != 5 || len(records) != 0 {
		t.Fatalf("expected empty page past the end, got %d/%d", len(records), total)
	}
}

func TestGetRecordByID(t *testing.T) {
	m := newTestManager(t, 10)

	id := m.RecordRequest("c1", "messages", "m", true, 1, 0, 0, "", "")
	if got := m.GetRecordByID(id); got == nil || got.ID != id {
		t.Fatalf("expected record by id, got %+v", got)
	}
	if m.GetRecordByID("missing") != nil {
		t.Fatalf("expected nil for unknown id")
	}
}

func TestClear(t *testing.T) {
	m := newTestManager(t, 10)

	m.RecordRequest("c1", "messages", "m", true, 1, 0, 0, "", "")
	m.Clear()

	records, total := m.GetHistory("", 0, 0, "")
	if total != 0 || len(records) != 0 {
		t.Fatalf("expected empty history after clear, got %d/%d", len(records), total)
	}
	if records, total := m.GetHistory("c1", 0, 0, ""); total != 0 || len(records) != 0 {
		t.Fatalf("expected empty channel index after clear")
	}
}

func TestGetStats(t *testing.T) {
	m := newTestManager(t, 10)

	m.RecordRequest("c1", "messages", "m", true, 100, 0, 0, "", "")
	m.RecordRequest("c1", "messages", "m", false, 300, 0, 0, "err", "")

	stats := m.GetStats()
	if stats["totalRecords"] != 2 {
		t.Fatalf("expected 2 records, got %v", stats["totalRecords"])
	}
	if stats["successCount"] != 1 || stats["failureCount"] != 1 {
		t.Fatalf("unexpected counts: %v", stats)
	}
	if stats["avgLatencyMs"] != float64(200) {
		t.Fatalf("expected avg latency 200, got %v", stats["avgLatencyMs"])
	}
}
