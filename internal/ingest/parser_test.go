package ingest

import "testing"

func TestParsePlainText(t *testing.T) {
	p := NewParser()
	line := `2026-02-23 12:34:56 user=alice action=file_read path=/srv/share/plan.docx ip=10.1.2.3 bytes_transferred=2048`
	sub, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if sub.UserID != "alice" || sub.ActivityType != "file_read" {
		t.Fatalf("user/activity: %q %q", sub.UserID, sub.ActivityType)
	}
	if sub.Resource != "/srv/share/plan.docx" || sub.IPAddress != "10.1.2.3" {
		t.Fatalf("resource/ip: %q %q", sub.Resource, sub.IPAddress)
	}
	if sub.Timestamp != "2026-02-23 12:34:56" {
		t.Fatalf("timestamp: %q", sub.Timestamp)
	}
	if sub.Details["bytes_transferred"] != "2048" {
		t.Fatalf("details: %v", sub.Details)
	}
}

func TestParseCSV(t *testing.T) {
	p := NewParser()
	if sub, _ := p.ParseLine("timestamp,user_id,activity_type,resource,duration"); sub != nil {
		t.Fatalf("expected header to return nil")
	}
	sub, err := p.ParseLine("2026-02-23T12:34:56Z,bob,login,portal/home,12.5")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if sub.UserID != "bob" || sub.ActivityType != "login" || sub.Resource != "portal/home" {
		t.Fatalf("csv parse mismatch: %+v", sub)
	}
	if sub.Details["duration"] != "12.5" {
		t.Fatalf("duration detail missing: %v", sub.Details)
	}
}

func TestParseCSVPositional(t *testing.T) {
	p := NewParser()
	sub, err := p.ParseLine("2026-02-23T12:34:56Z,carol,download,reports/q1.pdf,192.0.2.9")
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if sub.UserID != "carol" || sub.IPAddress != "192.0.2.9" {
		t.Fatalf("positional csv mismatch: %+v", sub)
	}
}

func TestParseJSON(t *testing.T) {
	p := NewParser()
	line := `{"ts":1720000000,"user":"dave","action":"query","resource":"table:customer_data","details":{"access_count":3},"username":"svc"}`
	sub, err := p.ParseLine(line)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if sub.UserID != "dave" || sub.ActivityType != "query" {
		t.Fatalf("json parse mismatch: %+v", sub)
	}
	if sub.Timestamp != "1720000000" {
		t.Fatalf("timestamp: %q", sub.Timestamp)
	}
	if sub.Details["access_count"] != 3.0 || sub.Details["username"] != "svc" {
		t.Fatalf("details: %v", sub.Details)
	}
}

func TestStripPriority(t *testing.T) {
	if got := stripPriority("<34>user=a action=b"); got != "user=a action=b" {
		t.Fatalf("got %q", got)
	}
	if got := stripPriority("user=a"); got != "user=a" {
		t.Fatalf("got %q", got)
	}
}
