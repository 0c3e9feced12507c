package trace

import (
	"bufio"
	"bytes"
	"strings"
	"testing"
)

func TestEventLineFormat(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)
	f.Event(DirSend, false, false, true, true, 100, 1484, 200)

	line := strings.TrimSpace(buf.String())
	fields := strings.Fields(line)
	if len(fields) != 9 {
		t.Fatalf("line %q has %d fields, want 9", line, len(fields))
	}
	if fields[0] != "snd" {
		t.Errorf("dir = %q, want snd", fields[0])
	}
	if fields[2] != "-" || fields[3] != "-" || fields[4] != "A" || fields[5] != "D" {
		t.Errorf("flags = %v, want [- - A D]", fields[2:6])
	}
	if fields[6] != "100" || fields[7] != "1484" || fields[8] != "200" {
		t.Errorf("seq/len/ack = %v, want [100 1484 200]", fields[6:9])
	}
}

func TestEventLineOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)
	f.Event(DirSend, true, false, false, false, 0, 0, 0)
	f.Event(DirRecv, false, true, true, false, 1, 0, 1)

	scanner := bufio.NewScanner(&buf)
	count := 0
	for scanner.Scan() {
		count++
	}
	if count != 2 {
		t.Errorf("got %d lines, want 2", count)
	}
}

func TestSummaryIncludesAllFourCounters(t *testing.T) {
	var buf bytes.Buffer
	f := New(&buf)
	f.Summary("sender", Stats{Bytes: 1024, Packets: 10, RetransmitsOrOOO: 2, DupAcksOrChecksumErrors: 1})

	out := buf.String()
	for _, want := range []string{"bytes=1024", "packets=10", "retransmits_or_ooo=2", "dup_acks_or_checksum_errors=1"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary %q missing counter value %q", out, want)
		}
	}
}
