package httpparse

import "testing"

func TestSimpleContentLengthResponse(t *testing.T) {
	var completed int
	var body []byte
	p := New(Callbacks{
		OnBody: func(b []byte) { body = append(body, b...) },
		OnMessageComplete: func() {
			completed++
		},
	})

	msg := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	n := p.Execute([]byte(msg))
	if n != len(msg) {
		t.Fatalf("consumed %d of %d bytes", n, len(msg))
	}
	if completed != 1 {
		t.Fatalf("completed = %d, want 1", completed)
	}
	if p.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", p.StatusCode)
	}
	if string(body) != "ok" {
		t.Fatalf("body = %q, want %q", body, "ok")
	}
	if !p.ShouldKeepAlive() {
		t.Fatalf("expected keep-alive by default on HTTP/1.1")
	}
}

func TestConnectionClose(t *testing.T) {
	p := New(Callbacks{})
	msg := "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"
	p.Execute([]byte(msg))
	if p.StatusCode != 404 {
		t.Fatalf("status = %d, want 404", p.StatusCode)
	}
	if p.ShouldKeepAlive() {
		t.Fatalf("expected keep-alive false after Connection: close")
	}
}

func TestChunkedBody(t *testing.T) {
	var body []byte
	var completed int
	p := New(Callbacks{
		OnBody:            func(b []byte) { body = append(body, b...) },
		OnMessageComplete: func() { completed++ },
	})
	msg := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nwiki\r\n5\r\npedia\r\n0\r\n\r\n"
	p.Execute([]byte(msg))
	if completed != 1 {
		t.Fatalf("completed = %d, want 1", completed)
	}
	if string(body) != "wikipedia" {
		t.Fatalf("body = %q, want %q", body, "wikipedia")
	}
}

func TestPipelinedResponsesCoalescedInOneBuffer(t *testing.T) {
	var completed int
	var p *Parser
	p = New(Callbacks{
		OnMessageComplete: func() {
			completed++
			p.Reset()
		},
	})
	one := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	msg := one + one + one
	n := p.Execute([]byte(msg))
	if n != len(msg) {
		t.Fatalf("consumed %d of %d bytes", n, len(msg))
	}
	if completed != 3 {
		t.Fatalf("completed = %d, want 3", completed)
	}
}

func TestSplitAcrossMultipleExecuteCalls(t *testing.T) {
	var completed int
	p := New(Callbacks{OnMessageComplete: func() { completed++ }})
	full := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok"
	for i := 0; i < len(full); i++ {
		p.Execute([]byte(full[i : i+1]))
	}
	if completed != 1 {
		t.Fatalf("completed = %d, want 1", completed)
	}
}
