package expect

import (
	"context"
	"io"
	"regexp"
	"testing"
	"time"
)

// pipeChannel adapts a pair of io.Pipe ends into a Channel for tests: writes
// to Send land on the server side of the pipe, which a test goroutine plays
// a canned transcript onto the read side from.
type pipeChannel struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func newPipeChannel() (*pipeChannel, *io.PipeWriter, *io.PipeReader) {
	serverR, clientW := io.Pipe()
	clientR, serverW := io.Pipe()
	return &pipeChannel{r: serverR, w: serverW}, clientW, clientR
}

func (p *pipeChannel) Read(b []byte) (int, error)  { return p.r.Read(b) }
func (p *pipeChannel) Write(b []byte) (int, error) { return p.w.Write(b) }
func (p *pipeChannel) Flush() error                { return nil }

func TestExpectMatchesLiteralAtBufferStart(t *testing.T) {
	ch, feed, _ := newPipeChannel()
	e := New(ch, 0)

	go func() {
		feed.Write([]byte("login: "))
	}()

	m, err := e.Expect(context.Background(), []Needle{Literal("login: ")})
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	if string(m.Consumed) != "login: " {
		t.Fatalf("got %q", m.Consumed)
	}
	if m.Index != 0 {
		t.Fatalf("got index %d", m.Index)
	}
}

func TestExpectEmptyBufferBlocksUntilData(t *testing.T) {
	ch, feed, _ := newPipeChannel()
	e := New(ch, 0)

	done := make(chan Match, 1)
	errCh := make(chan error, 1)
	go func() {
		m, err := e.Expect(context.Background(), []Needle{Literal("ready")})
		if err != nil {
			errCh <- err
			return
		}
		done <- m
	}()

	select {
	case <-done:
		t.Fatal("expect returned before any data was written")
	case <-errCh:
		t.Fatal("expect errored before any data was written")
	case <-time.After(50 * time.Millisecond):
	}

	feed.Write([]byte("...ready"))

	select {
	case m := <-done:
		if string(m.Consumed) != "...ready" {
			t.Fatalf("got %q", m.Consumed)
		}
	case err := <-errCh:
		t.Fatalf("expect: %v", err)
	case <-time.After(time.Second):
		t.Fatal("expect never returned after data arrived")
	}
}

func TestExpectEarliestEndWinsAcrossOverlappingMatches(t *testing.T) {
	ch, feed, _ := newPipeChannel()
	e := New(ch, 0)

	// "password:" ends earlier than the regex ".*ssword.*\n", even though
	// both needles start matching at overlapping positions; the shorter
	// literal should win the tie-break.
	go func() {
		feed.Write([]byte("enter password:\n"))
	}()

	needles := []Needle{
		Regex{Re: regexp.MustCompile(`.*ssword.*\n`)},
		Literal("password:"),
	}
	m, err := e.Expect(context.Background(), needles)
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	if m.Index != 1 {
		t.Fatalf("expected literal needle (index 1) to win, got index %d consumed %q", m.Index, m.Consumed)
	}
	if string(m.Consumed) != "enter password:" {
		t.Fatalf("got %q", m.Consumed)
	}
}

func TestExpectDeclarationOrderBreaksExactTies(t *testing.T) {
	ch, feed, _ := newPipeChannel()
	e := New(ch, 0)

	go func() {
		feed.Write([]byte("OK\n"))
	}()

	needles := []Needle{Literal("OK\n"), Literal("OK\n")}
	m, err := e.Expect(context.Background(), needles)
	if err != nil {
		t.Fatalf("expect: %v", err)
	}
	if m.Index != 0 {
		t.Fatalf("expected first-declared needle to win an exact tie, got index %d", m.Index)
	}
}

func TestExpectWithTimeoutFiresWhenNothingMatches(t *testing.T) {
	ch, _, _ := newPipeChannel()
	e := New(ch, 0)

	_, err := e.ExpectWithTimeout(context.Background(), []Needle{Literal("never")}, 30*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestExpectBufferExceededWhenNoNeedleMatches(t *testing.T) {
	ch, feed, _ := newPipeChannel()
	e := New(ch, 8)

	errCh := make(chan error, 1)
	go func() {
		_, err := e.Expect(context.Background(), []Needle{Literal("nomatch")})
		errCh <- err
	}()

	feed.Write([]byte("0123456789012345"))

	select {
	case err := <-errCh:
		if err != ErrBufferExceeded {
			t.Fatalf("got %v, want ErrBufferExceeded", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expect never returned")
	}
}

func TestSendControlEncodesControlCode(t *testing.T) {
	ch, _, serverR := newPipeChannel()
	e := New(ch, 0)

	got := make(chan byte, 1)
	go func() {
		b := make([]byte, 1)
		io.ReadFull(serverR, b)
		got <- b[0]
	}()

	if err := e.SendControl('C'); err != nil {
		t.Fatalf("send control: %v", err)
	}
	if b := <-got; b != 0x03 {
		t.Fatalf("got %#x, want 0x03", b)
	}
}

func TestSendControlRejectsNonLetter(t *testing.T) {
	ch, _, _ := newPipeChannel()
	e := New(ch, 0)
	if err := e.SendControl('1'); err == nil {
		t.Fatal("expected error for non-letter control char")
	}
}
