package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"

	"tripot/internal/transport"
)

func dial(t *testing.T, handler func(c *Conn)) *gws.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := Upgrade(w, r, Options{})
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		handler(c)
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := gws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestReadWriteRoundTrip(t *testing.T) {
	t.Parallel()
	got := make(chan []byte, 1)
	client := dial(t, func(c *Conn) {
		b, err := c.Read(context.Background())
		if err != nil {
			t.Errorf("Read: %v", err)
			return
		}
		got <- b
		_ = c.Write(context.Background(), transport.AI("안녕하세요"))
	})

	if err := client.WriteMessage(gws.TextMessage, []byte("hello")); err != nil {
		t.Fatal(err)
	}
	select {
	case b := <-got:
		if string(b) != "hello" {
			t.Fatalf("server read %q", b)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never read the frame")
	}

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("client read: %v", err)
	}
	var f transport.Frame
	if err := json.Unmarshal(msg, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != transport.TypeAI || f.Content != "안녕하세요" {
		t.Fatalf("frame = %+v", f)
	}
}

func TestCloseUnblocksRead(t *testing.T) {
	t.Parallel()
	readErr := make(chan error, 1)
	ready := make(chan *Conn, 1)
	dial(t, func(c *Conn) {
		ready <- c
		_, err := c.Read(context.Background())
		readErr <- err
	})

	c := <-ready
	time.Sleep(20 * time.Millisecond)
	_ = c.Close()
	select {
	case err := <-readErr:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("Read err = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read still blocked after Close")
	}
	if err := c.Write(context.Background(), transport.System("x")); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Write after Close = %v", err)
	}
}

func TestContextCancelUnblocksRead(t *testing.T) {
	t.Parallel()
	readErr := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dial(t, func(c *Conn) {
		_, err := c.Read(ctx)
		readErr <- err
	})

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-readErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Read err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read still blocked after cancel")
	}
}

func TestPeerCloseIsErrClosed(t *testing.T) {
	t.Parallel()
	readErr := make(chan error, 1)
	client := dial(t, func(c *Conn) {
		_, err := c.Read(context.Background())
		readErr <- err
	})
	msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "bye")
	_ = client.WriteControl(gws.CloseMessage, msg, time.Now().Add(time.Second))

	select {
	case err := <-readErr:
		if !errors.Is(err, transport.ErrClosed) {
			t.Fatalf("Read err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read not released by peer close")
	}
}
