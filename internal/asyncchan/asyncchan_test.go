package asyncchan

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/domainkit/substrate/internal/rpc"
)

func TestRequestResponseRoundTrip(t *testing.T) {
	a, b := rpc.NewLMPPair()

	client := New(rpc.NewConn(a), nil)
	defer client.Close()

	server := New(rpc.NewConn(b), func(payload []byte) []byte {
		return append([]byte("echo:"), payload...)
	})
	defer server.Close()

	resp, err := client.Request([]byte("hello"))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	if string(resp) != "echo:hello" {
		t.Fatalf("Request response: got %q, want %q", resp, "echo:hello")
	}
}

func TestConcurrentRequestsAreIndependentlyCorrelated(t *testing.T) {
	a, b := rpc.NewLMPPair()

	client := New(rpc.NewConn(a), nil)
	defer client.Close()

	server := New(rpc.NewConn(b), func(payload []byte) []byte {
		return append([]byte("got:"), payload...)
	})
	defer server.Close()

	const n = 20

	var wg sync.WaitGroup

	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			req := fmt.Sprintf("req-%d", i)

			resp, err := client.Request([]byte(req))
			if err != nil {
				errs <- err
				return
			}

			if string(resp) != "got:"+req {
				errs <- fmt.Errorf("got %q, want %q", resp, "got:"+req)
			}
		}(i)
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestCloseUnblocksPendingRequest(t *testing.T) {
	a, _ := rpc.NewLMPPair() // peer side never responds

	client := New(rpc.NewConn(a), nil)

	done := make(chan error, 1)

	go func() {
		_, err := client.Request([]byte("hang"))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		if err != ErrClosed {
			t.Fatalf("Request after Close: got %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Request did not unblock after Close")
	}
}
