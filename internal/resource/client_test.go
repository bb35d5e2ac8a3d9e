package resource

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchlab/punchline/pkg/schema"
)

// pipeTransport is an in-memory Transport backed by two pipes.
type pipeTransport struct {
	writeEnd *io.PipeWriter // client writes requests here
	readEnd  *io.PipeReader // client reads responses here

	serviceIn  *io.PipeReader // fake service reads requests
	serviceOut *io.PipeWriter // fake service writes responses
}

func newPipeTransport() *pipeTransport {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	return &pipeTransport{
		writeEnd:   reqW,
		readEnd:    respR,
		serviceIn:  reqR,
		serviceOut: respW,
	}
}

func (t *pipeTransport) Write(p []byte) (int, error) { return t.writeEnd.Write(p) }
func (t *pipeTransport) Reader() io.Reader           { return t.readEnd }
func (t *pipeTransport) Close() error {
	_ = t.writeEnd.Close()
	_ = t.serviceOut.Close()
	return nil
}

// fakeService answers requests with the given handler, one response per line.
func fakeService(t *pipeTransport, handle func(req request) *response) {
	go func() {
		scanner := bufio.NewScanner(t.serviceIn)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			resp := handle(req)
			if resp == nil {
				continue // simulate a vanished response
			}
			line, _ := json.Marshal(resp)
			line = append(line, '\n')
			if _, err := t.serviceOut.Write(line); err != nil {
				return
			}
		}
	}()
}

func resultRaw(v any) json.RawMessage {
	raw, _ := json.Marshal(v)
	return raw
}

func newTestClient(handle func(req request) *response) *Client {
	factory := func(root string) (Transport, error) {
		pt := newPipeTransport()
		fakeService(pt, handle)
		return pt, nil
	}
	return NewClient(factory, "/sandbox", nil)
}

func TestClientWriteReadRoundTrip(t *testing.T) {
	stored := make(map[string]string)
	var mu sync.Mutex

	client := newTestClient(func(req request) *response {
		params, _ := req.Params.(map[string]any)
		mu.Lock()
		defer mu.Unlock()
		switch req.Method {
		case methodWrite:
			rel, _ := params["relativePath"].(string)
			text, _ := params["text"].(string)
			uri := "file:///sandbox/" + rel
			stored[uri] = text
			return &response{ID: req.ID, Result: resultRaw(map[string]string{"uri": uri})}
		case methodRead:
			uri, _ := params["uri"].(string)
			text, ok := stored[uri]
			if !ok {
				return &response{ID: req.ID, Error: &rpcError{Code: 404, Message: "not found"}}
			}
			return &response{ID: req.ID, Result: resultRaw(map[string]string{"text": text})}
		}
		return &response{ID: req.ID, Error: &rpcError{Code: 400, Message: "unknown method"}}
	})
	defer client.Close()

	ctx := context.Background()
	uri, err := client.Write(ctx, "jokes/run-1-1.txt", "why did the gopher cross the road")
	require.NoError(t, err)
	assert.Equal(t, "file:///sandbox/jokes/run-1-1.txt", uri)

	text, err := client.ReadText(ctx, uri)
	require.NoError(t, err)
	assert.Equal(t, "why did the gopher cross the road", text)
}

func TestClientCorrelatesConcurrentCalls(t *testing.T) {
	client := newTestClient(func(req request) *response {
		params, _ := req.Params.(map[string]any)
		uri, _ := params["uri"].(string)
		return &response{ID: req.ID, Result: resultRaw(map[string]string{"text": "echo:" + uri})}
	})
	defer client.Close()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			uri := fmt.Sprintf("file:///sandbox/%d", n)
			text, err := client.ReadText(ctx, uri)
			assert.NoError(t, err)
			assert.Equal(t, "echo:"+uri, text)
		}(i)
	}
	wg.Wait()
}

func TestClientDeleteUnauthorized(t *testing.T) {
	client := newTestClient(func(req request) *response {
		return &response{ID: req.ID, Error: &rpcError{Code: 401, Message: "approval token required"}}
	})
	defer client.Close()

	ok, err := client.Delete(context.Background(), "file:///sandbox/jokes/x.txt", "")
	require.Error(t, err)
	assert.False(t, ok)

	perr, isTyped := err.(*schema.PunchlineError)
	require.True(t, isTyped)
	assert.Equal(t, schema.ErrCodeUnauthorized, perr.Code)
}

func TestClientDeleteWithToken(t *testing.T) {
	client := newTestClient(func(req request) *response {
		params, _ := req.Params.(map[string]any)
		if tok, _ := params["approvalToken"].(string); tok != "secreto" {
			return &response{ID: req.ID, Error: &rpcError{Code: 401, Message: "bad token"}}
		}
		return &response{ID: req.ID, Result: resultRaw(map[string]bool{"ok": true})}
	})
	defer client.Close()

	ok, err := client.Delete(context.Background(), "file:///sandbox/jokes/x.txt", "secreto")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClientMissingResponseBlocksUntilContext(t *testing.T) {
	client := newTestClient(func(req request) *response {
		return nil // never answer
	})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := client.ReadText(ctx, "file:///sandbox/void")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestClientMalformedLinesAreSkipped(t *testing.T) {
	pt := newPipeTransport()
	factory := func(root string) (Transport, error) { return pt, nil }
	client := NewClient(factory, "/sandbox", nil)
	defer client.Close()

	go func() {
		scanner := bufio.NewScanner(pt.serviceIn)
		for scanner.Scan() {
			var req request
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				continue
			}
			// Garbage first, then the real answer.
			_, _ = pt.serviceOut.Write([]byte("{not json\n"))
			line, _ := json.Marshal(response{ID: req.ID, Result: resultRaw(map[string]string{"text": "ok"})})
			_, _ = pt.serviceOut.Write(append(line, '\n'))
		}
	}()

	text, err := client.ReadText(context.Background(), "file:///sandbox/a")
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
}

func TestClientRespawnsOnRootChange(t *testing.T) {
	var spawns atomic.Int32
	factory := func(root string) (Transport, error) {
		spawns.Add(1)
		pt := newPipeTransport()
		fakeService(pt, func(req request) *response {
			return &response{ID: req.ID, Result: resultRaw(map[string]string{"text": root})}
		})
		return pt, nil
	}
	client := NewClient(factory, "/a", nil)
	defer client.Close()

	ctx := context.Background()
	text, err := client.ReadText(ctx, "file:///x")
	require.NoError(t, err)
	assert.Equal(t, "/a", text)
	assert.Equal(t, int32(1), spawns.Load())

	client.SetRoot("/a") // no-op
	assert.Equal(t, int32(1), spawns.Load())

	client.SetRoot("/b")
	text, err = client.ReadText(ctx, "file:///x")
	require.NoError(t, err)
	assert.Equal(t, "/b", text)
	assert.Equal(t, int32(2), spawns.Load())
}
