package uds

import (
	"encoding/json"
	"io"
	"log"
	"path/filepath"
	"testing"
)

func startTestServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	// Socket paths have a tight length limit; keep the temp name short.
	sock := filepath.Join(t.TempDir(), "a.sock")
	srv := NewServer(sock, log.New(io.Discard, "", 0))
	if err := srv.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Stop() })
	return srv, NewClient(sock)
}

func TestRequestResponseRoundTrip(t *testing.T) {
	srv, client := startTestServer(t)

	type echoParams struct {
		Value string `json:"value"`
	}
	srv.Handle("echo", func(req *Request) *Response {
		var p echoParams
		if err := json.Unmarshal(req.Params, &p); err != nil {
			return ErrorResponse(ErrCodeValidation, err.Error())
		}
		return SuccessResponse(map[string]string{"value": p.Value})
	})

	resp, err := client.SendCommand("echo", echoParams{Value: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if !resp.Success {
		t.Fatalf("error response: %+v", resp.Error)
	}
	var data map[string]string
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatal(err)
	}
	if data["value"] != "hello" {
		t.Errorf("data: %+v", data)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, client := startTestServer(t)

	resp, err := client.SendCommand("nope", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeUnknownCommand {
		t.Errorf("response: %+v", resp)
	}
}

func TestProtocolVersionMismatch(t *testing.T) {
	srv, client := startTestServer(t)
	srv.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })

	resp, err := client.Send(&Request{ProtocolVersion: 99, Command: "ping"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if resp.Success || resp.Error == nil || resp.Error.Code != ErrCodeProtocolMismatch {
		t.Errorf("response: %+v", resp)
	}
}

func TestPanickingHandlerDoesNotKillServer(t *testing.T) {
	srv, client := startTestServer(t)
	srv.Handle("boom", func(*Request) *Response { panic("handler bug") })
	srv.Handle("ping", func(*Request) *Response { return SuccessResponse(nil) })

	// The panicking exchange yields no response.
	if _, err := client.SendCommand("boom", nil); err == nil {
		t.Error("expected a transport error from the panicked exchange")
	}

	// The server must still serve subsequent connections.
	resp, err := client.SendCommand("ping", nil)
	if err != nil {
		t.Fatalf("server dead after panic: %v", err)
	}
	if !resp.Success {
		t.Errorf("response: %+v", resp)
	}
}
