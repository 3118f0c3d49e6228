// Command hub_smoke exercises the broker's Worker Hub handshake (spec
// §4.3/§6.1) and the full enqueue-to-completion path end to end against
// an in-process broker: auth rejection on a bad token, a successful
// handshake, a real task assignment once a capability is enrolled, and
// the worker-reported completion landing back on the Task Store.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/brokerd/internal/api"
	"github.com/basket/brokerd/internal/bus"
	"github.com/basket/brokerd/internal/dispatcher"
	"github.com/basket/brokerd/internal/hub"
	"github.com/basket/brokerd/internal/retrypolicy"
	"github.com/basket/brokerd/internal/store"
)

const authToken = "hub-smoke-token"

type frame struct {
	Type         string          `json:"type"`
	Token        string          `json:"token,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	WorkerID     string          `json:"worker_id,omitempty"`
	Message      string          `json:"message,omitempty"`
	TaskID       string          `json:"task_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Task         *struct {
		ID string `json:"id"`
	} `json:"task,omitempty"`
}

func main() {
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func run(ctx context.Context) error {
	st, err := store.Open(ctx, ":memory:", bus.New())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	retryTable := retrypolicy.NewTable()
	disp := dispatcher.New(st, nil, retryTable, dispatcher.Config{WorkerCount: 2})
	workerHub := hub.New(hub.Config{AuthToken: authToken, Handlers: disp.Handlers()})
	disp.AttachHub(workerHub)
	disp.Start(ctx)

	enqueueAPI := api.New(api.Config{Store: st, AuthToken: authToken})

	mux := http.NewServeMux()
	mux.Handle("/ws", workerHub)
	apiHandler := enqueueAPI.Handler()
	mux.Handle("/v1/tasks", apiHandler)
	mux.Handle("/v1/tasks/", apiHandler)

	srv := httptest.NewServer(mux)
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	if err := checkBadAuthRejected(ctx, wsURL); err != nil {
		return fmt.Errorf("bad-auth check: %w", err)
	}
	fmt.Println("CHECK bad auth rejected")

	conn, workerID, err := handshake(ctx, wsURL, []string{"exec.local"})
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "smoke done")
	fmt.Printf("CHECK handshake ok worker_id=%s\n", workerID)

	taskID, err := enqueueTask(srv.URL)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	fmt.Printf("CHECK enqueued task_id=%s\n", taskID)

	assigned, err := waitForAssignment(ctx, conn, taskID)
	if err != nil {
		return fmt.Errorf("wait for assignment: %w", err)
	}
	fmt.Printf("CHECK assigned task_id=%s\n", assigned)

	if err := wsjson.Write(ctx, conn, frame{Type: "task:complete", TaskID: taskID, Result: json.RawMessage(`{"ok":true}`)}); err != nil {
		return fmt.Errorf("write task:complete: %w", err)
	}

	if err := waitForStatus(srv.URL, taskID, "completed", 5*time.Second); err != nil {
		return fmt.Errorf("wait for completion: %w", err)
	}
	fmt.Println("CHECK task completed")
	return nil
}

func checkBadAuthRejected(ctx context.Context, wsURL string) error {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	var pending frame
	if err := wsjson.Read(ctx, conn, &pending); err != nil || pending.Type != "connection:pending" {
		return fmt.Errorf("expected connection:pending, got %+v err=%v", pending, err)
	}
	if err := wsjson.Write(ctx, conn, frame{Type: "auth", Token: "wrong-token"}); err != nil {
		return fmt.Errorf("write auth: %w", err)
	}
	var resp frame
	if err := wsjson.Read(ctx, conn, &resp); err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if resp.Type != "auth:failed" {
		return fmt.Errorf("expected auth:failed, got %+v", resp)
	}
	return nil
}

func handshake(ctx context.Context, wsURL string, capabilities []string) (*websocket.Conn, string, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("dial: %w", err)
	}

	var pending frame
	if err := wsjson.Read(ctx, conn, &pending); err != nil || pending.Type != "connection:pending" {
		return nil, "", fmt.Errorf("expected connection:pending, got %+v err=%v", pending, err)
	}
	if err := wsjson.Write(ctx, conn, frame{Type: "auth", Token: authToken}); err != nil {
		return nil, "", fmt.Errorf("write auth: %w", err)
	}
	var authResp frame
	if err := wsjson.Read(ctx, conn, &authResp); err != nil || authResp.Type != "auth:success" {
		return nil, "", fmt.Errorf("expected auth:success, got %+v err=%v", authResp, err)
	}
	if err := wsjson.Write(ctx, conn, frame{Type: "register", Capabilities: capabilities}); err != nil {
		return nil, "", fmt.Errorf("write register: %w", err)
	}
	var registered frame
	if err := wsjson.Read(ctx, conn, &registered); err != nil || registered.Type != "registered" || registered.WorkerID == "" {
		return nil, "", fmt.Errorf("expected registered with worker_id, got %+v err=%v", registered, err)
	}
	return conn, registered.WorkerID, nil
}

func enqueueTask(baseURL string) (string, error) {
	body := strings.NewReader(`{"kind":"observation","required_capability":"exec.local","payload":{"content":"hub-smoke"}}`)
	req, err := http.NewRequest(http.MethodPost, baseURL+"/v1/tasks", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+authToken)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("enqueue status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func waitForAssignment(ctx context.Context, conn *websocket.Conn, wantTaskID string) (string, error) {
	for {
		var f frame
		if err := wsjson.Read(ctx, conn, &f); err != nil {
			return "", err
		}
		if f.Type == "task:assign" && f.Task != nil && f.Task.ID == wantTaskID {
			return f.Task.ID, nil
		}
	}
}

func waitForStatus(baseURL, taskID, wantStatus string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		req, _ := http.NewRequest(http.MethodGet, baseURL+"/v1/tasks/"+taskID, nil)
		req.Header.Set("Authorization", "Bearer "+authToken)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			var out struct {
				Status string `json:"status"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&out)
			resp.Body.Close()
			if out.Status == wantStatus {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}
	return fmt.Errorf("task %s did not reach status %q within %v", taskID, wantStatus, timeout)
}
