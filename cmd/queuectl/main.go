// queuectl is a small operator CLI for the queue-api broker.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/example/codequeue/pkg/queueapi"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "submit":
		runSubmit(os.Args[2:])
	case "result":
		runResult(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "health":
		runHealth(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: queuectl <submit|result|status|health> [...]")
}

func brokerURL() string {
	if v := strings.TrimSpace(os.Getenv("CODEQUEUE_BROKER_URL")); v != "" {
		return strings.TrimRight(v, "/")
	}
	return "http://localhost:5000"
}

func runSubmit(args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	id := fs.String("id", "", "task id (default: generated from the current time)")
	file := fs.String("file", "", "file with the code to run (default: stdin)")
	timeout := fs.Int("timeout", 30, "execution timeout in seconds")
	priority := fs.Int("priority", 1, "task priority (higher runs first)")
	clientID := fs.String("client-id", "queuectl", "submitting client id")
	_ = fs.Parse(args)

	code, err := readCode(*file)
	if err != nil {
		fatalf("read code: %v", err)
	}
	taskID := *id
	if taskID == "" {
		taskID = fmt.Sprintf("task_%d", time.Now().UnixNano())
	}
	var resp queueapi.SubmitTaskResponse
	if err := doJSON(http.MethodPost, brokerURL()+"/tasks", queueapi.Task{
		ID: taskID, Code: code, Timeout: *timeout, Priority: *priority, ClientID: *clientID,
	}, &resp); err != nil {
		fatalf("submit: %v", err)
	}
	fmt.Println(resp.TaskID)
}

func runResult(args []string) {
	fs := flag.NewFlagSet("result", flag.ExitOnError)
	wait := fs.Bool("wait", false, "poll until a result exists")
	interval := fs.Duration("interval", 2*time.Second, "poll interval with -wait")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fatalf("usage: queuectl result [-wait] <task-id>")
	}
	taskID := fs.Arg(0)

	for {
		var res queueapi.Result
		err := doJSON(http.MethodGet, brokerURL()+"/results/"+taskID, nil, &res)
		if err == nil {
			printJSON(res)
			return
		}
		var se *statusErr
		if *wait && errors.As(err, &se) && se.code == http.StatusNotFound {
			time.Sleep(*interval)
			continue
		}
		fatalf("get result: %v", err)
	}
}

func runStatus(_ []string) {
	var stats queueapi.QueueStatusResponse
	if err := doJSON(http.MethodGet, brokerURL()+"/status", nil, &stats); err != nil {
		fatalf("get status: %v", err)
	}
	printJSON(stats)
}

func runHealth(_ []string) {
	var health queueapi.HealthResponse
	if err := doJSON(http.MethodGet, brokerURL()+"/health", nil, &health); err != nil {
		fatalf("health check: %v", err)
	}
	printJSON(health)
}

func readCode(path string) (string, error) {
	if path == "" {
		raw, err := io.ReadAll(os.Stdin)
		return string(raw), err
	}
	raw, err := os.ReadFile(path)
	return string(raw), err
}

func doJSON(method, url string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("CODEQUEUE_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusErr{code: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

type statusErr struct {
	code int
	body string
}

func (e *statusErr) Error() string {
	if e.body != "" {
		return fmt.Sprintf("broker returned %d: %s", e.code, e.body)
	}
	return fmt.Sprintf("broker returned %d", e.code)
}
