// Command zeroclawctl is a thin HTTP client for the control plane daemon: it
// reaches every operation through zeroclaw-cpd's HTTP surface, never the
// registry or process control packages directly.
package main

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	addr := strings.TrimSuffix(envOr("ZEROCLAW_ADDR", "http://127.0.0.1:7780"), "/")
	args := os.Args[2:]

	var err error
	switch os.Args[1] {
	case "instances":
		err = cmdInstances(addr, args)
	case "create":
		err = cmdCreate(addr, args)
	case "start":
		err = cmdLifecycle(addr, "start", args)
	case "stop":
		err = cmdLifecycle(addr, "stop", args)
	case "restart":
		err = cmdLifecycle(addr, "restart", args)
	case "archive":
		err = cmdLifecycle(addr, "archive", args)
	case "unarchive":
		err = cmdLifecycle(addr, "unarchive", args)
	case "delete":
		err = cmdDelete(addr, args)
	case "send":
		err = cmdSend(addr, args)
	case "ack":
		err = cmdMessageAction(addr, "ack", args)
	case "replay":
		err = cmdMessageAction(addr, "replay", args)
	case "messages":
		err = cmdMessages(addr, args)
	case "secret":
		err = cmdSecret(addr, args)
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "zeroclawctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`zeroclawctl <command> [flags]

commands:
  instances                          list instances
  create --name NAME --port N        create an instance
  start --name NAME                  start an instance
  stop --name NAME                   stop an instance
  restart --name NAME                restart an instance
  archive --name NAME                archive an instance
  unarchive --name NAME              unarchive an instance
  delete --name NAME                 delete an archived instance
  send --from X --to Y --type T      send a message, payload on stdin
  ack --id ID                        acknowledge a message
  replay --id ID                     requeue a dead-lettered message
  messages --to NAME                 list messages for an instance
  secret --name NAME --field F       store a secret, value on stdin`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func cmdInstances(addr string, args []string) error {
	return getJSON(addr + "/instances")
}

func cmdCreate(addr string, args []string) error {
	fs := flag.NewFlagSet("create", flag.ExitOnError)
	name := fs.String("name", "", "instance name")
	port := fs.Int("port", 0, "instance port")
	provider := fs.String("provider", "", "provider")
	model := fs.String("model", "", "model")
	_ = fs.Parse(args)
	if *name == "" || *port == 0 {
		return fmt.Errorf("--name and --port are required")
	}
	body, _ := json.Marshal(map[string]any{
		"name": *name, "port": *port, "provider": *provider, "model": *model,
	})
	return postJSON(addr+"/instances", body)
}

func cmdLifecycle(addr, verb string, args []string) error {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	name := fs.String("name", "", "instance name")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	return postJSON(fmt.Sprintf("%s/instances/%s/%s", addr, *name, verb), nil)
}

func cmdDelete(addr string, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	name := fs.String("name", "", "instance name")
	_ = fs.Parse(args)
	if *name == "" {
		return fmt.Errorf("--name is required")
	}
	return doRequest(http.MethodDelete, fmt.Sprintf("%s/instances/%s", addr, *name), nil)
}

func cmdSend(addr string, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	from := fs.String("from", "", "source instance")
	to := fs.String("to", "", "destination instance")
	typ := fs.String("type", "", "message type")
	ttlSeconds := fs.Int("ttl-seconds", 0, "TTL override in seconds (optional)")
	idempotencyKey := fs.String("idempotency-key", "", "idempotency key (random if omitted)")
	_ = fs.Parse(args)
	if *from == "" || *to == "" || *typ == "" {
		return fmt.Errorf("--from, --to and --type are required")
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading payload from stdin: %w", err)
	}
	key := *idempotencyKey
	if key == "" {
		key, err = randomHex(16)
		if err != nil {
			return err
		}
	}
	req := map[string]any{
		"from":            *from,
		"to":              *to,
		"type":            *typ,
		"payload":         json.RawMessage(payload),
		"idempotency_key": key,
	}
	if *ttlSeconds > 0 {
		req["ttl_seconds"] = *ttlSeconds
	}
	body, _ := json.Marshal(req)
	return postJSON(addr+"/messages", body)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func cmdMessageAction(addr, verb string, args []string) error {
	fs := flag.NewFlagSet(verb, flag.ExitOnError)
	id := fs.String("id", "", "message id")
	_ = fs.Parse(args)
	if *id == "" {
		return fmt.Errorf("--id is required")
	}
	return postJSON(fmt.Sprintf("%s/messages/%s/%s", addr, *id, verb), nil)
}

func cmdMessages(addr string, args []string) error {
	fs := flag.NewFlagSet("messages", flag.ExitOnError)
	to := fs.String("to", "", "destination instance")
	_ = fs.Parse(args)
	url := addr + "/messages"
	if *to != "" {
		url = fmt.Sprintf("%s/instances/%s/messages", addr, *to)
	}
	return getJSON(url)
}

func cmdSecret(addr string, args []string) error {
	fs := flag.NewFlagSet("secret", flag.ExitOnError)
	name := fs.String("name", "", "instance name")
	field := fs.String("field", "", "secret field")
	_ = fs.Parse(args)
	if *name == "" || *field == "" {
		return fmt.Errorf("--name and --field are required")
	}
	value, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("reading secret value from stdin: %w", err)
	}
	url := fmt.Sprintf("%s/instances/%s/secrets/%s", addr, *name, *field)
	return doRequest(http.MethodPut, url, value)
}

func getJSON(url string) error {
	return doRequest(http.MethodGet, url, nil)
}

func postJSON(url string, body []byte) error {
	return doRequest(http.MethodPost, url, body)
}

func doRequest(method, url string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		var pretty bytes.Buffer
		if json.Indent(&pretty, out, "", "  ") == nil {
			fmt.Println(pretty.String())
		} else {
			fmt.Println(string(out))
		}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
