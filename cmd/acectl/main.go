// Command acectl is a thin HTTP client for ace-dispatcher's submission
// API: register/list/inspect module types, submit root observables,
// inspect queue depth, manage alert systems, and drive the content
// store. Grounded on the teacher's slctl: a flag-based subcommand
// dispatcher over a small JSON request helper, no RPC stubs.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/nodalwatch/ace/pkg/version"
)

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	defaultAddr := getenv("ACE_ADDR", "http://localhost:8080")
	defaultToken := os.Getenv("ACE_TOKEN")

	root := flag.NewFlagSet("acectl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	addrFlag := root.String("addr", defaultAddr, "ace-dispatcher base URL (env ACE_ADDR)")
	tokenFlag := root.String("token", defaultToken, "bearer token for authentication (env ACE_TOKEN)")
	timeoutFlag := root.Duration("timeout", 15*time.Second, "HTTP request timeout")
	showVersion := root.Bool("version", false, "print acectl build information and exit")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}

	if *showVersion {
		fmt.Println(version.FullVersion())
		return nil
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	client := &apiClient{
		baseURL: strings.TrimRight(*addrFlag, "/"),
		token:   strings.TrimSpace(*tokenFlag),
		http:    &http.Client{Timeout: *timeoutFlag},
	}

	switch remaining[0] {
	case "module-types":
		return handleModuleTypes(ctx, client, remaining[1:])
	case "roots":
		return handleRoots(ctx, client, remaining[1:])
	case "queues":
		return handleQueues(ctx, client, remaining[1:])
	case "alerts":
		return handleAlerts(ctx, client, remaining[1:])
	case "content":
		return handleContent(ctx, client, remaining[1:])
	case "help", "-h", "--help":
		printUsage()
		return nil
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func usageError(err error) error {
	printUsage()
	return err
}

func printUsage() {
	fmt.Println(`acectl - administrative CLI for ace-dispatcher

Usage:
  acectl module-types list
  acectl module-types register --name <n> --observable-types t1,t2 --version <v> [--dependency module_name ...]
  acectl module-types get <name>
  acectl module-types delete <name>
  acectl roots submit <observable-type> <observable-value>
  acectl roots get <uuid>
  acectl queues size <module-type>
  acectl alerts register <system-name>
  acectl alerts count <system-name>
  acectl alerts list <system-name> [--timeout <seconds>]
  acectl content store <file-path>
  acectl content meta <sha256>
  acectl content delete <sha256>
  acectl content sweep`)
}

func handleModuleTypes(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "list":
		data, err := client.request(ctx, http.MethodGet, "/module-types", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "register":
		fs := flag.NewFlagSet("module-types register", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		var name, observableTypes, version string
		var deps stringSliceFlag
		fs.StringVar(&name, "name", "", "module type name (required)")
		fs.StringVar(&observableTypes, "observable-types", "", "comma-separated observable types this module analyzes")
		fs.StringVar(&version, "version", "", "module build version")
		fs.Var(&deps, "dependency", "module this one depends on (repeatable)")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		if name == "" {
			return errors.New("--name is required")
		}
		payload := map[string]any{
			"name":             name,
			"observable_types": splitCSV(observableTypes),
			"version":          version,
			"dependencies":     []string(deps),
		}
		data, err := client.request(ctx, http.MethodPost, "/module-types", payload)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "get":
		if len(args) < 2 {
			return errors.New("module type name required")
		}
		data, err := client.request(ctx, http.MethodGet, "/module-types/"+args[1], nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "delete":
		if len(args) < 2 {
			return errors.New("module type name required")
		}
		_, err := client.request(ctx, http.MethodDelete, "/module-types/"+args[1], nil)
		return err
	default:
		return fmt.Errorf("unknown module-types subcommand %q", args[0])
	}
	return nil
}

func handleRoots(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "submit":
		if len(args) < 3 {
			return errors.New("usage: acectl roots submit <observable-type> <observable-value>")
		}
		payload := map[string]any{
			"observables": []map[string]any{{"type": args[1], "value": args[2]}},
		}
		data, err := client.request(ctx, http.MethodPost, "/roots", payload)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "get":
		if len(args) < 2 {
			return errors.New("root uuid required")
		}
		data, err := client.request(ctx, http.MethodGet, "/roots/"+args[1], nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return fmt.Errorf("unknown roots subcommand %q", args[0])
	}
	return nil
}

func handleQueues(ctx context.Context, client *apiClient, args []string) error {
	if len(args) < 2 || args[0] != "size" {
		return errors.New("usage: acectl queues size <module-type>")
	}
	data, err := client.request(ctx, http.MethodGet, "/queues/"+args[1]+"/size", nil)
	if err != nil {
		return err
	}
	prettyPrint(data)
	return nil
}

func handleAlerts(ctx context.Context, client *apiClient, args []string) error {
	if len(args) < 2 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "register":
		_, err := client.request(ctx, http.MethodPost, "/alert-systems/"+args[1], nil)
		return err
	case "count":
		data, err := client.request(ctx, http.MethodGet, "/alert-systems/"+args[1]+"/count", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "list":
		fs := flag.NewFlagSet("alerts list", flag.ContinueOnError)
		fs.SetOutput(io.Discard)
		timeout := fs.Int("timeout", 0, "seconds to block waiting for at least one alert")
		if err := fs.Parse(args[2:]); err != nil {
			return err
		}
		data, err := client.request(ctx, http.MethodGet, fmt.Sprintf("/alert-systems/%s/alerts?timeout=%d", args[1], *timeout), nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return fmt.Errorf("unknown alerts subcommand %q", args[0])
	}
	return nil
}

func handleContent(ctx context.Context, client *apiClient, args []string) error {
	if len(args) == 0 {
		printUsage()
		return nil
	}
	switch args[0] {
	case "store":
		if len(args) < 2 {
			return errors.New("file path required")
		}
		raw, err := os.ReadFile(args[1])
		if err != nil {
			return err
		}
		data, _, err := client.requestRaw(ctx, http.MethodPost, "/content?name="+args[1], raw, "application/octet-stream")
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "meta":
		if len(args) < 2 {
			return errors.New("sha256 required")
		}
		data, err := client.request(ctx, http.MethodGet, "/content/"+args[1]+"/meta", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	case "delete":
		if len(args) < 2 {
			return errors.New("sha256 required")
		}
		_, err := client.request(ctx, http.MethodDelete, "/content/"+args[1], nil)
		return err
	case "sweep":
		data, err := client.request(ctx, http.MethodDelete, "/content/expired", nil)
		if err != nil {
			return err
		}
		prettyPrint(data)
	default:
		return fmt.Errorf("unknown content subcommand %q", args[0])
	}
	return nil
}

type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *apiClient) request(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var body []byte
	contentType := ""
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		body = raw
		contentType = "application/json"
	}
	data, _, err := c.requestRaw(ctx, method, path, body, contentType)
	return data, err
}

func (c *apiClient) requestRaw(ctx context.Context, method, path string, body []byte, contentType string) ([]byte, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, nil, err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.Header, err
	}
	if resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(data))
		return nil, resp.Header, fmt.Errorf("%s %s: %s (status %d)", method, path, msg, resp.StatusCode)
	}
	return data, resp.Header, nil
}

func prettyPrint(data []byte) {
	if len(data) == 0 {
		fmt.Println("(empty)")
		return
	}
	var dst bytes.Buffer
	if err := json.Indent(&dst, data, "", "  "); err != nil {
		fmt.Println(string(data))
		return
	}
	fmt.Println(dst.String())
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getenv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// stringSliceFlag collects repeated -dependency flags into a slice.
type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }
func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}
