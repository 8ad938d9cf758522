// Command ragcorectl is a small operator CLI that talks to a running
// ragcored's HTTP API: trigger a partition rebuild, poll a job's status, or
// check the server's health.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	log.SetFlags(0)
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	addr := flag.NewFlagSet("", flag.ExitOnError)
	addrFlag := addr.String("addr", firstNonEmpty(os.Getenv("RAGCORE_ADDR"), "http://localhost:8080"), "ragcored base URL")
	timeoutFlag := addr.Duration("timeout", 30*time.Second, "request timeout")

	switch os.Args[1] {
	case "rebuild":
		cmdRebuild(addr, addrFlag, timeoutFlag, os.Args[2:])
	case "job":
		cmdJob(addr, addrFlag, timeoutFlag, os.Args[2:])
	case "health":
		cmdHealth(addr, addrFlag, timeoutFlag, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `ragcorectl - operator CLI for ragcored

Usage:
  ragcorectl rebuild -tenant T -namespace N [-document-type D] [-reembed] [-addr URL]
  ragcorectl job -id JOB_ID [-addr URL]
  ragcorectl health [-addr URL]`)
}

func cmdRebuild(fs *flag.FlagSet, addrFlag *string, timeoutFlag *time.Duration, args []string) {
	tenant := fs.String("tenant", "", "tenant id (required)")
	namespace := fs.String("namespace", "", "namespace (required)")
	docType := fs.String("document-type", "", "document type, defaults to \"default\"")
	reembed := fs.Bool("reembed", false, "re-run embedding for every live chunk, not just re-fuse the index")
	fs.Parse(args)

	if *tenant == "" || *namespace == "" {
		log.Fatal("rebuild: -tenant and -namespace are required")
	}

	body, _ := json.Marshal(map[string]any{
		"tenant_id": *tenant, "namespace": *namespace, "document_type": *docType, "reembed": *reembed,
	})
	var out map[string]any
	if err := doJSON(*timeoutFlag, http.MethodPost, *addrFlag+"/index/rebuild", body, &out); err != nil {
		log.Fatalf("rebuild: %v", err)
	}
	fmt.Println(out["job_id"])
}

func cmdJob(fs *flag.FlagSet, addrFlag *string, timeoutFlag *time.Duration, args []string) {
	id := fs.String("id", "", "job id (required)")
	fs.Parse(args)

	if *id == "" {
		log.Fatal("job: -id is required")
	}

	var out map[string]any
	if err := doJSON(*timeoutFlag, http.MethodGet, *addrFlag+"/jobs/"+*id, nil, &out); err != nil {
		log.Fatalf("job: %v", err)
	}
	printJSON(out)
}

func cmdHealth(fs *flag.FlagSet, addrFlag *string, timeoutFlag *time.Duration, args []string) {
	fs.Parse(args)

	var out map[string]any
	if err := doJSON(*timeoutFlag, http.MethodGet, *addrFlag+"/health", nil, &out); err != nil {
		log.Fatalf("health: %v", err)
	}
	printJSON(out)
	if ok, _ := out["ok"].(bool); !ok {
		os.Exit(1)
	}
}

func doJSON(timeout time.Duration, method, url string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%s: %s", resp.Status, string(raw))
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
