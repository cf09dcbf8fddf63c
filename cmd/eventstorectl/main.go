// Command eventstorectl is an operator CLI for the eventstored admin HTTP
// surface: list undispatched commits, list snapshot candidates, and purge
// a partition. Flag handling and the -json/human-readable output split
// follow the teacher's tools/replay_catalog CLI shape.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "undispatched":
		runUndispatched(os.Args[2:])
	case "snapshot-candidates":
		runSnapshotCandidates(os.Args[2:])
	case "purge":
		runPurge(os.Args[2:])
	case "-h", "-help", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `eventstorectl <subcommand> [flags]

Subcommands:
  undispatched          list commits not yet marked dispatched
  snapshot-candidates   list streams whose unsnapshotted lag reaches a threshold
  purge                 delete every commit and snapshot for a partition

Run "eventstorectl <subcommand> -h" for subcommand flags.`)
}

// commonFlags is the flag set shared by every subcommand.
type commonFlags struct {
	addr      *string
	partition *string
	token     *string
	jsonOut   *bool
	timeout   *time.Duration
}

func bindCommon(fs *flag.FlagSet) *commonFlags {
	return &commonFlags{
		addr:      fs.String("addr", "http://localhost:8420", "eventstored admin HTTP address"),
		partition: fs.String("partition", "default", "partition to operate on"),
		token:     fs.String("token", os.Getenv("ESTORE_ADMIN_TOKEN"), "admin bearer token (defaults to ESTORE_ADMIN_TOKEN)"),
		jsonOut:   fs.Bool("json", false, "emit JSON instead of human-readable output"),
		timeout:   fs.Duration("timeout", 10*time.Second, "request timeout"),
	}
}

func runUndispatched(args []string) {
	fs := flag.NewFlagSet("undispatched", flag.ExitOnError)
	cf := bindCommon(fs)
	_ = fs.Parse(args)

	var payload struct {
		Partition    string `json:"partition"`
		Undispatched []struct {
			StreamID       string `json:"stream_id"`
			CommitID       string `json:"commit_id"`
			CommitSequence int64  `json:"commit_sequence"`
		} `json:"undispatched"`
	}
	if err := getJSON(*cf.addr, fmt.Sprintf("/v1/partitions/%s/undispatched", *cf.partition), *cf.token, *cf.timeout, &payload); err != nil {
		fail(err)
	}

	if *cf.jsonOut {
		emitJSON(payload)
		return
	}
	fmt.Printf("partition %s: %d undispatched commit(s)\n", payload.Partition, len(payload.Undispatched))
	for _, row := range payload.Undispatched {
		fmt.Printf("  %s @%d  commit=%s\n", row.StreamID, row.CommitSequence, row.CommitID)
	}
}

func runSnapshotCandidates(args []string) {
	fs := flag.NewFlagSet("snapshot-candidates", flag.ExitOnError)
	cf := bindCommon(fs)
	threshold := fs.Int64("threshold", 100, "unsnapshotted lag threshold")
	_ = fs.Parse(args)

	var payload struct {
		Partition  string `json:"partition"`
		Threshold  int64  `json:"threshold"`
		Candidates []struct {
			Partition        string
			StreamID         string
			HeadRevision     int64
			SnapshotRevision int64
			Unsnapshotted    int64
		} `json:"candidates"`
	}
	path := fmt.Sprintf("/v1/partitions/%s/snapshot-candidates?threshold=%d", *cf.partition, *threshold)
	if err := getJSON(*cf.addr, path, *cf.token, *cf.timeout, &payload); err != nil {
		fail(err)
	}

	if *cf.jsonOut {
		emitJSON(payload)
		return
	}
	fmt.Printf("partition %s: %d stream(s) past threshold %d\n", payload.Partition, len(payload.Candidates), payload.Threshold)
	for _, c := range payload.Candidates {
		fmt.Printf("  %s  head=%d  lag=%d\n", c.StreamID, c.HeadRevision, c.Unsnapshotted)
	}
}

func runPurge(args []string) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	cf := bindCommon(fs)
	confirm := fs.Bool("yes", false, "confirm the destructive purge")
	_ = fs.Parse(args)

	if !*confirm {
		fmt.Fprintln(os.Stderr, "purge is destructive; re-run with -yes to confirm")
		os.Exit(1)
	}

	var payload struct {
		Status    string `json:"status"`
		Partition string `json:"partition"`
	}
	if err := postJSON(*cf.addr, fmt.Sprintf("/v1/partitions/%s/purge", *cf.partition), *cf.token, *cf.timeout, &payload); err != nil {
		fail(err)
	}

	if *cf.jsonOut {
		emitJSON(payload)
		return
	}
	fmt.Printf("partition %s purged (%s)\n", payload.Partition, payload.Status)
}

func getJSON(addr, path, token string, timeout time.Duration, out any) error {
	return doRequest(http.MethodGet, addr, path, token, timeout, out)
}

func postJSON(addr, path, token string, timeout time.Duration, out any) error {
	return doRequest(http.MethodPost, addr, path, token, timeout, out)
}

func doRequest(method, addr, path, token string, timeout time.Duration, out any) error {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequest(method, addr+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, string(body))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func emitJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
