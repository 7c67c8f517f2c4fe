// Command adminctl is a thin flag-parsed CLI over the Admin API: list,
// retry, and discard dead-letter entries. One verb per subcommand, flat
// flags, a plain http.Client.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "ingestd HTTP address")

	switch cmd {
	case "list":
		fs.Parse(args)
		if err := listEntries(*server); err != nil {
			fail(err)
		}
	case "retry":
		force := fs.Bool("force", false, "override a permanently-failed entry")
		fs.Parse(args)
		if fs.NArg() != 1 {
			usage()
			os.Exit(2)
		}
		if err := retryEntry(*server, fs.Arg(0), *force); err != nil {
			fail(err)
		}
	case "discard":
		fs.Parse(args)
		if fs.NArg() != 1 {
			usage()
			os.Exit(2)
		}
		if err := discardEntry(*server, fs.Arg(0)); err != nil {
			fail(err)
		}
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `adminctl: operate the dead-letter queue over the Admin API

Usage:
  adminctl list    [-server url]
  adminctl retry   [-server url] [-force] <entry-id>
  adminctl discard [-server url] <entry-id>`)
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "adminctl:", err)
	os.Exit(1)
}

func listEntries(server string) error {
	body, status, err := doRequest(http.MethodGet, server+"/admin/dlq", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("list: %s", body)
	}
	return prettyPrint(body)
}

func retryEntry(server, id string, force bool) error {
	url := fmt.Sprintf("%s/admin/dlq/%s/retry", server, id)
	if force {
		url += "?force=true"
	}
	body, status, err := doRequest(http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("retry: %s", body)
	}
	return prettyPrint(body)
}

func discardEntry(server, id string) error {
	body, status, err := doRequest(http.MethodDelete, server+"/admin/dlq/"+id, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("discard: %s", body)
	}
	return prettyPrint(body)
}

func doRequest(method, url string, body io.Reader) ([]byte, int, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return out, resp.StatusCode, nil
}

func prettyPrint(raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
