package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"radicalpixels.io/internal/sim/registry"
	"radicalpixels.io/internal/units"
)

func stateCmd(args []string) {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	raw := fs.Bool("raw", false, "print the response as returned")
	_ = fs.Parse(args)

	b, ok := adminRequest(http.MethodGet, *baseURL, "/admin/v1/state", 5*time.Second)
	if *raw || !ok {
		fmt.Println(string(b))
		if !ok {
			os.Exit(1)
		}
		return
	}
	line, err := formatState(b)
	if err != nil {
		fmt.Fprintln(os.Stderr, "decode:", err)
		os.Exit(1)
	}
	fmt.Println(line)
}

func snapshotCmd(args []string) {
	fs := flag.NewFlagSet("snapshot", flag.ExitOnError)
	baseURL := fs.String("url", "http://127.0.0.1:8080", "server base url")
	_ = fs.Parse(args)

	b, ok := adminRequest(http.MethodPost, *baseURL, "/admin/v1/snapshot", 10*time.Second)
	fmt.Println(string(b))
	if !ok {
		os.Exit(1)
	}
}

func adminRequest(method, baseURL, path string, timeout time.Duration) ([]byte, bool) {
	u := strings.TrimRight(strings.TrimSpace(baseURL), "/") + path
	req, _ := http.NewRequest(method, u, nil)
	cl := &http.Client{Timeout: timeout}
	resp, err := cl.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "request:", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return b, resp.StatusCode/100 == 2
}

// formatState renders /admin/v1/state as one human-readable line.
func formatState(b []byte) (string, error) {
	var st struct {
		RegistryID string `json:"registry_id"`
		Params     struct {
			Decimals int32 `json:"decimals"`
		} `json:"params"`
		Metrics   registry.Metrics `json:"metrics"`
		Observers int              `json:"observers"`
	}
	if err := json.Unmarshal(b, &st); err != nil {
		return "", err
	}
	m := st.Metrics
	return fmt.Sprintf("registry=%s seq=%d time=%d actors=%d owned=%d auctions=%d supply=%s failed=%d inbox=%d observers=%d",
		st.RegistryID, m.Seq, m.LastTime, m.Actors, m.OwnedCells, m.OpenAuctions,
		units.FormatAmount(m.TotalSupply, st.Params.Decimals), m.Failed, m.InboxDepth, st.Observers), nil
}
