// forgeadm is a small operator CLI over the forged status surface.
//
// Usage:
//
//	forgeadm [-config path] [-addr host:port] status
//	forgeadm workers
//	forgeadm pressure <bytes>
//	forgeadm expire
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

func main() {
	configPath := flag.String("config", "", "path to forgeadm config TOML")
	addr := flag.String("addr", "", "daemon address override")
	flag.Parse()

	cfg := defaultAdminConfig()
	if *configPath != "" {
		loaded, err := loadAdminConfig(*configPath)
		if err != nil {
			fatal(err)
		}
		cfg = loaded
	}
	if *addr != "" {
		cfg.Addr = *addr
	}

	args := flag.Args()
	if len(args) == 0 {
		fatal(fmt.Errorf("command required: status | workers | pressure <bytes> | expire"))
	}

	client := &http.Client{Timeout: cfg.Timeout}
	base := "http://" + cfg.Addr

	var err error
	switch args[0] {
	case "status":
		err = get(client, base+"/health")
	case "workers":
		err = get(client, base+"/workers")
	case "pressure":
		if len(args) < 2 {
			fatal(fmt.Errorf("pressure requires a byte count"))
		}
		var target uint64
		target, err = strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			fatal(fmt.Errorf("bad byte count %q: %w", args[1], err))
		}
		err = post(client, base+"/pressure", map[string]uint64{"target_bytes": target})
	case "expire":
		err = post(client, base+"/workers/expire", nil)
	default:
		fatal(fmt.Errorf("unknown command %q", args[0]))
	}
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "forgeadm: %v\n", err)
	os.Exit(1)
}

func get(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return dump(resp)
}

func post(client *http.Client, url string, body any) error {
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return err
		}
		payload = bytes.NewReader(raw)
	}
	resp, err := client.Post(url, "application/json", payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return dump(resp)
}

func dump(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		pretty.Write(raw)
	}
	fmt.Println(pretty.String())
	if resp.StatusCode >= 400 {
		return fmt.Errorf("daemon returned %s", resp.Status)
	}
	return nil
}
